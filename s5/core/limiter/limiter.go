package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/********** 单连接 ByteLimiter **********/

// ByteLimiter 单连接整形：漏桶，按每秒字节数释放额度
type ByteLimiter struct {
	bps int64

	mu   sync.Mutex
	last time.Time
	acc  int64
	now  func() time.Time
}

// NewLimiter bps<=0 返回 nil（不限）
func NewLimiter(bps int64) *ByteLimiter {
	if bps <= 0 {
		return nil
	}
	return &ByteLimiter{bps: bps, now: time.Now}
}

// NeedWait 写 n 字节前需要等多久；<=0 表示无需等待
func (bl *ByteLimiter) NeedWait(n int) time.Duration {
	if bl == nil || n <= 0 {
		return 0
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	now := bl.now()
	if !bl.last.IsZero() {
		bl.acc -= int64(float64(bl.bps) * now.Sub(bl.last).Seconds())
		if bl.acc < 0 {
			bl.acc = 0
		}
	}
	bl.acc += int64(n)
	bl.last = now
	if bl.acc <= bl.bps {
		return 0
	}
	over := bl.acc - bl.bps
	return time.Duration(float64(over) / float64(bl.bps) * float64(time.Second))
}

/********** 等待：单连接 + 多把共享 limiter **********/

// WaitBeforeWrite 先按单连接整形睡一次，再对所有共享 limiter 预定 n 字节，只睡最大等待；
// ctx 取消时撤销已做的预定
func WaitBeforeWrite(ctx context.Context, n int, perConn *ByteLimiter, shareds ...*rate.Limiter) error {
	if n <= 0 {
		return nil
	}
	if d := perConn.NeedWait(n); d > 0 {
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}

	now := time.Now()
	reservations := make([]*rate.Reservation, 0, len(shareds))
	cancelAll := func() {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}
	var maxDelay time.Duration
	for _, lim := range shareds {
		if lim == nil {
			continue
		}
		r := lim.ReserveN(now, n)
		if !r.OK() {
			// n 超过 burst：退化为分段等待
			cancelAll()
			return waitChunked(ctx, n, shareds...)
		}
		if d := r.DelayFrom(now); d > maxDelay {
			maxDelay = d
		}
		reservations = append(reservations, r)
	}
	if maxDelay > 0 {
		if err := sleepCtx(ctx, maxDelay); err != nil {
			cancelAll()
			return err
		}
	}
	return nil
}

func waitChunked(ctx context.Context, n int, shareds ...*rate.Limiter) error {
	for _, lim := range shareds {
		if lim == nil {
			continue
		}
		for left := n; left > 0; {
			step := left
			if b := lim.Burst(); b > 0 && step > b {
				step = b
			}
			if err := lim.WaitN(ctx, step); err != nil {
				return err
			}
			left -= step
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
