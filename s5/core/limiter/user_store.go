package limiter

import (
	"math"
	"s5proxy/s5/common"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// 单个用户的共享限速条目
type entry struct {
	upLimiter   *rate.Limiter
	downLimiter *rate.Limiter
	upBps       int64 // Bytes/s；<=0 表示不限制
	downBps     int64
	lastAccess  time.Time
}

// UserLimiterStore 用户名 → 上/下行共享限速器；同一用户的所有 TCP 连接与 UDP 会话共用一把
type UserLimiterStore struct {
	mu      sync.RWMutex
	items   map[string]*entry
	ttl     time.Duration
	tick    time.Duration
	stopCh  chan struct{}
	stopped bool
}

// NewUserLimiterStore ttl 为无访问淘汰时长；tick 为清理周期（默认 ttl/4，至少 1 分钟）
func NewUserLimiterStore(ttl, tick time.Duration) *UserLimiterStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if tick <= 0 {
		tick = ttl / 4
		if tick < time.Minute {
			tick = time.Minute
		}
	}
	s := &UserLimiterStore{
		items:  make(map[string]*entry),
		ttl:    ttl,
		tick:   tick,
		stopCh: make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *UserLimiterStore) GetUp(user string) *rate.Limiter {
	if e := s.getAndTouch(user); e != nil {
		return e.upLimiter
	}
	return nil
}

func (s *UserLimiterStore) GetDown(user string) *rate.Limiter {
	if e := s.getAndTouch(user); e != nil {
		return e.downLimiter
	}
	return nil
}

// Limits 组合成 MultiLimiter，未限速的方向为空
func (s *UserLimiterStore) Limits(user string) (up, down common.MultiLimiter) {
	e := s.getAndTouch(user)
	if e == nil {
		return nil, nil
	}
	return common.Compose(e.upLimiter), common.Compose(e.downLimiter)
}

// Set <=0 表示该方向不限制；速率不变时不重建 limiter
func (s *UserLimiterStore) Set(user string, upBytesPerSec, downBytesPerSec int64) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[user]
	if !ok {
		e = &entry{}
		s.items[user] = e
	}
	e.lastAccess = now

	if upBytesPerSec <= 0 {
		e.upLimiter, e.upBps = nil, 0
	} else if e.upLimiter == nil || e.upBps != upBytesPerSec {
		e.upLimiter = rate.NewLimiter(rate.Limit(upBytesPerSec), safeBurst(upBytesPerSec))
		e.upBps = upBytesPerSec
	}

	if downBytesPerSec <= 0 {
		e.downLimiter, e.downBps = nil, 0
	} else if e.downLimiter == nil || e.downBps != downBytesPerSec {
		e.downLimiter = rate.NewLimiter(rate.Limit(downBytesPerSec), safeBurst(downBytesPerSec))
		e.downBps = downBytesPerSec
	}

	if e.upLimiter == nil && e.downLimiter == nil {
		delete(s.items, user)
	}
}

func (s *UserLimiterStore) Delete(user string) {
	s.mu.Lock()
	delete(s.items, user)
	s.mu.Unlock()
}

func (s *UserLimiterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close 停止后台清理
func (s *UserLimiterStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *UserLimiterStore) getAndTouch(user string) *entry {
	s.mu.RLock()
	e := s.items[user]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	s.mu.Lock()
	// 可能刚被清理掉，再确认一次
	if e = s.items[user]; e != nil {
		e.lastAccess = time.Now()
	}
	s.mu.Unlock()
	return e
}

func (s *UserLimiterStore) janitor() {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *UserLimiterStore) sweep(now time.Time) {
	expireBefore := now.Add(-s.ttl)
	s.mu.Lock()
	for user, e := range s.items {
		if e.lastAccess.Before(expireBefore) {
			delete(s.items, user)
		}
	}
	s.mu.Unlock()
}

// safeBurst 1 秒配额，限制在 int32 内
func safeBurst(bps int64) int {
	if bps <= 0 {
		return 0
	}
	if bps > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(bps)
}
