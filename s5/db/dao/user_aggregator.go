package dao

import (
	"context"
	"s5proxy/s5/common/logx"
	"sort"
	"sync"
	"time"
)

var daoUserAggregatorLog = logx.New(logx.WithPrefix("dao.user_aggregator"))

// UserAggregator 用户累计流量的 write-behind：入队不阻塞热路径，按周期/批量合并后写 store
type UserAggregator struct {
	store      UserStore
	flushEvery time.Duration
	maxBatch   int
	maxKeep    int
	inCh       chan TrafficDelta

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUserAggregator(store UserStore, flushEvery time.Duration, maxBatch int) *UserAggregator {
	if flushEvery <= 0 {
		flushEvery = 700 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &UserAggregator{
		store:      store,
		flushEvery: flushEvery,
		maxBatch:   maxBatch,
		maxKeep:    maxBatch * 16,
		inCh:       make(chan TrafficDelta, maxBatch),
		ctx:        ctx,
		cancel:     cancel,
	}
	daoUserAggregatorLog.Infof("init flushEvery=%v maxBatch=%d", a.flushEvery, a.maxBatch)
	return a
}

func (a *UserAggregator) Start() {
	a.wg.Add(1)
	go a.worker()
	daoUserAggregatorLog.Infof("started")
}

// Shutdown 排空队列并做最后一次写入
func (a *UserAggregator) Shutdown() {
	daoUserAggregatorLog.Infof("shutdown begin")
	a.cancel()
	a.wg.Wait()
	daoUserAggregatorLog.Infof("shutdown done")
}

func (a *UserAggregator) AddUserAsync(username string, up, down int64, lastLogin time.Time) {
	if username == "" || (up == 0 && down == 0 && lastLogin.IsZero()) {
		return
	}
	select {
	case <-a.ctx.Done():
		return
	case a.inCh <- TrafficDelta{Username: username, Up: up, Down: down, LastLogin: lastLogin}:
	}
}

func merge(buf []TrafficDelta) []TrafficDelta {
	m := make(map[string]*TrafficDelta, len(buf))
	for _, it := range buf {
		ag := m[it.Username]
		if ag == nil {
			ag = &TrafficDelta{Username: it.Username}
			m[it.Username] = ag
		}
		ag.Up += it.Up
		ag.Down += it.Down
		if it.LastLogin.After(ag.LastLogin) {
			ag.LastLogin = it.LastLogin
		}
	}
	out := make([]TrafficDelta, 0, len(m))
	for _, d := range m {
		out = append(out, *d)
	}
	// 稳定顺序，便于排查
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (a *UserAggregator) worker() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	buf := make([]TrafficDelta, 0, a.maxBatch)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		start := time.Now()
		batch := merge(buf)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.store.AddTraffic(ctx, batch)
		cancel()
		if err != nil {
			// 整批失败：合并后保留，等下轮重试
			daoUserAggregatorLog.Errorf("flush failed: %v (kept=%d)", err, len(batch))
			buf = append(buf[:0], batch...)
			if len(buf) > a.maxKeep {
				daoUserAggregatorLog.Errorf("drop %d delta(s): store unavailable", len(buf)-a.maxKeep)
				buf = buf[len(buf)-a.maxKeep:]
			}
			return
		}
		daoUserAggregatorLog.Debugf("flush ok size=%d unique_user=%d took=%v", len(buf), len(batch), time.Since(start))
		buf = buf[:0]
	}

	for {
		select {
		case <-a.ctx.Done():
			// drain 剩余数据，尽量不丢
			for {
				select {
				case it := <-a.inCh:
					buf = append(buf, it)
					if len(buf) >= a.maxBatch {
						flush()
					}
				default:
					flush()
					return
				}
			}

		case it := <-a.inCh:
			buf = append(buf, it)
			if len(buf) >= a.maxBatch {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}
