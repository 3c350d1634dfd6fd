package dao

import (
	"context"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/model"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
)

var trafficLogLog = logx.New(logx.WithPrefix("dao.traffic_log"))

// TrafficLogAggregator 流结束记录的写后批量落库。
// 入队不阻塞：队列满时丢弃并计数，relay 收尾不等数据库。
type TrafficLogAggregator struct {
	db         *gorm.DB
	flushEvery time.Duration
	maxBatch   int
	maxKeep    int // 写库失败时最多保留的条数

	inCh    chan model.TrafficLog
	dropped atomic.Int64
	written atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewTrafficLogAggregator(db *gorm.DB, flushEvery time.Duration, maxBatch int) *TrafficLogAggregator {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &TrafficLogAggregator{
		db:         db,
		flushEvery: flushEvery,
		maxBatch:   maxBatch,
		maxKeep:    maxBatch * 16,
		inCh:       make(chan model.TrafficLog, maxBatch*4),
		done:       make(chan struct{}),
	}
}

func (a *TrafficLogAggregator) Start() {
	a.wg.Add(1)
	go a.run()
	trafficLogLog.Infof("started flushEvery=%v maxBatch=%d", a.flushEvery, a.maxBatch)
}

// Shutdown 写完队列里剩余的记录后返回
func (a *TrafficLogAggregator) Shutdown() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	trafficLogLog.Infof("stopped written=%d dropped=%d", a.written.Load(), a.dropped.Load())
}

func (a *TrafficLogAggregator) AddTrafficLogAsync(l model.TrafficLog) {
	select {
	case <-a.done:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.inCh <- l:
	default:
		if a.dropped.Add(1)%1000 == 1 {
			trafficLogLog.Warnf("queue full, dropping traffic log (dropped=%d)", a.dropped.Load())
		}
	}
}

// Stats 已写入 / 已丢弃
func (a *TrafficLogAggregator) Stats() (written, dropped int64) {
	return a.written.Load(), a.dropped.Load()
}

func (a *TrafficLogAggregator) run() {
	defer a.wg.Done()
	tk := time.NewTicker(a.flushEvery)
	defer tk.Stop()

	buf := make([]model.TrafficLog, 0, a.maxBatch)
	for {
		select {
		case <-a.done:
			for {
				select {
				case it := <-a.inCh:
					buf = append(buf, it)
					continue
				default:
				}
				break
			}
			if buf = a.flush(buf); len(buf) > 0 {
				a.dropped.Add(int64(len(buf)))
				trafficLogLog.Errorf("drop %d pending log(s) on shutdown", len(buf))
			}
			return

		case it := <-a.inCh:
			buf = append(buf, it)
			if len(buf) >= a.maxBatch {
				buf = a.flush(buf)
			}

		case <-tk.C:
			buf = a.flush(buf)
		}
	}
}

// flush 返回没写成功、需要留到下次的部分
func (a *TrafficLogAggregator) flush(buf []model.TrafficLog) []model.TrafficLog {
	n := len(buf)
	if n == 0 {
		return buf
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := a.db.WithContext(ctx).CreateInBatches(buf, 200).Error; err != nil {
		trafficLogLog.Errorf("batch insert failed: %v (kept=%d)", err, n)
		if n > a.maxKeep {
			a.dropped.Add(int64(n - a.maxKeep))
			buf = append(buf[:0], buf[n-a.maxKeep:]...)
		}
		return buf
	}
	a.written.Add(int64(n))
	trafficLogLog.Debugf("flush ok written=%d took=%v", n, time.Since(start))
	return buf[:0]
}
