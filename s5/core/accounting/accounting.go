package accounting

import (
	"net/netip"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/model"
	"sort"
	"sync"
	"time"
)

var accLog = logx.New(logx.WithPrefix("accounting"))

const DefaultInterval = time.Second

// Meter 流的累计字节：TCP 为面向客户端的 CountingConn，UDP 为会话本身
type Meter interface {
	Up() int64
	Down() int64
}

// UserPersister 用户累计值的 write-behind（dao.UserAggregator）
type UserPersister interface {
	AddUserAsync(username string, up, down int64, lastLogin time.Time)
}

// LogPersister 流结束记录（dao.TrafficLogAggregator）
type LogPersister interface {
	AddTrafficLogAsync(l model.TrafficLog)
}

type Options struct {
	Listener string
	Interval time.Duration // 采样周期
	Users    UserPersister
	Logs     LogPersister
	Sink     Sink
	Now      func() time.Time
}

// Meta 流的身份；User 为 nil 表示未认证
type Meta struct {
	ID       string
	Protocol string
	User     *auth.User
	IP       netip.Addr
	Source   string
	Target   string
	// HoldsLogin 流结束时归还该 IP 的一次登录引用（控制连接 / CONNECT 连接持有，UDP 会话不持有）
	HoldsLogin bool
}

// Accountant 一个监听器内所有活跃流的计数、采样与结束结算
type Accountant struct {
	opts Options

	mu   sync.Mutex
	live map[string]*Flow

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(opts Options) *Accountant {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Accountant{opts: opts, live: make(map[string]*Flow), stop: make(chan struct{})}
}

// Start 启动周期采样
func (a *Accountant) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.sampler()
	})
}

// Close 停止采样；未结束的流由各自的连接负责 Finish
func (a *Accountant) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *Accountant) sampler() {
	defer a.wg.Done()
	t := time.NewTicker(a.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-t.C:
			a.sample(a.opts.Now())
		}
	}
}

// sample 计算每条活跃流在本周期内的增量与速率
func (a *Accountant) sample(now time.Time) {
	for _, f := range a.snapshot() {
		s, ok := f.tick(now, a.opts.Interval)
		if ok && a.opts.Sink != nil {
			a.opts.Sink.Write(s)
		}
	}
}

func (a *Accountant) snapshot() []*Flow {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Flow, 0, len(a.live))
	for _, f := range a.live {
		out = append(out, f)
	}
	return out
}

// Track 登记一条流；调用方必须在流结束时调用 Finish
func (a *Accountant) Track(m Meta, meter Meter) *Flow {
	f := &Flow{meta: m, a: a, meter: meter, started: a.opts.Now()}
	a.mu.Lock()
	a.live[m.ID] = f
	a.mu.Unlock()
	return f
}

func (a *Accountant) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Flows 活跃流快照，按开始时间排序
func (a *Accountant) Flows() []FlowInfo {
	fs := a.snapshot()
	out := make([]FlowInfo, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

/************** Flow **************/

type Flow struct {
	meta    Meta
	a       *Accountant
	meter   Meter
	started time.Time

	mu       sync.Mutex
	target   string
	lastUp   int64
	lastDown int64
	rateUp   float64
	rateDown float64

	once  sync.Once
	ended time.Time
}

type FlowInfo struct {
	ID       string    `json:"id"`
	Listener string    `json:"listener"`
	Protocol string    `json:"protocol"`
	User     string    `json:"user"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Started  time.Time `json:"started"`
	Up       int64     `json:"up"`
	Down     int64     `json:"down"`
	RateUp   float64   `json:"rateUp"`   // B/s，最近一个采样周期
	RateDown float64   `json:"rateDown"` // B/s
}

func (f *Flow) ID() string { return f.meta.ID }

// SetTarget 命令解析后补上目标
func (f *Flow) SetTarget(t string) {
	f.mu.Lock()
	f.target = t
	f.mu.Unlock()
}

func (f *Flow) username() string {
	if f.meta.User == nil {
		return ""
	}
	return f.meta.User.Name
}

func (f *Flow) Info() FlowInfo {
	f.mu.Lock()
	target := f.target
	if target == "" {
		target = f.meta.Target
	}
	ru, rd := f.rateUp, f.rateDown
	f.mu.Unlock()
	return FlowInfo{
		ID:       f.meta.ID,
		Listener: f.a.opts.Listener,
		Protocol: f.meta.Protocol,
		User:     f.username(),
		Source:   f.meta.Source,
		Target:   target,
		Started:  f.started,
		Up:       f.meter.Up(),
		Down:     f.meter.Down(),
		RateUp:   ru,
		RateDown: rd,
	}
}

// tick 采样：返回自上次采样以来的增量；无增量时 ok=false
func (f *Flow) tick(now time.Time, interval time.Duration) (Sample, bool) {
	up, down := f.meter.Up(), f.meter.Down()
	f.mu.Lock()
	du, dd := up-f.lastUp, down-f.lastDown
	f.lastUp, f.lastDown = up, down
	sec := interval.Seconds()
	f.rateUp, f.rateDown = float64(du)/sec, float64(dd)/sec
	f.mu.Unlock()
	if du == 0 && dd == 0 {
		return Sample{}, false
	}
	return f.sampleOf(now, du, dd), true
}

func (f *Flow) sampleOf(now time.Time, du, dd int64) Sample {
	return Sample{
		Time:     now,
		ID:       f.meta.ID,
		User:     f.username(),
		Listener: f.a.opts.Listener,
		Protocol: f.meta.Protocol,
		Up:       du,
		Down:     dd,
	}
}

// Finish 幂等：合并到用户累计、归还登录引用、异步持久化
func (f *Flow) Finish() (up, down int64) {
	f.once.Do(func() {
		a := f.a
		now := a.opts.Now()
		up, down = f.meter.Up(), f.meter.Down()

		a.mu.Lock()
		if a.live[f.meta.ID] == f {
			delete(a.live, f.meta.ID)
		}
		a.mu.Unlock()

		f.mu.Lock()
		f.ended = now
		du, dd := up-f.lastUp, down-f.lastDown
		f.lastUp, f.lastDown = up, down
		target := f.target
		if target == "" {
			target = f.meta.Target
		}
		f.mu.Unlock()

		if u := f.meta.User; u != nil {
			u.AddTraffic(up, down)
			if f.meta.HoldsLogin {
				u.Release(f.meta.IP)
			}
			if a.opts.Users != nil && (up > 0 || down > 0) {
				a.opts.Users.AddUserAsync(u.Name, up, down, u.LastLogin())
			}
		}
		if a.opts.Logs != nil && (up > 0 || down > 0) {
			a.opts.Logs.AddTrafficLogAsync(model.TrafficLog{
				ConnId:     f.meta.ID,
				Time:       f.started.UnixMilli(),
				Username:   f.username(),
				Listener:   a.opts.Listener,
				Protocol:   f.meta.Protocol,
				Up:         up,
				Down:       down,
				Dur:        now.Sub(f.started).Milliseconds(),
				SourceAddr: f.meta.Source,
				TargetAddr: target,
			})
		}
		if a.opts.Sink != nil && (du > 0 || dd > 0) {
			a.opts.Sink.Write(f.sampleOf(now, du, dd))
		}
		accLog.Debugf("[%s] %s finish user=%q src=%s dst=%s up=%d down=%d dur=%v",
			f.meta.ID, f.meta.Protocol, f.username(), f.meta.Source, target, up, down, now.Sub(f.started))
	})
	return f.meter.Up(), f.meter.Down()
}
