package flow

import (
	"s5proxy/s5/core/iface"
	"sync"
	"time"
)

const DefaultCooldown = 70 * time.Millisecond

// AutoReader 入站侧的读开关
type AutoReader interface {
	SetAutoRead(on bool)
}

type Option func(*Controller)

func WithCooldown(d time.Duration) Option    { return func(c *Controller) { c.cooldown = d } }
func WithScheduler(s iface.Scheduler) Option { return func(c *Controller) { c.sched = s } }
func WithClock(now func() time.Time) Option  { return func(c *Controller) { c.now = now } }
func WithAutoReader(r AutoReader) Option     { return func(c *Controller) { c.reader = r } }

// WithCallbacks 背压开始/结束回调
func WithCallbacks(start, end func()) Option {
	return func(c *Controller) { c.onStart, c.onEnd = start, end }
}

// Controller 单连接背压状态机：可写性信号 → 暂停/恢复入站读取
type Controller struct {
	mu       sync.Mutex
	paused   bool
	last     time.Time // 上一次状态切换
	latest   bool      // 最近一次收到的可写性
	pending  iface.Timer
	gen      uint64 // 复查定时器代数，过期的回调直接丢弃
	closed   bool
	cooldown time.Duration

	sched   iface.Scheduler
	now     func() time.Time
	reader  AutoReader
	onStart func()
	onEnd   func()
}

func New(opts ...Option) *Controller {
	c := &Controller{
		latest:   true,
		cooldown: DefaultCooldown,
		sched:    iface.StdScheduler,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WritabilityChanged 冷却窗口内只保留一个复查定时器，以最后一次信号为准
func (c *Controller) WritabilityChanged(writable bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.latest = writable
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	if !c.last.IsZero() {
		if elapsed := c.now().Sub(c.last); elapsed < c.cooldown {
			c.gen++
			gen := c.gen
			c.pending = c.sched.AfterFunc(c.cooldown-elapsed, func() { c.recheck(gen) })
			c.mu.Unlock()
			return
		}
	}
	fire := c.applyLocked(writable)
	c.mu.Unlock()
	fire()
}

func (c *Controller) recheck(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	fire := c.applyLocked(c.latest)
	c.mu.Unlock()
	fire()
}

func noop() {}

// applyLocked 返回需要在锁外执行的回调
func (c *Controller) applyLocked(writable bool) func() {
	switch {
	case !writable && !c.paused:
		c.paused = true
		c.last = c.now()
		return func() {
			if c.reader != nil {
				c.reader.SetAutoRead(false)
			}
			if c.onStart != nil {
				c.onStart()
			}
		}
	case writable && c.paused:
		c.paused = false
		c.last = c.now()
		return c.resumeFn()
	}
	return noop
}

func (c *Controller) resumeFn() func() {
	return func() {
		if c.reader != nil {
			c.reader.SetAutoRead(true)
		}
		if c.onEnd != nil {
			c.onEnd()
		}
	}
}

// Close 连接失效/异常：无论当前状态都强制恢复并取消复查定时器；幂等
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()
	if wasPaused {
		c.resumeFn()()
	} else if c.reader != nil {
		c.reader.SetAutoRead(true)
	}
}
