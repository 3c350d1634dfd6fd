package bruteguard

import (
	"s5proxy/s5/common/logx"
	"strings"
	"sync"
	"time"
)

/********** 配置 **********/
type Config struct {
	// 失败计数的时间窗；超出后 fails 软清零（不影响已生效的锁）
	Window time.Duration

	// 达阈值直接封禁；未达阈值走指数退避
	MaxFails    int
	Cooldown    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// 内存清理
	GCInterval time.Duration
	AliveFor   time.Duration
}

func (c *Config) fill() {
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.MaxFails <= 0 {
		c.MaxFails = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.AliveFor <= 0 {
		c.AliveFor = 24 * time.Hour
	}
}

// backoff 第 n 次失败的锁定时长（饱和到 MaxBackoff；达阈值用 Cooldown）
func (c *Config) backoff(fails int) time.Duration {
	if fails >= c.MaxFails {
		return c.Cooldown
	}
	d := c.BaseBackoff
	for i := 1; i < fails && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

type Option func(*Guard)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithClearIPOnSuccess 登录成功时也清 ip 维度
func WithClearIPOnSuccess() Option { return func(g *Guard) { g.clearIPOnSuccess = true } }

/********** 运行时结构 **********/
type entry struct {
	fails       int
	lastFail    time.Time
	lockedUntil time.Time
	lastSeen    time.Time
}

// Guard 按 ip / user / ip|user 三个维度记录失败并限速
type Guard struct {
	cfg Config

	mu     sync.Mutex
	store  map[string]*entry
	lastGC time.Time
	now    func() time.Time

	clearIPOnSuccess bool
	log              *logx.Logger
}

func New(cfg Config, opts ...Option) *Guard {
	cfg.fill()
	g := &Guard{
		cfg:   cfg,
		store: make(map[string]*entry, 1024),
		now:   time.Now,
		log:   logx.New(logx.WithPrefix("bruteguard")),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

/********** 主流程 **********/

// Allow 认证前调用：是否允许尝试，以及还需等待多久
func (g *Guard) Allow(ip, user string) (ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.gc(now)

	var until time.Time
	for _, k := range keys(ip, user) {
		if e := g.get(k, now); e != nil && e.lockedUntil.After(until) {
			until = e.lockedUntil
		}
	}
	if !until.After(now) {
		return true, 0
	}
	g.log.Debugf("BLOCK ip=%q user=%q wait=%s", ip, user, until.Sub(now))
	return false, until.Sub(now)
}

// Fail 用户名不存在/密码错误都算一次失败
func (g *Guard) Fail(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.gc(now)

	for _, k := range keys(ip, user) {
		e := g.get(k, now)
		if e == nil {
			e = &entry{}
			g.store[k] = e
		}
		e.fails++
		e.lastFail, e.lastSeen = now, now
		if until := now.Add(g.cfg.backoff(e.fails)); until.After(e.lockedUntil) {
			e.lockedUntil = until
		}
		g.log.Debugf("FAIL key=%s fails=%d until=%s", k, e.fails, e.lockedUntil.Format(time.RFC3339))
	}
}

// Success 清 user 与 ip|user；ip 维度默认保留
func (g *Guard) Success(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	ip, user = strings.TrimSpace(ip), strings.TrimSpace(user)
	if user == "" {
		return
	}
	clear := []string{"user:" + user}
	if ip != "" {
		clear = append(clear, "ipuser:"+ip+"|"+user)
		if g.clearIPOnSuccess {
			clear = append(clear, "ip:"+ip)
		}
	}
	for _, k := range clear {
		if e := g.get(k, now); e != nil {
			e.fails = 0
			e.lockedUntil = time.Time{}
		}
	}
}

// Stats 当前条目数 / 处于封禁的条目数
func (g *Guard) Stats() (keys int, blocked int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, e := range g.store {
		keys++
		if e.lockedUntil.After(now) {
			blocked++
		}
	}
	return
}

/********** 内部 **********/
func (g *Guard) get(k string, now time.Time) *entry {
	e := g.store[k]
	if e == nil {
		return nil
	}
	// 只软清零 fails，不提前解封
	if !e.lastFail.IsZero() && now.Sub(e.lastFail) > g.cfg.Window {
		e.fails = 0
	}
	e.lastSeen = now
	return e
}

func (g *Guard) gc(now time.Time) {
	if now.Sub(g.lastGC) < g.cfg.GCInterval {
		return
	}
	g.lastGC = now
	for k, e := range g.store {
		if now.Sub(e.lastSeen) > g.cfg.AliveFor && !e.lockedUntil.After(now) {
			delete(g.store, k)
		}
	}
}

func keys(ip, user string) []string {
	ip = strings.TrimSpace(ip)
	user = strings.TrimSpace(user)
	switch {
	case ip != "" && user != "":
		return []string{"ip:" + ip, "user:" + user, "ipuser:" + ip + "|" + user}
	case ip != "":
		return []string{"ip:" + ip}
	case user != "":
		return []string{"user:" + user}
	default:
		return nil
	}
}
