package app

import (
	"context"
	"fmt"
	"s5proxy/s5/common/bruteguard"
	"s5proxy/s5/common/config"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/accounting"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/core/job/retention"
	"s5proxy/s5/core/limiter"
	"s5proxy/s5/core/listener"
	"s5proxy/s5/core/route"
	"s5proxy/s5/db"
	"s5proxy/s5/db/dao"
	"sync"
	"time"
)

type App struct {
	Cfg     *config.Config
	CfgPath string
	DB      *db.DB // auth.mode=db 或 db.enable 时非 nil

	Users     *auth.Registry
	Store     dao.UserStore // auth.mode=none/anonymous 时为 nil
	Auth      auth.Authenticator
	Guard     *bruteguard.Guard
	Limiters  *limiter.UserLimiterStore
	Router    *route.StaticRouter
	FakeHosts *route.FakeHosts
	Sink      accounting.Sink

	UserAggregator       *dao.UserAggregator
	TrafficLogAggregator *dao.TrafficLogAggregator

	mu        sync.Mutex
	servers   []*listener.Server
	closeOnce sync.Once
	closeErr  error

	Ctx    context.Context
	Cancel context.CancelFunc

	Log *logx.Logger
}

var log = logx.New(logx.WithPrefix("app"))

func New(cfgPath string) (*App, error) {
	cfg, cfgP, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log.Infof("config loaded from %s", cfgP)
	a, err := NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.CfgPath = cfgP
	return a, nil
}

// NewWithConfig 组装共享组件；不绑定端口
func NewWithConfig(cfg *config.Config) (*App, error) {
	a := &App{
		Cfg:   cfg,
		Users: auth.NewRegistry(),
		Log:   log,
	}
	a.Ctx, a.Cancel = context.WithCancel(context.Background())
	logx.SetLevelString(cfg.Logging.Level)

	if cfg.DB.Enable {
		a.Log.Debugf("opening db: driver=%s", cfg.DB.Driver)
		d, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN, cfg.DB.Pool)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := d.Migrate(); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		a.DB = d
		a.Log.Infof("db connected (driver=%s)", d.Driver)

		a.TrafficLogAggregator = dao.NewTrafficLogAggregator(d.GormDataSource, time.Second, 1000)
		a.TrafficLogAggregator.Start()
	}

	// 暴力防护
	a.Guard = bruteguard.New(bruteguard.Config{
		Window:      10 * time.Minute,
		MaxFails:    5,
		Cooldown:    30 * time.Minute,
		BaseBackoff: 3 * time.Second,
		MaxBackoff:  1 * time.Minute,
		GCInterval:  1 * time.Minute,
		AliveFor:    12 * time.Hour,
	})

	if err := a.setupAuth(); err != nil {
		a.closeShared()
		return nil, err
	}
	if a.Store != nil {
		a.UserAggregator = dao.NewUserAggregator(a.Store, 500*time.Millisecond, 1500)
		a.UserAggregator.Start()
	}

	a.Limiters = limiter.NewUserLimiterStore(12*time.Hour, 5*time.Minute)

	r, err := route.NewStaticRouter(route.StaticConfig{
		Chain:         cfg.Route.Chain,
		ChainUDP:      cfg.Route.ChainUDP,
		ChainUsername: cfg.Route.ChainUsername,
		ChainPassword: cfg.Route.ChainPassword,
		Alternates:    cfg.Route.Alternates,
		Block:         cfg.Route.Block,
	})
	if err != nil {
		a.closeShared()
		return nil, err
	}
	a.Router = r
	a.FakeHosts = route.NewFakeHosts(cfg.Route.FakeSuffix)

	ic := accounting.InfluxConfig(cfg.Influx)
	if ic.Enabled() {
		a.Sink = accounting.NewInfluxSink(ic)
	}
	return a, nil
}

/* -------------------- 启动 -------------------- */

// Start 依次启动所有监听器；任何一个失败则停掉已启动的并返回错误
func (a *App) Start() error {
	var started []*listener.Server
	for _, lc := range a.Cfg.Listeners {
		s, err := a.buildServer(lc)
		if err != nil {
			a.stopServers(started)
			return err
		}
		if err := s.Start(); err != nil {
			a.stopServers(started)
			return err
		}
		a.Log.Infof("[%s] started on %s (udp %v)", s.Name(), s.Addr(), s.UDPAddr())
		started = append(started, s)
	}
	a.mu.Lock()
	a.servers = append(a.servers, started...)
	a.mu.Unlock()
	if len(started) == 0 {
		a.Log.Warnf("no listeners configured")
	}
	if a.DB != nil && a.Cfg.DB.RetentionDays > 0 {
		retention.StartTrafficLogTicker(a.Ctx, a.DB, time.Duration(a.Cfg.DB.RetentionDays)*24*time.Hour, time.Hour)
	}
	return nil
}

func (a *App) Servers() []*listener.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*listener.Server(nil), a.servers...)
}

// Sessions 所有监听器的活跃会话
func (a *App) Sessions() []listener.Sessions {
	ss := a.Servers()
	out := make([]listener.Sessions, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Sessions())
	}
	return out
}

func (a *App) stopServers(ss []*listener.Server) {
	var wg sync.WaitGroup
	for _, s := range ss {
		wg.Add(1)
		go func(s *listener.Server) {
			defer wg.Done()
			s.StopWithTimeout(10 * time.Second)
		}(s)
	}
	wg.Wait()
}

/* -------------------- 关闭 -------------------- */

// Stop 先停监听器（流结算入队），再冲刷 write-behind
func (a *App) Stop() error {
	a.mu.Lock()
	olds := a.servers
	a.servers = nil
	a.mu.Unlock()
	a.stopServers(olds)
	for _, s := range olds {
		a.Log.Infof("[%s] stopped", s.Name())
	}
	if a.Cancel != nil {
		a.Cancel()
	}
	return a.closeShared()
}

func (a *App) closeShared() error {
	a.closeOnce.Do(func() { a.closeErr = a.doClose() })
	return a.closeErr
}

func (a *App) doClose() error {
	if a.UserAggregator != nil {
		a.UserAggregator.Shutdown()
		a.Log.Infof("user aggregator stopped")
	}
	if a.TrafficLogAggregator != nil {
		a.TrafficLogAggregator.Shutdown()
		a.Log.Infof("traffic aggregator stopped")
	}
	if a.Sink != nil {
		a.Sink.Close()
	}
	if a.Limiters != nil {
		a.Limiters.Close()
	}
	var err error
	if a.DB != nil {
		err = a.DB.Close()
	}
	a.Log.Infof("app stopped")
	return err
}
