package listener

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/accounting"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/core/iface"
	"s5proxy/s5/core/limiter"
	"s5proxy/s5/core/proxy"
	"s5proxy/s5/core/relay"
	"s5proxy/s5/core/route"
	"s5proxy/s5/core/transport"
	"s5proxy/s5/core/udp"
	"s5proxy/s5/model"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options 监听器配置；Start 之后不再变化
type Options struct {
	Name      string
	Addr      string // host:port，port 可为 0
	Flags     transport.Flags
	Transport transport.Options

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadIdle         time.Duration
	WriteIdle        time.Duration
	UDPReadIdle      time.Duration
	UDPWriteIdle     time.Duration
	ShapingInterval  time.Duration

	MaxConnection int
	UDPAllowCIDRs []netip.Prefix
	DisableUDP    bool
}

// Deps 多个监听器共享的协作者
type Deps struct {
	Auth      auth.Authenticator // nil = NO_AUTH
	Users     *auth.Registry
	Router    route.Router
	Dialer    route.Dialer
	FakeHosts *route.FakeHosts
	Limiters  *limiter.UserLimiterStore

	UserStore accounting.UserPersister
	LogStore  accounting.LogPersister
	Sink      accounting.Sink
	Scheduler iface.Scheduler
}

// Server 一个端口上的 SOCKS5 服务（TCP + UDP），统一并发许可与生命周期
type Server struct {
	opts Options
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}

	lmu     sync.Mutex
	ln      net.Listener
	pc      net.PacketConn
	connMap map[net.Conn]struct{}

	layers  *transport.Layers
	acc     *accounting.Accountant
	udp     *udp.Relay
	handler *proxy.Handler

	fmu      sync.Mutex
	udpFlows map[string]*accounting.Flow

	startOnce sync.Once
	stopOnce  sync.Once

	Log *logx.Logger
}

func New(opts Options, deps Deps) *Server {
	if opts.Name == "" {
		opts.Name = "socks5"
	}
	if deps.Users == nil {
		deps.Users = auth.NewRegistry()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = iface.StdScheduler
	}
	permits := opts.MaxConnection
	if permits <= 0 {
		permits = math.MaxInt32
	}
	s := &Server{
		opts:     opts,
		deps:     deps,
		sem:      make(chan struct{}, permits),
		connMap:  make(map[net.Conn]struct{}),
		udpFlows: make(map[string]*accounting.Flow),
		Log:      logx.New(logx.WithPrefix("listener." + opts.Name)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) Name() string { return s.opts.Name }

func (s *Server) Context() context.Context { return s.ctx }

// AcquirePermit 非阻塞；满了直接拒绝
func (s *Server) AcquirePermit() (release func(), ok bool) {
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, true
	default:
		return func() {}, false
	}
}

var _ iface.RuntimeCtx = (*Server)(nil)

// Start 先计算编解码链（配置错误在这里返回，端口不会被占用），再绑定 TCP 与同端口 UDP
func (s *Server) Start() error {
	err := errors.New("listener: already started")
	s.startOnce.Do(func() { err = s.start() })
	return err
}

func (s *Server) start() error {
	layers, err := transport.Build(s.opts.Flags, s.opts.Transport)
	if err != nil {
		s.Log.Errorf("refuse to start %s: %v", s.opts.Addr, err)
		return fmt.Errorf("listener %s: %w", s.opts.Name, err)
	}
	s.layers = layers

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listener %s: %w", s.opts.Name, err)
	}
	var pc net.PacketConn
	if !s.opts.DisableUDP {
		host, _, _ := net.SplitHostPort(s.opts.Addr)
		port := ln.Addr().(*net.TCPAddr).Port
		pc, err = net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listener %s udp: %w", s.opts.Name, err)
		}
	}

	s.acc = accounting.New(accounting.Options{
		Listener: s.opts.Name,
		Interval: s.opts.ShapingInterval,
		Users:    s.deps.UserStore,
		Logs:     s.deps.LogStore,
		Sink:     s.deps.Sink,
	})
	s.acc.Start()

	var gate auth.Gate
	gate.Auth = s.deps.Auth
	gate.Timeout = s.opts.HandshakeTimeout

	s.handler = &proxy.Handler{
		Listener: s.opts.Name,
		Gate:     &gate,
		Connector: &route.Connector{
			Router:  s.deps.Router,
			Dialer:  s.deps.Dialer,
			Timeout: s.opts.ConnectTimeout,
		},
		FakeHosts:  s.deps.FakeHosts,
		Backend:    layers.Backend,
		Accountant: s.acc,
		Limiters:   s.deps.Limiters,
		Relay: relay.Options{
			ReadIdle:  s.opts.ReadIdle,
			WriteIdle: s.opts.WriteIdle,
			Scheduler: s.deps.Scheduler,
		},
		ConnectTimeout: s.opts.ConnectTimeout,
		UDPReadIdle:    s.opts.UDPReadIdle,
		UDPWriteIdle:   s.opts.UDPWriteIdle,
		Scheduler:      s.deps.Scheduler,
	}
	if pc != nil {
		s.udp = udp.NewRelay(pc, s.deps.Router, s.udpOptions())
		s.handler.UDP = s.udp
	}

	s.lmu.Lock()
	s.ln, s.pc = ln, pc
	s.lmu.Unlock()

	s.Log.Infof("[%s] listening on %s flags=%s frontend=%s backend=%s",
		s.opts.Name, ln.Addr(), s.opts.Flags, layers.Frontend, layers.Backend)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.serveLoop(ln); err != nil && s.ctx.Err() == nil {
			s.Log.Errorf("[%s] accept loop stopped: %v", s.opts.Name, err)
		}
	}()
	if s.udp != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.udp.Serve(s.ctx); err != nil && s.ctx.Err() == nil {
				s.Log.Errorf("[%s] udp relay stopped: %v", s.opts.Name, err)
			}
		}()
	}
	return nil
}

func (s *Server) udpOptions() udp.Options {
	o := udp.Options{
		ReadIdle:       s.opts.UDPReadIdle,
		WriteIdle:      s.opts.UDPWriteIdle,
		ConnectTimeout: s.opts.ConnectTimeout,
		AllowCIDRs:     s.opts.UDPAllowCIDRs,
		Scheduler:      s.deps.Scheduler,
		Dialer:         s.deps.Dialer,
		OnOpen:         s.udpOpened,
		OnClose:        s.udpClosed,
	}
	if s.deps.Limiters != nil {
		o.Limits = s.deps.Limiters.Limits
	}
	return o
}

// udpOpened UDP 会话作为独立的流计账；登录引用由控制连接持有
func (s *Server) udpOpened(sess *udp.Session) {
	var u *auth.User
	if sess.User != "" {
		u = s.deps.Users.Get(sess.User)
	}
	f := s.acc.Track(accounting.Meta{
		ID:       sess.ID,
		Protocol: model.ProtocolUDP,
		User:     u,
		IP:       common.NormalizeAddr(sess.Source.IP),
		Source:   sess.Source.String(),
	}, sess)
	s.fmu.Lock()
	s.udpFlows[sess.ID] = f
	s.fmu.Unlock()
}

func (s *Server) udpClosed(sess *udp.Session) {
	s.fmu.Lock()
	f := s.udpFlows[sess.ID]
	delete(s.udpFlows, sess.ID)
	s.fmu.Unlock()
	if f == nil {
		return
	}
	if up := sess.Upstream(); !up.Destination.IsZero() {
		f.SetTarget(up.String())
	}
	f.Finish()
}

func (s *Server) Addr() net.Addr {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) UDPAddr() net.Addr {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

/************** accept **************/

func (s *Server) trackConn(c net.Conn) {
	s.lmu.Lock()
	s.connMap[c] = struct{}{}
	s.lmu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.lmu.Lock()
	delete(s.connMap, c)
	s.lmu.Unlock()
}

func (s *Server) serveLoop(ln net.Listener) error {
	defer ln.Close()
	for {
		c, err := limiter.AcceptWithContext(s.ctx, ln)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.Log.Debugf("[%s] accept loop exit", s.opts.Name)
				return nil
			}
			return err
		}
		s.trackConn(c)
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer s.untrackConn(c)
			s.serveConn(c)
		}(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	remote := c.RemoteAddr().String()
	release, ok := s.AcquirePermit()
	if !ok {
		s.Log.Infof("[%s] reject %s: too many connections", s.opts.Name, remote)
		_ = c.Close()
		return
	}
	defer release()

	id := uuid.NewString()
	cl := s.Log.With("listener", s.opts.Name, "conn", id, "client", remote)
	cl.Debugf("accept")
	fc, err := s.layers.Frontend.Apply(c)
	if err != nil {
		cl.Warnf("frontend layers: %v", err)
		_ = c.Close()
		return
	}
	s.handler.Serve(s.ctx, id, fc)
}

/************** 会话 **************/

type Sessions struct {
	Listener string                `json:"listener"`
	Flows    []accounting.FlowInfo `json:"flows"`
	UDP      []udp.Info            `json:"udp"`
}

// Sessions 活跃 TCP 连接（含 UDP 控制连接）与 UDP 会话
func (s *Server) Sessions() Sessions {
	out := Sessions{Listener: s.opts.Name}
	if s.acc != nil {
		out.Flows = s.acc.Flows()
	}
	if s.udp != nil {
		out.UDP = s.udp.Table().Sessions()
	}
	return out
}

/************** 停止 **************/

func (s *Server) Stop() { s.StopWithTimeout(10 * time.Second) }

// StopWithTimeout 取消 → 关闭监听 → 打断活动连接 IO → 等待；超时后强制关闭
func (s *Server) StopWithTimeout(timeout time.Duration) {
	s.stopOnce.Do(func() {
		s.Log.Infof("[%s] stopping (timeout=%s)", s.opts.Name, timeout)
		s.cancel()

		s.lmu.Lock()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.pc != nil {
			_ = s.pc.Close()
		}
		now := time.Now()
		for c := range s.connMap {
			_ = c.SetDeadline(now)
		}
		s.lmu.Unlock()

		done := make(chan struct{})
		go func() { s.wg.Wait(); close(done) }()
		select {
		case <-done:
			s.Log.Debugf("[%s] stopped gracefully", s.opts.Name)
		case <-time.After(timeout):
			s.Log.Infof("[%s] force close all active conns after timeout", s.opts.Name)
			s.lmu.Lock()
			for c := range s.connMap {
				_ = c.Close()
			}
			s.lmu.Unlock()
		}
		if s.acc != nil {
			s.acc.Close()
		}
	})
}
