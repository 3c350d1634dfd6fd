package udp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/iface"
	"s5proxy/s5/core/route"
	"s5proxy/s5/core/socks"
	"time"

	"github.com/google/uuid"
)

/************** 组件日志 **************/
var udpLog = logx.New(logx.WithPrefix("proxy.udp"))

const (
	defaultIdle           = 120 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	ReadIdle       time.Duration // 上游→客户端 空闲
	WriteIdle      time.Duration // 客户端→上游 空闲
	ConnectTimeout time.Duration // 链式 UDP ASSOCIATE 握手
	AllowCIDRs     []netip.Prefix

	Scheduler iface.Scheduler
	Now       func() time.Time
	Dialer    Dialer

	// Limits 按用户返回上/下行限速（可为 nil）
	Limits  func(user string) (up, down common.MultiLimiter)
	OnOpen  func(*Session) // 新会话入表
	OnClose func(*Session) // 会话结束（出表之后）
	Log     *logx.Logger
}

func (o *Options) fill() {
	if o.ReadIdle <= 0 && o.WriteIdle <= 0 {
		o.ReadIdle = defaultIdle
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.Scheduler == nil {
		o.Scheduler = iface.StdScheduler
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	if o.Log == nil {
		o.Log = udpLog
	}
}

// idleCheck 首次空闲检查的间隔
func (o *Options) idleCheck() time.Duration {
	switch {
	case o.ReadIdle <= 0:
		return o.WriteIdle
	case o.WriteIdle <= 0:
		return o.ReadIdle
	}
	if o.ReadIdle < o.WriteIdle {
		return o.ReadIdle
	}
	return o.WriteIdle
}

// Relay 监听端口上的 UDP 中继：按客户端源端点建 NAT 会话
type Relay struct {
	pc     net.PacketConn
	router route.Router
	table  *Table
	assoc  *assocRegistry
	guard  route.Guard // 可为 nil
	opts   Options
	log    *logx.Logger
}

func NewRelay(pc net.PacketConn, router route.Router, opts Options) *Relay {
	opts.fill()
	r := &Relay{
		pc:     pc,
		router: router,
		table:  NewTable(),
		assoc:  newAssocRegistry(),
		opts:   opts,
		log:    opts.Log,
	}
	if g, ok := router.(route.Guard); ok {
		r.guard = g
	}
	return r
}

func (r *Relay) Table() *Table { return r.table }

func (r *Relay) LocalAddr() net.Addr { return r.pc.LocalAddr() }

// Associate 登记一个处于 UDP ASSOCIATE 的控制连接；返回的 release 在控制连接结束时调用，
// 该 IP 最后一个控制连接结束时关闭它的全部会话
func (r *Relay) Associate(ip netip.Addr, user string) (release func()) {
	ip = ip.Unmap()
	r.assoc.add(ip, user)
	var done bool
	return func() {
		if done {
			return
		}
		done = true
		if r.assoc.remove(ip) {
			if n := r.table.closeFrom(ip); n > 0 {
				r.log.Debugf("association %s ended, closed %d session(s)", ip, n)
			}
		}
	}
}

// Active 来源 IP 仍在使用的会话数
func (r *Relay) Active(ip netip.Addr) int { return r.table.CountFrom(ip.Unmap()) }

// allowed 防伪造：来源 IP 必须有活动的 ASSOCIATE 或位于允许网段
func (r *Relay) allowed(ip netip.Addr) (user string, ok bool) {
	if u, ok := r.assoc.lookup(ip); ok {
		return u, true
	}
	for _, p := range r.opts.AllowCIDRs {
		if p.Contains(ip) {
			return "", true
		}
	}
	return "", false
}

// Serve 阻塞读取客户端数据报，直到 ctx 结束或 pc 关闭
func (r *Relay) Serve(ctx context.Context) error {
	defer r.table.CloseAll()
	stop := context.AfterFunc(ctx, func() { _ = r.pc.Close() })
	defer stop()

	buf := make([]byte, socks.MaxUDPPacket)
	for {
		n, src, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			r.log.Errorf("read client err: %v", err)
			return err
		}
		ua, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		r.handle(ctx, ua, buf[:n])
	}
}

func (r *Relay) handle(ctx context.Context, src *net.UDPAddr, pkt []byte) {
	ip := common.NormalizeAddr(src.IP)
	user, ok := r.allowed(ip)
	if !ok {
		r.log.Warnf("drop datagram from unassociated source %s", src)
		return
	}
	d, err := socks.ParseDatagram(pkt)
	if err != nil {
		r.log.Debugf("drop datagram src=%s: %v", src, err)
		return
	}
	data := make([]byte, len(pkt))
	copy(data, pkt)

	key := src.String()
	s, created, err := r.table.GetOrCreate(key, func() (*Session, error) {
		return r.newSession(ctx, key, src, user, d.Dst), nil
	})
	if err != nil {
		return
	}
	if created {
		if r.opts.OnOpen != nil {
			r.opts.OnOpen(s)
		}
		go s.open(d.Dst)
	}
	_ = s.Send(data)
}

func (r *Relay) newSession(ctx context.Context, key string, src *net.UDPAddr, user string, first socks.Addr) *Session {
	sctx, stop := context.WithCancel(ctx)
	s := &Session{
		ID:       uuid.NewString(),
		Source:   &net.UDPAddr{IP: append(net.IP(nil), src.IP...), Port: src.Port, Zone: src.Zone},
		User:     user,
		Started:  r.opts.Now(),
		relay:    r,
		key:      key,
		ctx:      sctx,
		stop:     stop,
		resolved: make(map[socks.Addr]*net.UDPAddr),
		first:    first,
		queue:    make(chan []byte, maxQueued),
		done:     make(chan struct{}),
	}
	if r.opts.Limits != nil {
		s.upLimit, s.downLimit = r.opts.Limits(user)
	}
	return s
}

// Close 关闭监听 socket 与全部会话
func (r *Relay) Close() error {
	err := r.pc.Close()
	r.table.CloseAll()
	return err
}
