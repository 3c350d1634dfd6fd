package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/accounting"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/core/iface"
	"s5proxy/s5/core/limiter"
	"s5proxy/s5/core/relay"
	"s5proxy/s5/core/route"
	"s5proxy/s5/core/socks"
	"s5proxy/s5/core/transport"
	"s5proxy/s5/core/udp"
	"s5proxy/s5/model"
	"time"
)

/************** 组件日志 **************/

var proxySocks5Log = logx.New(logx.WithPrefix("proxy.socks5"))

// Handler 一个监听器的命令分发：认证 → 读命令 → CONNECT / UDP ASSOCIATE
type Handler struct {
	Listener  string // 日志字段
	Gate      *auth.Gate
	Connector *route.Connector
	FakeHosts *route.FakeHosts // 可为 nil
	Backend   transport.Chain  // 上游侧编解码链
	UDP       *udp.Relay       // 可为 nil：不支持 UDP ASSOCIATE

	Accountant *accounting.Accountant
	Limiters   *limiter.UserLimiterStore // 可为 nil

	Relay          relay.Options
	ConnectTimeout time.Duration
	UDPReadIdle    time.Duration
	UDPWriteIdle   time.Duration
	Scheduler      iface.Scheduler

	Log *logx.Logger
}

func (h *Handler) log() *logx.Logger {
	if h.Log != nil {
		return h.Log
	}
	return proxySocks5Log
}

// forConn 每条连接一份浅拷贝，日志带上监听器与客户端字段
func (h *Handler) forConn(remote string) *Handler {
	hc := *h
	hc.Log = h.log().With("listener", h.Listener, "client", remote)
	return &hc
}

func (h *Handler) scheduler() iface.Scheduler {
	if h.Scheduler != nil {
		return h.Scheduler
	}
	return iface.StdScheduler
}

/************** 入口 **************/

// Serve 处理一条已完成 frontend 编解码包装的客户端连接，阻塞到连接结束；总会关闭 c
func (h *Handler) Serve(ctx context.Context, id string, c net.Conn) {
	remote := c.RemoteAddr().String()
	h = h.forConn(remote)

	res, err := h.Gate.Handshake(ctx, c)
	if err != nil {
		var pe *socks.ProtocolError
		switch {
		case errors.As(err, &pe):
			h.log().Debugf("[%s] malformed %s from=%s raw=% x: %v", id, pe.Stage, remote, pe.Raw, pe.Err)
		case errors.Is(err, auth.ErrNoAcceptableMethod):
			h.log().Debugf("[%s] %v from=%s", id, err, remote)
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			h.log().Tracef("[%s] closed during handshake from=%s", id, remote)
		}
		_ = c.Close()
		return
	}

	username := ""
	var upLimit, downLimit int64
	if res.User != nil {
		username = res.User.Name
		upLimit, downLimit = res.User.Limits()
		if h.Limiters != nil {
			h.Limiters.Set(username, upLimit, downLimit)
		}
	}
	cc := limiter.ClientSide(ctx, c, h.Limiters, username, downLimit)
	flow := h.Accountant.Track(accounting.Meta{
		ID:         id,
		Protocol:   model.ProtocolTCP,
		User:       res.User,
		IP:         res.IP,
		Source:     remote,
		HoldsLogin: res.User != nil,
	}, cc)
	defer flow.Finish()

	// 命令读写走原始连接，不计入流量
	req, err := socks.ReadRequest(c)
	if err != nil {
		var pe *socks.ProtocolError
		switch {
		case errors.As(err, &pe):
			h.log().Debugf("[%s] malformed request from=%s raw=% x: %v", id, remote, pe.Raw, pe.Err)
		case errors.Is(err, socks.ErrBadAddrType):
			_ = socks.WriteReply(c, socks.RepAtypUnsupported, nil)
			h.log().Debugf("[%s] bad address type from=%s", id, remote)
		default:
			h.log().Debugf("[%s] read request from=%s: %v", id, remote, err)
		}
		_ = cc.Close()
		return
	}

	dst := req.Dst
	if h.FakeHosts != nil && h.FakeHosts.IsFake(dst.Host) {
		if ep, err := h.FakeHosts.Resolve(dst); err != nil {
			h.log().Warnf("[%s] fake host %s not recovered, using literal: %v", id, dst.Host, err)
		} else {
			h.log().Debugf("[%s] fake host %s -> %s", id, dst.Host, ep)
			dst = ep
		}
	}
	flow.SetTarget(dst.String())
	h.log().Debugf("[%s] cmd=%#x target=%s from=%s user=%q", id, req.Cmd, dst, remote, username)

	switch req.Cmd {
	case socks.CmdConnect:
		h.connect(ctx, id, c, cc, dst, username, upLimit)
	case socks.CmdUDPAssociate:
		h.associate(ctx, id, c, cc, res.IP, username)
	default:
		h.log().Debugf("[%s] unsupported cmd=%#x from=%s", id, req.Cmd, remote)
		_ = socks.WriteReply(c, socks.RepCmdUnsupported, nil)
		_ = cc.Close()
	}
}

/************** CONNECT **************/

// connect 先开始读客户端（提前发送的数据进待发队列），再路由、拨号、上游握手；
// 第一次终态决定唯一的一次应答
func (h *Handler) connect(ctx context.Context, id string, c net.Conn, cc *limiter.CountingConn, dst socks.Addr, user string, upLimit int64) {
	rc := relay.NewContext(ctx, id, cc, h.Relay)
	stop := context.AfterFunc(ctx, rc.Close)
	defer stop()
	rc.Start()

	up, raw, err := h.dial(ctx, c.RemoteAddr(), dst)
	if err != nil {
		if route.IsConnectError(err) || errors.Is(err, route.ErrNotAllowed) {
			h.log().Debugf("[%s] connect %s failed: %v", id, dst, err)
		} else {
			h.log().Errorf("[%s] connect %s from=%s failed: %v", id, dst, c.RemoteAddr(), err)
		}
		_ = socks.WriteReply(c, route.ReplyCode(err), nil)
		rc.Close()
		return
	}
	rc.Upstream = up

	if err := socks.WriteReply(c, socks.RepSuccess, raw.LocalAddr()); err != nil {
		h.log().Debugf("[%s] write reply: %v", id, err)
		_ = raw.Close()
		rc.Close()
		return
	}
	if err := rc.Activate(limiter.UpstreamSide(ctx, raw, h.Limiters, user, upLimit)); err != nil {
		return
	}
	h.log().Debugf("[%s] relay %s <-> %s", id, c.RemoteAddr(), up)
	rc.Wait()
}

// dial 路由 + 拨号换路；每次尝试都做 backend 编解码与链式握手，任一步失败都可换路。
// 返回未包装计数的上游连接
func (h *Handler) dial(ctx context.Context, src net.Addr, dst socks.Addr) (route.Upstream, net.Conn, error) {
	up, err := h.Connector.Router.Route(ctx, src, dst)
	if err != nil {
		return route.Upstream{}, nil, err
	}
	d := &route.Decision{Source: src, Destination: dst, Upstream: up}
	conn, err := h.Connector.ConnectWith(ctx, d, h.finish)
	return d.Upstream, conn, err
}

// finish 出错时关闭自己包装出的连接；raw 由 Connector 关闭
func (h *Handler) finish(raw net.Conn, d *route.Decision) (net.Conn, error) {
	conn, err := h.Backend.Apply(raw)
	if err != nil {
		return nil, err
	}
	if setup := d.Upstream.Setup; setup != nil {
		if err := setup(conn, d.Destination, h.ConnectTimeout); err != nil {
			if conn != raw {
				_ = conn.Close()
			}
			return nil, err
		}
	}
	return conn, nil
}

/************** UDP ASSOCIATE **************/

// associate 控制连接转为 UDP 中继模式：取消读空闲，回复中继地址，
// 到 max(udpRead, udpWrite) 无条件关闭控制连接（随之释放该关联的会话）
func (h *Handler) associate(ctx context.Context, id string, c net.Conn, cc *limiter.CountingConn, ip netip.Addr, user string) {
	if h.UDP == nil {
		_ = socks.WriteReply(c, socks.RepCmdUnsupported, nil)
		_ = cc.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	release := h.UDP.Associate(ip, user)
	defer release()

	bind := &net.UDPAddr{Port: udpPort(h.UDP.LocalAddr())}
	if la, ok := c.LocalAddr().(*net.TCPAddr); ok {
		bind.IP = la.IP
	}
	if err := socks.WriteReply(c, socks.RepSuccess, bind); err != nil {
		_ = cc.Close()
		return
	}
	h.log().Debugf("[%s] udp associate from=%s relay=%s user=%q", id, c.RemoteAddr(), bind, user)

	if hard := common.MaxDuration(h.UDPReadIdle, h.UDPWriteIdle); hard > 0 {
		t := h.scheduler().AfterFunc(hard, func() {
			h.log().Debugf("[%s] udp associate hard close after %v active=%d", id, hard, h.UDP.Active(ip))
			_ = cc.Close()
		})
		defer t.Stop()
	}
	stop := context.AfterFunc(ctx, func() { _ = cc.Close() })
	defer stop()

	// 占用控制连接直至对端关闭
	_, _ = io.Copy(io.Discard, c)
	_ = cc.Close()
	h.log().Debugf("[%s] udp associate closed from=%s", id, c.RemoteAddr())
}

func udpPort(a net.Addr) int {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.Port
	}
	return socks.AddrFromNet(a).Port
}
