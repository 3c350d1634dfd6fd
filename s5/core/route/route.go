package route

import (
	"context"
	"errors"
	"net"
	"os"
	"s5proxy/s5/core/socks"
	"s5proxy/s5/core/upstream"
	"syscall"
	"time"
)

var (
	ErrNoRoute    = errors.New("route: no upstream available")
	ErrCancelled  = errors.New("route: cancelled")
	ErrNotAllowed = errors.New("route: destination not allowed")
)

// SetupFunc 连接建立后的附加握手（例如链式 SOCKS5），在 backend 编解码链之后执行
type SetupFunc func(conn net.Conn, dst socks.Addr, timeout time.Duration) error

// Upstream 路由结果：最终目的 + 可选的链式上游
type Upstream struct {
	Destination socks.Addr
	Chain       socks.Addr // 为空 = 直连
	ChainUDP    socks.Addr // 链式 UDP 中继；为空 = UDP 直发
	Username    string
	Password    string
	Setup       SetupFunc
}

func (u Upstream) Chained() bool    { return !u.Chain.IsZero() }
func (u Upstream) UDPChained() bool { return !u.ChainUDP.IsZero() }

// DialAddr 实际要拨的地址
func (u Upstream) DialAddr() socks.Addr {
	if u.Chained() {
		return u.Chain
	}
	return u.Destination
}

// Equal 按值比较（Setup 不参与）
func (u Upstream) Equal(o Upstream) bool {
	return u.Destination == o.Destination && u.Chain == o.Chain && u.ChainUDP == o.ChainUDP &&
		u.Username == o.Username && u.Password == o.Password
}

func (u Upstream) String() string {
	if u.Chained() {
		return u.Destination.String() + " via " + u.Chain.String()
	}
	return u.Destination.String()
}

// Decision 一次 CONNECT 重试循环内的路由状态，只由路由器修改
type Decision struct {
	Source      net.Addr
	Destination socks.Addr
	Upstream    Upstream
	Changed     bool
	FailCount   int
	Cancelled   bool
	LastErr     error
}

// Propose 给出备用上游；与当前相同则视为未改变
func (d *Decision) Propose(u Upstream) {
	if u.Equal(d.Upstream) {
		return
	}
	d.Upstream = u
	d.Changed = true
}

func (d *Decision) Cancel() { d.Cancelled = true }

// Reset 进入下一次尝试
func (d *Decision) Reset() {
	d.Changed = false
	d.FailCount++
}

// Router 目的地 → Upstream；拨号失败后可通过 Reconnect 给出备用
type Router interface {
	Route(ctx context.Context, src net.Addr, dst socks.Addr) (Upstream, error)
	Reconnect(ctx context.Context, d *Decision)
}

// Guard 可选：不走 Route 的目的地（UDP 会话的后续数据报）逐个复核
type Guard interface {
	Allow(dst socks.Addr) error
}

/************** 错误分类 **************/

// IsConnectError 拨号阶段的常见失败（拒绝/不可达/DNS），日志降级
func IsConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoRoute) || errors.Is(err, ErrCancelled) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}

// ReplyCode 失败原因 → RFC1928 REP；链式上游的拒绝原样转给客户端
func ReplyCode(err error) byte {
	var dnsErr *net.DNSError
	var repErr *upstream.ReplyError
	switch {
	case err == nil:
		return socks.RepSuccess
	case errors.As(err, &repErr) && repErr.Rep != socks.RepSuccess:
		return repErr.Rep
	case errors.Is(err, ErrNotAllowed):
		return socks.RepNotAllowed
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks.RepConnRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks.RepNetUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.As(err, &dnsErr),
		errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return socks.RepHostUnreachable
	default:
		return socks.RepGeneralFailure
	}
}
