package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/socks"
	"time"
)

var gateLog = logx.New(logx.WithPrefix("proxy.auth"))

var ErrNoAcceptableMethod = errors.New("auth: no acceptable method")

const defaultHandshakeTimeout = 10 * time.Second

// State NEW → GREETED → AUTH_PENDING → AUTHENTICATED
type State int

const (
	StateNew State = iota
	StateGreeted
	StateAuthPending
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateGreeted:
		return "GREETED"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Gate SOCKS5 greeting + 可选 RFC1929 子协商
type Gate struct {
	Auth    Authenticator // nil = NO_AUTH
	Timeout time.Duration
	Log     *logx.Logger
}

// Result 握手结果；User 为 nil 表示未认证（NO_AUTH）
type Result struct {
	State State
	User  *User
	IP    netip.Addr
}

func (g *Gate) logger() *logx.Logger {
	if g.Log != nil {
		return g.Log
	}
	return gateLog
}

// Handshake 失败时调用方负责关闭连接；已发送的 FAILURE / 0xFF 之后不再处理任何协议字节
func (g *Gate) Handshake(ctx context.Context, c net.Conn) (Result, error) {
	res := Result{State: StateNew, IP: RemoteIP(c.RemoteAddr())}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	_ = c.SetDeadline(time.Now().Add(timeout))
	defer c.SetDeadline(time.Time{})

	methods, err := socks.ReadGreeting(c)
	if err != nil {
		return res, err
	}
	res.State = StateGreeted

	want := byte(socks.MethodNoAuth)
	if g.Auth != nil {
		want = socks.MethodPassword
	}
	if bytes.IndexByte(methods, want) < 0 {
		_ = socks.WriteMethod(c, socks.MethodNoAcceptable)
		return res, fmt.Errorf("%w: offered %x, need %#x", ErrNoAcceptableMethod, methods, want)
	}
	if err := socks.WriteMethod(c, want); err != nil {
		return res, err
	}
	if g.Auth == nil {
		res.State = StateAuthenticated
		return res, nil
	}

	res.State = StateAuthPending
	user, pass, err := socks.ReadCredentials(c)
	if err != nil {
		return res, &socks.ProtocolError{Stage: "auth", Err: err}
	}
	u, err := g.Auth.Login(ctx, res.IP, user, pass)
	if err != nil {
		_ = socks.WriteAuthStatus(c, socks.AuthFailure)
		g.logger().Warnf("login rejected user=%q ip=%s: %v", user, res.IP, err)
		return res, err
	}
	if err := socks.WriteAuthStatus(c, socks.AuthSuccess); err != nil {
		u.Release(res.IP)
		return res, err
	}
	res.State = StateAuthenticated
	res.User = u
	return res, nil
}

// RemoteIP 连接来源 IP（IPv4-mapped 统一为 IPv4）；无法解析时为零值
func RemoteIP(a net.Addr) netip.Addr {
	ip, err := netip.ParseAddr(common.RemoteIPFromAddr(a))
	if err != nil {
		return netip.Addr{}
	}
	return ip.Unmap()
}
