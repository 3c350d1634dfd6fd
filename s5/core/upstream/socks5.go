package upstream

import (
	"fmt"
	"net"
	"s5proxy/s5/core/socks"
	"time"
)

/************** 链式 SOCKS5：在已建好的连接上完成客户端握手 **************/

type Creds struct {
	Username string
	Password string
}

func (c Creds) empty() bool { return c.Username == "" && c.Password == "" }

// Connect 在 up 上发 CONNECT dst；成功后 up 即为到 dst 的隧道
func Connect(up net.Conn, dst socks.Addr, creds Creds, timeout time.Duration) error {
	if timeout > 0 {
		_ = up.SetDeadline(time.Now().Add(timeout))
		defer up.SetDeadline(time.Time{})
	}
	upstreamLog.Debugf("[socks5] chain=%s target=%s", up.RemoteAddr(), dst)
	if err := negotiate(up, creds); err != nil {
		return err
	}
	if err := socks.WriteRequest(up, socks.CmdConnect, dst); err != nil {
		return fmt.Errorf("socks5 connect write: %w", err)
	}
	rep, _, err := socks.ReadReply(up)
	if err != nil {
		return fmt.Errorf("socks5 connect resp: %w", err)
	}
	if rep != socks.RepSuccess {
		return &ReplyError{Rep: rep}
	}
	upstreamLog.Debugf("[socks5] CONNECT established target=%s", dst)
	return nil
}

// Associate 在控制连接上发 UDP ASSOCIATE，返回上游的 UDP 中继地址
func Associate(up net.Conn, creds Creds, timeout time.Duration) (socks.Addr, error) {
	if timeout > 0 {
		_ = up.SetDeadline(time.Now().Add(timeout))
		defer up.SetDeadline(time.Time{})
	}
	if err := negotiate(up, creds); err != nil {
		return socks.Addr{}, err
	}
	if err := socks.WriteRequest(up, socks.CmdUDPAssociate, socks.Addr{Host: "0.0.0.0"}); err != nil {
		return socks.Addr{}, fmt.Errorf("socks5 associate write: %w", err)
	}
	rep, bind, err := socks.ReadReply(up)
	if err != nil {
		return socks.Addr{}, fmt.Errorf("socks5 associate resp: %w", err)
	}
	if rep != socks.RepSuccess {
		return socks.Addr{}, &ReplyError{Rep: rep}
	}
	// 上游回 0.0.0.0 时用控制连接的对端地址
	if ip := net.ParseIP(bind.Host); ip == nil || ip.IsUnspecified() {
		bind.Host = socks.AddrFromNet(up.RemoteAddr()).Host
	}
	return bind, nil
}

// ReplyError 上游 SOCKS5 拒绝
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string { return fmt.Sprintf("socks5 upstream refused rep=%#x", e.Rep) }

func negotiate(up net.Conn, creds Creds) error {
	// 同时宣告 NO-AUTH 与 USER/PASS
	if err := socks.WriteGreeting(up, socks.MethodNoAuth, socks.MethodPassword); err != nil {
		return fmt.Errorf("socks5 greeting write: %w", err)
	}
	method, err := socks.ReadMethod(up)
	if err != nil {
		return fmt.Errorf("socks5 greeting read: %w", err)
	}
	switch method {
	case socks.MethodNoAuth:
		upstreamLog.Debugf("[socks5] server selected NO-AUTH (0x00)")
		return nil
	case socks.MethodPassword:
		upstreamLog.Debugf("[socks5] server selected USER/PASS (0x02) haveCreds=%t", !creds.empty())
		if err := socks.WriteCredentials(up, creds.Username, creds.Password); err != nil {
			return fmt.Errorf("socks5 auth write: %w", err)
		}
		st, err := socks.ReadAuthStatus(up)
		if err != nil {
			return fmt.Errorf("socks5 auth read: %w", err)
		}
		if st != socks.AuthSuccess {
			return fmt.Errorf("socks5 auth failed (status=%#x)", st)
		}
		return nil
	case socks.MethodNoAcceptable:
		return fmt.Errorf("socks5 no acceptable auth methods (0xFF)")
	default:
		return fmt.Errorf("socks5 unsupported method selected by server: %#x", method)
	}
}
