package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/core/route"
	"s5proxy/s5/core/socks"
	"s5proxy/s5/core/transport"
	"sync"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// tcpEcho 原样回显
func tcpEcho(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr()
}

// tcpResponder 读满 len(req) 字节后回复 resp 并关闭
func tcpResponder(t *testing.T, req, resp []byte) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, len(req))
				if _, err := io.ReadFull(c, buf); err != nil || !bytes.Equal(buf, req) {
					return
				}
				_, _ = c.Write(resp)
			}()
		}
	}()
	return ln.Addr()
}

func udpEcho(t *testing.T) net.Addr {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], from)
		}
	}()
	return pc.LocalAddr()
}

func startServer(t *testing.T, opts Options, deps Deps) *Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if deps.Router == nil {
		r, err := route.NewStaticRouter(route.StaticConfig{})
		if err != nil {
			t.Fatal(err)
		}
		deps.Router = r
	}
	s := New(opts, deps)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.StopWithTimeout(time.Second) })
	return s
}

// dialSocks 完成协商（可选用户名密码）并发出一条命令
func dialSocks(t *testing.T, srv net.Addr, cmd byte, dst socks.Addr, user, pass string) (net.Conn, byte, socks.Addr) {
	t.Helper()
	c, err := net.Dial("tcp", srv.String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))

	method := byte(socks.MethodNoAuth)
	if user != "" {
		method = socks.MethodPassword
	}
	if err := socks.WriteGreeting(c, method); err != nil {
		t.Fatal(err)
	}
	got, err := socks.ReadMethod(c)
	if err != nil || got != method {
		t.Fatalf("method %#x err=%v", got, err)
	}
	if user != "" {
		if err := socks.WriteCredentials(c, user, pass); err != nil {
			t.Fatal(err)
		}
		if st, err := socks.ReadAuthStatus(c); err != nil || st != socks.AuthSuccess {
			t.Fatalf("auth status %#x err=%v", st, err)
		}
	}
	if err := socks.WriteRequest(c, cmd, dst); err != nil {
		t.Fatal(err)
	}
	rep, bind, err := socks.ReadReply(c)
	if err != nil {
		t.Fatal(err)
	}
	return c, rep, bind
}

func TestConnectEcho(t *testing.T) {
	echo := tcpEcho(t)
	s := startServer(t, Options{Name: "t"}, Deps{})

	c, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.AddrFromNet(echo), "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	msg := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() { _, _ = c.Write(msg) }()
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("echo mismatch")
	}
}

func TestConnectRefusedSingleFailureReply(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := ln.Addr()
	_ = ln.Close()
	s := startServer(t, Options{}, Deps{})

	c, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.AddrFromNet(dead), "", "")
	if rep != socks.RepConnRefused {
		t.Fatalf("reply %#x, want connection refused", rep)
	}
	if n, err := c.Read(make([]byte, 1)); n != 0 || err == nil {
		t.Fatalf("expected close after failure reply, n=%d err=%v", n, err)
	}
}

func TestUnsupportedCommand(t *testing.T) {
	s := startServer(t, Options{}, Deps{})
	_, rep, _ := dialSocks(t, s.Addr(), socks.CmdBind, socks.Addr{Host: "127.0.0.1", Port: 1}, "", "")
	if rep != socks.RepCmdUnsupported {
		t.Fatalf("reply %#x", rep)
	}
}

func TestBlockedDestination(t *testing.T) {
	r, err := route.NewStaticRouter(route.StaticConfig{Block: []string{"*.blocked.test"}})
	if err != nil {
		t.Fatal(err)
	}
	s := startServer(t, Options{}, Deps{Router: r})
	_, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.Addr{Host: "a.blocked.test", Port: 80}, "", "")
	if rep != socks.RepNotAllowed {
		t.Fatalf("reply %#x", rep)
	}
}

func TestUDPAssociateRoundTrip(t *testing.T) {
	echo := udpEcho(t)
	s := startServer(t, Options{}, Deps{})

	_, rep, bind := dialSocks(t, s.Addr(), socks.CmdUDPAssociate, socks.Addr{Host: "0.0.0.0", Port: 0}, "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	if bind.Port != s.UDPAddr().(*net.UDPAddr).Port {
		t.Fatalf("bind %v, relay %v", bind, s.UDPAddr())
	}

	uc, err := net.Dial("udp", bind.String())
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()
	_ = uc.SetDeadline(time.Now().Add(3 * time.Second))

	dst := socks.AddrFromNet(echo)
	pkt, err := socks.AppendDatagram(nil, dst, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uc.Write(pkt); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	n, err := uc.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	d, err := socks.ParseDatagram(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if d.Dst != dst || string(d.Data) != "ping" {
		t.Fatalf("got %v %q", d.Dst, d.Data)
	}
	waitFor(t, "udp session listed", func() bool { return len(s.Sessions().UDP) == 1 })
}

// refusingDialer 对 deny 中的地址直接拒绝，其余正常拨号
type refusingDialer struct {
	deny  map[string]bool
	mu    sync.Mutex
	tried []string
}

func (d *refusingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.tried = append(d.tried, address)
	d.mu.Unlock()
	if d.deny[address] {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}

type countingRouter struct {
	*route.StaticRouter
	reconnects atomic.Int32
}

func (r *countingRouter) Reconnect(ctx context.Context, d *route.Decision) {
	r.reconnects.Add(1)
	r.StaticRouter.Reconnect(ctx, d)
}

func TestAlternateUpstreamAfterFailedDial(t *testing.T) {
	echo := tcpEcho(t)
	hop := startServer(t, Options{Name: "hop"}, Deps{})

	sr, err := route.NewStaticRouter(route.StaticConfig{Alternates: []string{hop.Addr().String()}})
	if err != nil {
		t.Fatal(err)
	}
	r := &countingRouter{StaticRouter: sr}
	dialer := &refusingDialer{deny: map[string]bool{echo.String(): true}}
	s := startServer(t, Options{Name: "edge"}, Deps{Router: r, Dialer: dialer})

	c, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.AddrFromNet(echo), "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	if _, err := c.Write([]byte("via-hop")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len("via-hop"))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "via-hop" {
		t.Fatalf("got %q", got)
	}
	if n := r.reconnects.Load(); n != 1 {
		t.Fatalf("reconnects = %d", n)
	}
	dialer.mu.Lock()
	tried := append([]string(nil), dialer.tried...)
	dialer.mu.Unlock()
	if len(tried) != 2 || tried[0] != echo.String() || tried[1] != hop.Addr().String() {
		t.Fatalf("dial order %v", tried)
	}
	// 只有一条应答：之后没有多余的应答字节
	_ = c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if n, _ := c.Read(make([]byte, 1)); n != 0 {
		t.Fatal("unexpected extra bytes after reply")
	}
}

func TestUserTrafficAfterDisconnect(t *testing.T) {
	req := []byte("hello")
	resp := []byte("HELLO, WORLD!")
	target := tcpResponder(t, req, resp)

	users := auth.NewRegistry()
	s := startServer(t, Options{}, Deps{Auth: auth.Anonymous{Users: users}, Users: users})

	c, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.AddrFromNet(target), "alice", "whatever")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, resp) {
		t.Fatalf("got %q", got)
	}
	_ = c.Close()

	u := users.Get("alice")
	waitFor(t, "user totals", func() bool {
		up, down := u.Traffic()
		return up == int64(len(req)) && down == int64(len(resp))
	})
	waitFor(t, "login released", func() bool { return len(u.Refs()) == 0 })
	waitFor(t, "flow gone", func() bool { return len(s.Sessions().Flows) == 0 })
}

func TestMissingCipherKeyRefusesToStart(t *testing.T) {
	hold, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := hold.Addr().String()
	_ = hold.Close()

	r, _ := route.NewStaticRouter(route.StaticConfig{})
	s := New(Options{Addr: addr, Flags: transport.FrontendCipher}, Deps{Router: r})
	if err := s.Start(); !errors.Is(err, transport.ErrMissingCipherKey) {
		t.Fatalf("start err = %v", err)
	}
	if s.Addr() != nil {
		t.Fatal("listener must not be bound")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("port still held: %v", err)
	}
	_ = ln.Close()
}

func TestMaxConnectionRejects(t *testing.T) {
	s := startServer(t, Options{MaxConnection: 1}, Deps{})
	first, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if err := socks.WriteGreeting(first, socks.MethodNoAuth); err != nil {
		t.Fatal(err)
	}
	if m, err := socks.ReadMethod(first); err != nil || m != socks.MethodNoAuth {
		t.Fatalf("method %#x err=%v", m, err)
	}

	second, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection should be closed")
	}
}

func TestStopInterruptsActiveRelay(t *testing.T) {
	echo := tcpEcho(t)
	s := startServer(t, Options{}, Deps{})
	c, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.AddrFromNet(echo), "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	done := make(chan struct{})
	go func() {
		s.StopWithTimeout(2 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return")
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("client should observe close")
	}
}

/************** 链式上游 **************/

// fixedPassword 只接受一组用户名密码
type fixedPassword struct {
	users      *auth.Registry
	user, pass string
	logins     atomic.Int32
}

func (a *fixedPassword) Login(_ context.Context, ip netip.Addr, username, password string) (*auth.User, error) {
	if username != a.user || password != a.pass {
		return nil, auth.ErrAuthFailed
	}
	a.logins.Add(1)
	u := a.users.Get(username)
	u.Acquire(ip, time.Now())
	return u, nil
}

func chainHop(t *testing.T, name string, cfg route.StaticConfig) (*Server, *fixedPassword) {
	t.Helper()
	users := auth.NewRegistry()
	pw := &fixedPassword{users: users, user: "chain", pass: "secret"}
	r, err := route.NewStaticRouter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return startServer(t, Options{Name: name}, Deps{Auth: pw, Users: users, Router: r}), pw
}

func TestChainedConnectWithCredentials(t *testing.T) {
	echo := tcpEcho(t)
	hop, pw := chainHop(t, "hop", route.StaticConfig{})
	edgeRouter, err := route.NewStaticRouter(route.StaticConfig{
		Chain: hop.Addr().String(), ChainUsername: "chain", ChainPassword: "secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	edge := startServer(t, Options{Name: "edge"}, Deps{Router: edgeRouter})

	c, rep, _ := dialSocks(t, edge.Addr(), socks.CmdConnect, socks.AddrFromNet(echo), "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	if _, err := c.Write([]byte("over-chain")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len("over-chain"))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "over-chain" {
		t.Fatalf("got %q", got)
	}
	if pw.logins.Load() != 1 {
		t.Fatalf("chain logins = %d", pw.logins.Load())
	}
	waitFor(t, "hop flow", func() bool { return len(hop.Sessions().Flows) == 1 })
}

func TestChainedConnectWrongCredentials(t *testing.T) {
	echo := tcpEcho(t)
	hop, pw := chainHop(t, "hop", route.StaticConfig{})
	edgeRouter, _ := route.NewStaticRouter(route.StaticConfig{
		Chain: hop.Addr().String(), ChainUsername: "chain", ChainPassword: "nope",
	})
	edge := startServer(t, Options{Name: "edge"}, Deps{Router: edgeRouter})

	_, rep, _ := dialSocks(t, edge.Addr(), socks.CmdConnect, socks.AddrFromNet(echo), "", "")
	if rep != socks.RepGeneralFailure {
		t.Fatalf("reply %#x", rep)
	}
	if pw.logins.Load() != 0 {
		t.Fatal("bad credentials accepted")
	}
}

func TestChainRefusalTriesAlternate(t *testing.T) {
	echo := tcpEcho(t)
	target := socks.AddrFromNet(echo)
	// 第一个链式上游接受 TCP，但拒绝该目的地
	refuser, _ := chainHop(t, "refuser", route.StaticConfig{Block: []string{target.Host}})
	good, goodPw := chainHop(t, "good", route.StaticConfig{})

	sr, err := route.NewStaticRouter(route.StaticConfig{
		Chain:         refuser.Addr().String(),
		ChainUsername: "chain",
		ChainPassword: "secret",
		Alternates:    []string{good.Addr().String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := &countingRouter{StaticRouter: sr}
	edge := startServer(t, Options{Name: "edge"}, Deps{Router: r})

	c, rep, _ := dialSocks(t, edge.Addr(), socks.CmdConnect, target, "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	if _, err := c.Write([]byte("alt")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 3)
	if _, err := io.ReadFull(c, got); err != nil || string(got) != "alt" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if r.reconnects.Load() != 1 || goodPw.logins.Load() != 1 {
		t.Fatalf("reconnects=%d good logins=%d", r.reconnects.Load(), goodPw.logins.Load())
	}
}

func TestChainRefusalCodeReachesClient(t *testing.T) {
	echo := tcpEcho(t)
	target := socks.AddrFromNet(echo)
	refuser, _ := chainHop(t, "refuser", route.StaticConfig{Block: []string{target.Host}})
	sr, _ := route.NewStaticRouter(route.StaticConfig{
		Chain: refuser.Addr().String(), ChainUsername: "chain", ChainPassword: "secret",
	})
	edge := startServer(t, Options{Name: "edge"}, Deps{Router: sr})

	_, rep, _ := dialSocks(t, edge.Addr(), socks.CmdConnect, target, "", "")
	if rep != socks.RepNotAllowed {
		t.Fatalf("reply %#x, want the chain server's not-allowed", rep)
	}
}

/************** UDP ASSOCIATE 强制关闭 **************/

func TestUDPAssociateHardCloseWhileActive(t *testing.T) {
	echo := udpEcho(t)
	s := startServer(t, Options{UDPReadIdle: 300 * time.Millisecond, UDPWriteIdle: 100 * time.Millisecond}, Deps{})

	start := time.Now()
	ctl, rep, bind := dialSocks(t, s.Addr(), socks.CmdUDPAssociate, socks.Addr{Host: "0.0.0.0"}, "", "")
	if rep != socks.RepSuccess {
		t.Fatalf("reply %#x", rep)
	}
	uc, err := net.Dial("udp", bind.String())
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()
	pkt, err := socks.AppendDatagram(nil, socks.AddrFromNet(echo), []byte("keep"))
	if err != nil {
		t.Fatal(err)
	}

	// 持续发包让会话一直活跃；控制连接仍须按时关闭
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(20 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				_, _ = uc.Write(pkt)
			}
		}
	}()
	waitFor(t, "udp session", func() bool { return len(s.Sessions().UDP) == 1 })

	_ = ctl.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = ctl.Read(make([]byte, 1))
	var ne net.Error
	switch {
	case err == nil:
		t.Fatal("control connection still open")
	case errors.As(err, &ne) && ne.Timeout():
		t.Fatal("hard close never fired while a session was active")
	}
	if el := time.Since(start); el < 250*time.Millisecond {
		t.Fatalf("closed after %v, before max(udp idle)", el)
	}
	waitFor(t, "sessions released", func() bool { return len(s.Sessions().UDP) == 0 })
}

/************** 日志字段 **************/

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestHandlerLinesCarryConnectionFields(t *testing.T) {
	var buf lockedBuffer
	logx.SetOutput(&buf, &buf)
	old := logx.GetLevel()
	logx.SetLevel(logx.Debug)
	t.Cleanup(func() {
		logx.SetLevel(old)
		logx.SetOutput(os.Stdout, os.Stderr)
	})

	r, _ := route.NewStaticRouter(route.StaticConfig{Block: []string{"denied.test"}})
	s := startServer(t, Options{Name: "fields"}, Deps{Router: r})
	c, rep, _ := dialSocks(t, s.Addr(), socks.CmdConnect, socks.Addr{Host: "denied.test", Port: 80}, "", "")
	if rep != socks.RepNotAllowed {
		t.Fatalf("reply %#x", rep)
	}
	client := "client=" + c.LocalAddr().String()
	waitFor(t, "handler line", func() bool {
		for _, line := range strings.Split(buf.String(), "\n") {
			if strings.Contains(line, "proxy.socks5 - ") && strings.Contains(line, "connect denied.test:80 failed") &&
				strings.Contains(line, "listener=fields") && strings.Contains(line, client) {
				return true
			}
		}
		return false
	})
}
