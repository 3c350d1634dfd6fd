package route

import (
	"context"
	"errors"
	"net"
	"s5proxy/s5/core/socks"
	"s5proxy/s5/core/upstream"
	"sync"
	"syscall"
	"testing"
)

type fakeDialer struct {
	mu    sync.Mutex
	ok    map[string]bool
	tried []string
}

func (d *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tried = append(d.tried, address)
	if d.ok[address] {
		c, s := net.Pipe()
		_ = s.Close()
		return c, nil
	}
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func mustRouter(t *testing.T, cfg StaticConfig) *StaticRouter {
	t.Helper()
	r, err := NewStaticRouter(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestConnectorUsesAlternate(t *testing.T) {
	r := mustRouter(t, StaticConfig{Alternates: []string{"10.9.9.1:1080", "10.9.9.2:1080"}})
	d := &fakeDialer{ok: map[string]bool{"10.9.9.2:1080": true}}
	dst := socks.Addr{Host: "203.0.113.5", Port: 80}

	up, err := r.Route(context.Background(), nil, dst)
	if err != nil {
		t.Fatal(err)
	}
	dec := &Decision{Destination: dst, Upstream: up}
	conn, err := (&Connector{Router: r, Dialer: d}).Connect(context.Background(), dec)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if dec.FailCount != 2 {
		t.Fatalf("failCount = %d, want 2", dec.FailCount)
	}
	if dec.Upstream.Chain.String() != "10.9.9.2:1080" || dec.Upstream.Destination != dst {
		t.Fatalf("upstream = %v", dec.Upstream)
	}
	if dec.Upstream.Setup == nil {
		t.Fatal("chained upstream needs a setup hook")
	}
	want := []string{"203.0.113.5:80", "10.9.9.1:1080", "10.9.9.2:1080"}
	if len(d.tried) != len(want) {
		t.Fatalf("tried %v", d.tried)
	}
	for i := range want {
		if d.tried[i] != want[i] {
			t.Fatalf("tried %v", d.tried)
		}
	}
}

func TestConnectorStopsWhenUnchanged(t *testing.T) {
	r := mustRouter(t, StaticConfig{})
	d := &fakeDialer{}
	dst := socks.Addr{Host: "203.0.113.5", Port: 80}
	up, _ := r.Route(context.Background(), nil, dst)
	dec := &Decision{Destination: dst, Upstream: up}
	_, err := (&Connector{Router: r, Dialer: d}).Connect(context.Background(), dec)
	if err == nil {
		t.Fatal("want error")
	}
	if !IsConnectError(err) {
		t.Fatalf("dial failure must classify as connect error: %v", err)
	}
	if ReplyCode(err) != socks.RepConnRefused {
		t.Fatalf("rep = %#x", ReplyCode(err))
	}
	if len(d.tried) != 1 || dec.FailCount != 0 {
		t.Fatalf("tried=%v failCount=%d", d.tried, dec.FailCount)
	}
}

type cancellingRouter struct{}

func (cancellingRouter) Route(_ context.Context, _ net.Addr, dst socks.Addr) (Upstream, error) {
	return Upstream{Destination: dst}, nil
}
func (cancellingRouter) Reconnect(_ context.Context, d *Decision) { d.Cancel() }

func TestConnectorCancelled(t *testing.T) {
	dec := &Decision{Upstream: Upstream{Destination: socks.Addr{Host: "192.0.2.1", Port: 1}}}
	_, err := (&Connector{Router: cancellingRouter{}, Dialer: &fakeDialer{}}).Connect(context.Background(), dec)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
}

func TestBlockList(t *testing.T) {
	r := mustRouter(t, StaticConfig{Block: []string{"*.blocked.test"}})
	_, err := r.Route(context.Background(), nil, socks.Addr{Host: "WWW.Blocked.Test", Port: 443})
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("want ErrNotAllowed, got %v", err)
	}
	if ReplyCode(err) != socks.RepNotAllowed {
		t.Fatalf("rep = %#x", ReplyCode(err))
	}
	if _, err := r.Route(context.Background(), nil, socks.Addr{Host: "ok.test", Port: 443}); err != nil {
		t.Fatal(err)
	}
}

func TestDecisionProposeSameIsUnchanged(t *testing.T) {
	u := Upstream{Destination: socks.Addr{Host: "a", Port: 1}}
	d := &Decision{Upstream: u}
	d.Propose(u)
	if d.Changed {
		t.Fatal("same upstream must not mark changed")
	}
	d.Propose(Upstream{Destination: u.Destination, Chain: socks.Addr{Host: "b", Port: 2}})
	if !d.Changed {
		t.Fatal("different upstream must mark changed")
	}
	d.Reset()
	if d.Changed || d.FailCount != 1 {
		t.Fatalf("after reset %+v", d)
	}
}

func TestFakeHosts(t *testing.T) {
	f := NewFakeHosts("")
	tok := f.Register(socks.Addr{Host: "10.1.2.3", Port: 22})
	got, err := f.Resolve(socks.Addr{Host: tok, Port: 2222})
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != "10.1.2.3" || got.Port != 2222 {
		t.Fatalf("got %v", got)
	}
	if _, err := f.Resolve(socks.Addr{Host: "999" + DefaultFakeSuffix, Port: 1}); !errors.Is(err, ErrFakeHostUnknown) {
		t.Fatalf("want ErrFakeHostUnknown, got %v", err)
	}
	plain := socks.Addr{Host: "example.com", Port: 80}
	if got, err := f.Resolve(plain); err != nil || got != plain {
		t.Fatalf("plain host changed: %v %v", got, err)
	}
	f.Forget(tok)
	if f.Len() != 0 {
		t.Fatal("forget did not remove entry")
	}
}

func TestNormalizeHost(t *testing.T) {
	if got := NormalizeHost("Bücher.Example."); got != "xn--bcher-kva.example" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeHost("2001:db8::1"); got != "2001:db8::1" {
		t.Fatalf("got %q", got)
	}
}

func TestConnectorRetriesFailedSetup(t *testing.T) {
	r := mustRouter(t, StaticConfig{Chain: "10.9.9.1:1080", Alternates: []string{"10.9.9.2:1080"}})
	d := &fakeDialer{ok: map[string]bool{"10.9.9.1:1080": true, "10.9.9.2:1080": true}}
	dst := socks.Addr{Host: "203.0.113.5", Port: 80}
	up, err := r.Route(context.Background(), nil, dst)
	if err != nil {
		t.Fatal(err)
	}
	dec := &Decision{Destination: dst, Upstream: up}
	var setups []string
	finish := func(raw net.Conn, d *Decision) (net.Conn, error) {
		setups = append(setups, d.Upstream.Chain.String())
		if d.Upstream.Chain.String() == "10.9.9.1:1080" {
			return nil, &upstream.ReplyError{Rep: socks.RepNotAllowed}
		}
		return raw, nil
	}
	conn, err := (&Connector{Router: r, Dialer: d}).ConnectWith(context.Background(), dec, finish)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if dec.FailCount != 1 || dec.Upstream.Chain.String() != "10.9.9.2:1080" {
		t.Fatalf("failCount=%d upstream=%v", dec.FailCount, dec.Upstream)
	}
	if len(setups) != 2 {
		t.Fatalf("setups %v", setups)
	}
}

func TestUpstreamRefusalKeepsReplyCode(t *testing.T) {
	r := mustRouter(t, StaticConfig{Chain: "10.9.9.1:1080"})
	d := &fakeDialer{ok: map[string]bool{"10.9.9.1:1080": true}}
	dst := socks.Addr{Host: "203.0.113.5", Port: 80}
	up, _ := r.Route(context.Background(), nil, dst)
	dec := &Decision{Destination: dst, Upstream: up}
	_, err := (&Connector{Router: r, Dialer: d}).ConnectWith(context.Background(), dec,
		func(net.Conn, *Decision) (net.Conn, error) {
			return nil, &upstream.ReplyError{Rep: socks.RepTTLExpired}
		})
	var re *upstream.ReplyError
	if !errors.As(err, &re) {
		t.Fatalf("want ReplyError, got %v", err)
	}
	if ReplyCode(err) != socks.RepTTLExpired {
		t.Fatalf("rep = %#x", ReplyCode(err))
	}
	if dec.LastErr != err {
		t.Fatalf("lastErr = %v", dec.LastErr)
	}
}

func TestGuardChecksBlockOnly(t *testing.T) {
	r := mustRouter(t, StaticConfig{Block: []string{"*.blocked.test"}})
	if err := r.Allow(socks.Addr{Host: "Cdn.Blocked.Test.", Port: 53}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("want ErrNotAllowed, got %v", err)
	}
	if err := r.Allow(socks.Addr{Host: "192.0.2.7", Port: 53}); err != nil {
		t.Fatal(err)
	}
}
