package route

import (
	"context"
	"fmt"
	"net"
	"s5proxy/s5/common"
	"s5proxy/s5/core/socks"
	"s5proxy/s5/core/upstream"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

type StaticConfig struct {
	Chain         string
	ChainUDP      string
	ChainUsername string
	ChainPassword string
	Alternates    []string
	Block         []string
}

// StaticRouter 配置驱动：可选链式上游、失败后按顺序换备用上游、黑名单拒绝
type StaticRouter struct {
	chain      socks.Addr
	chainUDP   socks.Addr
	creds      upstream.Creds
	alternates []socks.Addr
	block      []string
}

func NewStaticRouter(cfg StaticConfig) (*StaticRouter, error) {
	r := &StaticRouter{
		creds: upstream.Creds{Username: cfg.ChainUsername, Password: cfg.ChainPassword},
		block: common.ParseGuardList(strings.Join(cfg.Block, ",")),
	}
	var err error
	if s := strings.TrimSpace(cfg.Chain); s != "" {
		if r.chain, err = socks.ParseAddr(s); err != nil {
			return nil, fmt.Errorf("route.chain: %w", err)
		}
	}
	if s := strings.TrimSpace(cfg.ChainUDP); s != "" {
		if r.chainUDP, err = socks.ParseAddr(s); err != nil {
			return nil, fmt.Errorf("route.chain_udp: %w", err)
		}
	}
	for i, s := range cfg.Alternates {
		a, err := socks.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("route.alternates[%d]: %w", i, err)
		}
		r.alternates = append(r.alternates, a)
	}
	return r, nil
}

func (r *StaticRouter) Route(_ context.Context, _ net.Addr, dst socks.Addr) (Upstream, error) {
	dst.Host = NormalizeHost(dst.Host)
	if err := r.allow(dst.Host); err != nil {
		return Upstream{}, err
	}
	return r.via(dst, r.chain), nil
}

var _ Guard = (*StaticRouter)(nil)

// Allow 只查黑名单
func (r *StaticRouter) Allow(dst socks.Addr) error {
	if len(r.block) == 0 {
		return nil
	}
	return r.allow(NormalizeHost(dst.Host))
}

func (r *StaticRouter) allow(host string) error {
	if len(r.block) > 0 && common.MatchAnyHostPattern(host, r.block) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, host)
	}
	return nil
}

// Reconnect 第 n 次失败取第 n 个备用上游；用完后不再改变，由连接器判定失败
func (r *StaticRouter) Reconnect(_ context.Context, d *Decision) {
	if d.FailCount >= len(r.alternates) {
		return
	}
	d.Propose(r.via(d.Upstream.Destination, r.alternates[d.FailCount]))
}

func (r *StaticRouter) via(dst, chain socks.Addr) Upstream {
	u := Upstream{Destination: dst, Chain: chain, ChainUDP: r.chainUDP}
	if !chain.IsZero() || !r.chainUDP.IsZero() {
		u.Username, u.Password = r.creds.Username, r.creds.Password
	}
	if !chain.IsZero() {
		creds := r.creds
		u.Setup = func(conn net.Conn, dst socks.Addr, timeout time.Duration) error {
			return upstream.Connect(conn, dst, creds, timeout)
		}
	}
	return u
}

// NormalizeHost 域名转小写 + IDNA(ASCII)；IP 字面量原样返回
func NormalizeHost(h string) string {
	h = strings.TrimSuffix(strings.TrimSpace(h), ".")
	if h == "" || net.ParseIP(h) != nil {
		return h
	}
	if a, err := idna.Lookup.ToASCII(h); err == nil {
		return a
	}
	return strings.ToLower(h)
}
