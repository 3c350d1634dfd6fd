package app

import (
	"fmt"
	"net"
	"s5proxy/s5/common"
	"s5proxy/s5/common/config"
	"s5proxy/s5/common/ttls"
	"s5proxy/s5/core/listener"
	"s5proxy/s5/core/transport"
	"s5proxy/s5/core/upstream"
	"strconv"
	"time"
)

// ListenerOptions 配置项 → 启动后不再变化的监听器参数
func ListenerOptions(lc config.ListenerConfig) (listener.Options, error) {
	flags, err := transport.ParseFlags(lc.Transport)
	if err != nil {
		return listener.Options{}, fmt.Errorf("listener %s: %w", lc.Name, err)
	}
	cidrs, err := common.ParseCIDRs(lc.UDPAllowCIDRs)
	if err != nil {
		return listener.Options{}, fmt.Errorf("listener %s udp_allow_cidrs: %w", lc.Name, err)
	}

	o := listener.Options{
		Name:  lc.Name,
		Addr:  net.JoinHostPort(lc.Address, strconv.Itoa(lc.Port)),
		Flags: flags,
		Transport: transport.Options{
			Cipher: transport.CipherOptions{Algorithm: lc.Cipher.Algorithm, Key: lc.Cipher.Key},
		},
		ConnectTimeout:  time.Duration(lc.ConnectTimeoutMs) * time.Millisecond,
		ReadIdle:        time.Duration(lc.ReadIdleSec) * time.Second,
		WriteIdle:       time.Duration(lc.WriteIdleSec) * time.Second,
		UDPReadIdle:     time.Duration(lc.UDPReadIdleSec) * time.Second,
		UDPWriteIdle:    time.Duration(lc.UDPWriteIdleSec) * time.Second,
		ShapingInterval: time.Duration(lc.ShapingIntervalMs) * time.Millisecond,
		MaxConnection:   lc.MaxConnection,
		UDPAllowCIDRs:   cidrs,
	}

	// 证书缺失时留空，由 transport.Build 报 ErrMissingTLSConfig
	if flags.Has(transport.FrontendSSL) && lc.TLS.Cert != "" && lc.TLS.Key != "" {
		cfg, err := ttls.LoadTLSConfig(lc.TLS.Cert, lc.TLS.Key, lc.TLS.SniGuard)
		if err != nil {
			return listener.Options{}, fmt.Errorf("listener %s tls: %w", lc.Name, err)
		}
		o.Transport.ServerTLS = cfg
	}
	if flags.Has(transport.BackendSSL) {
		o.Transport.ClientTLS = upstream.ClientTLSConfig(lc.TLS.ServerName, lc.TLS.SkipVerify, lc.TLS.ALPN, lc.TLS.Fingerprint)
	}
	return o, nil
}

func (a *App) buildServer(lc config.ListenerConfig) (*listener.Server, error) {
	opts, err := ListenerOptions(lc)
	if err != nil {
		return nil, err
	}
	deps := listener.Deps{
		Auth:      a.Auth,
		Users:     a.Users,
		Router:    a.Router,
		FakeHosts: a.FakeHosts,
		Limiters:  a.Limiters,
		Sink:      a.Sink,
	}
	// 接口里放 nil 指针会让判空失效，只在非 nil 时赋值
	if a.UserAggregator != nil {
		deps.UserStore = a.UserAggregator
	}
	if a.TrafficLogAggregator != nil {
		deps.LogStore = a.TrafficLogAggregator
	}
	return listener.New(opts, deps), nil
}
