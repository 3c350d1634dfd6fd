package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"s5proxy/s5/app"
	"s5proxy/s5/common/ttls"
	"strings"
	"time"
)

// 管理接口未配置 listen 时返回 nil；有证书→HTTPS，否则→HTTP
func buildHTTPServer(a *app.App, handler http.Handler, errLog *log.Logger) (*http.Server, bool) {
	adm := a.Cfg.Admin
	addr := strings.TrimSpace(adm.Listen)
	if addr == "" {
		return nil, false
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsCert := strings.TrimSpace(adm.TLS.Cert)
	tlsKey := strings.TrimSpace(adm.TLS.Key)
	if tlsCert == "" || tlsKey == "" {
		return srv, false
	}
	// 证书加载失败降级 HTTP，只打一条告警
	cfg, err := ttls.LoadTLSConfig(tlsCert, tlsKey, strings.TrimSpace(adm.TLS.SniGuard))
	if err != nil {
		errLog.Printf("[boot] admin tls disabled (load error): %v", err)
		return srv, false
	}
	srv.TLSConfig = cfg
	return srv, true
}

func startMainAsync(srv *http.Server, useTLS bool, errLog *log.Logger) {
	go func() {
		if useTLS {
			if e := srv.ListenAndServeTLS("", ""); e != nil && e != http.ErrServerClosed {
				errLog.Printf("listen https: %v", e)
			}
			return
		}
		if e := srv.ListenAndServe(); e != nil && e != http.ErrServerClosed {
			errLog.Printf("listen http: %v", e)
		}
	}()
}

// 先停管理接口，再停代理（代理内部按监听器并行 StopWithTimeout）
func shutdownAll(parent context.Context, srv *http.Server, a *app.App, errLog *log.Logger) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	if err := a.Stop(); err != nil {
		errLog.Printf("stop error: %v", err)
	}
}

func printListenHints(bindAddr string, useTLS bool, infoLog *log.Logger) {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		infoLog.Printf("[boot] admin listening: %s://%s", scheme, bindAddr)
		return
	}

	var urls []string
	if host != "" && host != "0.0.0.0" && host != "::" {
		urls = append(urls, scheme+"://"+net.JoinHostPort(host, port))
	} else {
		urls = append(urls, scheme+"://"+net.JoinHostPort("127.0.0.1", port))
		if ip := firstLANIPv4(); ip != "" {
			urls = append(urls, scheme+"://"+net.JoinHostPort(ip, port))
		}
	}
	infoLog.Printf("[boot] admin listening (%s):", scheme)
	for _, u := range urls {
		infoLog.Printf("       → %s/api", u)
	}
}

func firstLANIPv4() string {
	ifcs, _ := net.Interfaces()
	for _, itf := range ifcs {
		if itf.Flags&net.FlagUp == 0 || itf.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := itf.Addrs()
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipn.IP.To4()
			// 排除 127.* 和 169.254.*
			if ip == nil || ip[0] == 127 || (ip[0] == 169 && ip[1] == 254) {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
