package upstream

import (
	"crypto/tls"
	"s5proxy/s5/common/logx"
	"strings"
)

/************** 组件日志 **************/

var upstreamLog = logx.New(logx.WithPrefix("upstream"))

// ClientTLSConfig backend-ssl 使用的客户端 TLS 配置。
//   - 证书校验：skipVerify
//   - ALPN：逗号分隔，自动去重/去空白
//   - fingerprint 预设（大小写不敏感）：
//     "" / "default" -> 保持默认（MinVersion: 1.2）
//     "strict13"     -> 仅 TLS 1.3
//     "modern"       -> 1.3 优先、允许降到 1.2
//     "compat"       -> 偏兼容 1.2 生态
//     "tls12-only"   -> 仅 TLS 1.2
func ClientTLSConfig(serverName string, skipVerify bool, alpnCSV, fingerprint string) *tls.Config {
	cfg := &tls.Config{
		ServerName:         strings.TrimSpace(serverName),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify,
	}
	if np := splitALPN(alpnCSV); len(np) > 0 {
		cfg.NextProtos = np
	}
	applyTLSFingerprintPreset(cfg, strings.ToLower(strings.TrimSpace(fingerprint)))
	return cfg
}

func splitALPN(csv string) []string {
	var np []string
	seen := make(map[string]struct{}, 4)
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lp := strings.ToLower(p)
		if _, ok := seen[lp]; ok {
			continue
		}
		seen[lp] = struct{}{}
		np = append(np, p)
	}
	return np
}

/************** TLS 指纹预设 **************/

// 仅对 TLS 1.2 有效的套件（1.3 的套件在 Go 中不可排序）
var cipherTLS12Modern = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

var curvesModern = []tls.CurveID{
	tls.X25519, tls.CurveP256, tls.CurveP384, tls.CurveP521,
}

func applyTLSFingerprintPreset(cfg *tls.Config, preset string) {
	switch preset {
	case "", "default":
		return
	case "strict13":
		cfg.MinVersion = tls.VersionTLS13
		cfg.CurvePreferences = curvesModern
	case "tls12-only":
		cfg.MaxVersion = tls.VersionTLS12
		cfg.CipherSuites = cipherTLS12Modern
		cfg.CurvePreferences = curvesModern
	default: // modern / compat / 未知
		cfg.CipherSuites = cipherTLS12Modern
		cfg.CurvePreferences = curvesModern
	}
}
