package ttls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"s5proxy/s5/common"
	"strings"
)

var (
	ErrEmptyKeyPair  = errors.New("ttls: empty cert/key")
	ErrSNIRequired   = errors.New("ttls: sni required")
	ErrSNINotAllowed = errors.New("ttls: sni not allowed")
)

// LoadTLSConfig frontend-ssl 的服务端配置。
// cert/key 可为文件路径或 PEM 内容；sniGuard 为逗号分隔的域名/通配符，空 = 不校验 SNI
func LoadTLSConfig(cert, key, sniGuard string) (*tls.Config, error) {
	kp, err := loadKeyPair(strings.TrimSpace(cert), strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{kp},
	}
	if guard := common.ParseGuardList(sniGuard); len(guard) > 0 {
		cfg.VerifyConnection = sniVerifier(guard, kp.Leaf)
	}
	return cfg, nil
}

func loadKeyPair(cert, key string) (tls.Certificate, error) {
	if cert == "" || key == "" {
		return tls.Certificate{}, ErrEmptyKeyPair
	}
	certPEM, err := common.ReadPEMorFile(cert)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read cert: %w", err)
	}
	keyPEM, err := common.ReadPEMorFile(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read key: %w", err)
	}
	kp, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse keypair: %w", err)
	}
	if kp.Leaf == nil && len(kp.Certificate) > 0 {
		if leaf, e := x509.ParseCertificate(kp.Certificate[0]); e == nil {
			kp.Leaf = leaf
		}
	}
	return kp, nil
}

// sniVerifier 客户端 SNI 必须命中白名单，且被证书覆盖
func sniVerifier(guard []string, leaf *x509.Certificate) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		sni := strings.ToLower(strings.TrimSpace(cs.ServerName))
		if sni == "" {
			return ErrSNIRequired
		}
		if !common.MatchAnyHostPattern(sni, guard) {
			return fmt.Errorf("%w: %s", ErrSNINotAllowed, sni)
		}
		if leaf != nil {
			if err := leaf.VerifyHostname(sni); err != nil {
				return fmt.Errorf("sni not covered by certificate: %w", err)
			}
		}
		return nil
	}
}
