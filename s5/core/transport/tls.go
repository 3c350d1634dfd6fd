package transport

import (
	"crypto/tls"
	"net"
)

type tlsStage struct {
	server bool
	cfg    *tls.Config
}

func (tlsStage) Name() string { return "ssl" }

// Wrap 不主动握手，首个读/写触发
func (s tlsStage) Wrap(c net.Conn) (net.Conn, error) {
	if s.server {
		return tls.Server(c, s.cfg), nil
	}
	return tls.Client(c, s.cfg), nil
}
