package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrMissingCipherKey = errors.New("transport: cipher flag set but no cipher key configured")
	ErrMissingTLSConfig = errors.New("transport: ssl flag set but no tls config")
)

// Stage 链上的一个编解码层
type Stage interface {
	Name() string
	Wrap(c net.Conn) (net.Conn, error)
}

// Chain 单侧固定顺序的编解码链：SSL → cipher → compress
type Chain struct {
	side   Side
	stages []Stage
}

func (c Chain) Side() Side  { return c.side }
func (c Chain) Empty() bool { return len(c.stages) == 0 }

// Names 安装顺序
func (c Chain) Names() []string {
	out := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		out = append(out, s.Name())
	}
	return out
}

// RemovalOrder 拆除顺序（与安装相反）
func (c Chain) RemovalOrder() []string {
	n := c.Names()
	for i, j := 0, len(n)-1; i < j; i, j = i+1, j-1 {
		n[i], n[j] = n[j], n[i]
	}
	return n
}

// Apply 按顺序包裹连接；失败时调用方负责关闭 raw
func (c Chain) Apply(raw net.Conn) (net.Conn, error) {
	cur := raw
	for _, s := range c.stages {
		next, err := s.Wrap(cur)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", c.side, s.Name(), err)
		}
		cur = next
	}
	return cur, nil
}

func (c Chain) String() string {
	if c.Empty() {
		return c.side.String() + "[]"
	}
	return c.side.String() + "[" + strings.Join(c.Names(), ">") + "]"
}

type CipherOptions struct {
	Algorithm string // aes-256-gcm | chacha20-poly1305
	Key       string
}

type Options struct {
	Cipher    CipherOptions
	ServerTLS *tls.Config // frontend-ssl
	ClientTLS *tls.Config // backend-ssl
}

// Layers 一个监听器的两侧链，启动前一次性算好，连接生命周期内不变
type Layers struct {
	Flags    Flags
	Frontend Chain
	Backend  Chain
}

// Build 根据 flags 计算两侧编解码链；配置缺失在此处报错，而不是等到第一次流量
func Build(f Flags, opts Options) (*Layers, error) {
	var master []byte
	if f.Any(cipherMask) {
		if strings.TrimSpace(opts.Cipher.Key) == "" {
			return nil, ErrMissingCipherKey
		}
		if _, err := aeadFactory(opts.Cipher.Algorithm); err != nil {
			return nil, err
		}
		master = deriveMaster(opts.Cipher.Key)
	}
	fe, err := buildSide(Frontend, f.side(Frontend), master, opts)
	if err != nil {
		return nil, err
	}
	be, err := buildSide(Backend, f.side(Backend), master, opts)
	if err != nil {
		return nil, err
	}
	return &Layers{Flags: f, Frontend: fe, Backend: be}, nil
}

func buildSide(side Side, b sideBits, master []byte, opts Options) (Chain, error) {
	ch := Chain{side: side}
	if b.ssl {
		switch side {
		case Frontend:
			if opts.ServerTLS == nil {
				return ch, fmt.Errorf("frontend: %w", ErrMissingTLSConfig)
			}
			ch.stages = append(ch.stages, tlsStage{server: true, cfg: opts.ServerTLS})
		case Backend:
			if opts.ClientTLS == nil {
				return ch, fmt.Errorf("backend: %w", ErrMissingTLSConfig)
			}
			ch.stages = append(ch.stages, tlsStage{cfg: opts.ClientTLS})
		}
	}
	if b.cipherRead || b.cipherWrite {
		newAEAD, _ := aeadFactory(opts.Cipher.Algorithm)
		ch.stages = append(ch.stages, &cipherStage{
			read:    b.cipherRead,
			write:   b.cipherWrite,
			master:  master,
			newAEAD: newAEAD,
			// frontend 读的是“客户端→服务端”方向；backend 写的是同一方向
			readInfo:  dirInfo(side == Frontend),
			writeInfo: dirInfo(side != Frontend),
		})
	}
	if b.compressRead || b.compressWrite {
		ch.stages = append(ch.stages, compressStage{read: b.compressRead, write: b.compressWrite})
	}
	return ch, nil
}

func dirInfo(clientToServer bool) []byte {
	if clientToServer {
		return []byte("s5proxy c2s")
	}
	return []byte("s5proxy s2c")
}
