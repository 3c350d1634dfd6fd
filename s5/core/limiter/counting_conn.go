package limiter

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type CountingOpts struct {
	Ctx context.Context

	// 方向：true => Write 计上行 / Read 计下行（面向上游）；false => Write 计下行 / Read 计上行（面向客户端）
	Direction bool

	// 单连接限速（可选）
	PerUpLimiter   *ByteLimiter
	PerDownLimiter *ByteLimiter

	// 用户共享限速（可选）
	UserSharedUpLimiter   *rate.Limiter
	UserSharedDownLimiter *rate.Limiter

	// 结束回调（只调用一次）
	OnFinish func(up, down int64)
}

// CountingConn 统计字节并在写前限速；Close 时回调一次 OnFinish
type CountingConn struct {
	net.Conn
	Opts CountingOpts

	readBytes  atomic.Int64
	writeBytes atomic.Int64
	finishOnce sync.Once
}

func NewCountingConn(c net.Conn, opts CountingOpts) *CountingConn {
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	return &CountingConn{Conn: c, Opts: opts}
}

// ClientSide 面向客户端：读=上行，写=下行（下行限速在写前生效）
func ClientSide(ctx context.Context, c net.Conn, store *UserLimiterStore, user string, perDown int64) *CountingConn {
	o := CountingOpts{Ctx: ctx, PerDownLimiter: NewLimiter(perDown)}
	if store != nil && user != "" {
		o.UserSharedDownLimiter = store.GetDown(user)
	}
	return NewCountingConn(c, o)
}

// UpstreamSide 面向上游：写=上行（上行限速在写前生效）
func UpstreamSide(ctx context.Context, c net.Conn, store *UserLimiterStore, user string, perUp int64) *CountingConn {
	o := CountingOpts{Ctx: ctx, Direction: true, PerUpLimiter: NewLimiter(perUp)}
	if store != nil && user != "" {
		o.UserSharedUpLimiter = store.GetUp(user)
	}
	return NewCountingConn(c, o)
}

func (cc *CountingConn) Read(b []byte) (int, error) {
	n, err := cc.Conn.Read(b)
	if n > 0 {
		cc.readBytes.Add(int64(n))
	}
	return n, err
}

func (cc *CountingConn) Write(b []byte) (int, error) {
	if !cc.FastpathOK() {
		per, shared := cc.Opts.PerDownLimiter, cc.Opts.UserSharedDownLimiter
		if cc.Opts.Direction {
			per, shared = cc.Opts.PerUpLimiter, cc.Opts.UserSharedUpLimiter
		}
		if err := WaitBeforeWrite(cc.Opts.Ctx, len(b), per, shared); err != nil {
			return 0, err
		}
	}
	n, err := cc.Conn.Write(b)
	if n > 0 {
		cc.writeBytes.Add(int64(n))
	}
	return n, err
}

// FastpathOK 没有任何限速器
func (cc *CountingConn) FastpathOK() bool {
	return cc.Opts.PerUpLimiter == nil && cc.Opts.PerDownLimiter == nil &&
		cc.Opts.UserSharedUpLimiter == nil && cc.Opts.UserSharedDownLimiter == nil
}

func (cc *CountingConn) Up() int64 {
	if cc.Opts.Direction {
		return cc.writeBytes.Load()
	}
	return cc.readBytes.Load()
}

func (cc *CountingConn) Down() int64 {
	if cc.Opts.Direction {
		return cc.readBytes.Load()
	}
	return cc.writeBytes.Load()
}

// CloseWrite 透传半关闭
func (cc *CountingConn) CloseWrite() error {
	if cw, ok := cc.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (cc *CountingConn) Unwrap() net.Conn { return cc.Conn }

func (cc *CountingConn) Close() error {
	cc.finishOnce.Do(func() {
		if cc.Opts.OnFinish != nil {
			cc.Opts.OnFinish(cc.Up(), cc.Down())
		}
	})
	return cc.Conn.Close()
}

/************** accept **************/

// AcceptWithContext 给 TCPListener 设置短超时轮询，感知 ctx 退出
func AcceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	tcpln, _ := ln.(*net.TCPListener)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if tcpln != nil {
			_ = tcpln.SetDeadline(time.Now().Add(500 * time.Millisecond))
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
		return c, nil
	}
}
