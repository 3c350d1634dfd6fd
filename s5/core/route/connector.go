package route

import (
	"context"
	"fmt"
	"net"
	"s5proxy/s5/common/logx"
	"time"
)

var connectorLog = logx.New(logx.WithPrefix("route.connector"))

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connector 拨号 + 失败换路；重试次数只取决于路由器还肯不肯给新的上游
type Connector struct {
	Router  Router
	Dialer  Dialer
	Timeout time.Duration // 单次拨号超时
	Log     *logx.Logger
}

func (c *Connector) log() *logx.Logger {
	if c.Log != nil {
		return c.Log
	}
	return connectorLog
}

// FinishFunc 在拨通的连接上完成本次尝试（编解码包装、链式握手）；失败与拨号失败同样换路。
// 出错时不必关闭 raw，由 Connector 负责
type FinishFunc func(raw net.Conn, d *Decision) (net.Conn, error)

// Connect 成功返回到 d.Upstream.DialAddr() 的原始连接；失败时 d.LastErr 为最后一次拨号错误
func (c *Connector) Connect(ctx context.Context, d *Decision) (net.Conn, error) {
	return c.ConnectWith(ctx, d, nil)
}

// ConnectWith 每次尝试拨号后执行 finish；任一步失败都交给路由器决定是否换路
func (c *Connector) ConnectWith(ctx context.Context, d *Decision, finish FinishFunc) (net.Conn, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		target := d.Upstream.DialAddr()
		dctx, cancel := ctx, context.CancelFunc(func() {})
		if c.Timeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, c.Timeout)
		}
		conn, err := dialer.DialContext(dctx, "tcp", target.String())
		cancel()
		if err == nil && finish != nil {
			var fc net.Conn
			if fc, err = finish(conn, d); err != nil {
				_ = conn.Close()
				c.log().Debugf("setup via %s failed attempt=%d err=%v", d.Upstream, d.FailCount+1, err)
			} else {
				conn = fc
			}
		}
		if err == nil {
			if d.FailCount > 0 {
				c.log().Debugf("connected to %s after %d failed attempt(s)", d.Upstream, d.FailCount)
			}
			return conn, nil
		}
		d.LastErr = err
		if conn == nil {
			c.log().Debugf("dial %s failed attempt=%d err=%v", target, d.FailCount+1, err)
		}

		if c.Router != nil {
			c.Router.Reconnect(ctx, d)
		}
		switch {
		case d.Cancelled:
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		case !d.Changed:
			return nil, err
		}
		d.Reset()
		c.log().Debugf("reconnect via alternate %s failCount=%d", d.Upstream, d.FailCount)
	}
}
