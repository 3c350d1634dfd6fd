package transport

import (
	"io"
	"net"
)

type closeWriter interface {
	CloseWrite() error
}

// layerConn 替换读/写路径，其余行为（地址、deadline）沿用底层连接
type layerConn struct {
	net.Conn
	r     io.Reader
	w     io.Writer
	flush func() error
}

func (c *layerConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *layerConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// CloseWrite 先冲刷本层缓冲，再把半关闭传给底层
func (c *layerConn) CloseWrite() error {
	if c.flush != nil {
		if err := c.flush(); err != nil {
			return err
		}
	}
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *layerConn) Unwrap() net.Conn { return c.Conn }
