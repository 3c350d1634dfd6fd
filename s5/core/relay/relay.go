package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/core/flow"
	"s5proxy/s5/core/iface"
	"s5proxy/s5/core/route"
	"sync"
	"sync/atomic"
	"time"
)

var relayLog = logx.New(logx.WithPrefix("relay"))

const (
	DefaultHighWater = 256 * 1024
	DefaultLowWater  = 64 * 1024
	readBufSize      = 32 * 1024
	keepAlivePeriod  = 30 * time.Second
)

type Options struct {
	ReadIdle  time.Duration // 0 = 不限
	WriteIdle time.Duration
	HighWater int
	LowWater  int

	Cooldown  time.Duration
	Scheduler iface.Scheduler
	Now       func() time.Time

	// OnBackpressure dir = "up"(客户端→上游) / "down"
	OnBackpressure func(dir string, paused bool)
	// IsExpected 为 true 的错误只打 Debug
	IsExpected func(error) bool
	Log        *logx.Logger
}

func (o *Options) fill() {
	if o.HighWater <= 0 {
		o.HighWater = DefaultHighWater
	}
	if o.LowWater <= 0 || o.LowWater >= o.HighWater {
		o.LowWater = o.HighWater / 4
	}
	if o.Scheduler == nil {
		o.Scheduler = iface.StdScheduler
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Cooldown <= 0 {
		o.Cooldown = flow.DefaultCooldown
	}
	if o.IsExpected == nil {
		o.IsExpected = route.IsConnectError
	}
	if o.Log == nil {
		o.Log = relayLog
	}
}

// Context 一条 TCP 流：客户端、上游、待冲刷队列、取消标志、关闭回调。
// 两个方向的读循环共享它；任意一端失效都会让另一端冲刷后关闭。
type Context struct {
	ID       string
	Client   net.Conn
	Upstream route.Upstream
	Started  time.Time

	opts Options
	log  *logx.Logger
	ctx  context.Context
	stop context.CancelFunc

	mu           sync.Mutex
	peer         net.Conn
	toPeer       *writer
	toClient     *writer
	pending      [][]byte
	pendingBytes int
	pendPaused   bool
	clientEOF    bool // 上游就绪前客户端已半关闭
	clientErr    bool
	cancelled    bool
	active       int  // 仍在运行的读/写循环
	started      bool

	clientValve *flow.Valve
	peerValve   *flow.Valve
	upFlow      *flow.Controller
	downFlow    *flow.Controller

	closeOnce sync.Once
	closed    atomic.Bool
	onClose   []func()
	done      chan struct{}
}

func NewContext(parent context.Context, id string, client net.Conn, opts Options) *Context {
	opts.fill()
	ctx, stop := context.WithCancel(parent)
	c := &Context{
		ID:          id,
		Client:      client,
		Started:     opts.Now(),
		opts:        opts,
		log:         opts.Log,
		ctx:         ctx,
		stop:        stop,
		clientValve: flow.NewValve(),
		peerValve:   flow.NewValve(),
		done:        make(chan struct{}),
	}
	c.upFlow = c.newController("up", c.clientValve)
	c.downFlow = c.newController("down", c.peerValve)
	c.toClient = newWriter(client, opts.WriteIdle, opts.HighWater, opts.LowWater,
		c.downFlow.WritabilityChanged, func(err error) { c.fail("write client", err) })
	c.active = 1
	go func() {
		<-c.toClient.done
		c.release()
	}()
	return c
}

// release 最后一个循环退出时关闭整条流
func (c *Context) release() {
	c.mu.Lock()
	c.active--
	last := c.active == 0 && c.started
	if last {
		c.cancelled = true
	}
	c.mu.Unlock()
	if last {
		c.Close()
	}
}

func (c *Context) newController(dir string, valve *flow.Valve) *flow.Controller {
	var start, end func()
	if cb := c.opts.OnBackpressure; cb != nil {
		start = func() { cb(dir, true) }
		end = func() { cb(dir, false) }
	}
	return flow.New(
		flow.WithAutoReader(valve),
		flow.WithScheduler(c.opts.Scheduler),
		flow.WithClock(c.opts.Now),
		flow.WithCooldown(c.opts.Cooldown),
		flow.WithCallbacks(start, end),
	)
}

// OnClose 在 Start 之前注册
func (c *Context) OnClose(f func()) { c.onClose = append(c.onClose, f) }

func (c *Context) Done() <-chan struct{} { return c.done }

func (c *Context) Peer() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Pending 上游就绪前积压的包数
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start 开始读客户端；上游未就绪时数据进入待冲刷队列
func (c *Context) Start() {
	common.EnableTCPKeepAlive(c.Client, keepAlivePeriod)
	c.mu.Lock()
	c.started = true
	c.active++
	c.mu.Unlock()
	go func() {
		defer c.release()
		c.readLoop(c.Client, c.clientValve, c.forwardToPeer, c.clientDone)
	}()
}

// Activate 上游就绪：按序冲刷待发队列，然后转为直接转发
func (c *Context) Activate(peer net.Conn) error {
	common.EnableTCPKeepAlive(peer, keepAlivePeriod)
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		_ = peer.Close()
		return net.ErrClosed
	}
	c.peer = peer
	w := newWriter(peer, c.opts.WriteIdle, c.opts.HighWater, c.opts.LowWater,
		c.upFlow.WritabilityChanged, func(err error) { c.fail("write upstream", err) })
	for _, b := range c.pending {
		w.enqueue(b)
	}
	flushed := len(c.pending)
	c.pending, c.pendingBytes = nil, 0
	c.toPeer = w
	if c.pendPaused {
		c.pendPaused = false
		w.mu.Lock()
		if w.writable {
			c.upFlow.WritabilityChanged(true)
		}
		w.mu.Unlock()
	}
	switch {
	case c.clientErr:
		w.closeAfterFlush(false)
	case c.clientEOF:
		w.closeAfterFlush(true)
	}
	c.active += 2
	c.mu.Unlock()

	if flushed > 0 {
		c.log.Debugf("[%s] upstream active, flushed %d pending package(s)", c.ID, flushed)
	}
	go func() {
		<-w.done
		c.release()
	}()
	go func() {
		defer c.release()
		c.readLoop(peer, c.peerValve, c.toClient.enqueue, c.peerDone)
	}()
	return nil
}

func (c *Context) forwardToPeer(b []byte) bool {
	c.mu.Lock()
	if w := c.toPeer; w != nil {
		c.mu.Unlock()
		return w.enqueue(b)
	}
	defer c.mu.Unlock()
	if c.cancelled {
		return false
	}
	c.pending = append(c.pending, b)
	c.pendingBytes += len(b)
	if !c.pendPaused && c.pendingBytes > c.opts.HighWater {
		c.pendPaused = true
		c.upFlow.WritabilityChanged(false)
	}
	return true
}

/************** 读循环 **************/

type endKind int

const (
	endEOF endKind = iota
	endIdle
	endClosed
	endError
)

func classify(ctx context.Context, err error) endKind {
	switch {
	case errors.Is(err, io.EOF):
		return endEOF
	case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
		return endClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		return endIdle
	default:
		return endError
	}
}

func (c *Context) readLoop(src net.Conn, valve *flow.Valve, sink func([]byte) bool, end func(endKind, error)) {
	buf := make([]byte, readBufSize)
	for {
		if err := valve.Wait(c.ctx); err != nil {
			end(endClosed, err)
			return
		}
		if c.opts.ReadIdle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(c.opts.ReadIdle))
		}
		n, err := src.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			if !sink(b) {
				end(endClosed, nil)
				return
			}
		}
		if err != nil {
			end(classify(c.ctx, err), err)
			return
		}
	}
}

// clientDone 客户端读端结束
func (c *Context) clientDone(k endKind, err error) {
	c.mu.Lock()
	w := c.toPeer
	if w == nil {
		if k == endEOF {
			c.clientEOF = true
		} else {
			c.clientErr = true
		}
	}
	c.mu.Unlock()
	c.end("client", k, err, w, c.toClient)
}

// peerDone 上游读端结束
func (c *Context) peerDone(k endKind, err error) {
	c.mu.Lock()
	own := c.toPeer
	c.mu.Unlock()
	c.end("upstream", k, err, c.toClient, own)
}

// end 一侧读结束：对端冲刷后关闭（EOF 时半关闭）；空闲超时两侧都优雅关闭
func (c *Context) end(side string, k endKind, err error, other, own *writer) {
	switch k {
	case endEOF:
		c.log.Debugf("[%s] %s EOF", c.ID, side)
		if other != nil {
			other.closeAfterFlush(true)
		}
	case endIdle:
		c.log.Debugf("[%s] %s idle timeout", c.ID, side)
		if other != nil {
			other.closeAfterFlush(false)
		}
		if own != nil {
			own.closeAfterFlush(false)
		}
	case endClosed:
		if other != nil {
			other.closeAfterFlush(false)
		}
	default:
		c.logErr(side+" read", err)
		if own != nil {
			own.abort()
		}
		if other != nil {
			other.closeAfterFlush(false)
		}
	}
}

func (c *Context) logErr(what string, err error) {
	if c.opts.IsExpected(err) {
		c.log.Debugf("[%s] %s: %v", c.ID, what, err)
		return
	}
	c.log.Errorf("[%s] %s client=%s target=%s: %v", c.ID, what, c.Client.RemoteAddr(), c.Upstream, err)
}

// fail 写失败：两侧都关闭，不重试
func (c *Context) fail(what string, err error) {
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		return
	}
	c.logErr(what, err)
	c.upFlow.Close()
	c.downFlow.Close()
	c.abortAll()
}

func (c *Context) abortAll() {
	c.mu.Lock()
	c.cancelled = true
	tp := c.toPeer
	peer := c.peer
	c.pending = nil
	c.mu.Unlock()
	c.toClient.abort()
	_ = c.Client.Close()
	if tp != nil {
		tp.abort()
	}
	if peer != nil {
		_ = peer.Close()
	}
	c.stop()
}

// Close 幂等；只影响本流的两端
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.upFlow.Close()
		c.downFlow.Close()
		c.abortAll()
		for _, f := range c.onClose {
			f()
		}
		close(c.done)
	})
}

// Wait 阻塞到流结束
func (c *Context) Wait() { <-c.done }
