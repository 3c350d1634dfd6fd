package relay

import (
	"net"
	"s5proxy/s5/common"
	"sync"
	"time"
)

// writer 单方向的出站队列：排队字节越过高水位变为不可写，回落到低水位恢复
type writer struct {
	conn      net.Conn
	writeIdle time.Duration
	high, low int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	queued   int
	writable bool
	closing  bool // 写完后关闭
	half     bool // 关闭方式：CloseWrite 优先
	aborted  bool
	err      error

	onWritability func(bool) // 持锁调用，保证信号顺序
	onError       func(error)
	done          chan struct{}
}

func newWriter(conn net.Conn, writeIdle time.Duration, high, low int, onWritability func(bool), onError func(error)) *writer {
	w := &writer{
		conn:          conn,
		writeIdle:     writeIdle,
		high:          high,
		low:           low,
		writable:      true,
		onWritability: onWritability,
		onError:       onError,
		done:          make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// enqueue 不阻塞；返回 false 表示该方向已经失效
func (w *writer) enqueue(b []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted || w.closing {
		return false
	}
	w.queue = append(w.queue, b)
	w.queued += len(b)
	if w.writable && w.queued > w.high {
		w.writable = false
		if w.onWritability != nil {
			w.onWritability(false)
		}
	}
	w.cond.Signal()
	return true
}

func (w *writer) isWritable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writable
}

func (w *writer) buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queued
}

// closeAfterFlush 冲刷已排队数据后关闭；half=true 时尽量只关写端
func (w *writer) closeAfterFlush(half bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing || w.aborted {
		return
	}
	w.closing = true
	w.half = half
	w.cond.Signal()
}

// abort 丢弃队列，立即结束
func (w *writer) abort() {
	w.mu.Lock()
	w.aborted = true
	w.queue = nil
	w.queued = 0
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closing && !w.aborted {
			w.cond.Wait()
		}
		if w.aborted {
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 { // closing 且已冲刷完
			half := w.half
			w.mu.Unlock()
			if !half || !common.CloseWrite(w.conn) {
				_ = w.conn.Close()
			}
			return
		}
		b := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if w.writeIdle > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeIdle))
		}
		_, err := w.conn.Write(b)

		w.mu.Lock()
		if w.aborted {
			w.mu.Unlock()
			return
		}
		if err != nil {
			w.aborted = true
			w.err = err
			w.queue = nil
			w.queued = 0
			w.mu.Unlock()
			if w.onError != nil {
				w.onError(err)
			}
			return
		}
		w.queued -= len(b)
		if !w.writable && w.queued <= w.low {
			w.writable = true
			if w.onWritability != nil {
				w.onWritability(true)
			}
		}
		w.mu.Unlock()
	}
}
