package udp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"s5proxy/s5/common"
	"s5proxy/s5/core/iface"
	"s5proxy/s5/core/route"
	"s5proxy/s5/core/socks"
	"s5proxy/s5/core/upstream"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxQueued      = 128
	maxResolveKeep = 256
)

// Info 会话的只读视图
type Info struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	User     string    `json:"user"`
	Upstream string    `json:"upstream"`
	Started  time.Time `json:"started"`
	Ready    bool      `json:"ready"`
	Up       int64     `json:"up"`
	Down     int64     `json:"down"`
}

// Session 一个客户端源端点对应的出站 UDP 流
type Session struct {
	ID      string
	Source  *net.UDPAddr
	User    string
	Started time.Time

	relay *Relay
	key   string
	ctx   context.Context
	stop  context.CancelFunc

	mu       sync.Mutex
	ready    bool
	closed   bool
	upstream route.Upstream
	out      *net.UDPConn
	control  net.Conn     // 链式：到上游 SOCKS5 的 TCP 控制连接
	chainTo  *net.UDPAddr // 链式：上游 UDP 中继
	resolved map[socks.Addr]*net.UDPAddr
	first    socks.Addr // 已经过 Route 的首个目的地
	timer    iface.Timer

	// 限速（可选），由 Relay.Options.Limits 注入
	upLimit   common.MultiLimiter
	downLimit common.MultiLimiter

	lastRead  atomic.Int64 // UnixNano，上游→客户端
	lastWrite atomic.Int64 // UnixNano，客户端→上游
	up        atomic.Int64
	down      atomic.Int64
	dropped   atomic.Int64

	// 出站队列：共享读循环只入队，限速、DNS、写 socket 都在本会话的 writeLoop 里
	queue chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Up 客户端→目标 负载字节数
func (s *Session) Up() int64 { return s.up.Load() }

// Down 目标→客户端 负载字节数
func (s *Session) Down() int64 { return s.down.Load() }

func (s *Session) Upstream() route.Upstream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *Session) Info() Info {
	s.mu.Lock()
	up, ready := s.upstream, s.ready
	s.mu.Unlock()
	return Info{
		ID:       s.ID,
		Source:   s.Source.String(),
		User:     s.User,
		Upstream: up.String(),
		Started:  s.Started,
		Ready:    ready,
		Up:       s.up.Load(),
		Down:     s.down.Load(),
	}
}

func (s *Session) sourceIP() netip.Addr { return common.NormalizeAddr(s.Source.IP) }

// Send 出站入队，不阻塞；未就绪时排队等待冲刷，队列满则丢弃
func (s *Session) Send(pkt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- pkt:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// writeLoop 按到达顺序写出；open 完成后启动，先冲刷就绪前排队的包
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt := <-s.queue:
			if err := s.write(pkt); err != nil {
				if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					s.Close()
					return
				}
				s.relay.log.Debugf("[%s] udp send src=%s: %v", s.ID, s.Source, err)
			}
		}
	}
}

// write pkt 为完整的 SOCKS5 UDP 数据报
func (s *Session) write(pkt []byte) error {
	d, err := socks.ParseDatagram(pkt)
	if err != nil {
		return err
	}
	// 首个目的地已过 Route；之后的目的地只复核黑名单
	if g := s.relay.guard; g != nil && d.Dst != s.first {
		if err := g.Allow(d.Dst); err != nil {
			return err
		}
	}
	if s.upLimit != nil {
		if err := s.upLimit.WaitN(s.ctx, len(d.Data)); err != nil {
			return err
		}
	}
	var to *net.UDPAddr
	payload := d.Data
	if s.chainTo != nil {
		to, payload = s.chainTo, pkt // 链式：头原样保留
	} else if to, err = s.resolve(d.Dst); err != nil {
		return err
	}
	if w := s.relay.opts.WriteIdle; w > 0 {
		_ = s.out.SetWriteDeadline(time.Now().Add(w))
	}
	if _, err := s.out.WriteToUDP(payload, to); err != nil {
		return err
	}
	s.up.Add(int64(len(d.Data)))
	s.lastWrite.Store(s.relay.opts.Now().UnixNano())
	return nil
}

func (s *Session) resolve(a socks.Addr) (*net.UDPAddr, error) {
	s.mu.Lock()
	if ua, ok := s.resolved[a]; ok {
		s.mu.Unlock()
		return ua, nil
	}
	s.mu.Unlock()
	ua, err := net.ResolveUDPAddr("udp", socks.Addr{Host: route.NormalizeHost(a.Host), Port: a.Port}.String())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if len(s.resolved) >= maxResolveKeep {
		s.resolved = make(map[socks.Addr]*net.UDPAddr)
	}
	s.resolved[a] = ua
	s.mu.Unlock()
	return ua, nil
}

/************** 建立 **************/

// open 路由 + 建出站 socket；完成后按序冲刷待发队列
func (s *Session) open(first socks.Addr) {
	r := s.relay
	up, err := r.router.Route(s.ctx, s.Source, first)
	if err != nil {
		s.logOpenErr("route", err)
		s.Close()
		return
	}
	out, err := net.ListenUDP("udp", nil)
	if err != nil {
		s.logOpenErr("listen", err)
		s.Close()
		return
	}
	_ = out.SetReadBuffer(4 << 20)
	_ = out.SetWriteBuffer(4 << 20)

	var control net.Conn
	var chainTo *net.UDPAddr
	if up.UDPChained() {
		control, chainTo, err = s.associateUpstream(up)
		if err != nil {
			_ = out.Close()
			s.logOpenErr("chain associate", err)
			s.Close()
			return
		}
	}

	now := r.opts.Now().UnixNano()
	s.lastRead.Store(now)
	s.lastWrite.Store(now)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = out.Close()
		if control != nil {
			_ = control.Close()
		}
		return
	}
	s.upstream, s.out, s.control, s.chainTo = up, out, control, chainTo
	s.ready = true
	s.mu.Unlock()

	r.log.Debugf("[%s] udp open src=%s via=%s queued=%d", s.ID, s.Source, up, len(s.queue))
	go s.writeLoop()
	go s.readLoop()
	if control != nil {
		go s.watchControl(control)
	}
	s.armIdle(r.opts.idleCheck())
}

func (s *Session) associateUpstream(up route.Upstream) (net.Conn, *net.UDPAddr, error) {
	r := s.relay
	ctx, cancel := context.WithTimeout(s.ctx, r.opts.ConnectTimeout)
	defer cancel()
	control, err := r.opts.Dialer.DialContext(ctx, "tcp", up.ChainUDP.String())
	if err != nil {
		return nil, nil, err
	}
	bind, err := upstream.Associate(control, upstream.Creds{Username: up.Username, Password: up.Password}, r.opts.ConnectTimeout)
	if err != nil {
		_ = control.Close()
		return nil, nil, err
	}
	ua, err := net.ResolveUDPAddr("udp", bind.String())
	if err != nil {
		_ = control.Close()
		return nil, nil, err
	}
	return control, ua, nil
}

// watchControl 上游控制连接断开即结束会话
func (s *Session) watchControl(c net.Conn) {
	_, _ = io.Copy(io.Discard, c)
	s.Close()
}

func (s *Session) logOpenErr(stage string, err error) {
	if route.IsConnectError(err) || errors.Is(err, route.ErrNotAllowed) {
		s.relay.log.Debugf("[%s] udp open %s src=%s: %v", s.ID, stage, s.Source, err)
		return
	}
	s.relay.log.Errorf("[%s] udp open %s src=%s: %v", s.ID, stage, s.Source, err)
}

/************** 下行 **************/

func (s *Session) readLoop() {
	r := s.relay
	buf := make([]byte, socks.MaxUDPPacket)
	for {
		n, from, err := s.out.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
				r.log.Debugf("[%s] udp read upstream: %v", s.ID, err)
			}
			s.Close()
			return
		}
		var reply []byte
		payload := n
		if s.chainTo != nil {
			// 链式：回包已带 SOCKS5 头，原样转回
			if !from.IP.Equal(s.chainTo.IP) || from.Port != s.chainTo.Port {
				continue
			}
			d, err := socks.ParseDatagram(buf[:n])
			if err != nil {
				continue
			}
			payload = len(d.Data)
			reply = append([]byte(nil), buf[:n]...)
		} else {
			reply, err = socks.AppendDatagram(make([]byte, 0, n+22), socks.AddrFromNet(from), buf[:n])
			if err != nil {
				continue
			}
		}
		if s.downLimit != nil {
			if err := s.downLimit.WaitN(s.ctx, payload); err != nil {
				s.Close()
				return
			}
		}
		// pc 为共享 socket，不设写超时
		if _, err := r.pc.WriteTo(reply, s.Source); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Debugf("[%s] udp write client %s: %v", s.ID, s.Source, err)
			}
			s.Close()
			return
		}
		s.down.Add(int64(payload))
		s.lastRead.Store(r.opts.Now().UnixNano())
	}
}

/************** 空闲 **************/

func (s *Session) armIdle(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timer = s.relay.opts.Scheduler.AfterFunc(d, s.checkIdle)
}

// checkIdle 读/写任一方向超过空闲窗口即关闭并出表，否则按剩余时间重排
func (s *Session) checkIdle() {
	o := s.relay.opts
	now := o.Now()
	next := time.Duration(0)
	check := func(limit time.Duration, last int64, dir string) bool {
		if limit <= 0 {
			return true
		}
		left := limit - now.Sub(time.Unix(0, last))
		if left <= 0 {
			s.relay.log.Debugf("[%s] udp %s idle src=%s", s.ID, dir, s.Source)
			return false
		}
		if next == 0 || left < next {
			next = left
		}
		return true
	}
	if !check(o.ReadIdle, s.lastRead.Load(), "read") || !check(o.WriteIdle, s.lastWrite.Load(), "write") {
		s.Close()
		return
	}
	s.armIdle(next)
}

/************** 关闭 **************/

// Close 幂等：出表、关 socket、关链式控制连接
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		out, control, timer := s.out, s.control, s.timer
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.stop()
		if out != nil {
			_ = out.Close()
		}
		if control != nil {
			_ = control.Close()
		}
		s.relay.table.Remove(s.key, s)
		if d := s.dropped.Load(); d > 0 {
			s.relay.log.Debugf("[%s] udp dropped %d queued packet(s)", s.ID, d)
		}
		s.relay.log.Debugf("[%s] udp close src=%s up=%d down=%d dur=%s", s.ID, s.Source,
			s.up.Load(), s.down.Load(), time.Since(s.Started).Truncate(time.Millisecond))
		if f := s.relay.opts.OnClose; f != nil {
			f(s)
		}
		close(s.done)
	})
}
