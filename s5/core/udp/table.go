package udp

import (
	"errors"
	"net/netip"
	"sync"

	"golang.org/x/sync/singleflight"
)

var ErrSessionClosed = errors.New("udp: session closed")

// Table NAT 表：客户端源端点 → 出站会话
type Table struct {
	mu     sync.Mutex
	m      map[string]*Session
	sf     singleflight.Group
	closed bool
}

func NewTable() *Table {
	return &Table{m: make(map[string]*Session)}
}

func (t *Table) Get(key string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[key]
}

// GetOrCreate 同一源端点并发首包只调用一次 create；created 只对执行创建的调用方为 true
func (t *Table) GetOrCreate(key string, create func() (*Session, error)) (s *Session, created bool, err error) {
	if s = t.Get(key); s != nil {
		return s, false, nil
	}
	v, err, _ := t.sf.Do(key, func() (any, error) {
		// double-check
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrSessionClosed
		}
		if old := t.m[key]; old != nil {
			t.mu.Unlock()
			return old, nil
		}
		t.mu.Unlock()

		ns, err := create()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrSessionClosed
		}
		t.m[key] = ns
		t.mu.Unlock()
		created = true
		return ns, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Session), created, nil
}

// Remove 仅当表中仍是同一个会话时删除
func (t *Table) Remove(key string, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.m[key]; ok && cur == s {
		delete(t.m, key)
		return true
	}
	return false
}

// Close 显式关闭某个源端点的会话
func (t *Table) Close(key string) bool {
	s := t.Get(key)
	if s == nil {
		return false
	}
	s.Close()
	return true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func (t *Table) snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.m))
	for _, s := range t.m {
		out = append(out, s)
	}
	return out
}

// Sessions 当前所有会话的只读快照
func (t *Table) Sessions() []Info {
	ss := t.snapshot()
	out := make([]Info, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Info())
	}
	return out
}

// closeFrom 关闭某个客户端 IP 的全部会话
func (t *Table) closeFrom(ip netip.Addr) int {
	n := 0
	for _, s := range t.snapshot() {
		if s.sourceIP() == ip {
			s.Close()
			n++
		}
	}
	return n
}

// CountFrom 某个客户端 IP 当前的会话数
func (t *Table) CountFrom(ip netip.Addr) int {
	n := 0
	for _, s := range t.snapshot() {
		if s.sourceIP() == ip {
			n++
		}
	}
	return n
}

// CloseAll 关闭全部会话；之后不再接受新建
func (t *Table) CloseAll() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	for _, s := range t.snapshot() {
		s.Close()
	}
}
