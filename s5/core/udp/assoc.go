package udp

import (
	"net/netip"
	"sync"
)

/************** 关联登记：TCP 控制连接 → 允许的 UDP 来源 IP **************/

type assocEntry struct {
	refs int
	user string
}

// assocRegistry 记录处于 UDP ASSOCIATE 状态的客户端 IP（引用计数）
type assocRegistry struct {
	mu sync.Mutex
	m  map[netip.Addr]*assocEntry
}

func newAssocRegistry() *assocRegistry {
	return &assocRegistry{m: make(map[netip.Addr]*assocEntry)}
}

func (r *assocRegistry) add(ip netip.Addr, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[ip]
	if e == nil {
		e = &assocEntry{}
		r.m[ip] = e
	}
	e.refs++
	if user != "" {
		e.user = user
	}
}

// remove 返回 true 表示该 IP 已无控制连接
func (r *assocRegistry) remove(ip netip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[ip]
	if e == nil {
		return true
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.m, ip)
		return true
	}
	return false
}

func (r *assocRegistry) lookup(ip netip.Addr) (user string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.m[ip]
	if e == nil {
		return "", false
	}
	return e.user, true
}

func (r *assocRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
