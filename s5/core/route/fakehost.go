package route

import (
	"errors"
	"s5proxy/s5/core/socks"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const DefaultFakeSuffix = ".s5fake"

var ErrFakeHostUnknown = errors.New("route: unknown fake host")

// FakeHosts 服务端 id → 端点 映射；token 形如 "<id>.s5fake"
type FakeHosts struct {
	suffix string
	seq    atomic.Uint64
	mu     sync.RWMutex
	m      map[uint64]socks.Addr
}

func NewFakeHosts(suffix string) *FakeHosts {
	if suffix == "" {
		suffix = DefaultFakeSuffix
	}
	if !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return &FakeHosts{suffix: strings.ToLower(suffix), m: make(map[uint64]socks.Addr)}
}

// Register 返回可下发给客户端的 token host
func (f *FakeHosts) Register(ep socks.Addr) string {
	id := f.seq.Add(1)
	f.mu.Lock()
	f.m[id] = ep
	f.mu.Unlock()
	return strconv.FormatUint(id, 10) + f.suffix
}

func (f *FakeHosts) Forget(token string) {
	id, ok := f.parse(token)
	if !ok {
		return
	}
	f.mu.Lock()
	delete(f.m, id)
	f.mu.Unlock()
}

func (f *FakeHosts) IsFake(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), f.suffix)
}

func (f *FakeHosts) parse(host string) (uint64, bool) {
	h := strings.ToLower(host)
	if !strings.HasSuffix(h, f.suffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(h, f.suffix), 10, 64)
	return id, err == nil
}

// Resolve 非 fake host 原样返回；端口为 0 时沿用登记时的端口
func (f *FakeHosts) Resolve(a socks.Addr) (socks.Addr, error) {
	if !f.IsFake(a.Host) {
		return a, nil
	}
	id, ok := f.parse(a.Host)
	if !ok {
		return a, ErrFakeHostUnknown
	}
	f.mu.RLock()
	ep, found := f.m[id]
	f.mu.RUnlock()
	if !found {
		return a, ErrFakeHostUnknown
	}
	if a.Port != 0 {
		ep.Port = a.Port
	}
	return ep, nil
}

func (f *FakeHosts) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.m)
}
