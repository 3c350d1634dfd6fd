package auth

import (
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// User 运行时用户：跨连接共享，持有每个来源 IP 的登录引用计数与累计流量
type User struct {
	Name string

	mu        sync.Mutex
	refs      map[netip.Addr]int
	maxIPs    int
	upLimit   int64
	downLimit int64
	lastLogin time.Time

	up   atomic.Int64
	down atomic.Int64
}

func NewUser(name string) *User {
	return &User{Name: name, refs: make(map[netip.Addr]int)}
}

// Configure 登录时按存储中的记录刷新限制
func (u *User) Configure(maxIPs int, upLimit, downLimit int64) {
	u.mu.Lock()
	u.maxIPs, u.upLimit, u.downLimit = maxIPs, upLimit, downLimit
	u.mu.Unlock()
}

// Acquire 为来源 IP 增加一次登录引用；新 IP 超过 maxIPs 时拒绝
func (u *User) Acquire(ip netip.Addr, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, seen := u.refs[ip]; !seen && u.maxIPs > 0 && len(u.refs) >= u.maxIPs {
		return false
	}
	u.refs[ip]++
	u.lastLogin = now
	return true
}

// Release 引用归零时移除该 IP
func (u *User) Release(ip netip.Addr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n, ok := u.refs[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(u.refs, ip)
		return
	}
	u.refs[ip] = n - 1
}

func (u *User) AddTraffic(up, down int64) {
	u.up.Add(up)
	u.down.Add(down)
}

// Traffic 本进程内累计（不含存储里的历史值）
func (u *User) Traffic() (up, down int64) { return u.up.Load(), u.down.Load() }

func (u *User) Limits() (up, down int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.upLimit, u.downLimit
}

func (u *User) LastLogin() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastLogin
}

// Refs 来源 IP → 当前登录数
func (u *User) Refs() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.refs))
	for ip, n := range u.refs {
		out[ip.String()] = n
	}
	return out
}

type UserInfo struct {
	Name      string         `json:"name"`
	Up        int64          `json:"up"`
	Down      int64          `json:"down"`
	LastLogin time.Time      `json:"lastLogin"`
	IPs       map[string]int `json:"ips"`
}

func (u *User) Info() UserInfo {
	up, down := u.Traffic()
	return UserInfo{Name: u.Name, Up: up, Down: down, LastLogin: u.LastLogin(), IPs: u.Refs()}
}

/************** 注册表 **************/

// Registry 用户名 → *User
type Registry struct {
	mu sync.Mutex
	m  map[string]*User
}

func NewRegistry() *Registry { return &Registry{m: make(map[string]*User)} }

// Get 不存在则创建
func (r *Registry) Get(name string) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.m[name]
	if u == nil {
		u = NewUser(name)
		r.m[name] = u
	}
	return u
}

func (r *Registry) List() []UserInfo {
	r.mu.Lock()
	us := make([]*User, 0, len(r.m))
	for _, u := range r.m {
		us = append(us, u)
	}
	r.mu.Unlock()
	out := make([]UserInfo, 0, len(us))
	for _, u := range us {
		out = append(out, u.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
