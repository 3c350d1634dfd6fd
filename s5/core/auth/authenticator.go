package auth

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"s5proxy/s5/common"
	"s5proxy/s5/common/bruteguard"
	"s5proxy/s5/db/dao"
	"time"
)

var (
	ErrAuthFailed   = errors.New("auth: bad credentials")
	ErrUserDisabled = errors.New("auth: user disabled")
	ErrTooManyIPs   = errors.New("auth: too many source ips")
)

// Authenticator login(username, password) → User；失败返回 error，不返回用户
type Authenticator interface {
	Login(ctx context.Context, ip netip.Addr, username, password string) (*User, error)
}

/************** 匿名 **************/

// Anonymous 任何用户名/密码都通过；仍按用户名记账
type Anonymous struct {
	Users *Registry
}

func (a Anonymous) Login(_ context.Context, ip netip.Addr, username, _ string) (*User, error) {
	if username == "" {
		username = "anonymous"
	}
	u := a.Users.Get(username)
	u.Acquire(ip, time.Now())
	return u, nil
}

/************** 存储 **************/

// StoreAuthenticator 从 UserStore 取记录比对密码；带防爆破与并发 IP 限制
type StoreAuthenticator struct {
	store dao.UserStore
	users *Registry
	guard *bruteguard.Guard
	now   func() time.Time
}

func NewStoreAuthenticator(store dao.UserStore, users *Registry, guard *bruteguard.Guard) *StoreAuthenticator {
	return &StoreAuthenticator{store: store, users: users, guard: guard, now: time.Now}
}

func (s *StoreAuthenticator) Login(ctx context.Context, ip netip.Addr, username, password string) (*User, error) {
	ipStr := ""
	if ip.IsValid() {
		ipStr = ip.String()
	}
	if s.guard != nil {
		// 与口令错误一致，不暴露限流信号
		if ok, _ := s.guard.Allow(ipStr, username); !ok {
			return nil, ErrAuthFailed
		}
	}
	rec, err := s.store.Get(ctx, username)
	if err != nil {
		if errors.Is(err, dao.ErrUserNotFound) {
			s.fail(ipStr, username)
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("auth: load %q: %w", username, err)
	}
	if !common.PasswordOK(rec.Password, rec.PasswordSha256, password) {
		s.fail(ipStr, username)
		return nil, ErrAuthFailed
	}
	if !common.StatusOK(rec.Status) {
		return nil, ErrUserDisabled
	}
	if s.guard != nil {
		s.guard.Success(ipStr, username)
	}

	u := s.users.Get(rec.Username)
	u.Configure(rec.MaxIps, rec.UpLimit, rec.DownLimit)
	if !u.Acquire(ip, s.now()) {
		return nil, ErrTooManyIPs
	}
	return u, nil
}

func (s *StoreAuthenticator) fail(ip, user string) {
	if s.guard != nil {
		s.guard.Fail(ip, user)
	}
}
