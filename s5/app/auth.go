package app

import (
	"context"
	"fmt"
	"s5proxy/s5/common"
	"s5proxy/s5/common/config"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/db/dao"
	"s5proxy/s5/model"
	"strings"
	"time"
)

// setupAuth 按 auth.mode 选择认证器：
//   - none：NO_AUTH，不记用户
//   - anonymous：任何用户名/密码都通过，按用户名记账
//   - static：配置里的用户，内存存储
//   - db：gorm 存储，配置里的用户作为种子（已存在的不覆盖）
func (a *App) setupAuth() error {
	mode := strings.ToLower(a.Cfg.Auth.Mode)
	switch mode {
	case "", "none":
		a.Log.Infof("auth: none")
		return nil
	case "anonymous":
		a.Auth = auth.Anonymous{Users: a.Users}
		a.Log.Infof("auth: anonymous")
		return nil
	case "static":
		users, err := userModels(a.Cfg.Auth.Users)
		if err != nil {
			return err
		}
		a.Store = dao.NewMemoryUserStore(users...)
	case "db":
		if a.DB == nil {
			return fmt.Errorf("auth.mode=db requires db")
		}
		users, err := userModels(a.Cfg.Auth.Users)
		if err != nil {
			return err
		}
		a.Store = dao.NewGormUserStore(a.DB.GormDataSource, a.DB.Driver)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := dao.SeedUsers(ctx, a.Store, users); err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
	default:
		return fmt.Errorf("auth.mode %q unsupported", a.Cfg.Auth.Mode)
	}
	a.Auth = auth.NewStoreAuthenticator(a.Store, a.Users, a.Guard)
	a.Log.Infof("auth: %s (%d configured user(s))", mode, len(a.Cfg.Auth.Users))
	return nil
}

// userModels 配置用户 → 存储行；明文只换成 sha256 保存
func userModels(cfgs []config.UserCfg) ([]model.User, error) {
	out := make([]model.User, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for i, c := range cfgs {
		name := strings.TrimSpace(c.Username)
		if name == "" {
			return nil, fmt.Errorf("auth.users[%d]: username required", i)
		}
		if len(name) > 255 {
			return nil, fmt.Errorf("auth.users[%d]: username too long", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("auth.users[%d]: duplicate username %q", i, name)
		}
		seen[name] = struct{}{}

		hash := strings.ToLower(strings.TrimSpace(c.PassHash))
		if hash == "" {
			if c.Password == "" {
				return nil, fmt.Errorf("auth.users[%d]: password or password_sha256 required", i)
			}
			hash = common.HashUP(c.Password)
		}
		out = append(out, model.User{
			Username:       name,
			PasswordSha256: hash,
			UpLimit:        c.UpLimit,
			DownLimit:      c.DownLimit,
			MaxIps:         c.MaxIPs,
			Status:         model.StatusEnabled,
		})
	}
	return out, nil
}
