package dao

import (
	"context"
	"errors"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/common/ttime"
	"s5proxy/s5/model"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var userDaoLog = logx.New(logx.WithPrefix("user.dao"))

var ErrUserNotFound = errors.New("user not found")

// TrafficDelta 一批待累加到 user 行的增量
type TrafficDelta struct {
	Username  string
	Up, Down  int64
	LastLogin time.Time
}

// UserStore 凭据存储
type UserStore interface {
	Get(ctx context.Context, username string) (*model.User, error)
	Put(ctx context.Context, u *model.User) error
	List(ctx context.Context) ([]model.User, error)
	AddTraffic(ctx context.Context, deltas []TrafficDelta) error
}

/************** 内存 **************/

type MemoryUserStore struct {
	mu    sync.RWMutex
	seq   int64
	users map[string]*model.User
}

func NewMemoryUserStore(users ...model.User) *MemoryUserStore {
	s := &MemoryUserStore{users: make(map[string]*model.User, len(users))}
	for i := range users {
		_ = s.Put(context.Background(), &users[i])
	}
	return s
}

func (s *MemoryUserStore) Get(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUserStore) Put(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if old, ok := s.users[u.Username]; ok {
		cp.Id = old.Id
	} else if cp.Id == 0 {
		s.seq++
		cp.Id = s.seq
	}
	if cp.Status == "" {
		cp.Status = model.StatusEnabled
	}
	s.users[u.Username] = &cp
	u.Id = cp.Id
	return nil
}

func (s *MemoryUserStore) List(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *MemoryUserStore) AddTraffic(_ context.Context, deltas []TrafficDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		u, ok := s.users[d.Username]
		if !ok {
			continue
		}
		u.Up += d.Up
		u.Down += d.Down
		if !d.LastLogin.IsZero() {
			u.LastLogin = ttime.Of(d.LastLogin)
		}
	}
	return nil
}

/************** gorm **************/

type GormUserStore struct {
	db     *gorm.DB
	driver string
}

func NewGormUserStore(db *gorm.DB, driver string) *GormUserStore {
	return &GormUserStore{db: db, driver: strings.ToLower(driver)}
}

func (s *GormUserStore) Get(ctx context.Context, username string) (*model.User, error) {
	var m model.User
	err := s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("username = ?", username).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Put 按 username 新建或覆盖（不动累计流量）
func (s *GormUserStore) Put(ctx context.Context, u *model.User) error {
	db := s.db.WithContext(ctx)
	if u.Status == "" {
		u.Status = model.StatusEnabled
	}
	var old model.User
	err := db.Where("username = ?", u.Username).First(&old).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		u.CreateDateTime, u.UpdateDateTime = ttime.Now(), ttime.Now()
		return db.Create(u).Error
	case err != nil:
		return err
	}
	u.Id = old.Id
	return db.Model(&model.User{}).Where("id = ?", old.Id).Updates(map[string]any{
		"password":         u.Password,
		"password_sha256":  u.PasswordSha256,
		"up_limit":         u.UpLimit,
		"down_limit":       u.DownLimit,
		"max_ips":          u.MaxIps,
		"status":           u.Status,
		"update_date_time": ttime.Now(),
	}).Error
}

func (s *GormUserStore) List(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// AddTraffic 单条语句批量累加：
// - MySQL/SQLite：整批成功或整批失败
// - 其他驱动：逐条执行，返回第一个错误（可能部分已成功）
func (s *GormUserStore) AddTraffic(ctx context.Context, deltas []TrafficDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	db := s.db.WithContext(ctx)
	args := make([]any, 0, len(deltas)*4)
	var b strings.Builder

	switch s.driver {
	case "mysql":
		b.WriteString("UPDATE `user` u JOIN (")
		for i, d := range deltas {
			if i > 0 {
				b.WriteString(" UNION ALL ")
			}
			b.WriteString("SELECT ? AS username, ? AS up, ? AS down, ? AS last_login")
			args = append(args, d.Username, d.Up, d.Down, lastLoginArg(d.LastLogin))
		}
		b.WriteString(") d ON u.username = d.username SET u.`up` = u.`up` + d.up, u.`down` = u.`down` + d.down, " +
			"u.last_login = COALESCE(d.last_login, u.last_login)")
		return db.Exec(b.String(), args...).Error

	case "sqlite":
		b.WriteString("WITH d(username, up, down, last_login) AS (VALUES ")
		for i, d := range deltas {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(?,?,?,?)")
			args = append(args, d.Username, d.Up, d.Down, lastLoginArg(d.LastLogin))
		}
		b.WriteString(`)
UPDATE "user"
   SET up         = up   + COALESCE((SELECT up   FROM d WHERE d.username = "user".username), 0),
       down       = down + COALESCE((SELECT down FROM d WHERE d.username = "user".username), 0),
       last_login = COALESCE((SELECT last_login FROM d WHERE d.username = "user".username), last_login)
 WHERE username IN (SELECT username FROM d);`)
		return db.Exec(b.String(), args...).Error

	default:
		var firstErr error
		for _, d := range deltas {
			err := db.Exec(`UPDATE "user" SET up = up + ?, down = down + ?, last_login = COALESCE(?, last_login) WHERE username = ?`,
				d.Up, d.Down, lastLoginArg(d.LastLogin), d.Username).Error
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			userDaoLog.Warnf("add traffic (row by row) partial failure: %v", firstErr)
		}
		return firstErr
	}
}

func lastLoginArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return ttime.Of(t).String()
}

// SeedUsers 仅插入 store 中还没有的用户
func SeedUsers(ctx context.Context, s UserStore, users []model.User) (int, error) {
	n := 0
	for i := range users {
		_, err := s.Get(ctx, users[i].Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrUserNotFound) {
			return n, err
		}
		if err := s.Put(ctx, &users[i]); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		userDaoLog.Infof("seeded %d user(s)", n)
	}
	return n, nil
}
