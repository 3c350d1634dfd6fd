package cmd

import (
	"context"
	"errors"
	"fmt"
	"s5proxy/s5/app"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/db/dao"
	"s5proxy/s5/model"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ops = logx.New(logx.WithPrefix("ops"))

/********** 用户密码重置 **********/

// ResetPassword 只在 auth.mode=db 下有意义；static 模式以配置文件为准
func ResetPassword(cfgPath, username, newPass string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Stop()
	if a.DB == nil || !strings.EqualFold(a.Cfg.Auth.Mode, "db") {
		return fmt.Errorf("passwd requires auth.mode=db")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return resetPassword(ctx, a.Store, username, newPass)
}

// 只存 sha256，清掉明文；同时重新启用
func resetPassword(ctx context.Context, st dao.UserStore, username, newPass string) error {
	username = strings.TrimSpace(username)
	if username == "" || newPass == "" {
		return fmt.Errorf("username and password required")
	}
	u, err := st.Get(ctx, username)
	if errors.Is(err, dao.ErrUserNotFound) {
		return fmt.Errorf("user %q not found", username)
	}
	if err != nil {
		return err
	}
	u.Password = ""
	u.PasswordSha256 = common.HashUP(newPass)
	u.Status = model.StatusEnabled
	if err := st.Put(ctx, u); err != nil {
		return err
	}
	ops.Infof("[passwd] updated id=%d username=%s", u.Id, u.Username)
	return nil
}

/********** 日志清理（按天） **********/

// PurgeLogs 按日期删除 traffic_log 中的记录。
// dateSpec 支持：
//
//	"20250906-20251006"   范围（闭区间）
//	"20250906,20250907"   列表（逗号分隔）
func PurgeLogs(cfgPath string, dateSpec string) error {
	dates, err := expandDateSpec(dateSpec)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		ops.Infof("[purge-log] nothing to do")
		return nil
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Stop()
	if a.DB == nil {
		return fmt.Errorf("purge requires db.enable")
	}
	n, err := purgeDays(a.DB.GormDataSource, dates)
	if err != nil {
		return err
	}
	ops.Infof("[purge-log] %d day(s), %d row(s) deleted", len(dates), n)
	return nil
}

// 每天一条 DELETE，单条超时 60s
func purgeDays(db *gorm.DB, dates []time.Time) (int64, error) {
	var total int64
	for _, d := range dates {
		from, to := dayBounds(d)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		tx := db.WithContext(ctx).
			Where("time BETWEEN ? AND ?", from, to).
			Delete(&model.TrafficLog{})
		cancel()
		if tx.Error != nil {
			return total, fmt.Errorf("purge %s: %w", d.Format("20060102"), tx.Error)
		}
		ops.Debugf("[purge-log] %s: %d row(s)", d.Format("20060102"), tx.RowsAffected)
		total += tx.RowsAffected
	}
	return total, nil
}

// 当天 [00:00:00.000, 23:59:59.999] 的毫秒时间戳
func dayBounds(d time.Time) (int64, int64) {
	begin := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	return begin.UnixMilli(), begin.AddDate(0, 0, 1).UnixMilli() - 1
}

/********** 日期展开 **********/

func expandDateSpec(spec string) ([]time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	// 范围：YYYYMMDD-YYYYMMDD
	if strings.Contains(spec, "-") {
		ps := strings.Split(spec, "-")
		if len(ps) != 2 {
			return nil, fmt.Errorf("bad range: %s", spec)
		}
		start, err := parseYYYYMMDD(ps[0])
		if err != nil {
			return nil, err
		}
		end, err := parseYYYYMMDD(ps[1])
		if err != nil {
			return nil, err
		}
		if end.Before(start) {
			return nil, fmt.Errorf("end before start")
		}
		var out []time.Time
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			out = append(out, d)
		}
		return out, nil
	}

	// 列表：YYYYMMDD,YYYYMMDD
	uniq := map[string]time.Time{}
	for _, p := range strings.Split(spec, ",") {
		d, err := parseYYYYMMDD(p)
		if err != nil {
			return nil, err
		}
		uniq[d.Format("20060102")] = d
	}
	out := make([]time.Time, 0, len(uniq))
	for _, d := range uniq {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func parseYYYYMMDD(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("bad date: %s", s)
	}
	return time.ParseInLocation("20060102", s, time.Local)
}
