package retention

import (
	"context"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/db"
	"s5proxy/s5/model"
	"time"

	"gorm.io/gorm"
)

var log = logx.New(logx.WithPrefix("job.retention"))

const batch = 500

// StartTrafficLogTicker 每 every 清理一次早于 keep 的 traffic_log；ctx 结束即退出
func StartTrafficLogTicker(ctx context.Context, d *db.DB, keep, every time.Duration) {
	if d == nil || keep <= 0 {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	tk := time.NewTicker(every)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-tk.C:
				if _, err := PurgeBefore(ctx, d.GormDataSource, now.Add(-keep)); err != nil {
					log.Errorf("[traffic-log] purge error: %v", err)
				}
			}
		}
	}()
}

// PurgeBefore 分批删除 time < cutoff 的记录，返回删除条数
func PurgeBefore(ctx context.Context, g *gorm.DB, cutoff time.Time) (int64, error) {
	startTS := time.Now()
	cutMs := cutoff.UnixMilli()
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		// 先取 id 再按 id 删，sqlite 默认不支持 DELETE ... LIMIT
		var ids []int64
		if err := g.WithContext(ctx).
			Model(&model.TrafficLog{}).
			Where("time < ?", cutMs).
			Order("id ASC").
			Limit(batch).
			Pluck("id", &ids).Error; err != nil {
			return total, err
		}
		if len(ids) == 0 {
			break
		}
		tx := g.WithContext(ctx).Where("id IN ?", ids).Delete(&model.TrafficLog{})
		if tx.Error != nil {
			return total, tx.Error
		}
		total += tx.RowsAffected
		if len(ids) < batch {
			break
		}
	}
	if total > 0 {
		log.Infof("[traffic-log] purged=%d before=%s cost=%s", total, cutoff.Format(time.DateTime), time.Since(startTS))
	} else {
		log.Debugf("[traffic-log] nothing before %s", cutoff.Format(time.DateTime))
	}
	return total, nil
}
