package api

import (
	"net/http"
	"s5proxy/s5/model"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// GET /api/traffic
// 筛选：username, listener, protocol, target_addr（模糊）, start/end（毫秒，默认今天）, page, size
func (s *Server) listTraffic(c *gin.Context) {
	if s.App.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db disabled"})
		return
	}
	page, size := getPage(c)

	startMs, _ := strconv.ParseInt(c.DefaultQuery("start", "0"), 10, 64)
	endMs, _ := strconv.ParseInt(c.DefaultQuery("end", "0"), 10, 64)
	if startMs <= 0 || endMs <= 0 || endMs < startMs {
		now := time.Now()
		begin := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
		startMs = begin.UnixMilli()
		endMs = begin.Add(24*time.Hour - time.Millisecond).UnixMilli()
	}
	const maxRange = 31 * 24 * time.Hour
	if time.Duration(endMs-startMs)*time.Millisecond > maxRange {
		c.JSON(http.StatusBadRequest, gin.H{"error": "time_range_exceeds_limit", "limit_days": 31})
		return
	}

	q := s.App.DB.GormDataSource.WithContext(c.Request.Context()).
		Model(&model.TrafficLog{}).
		Where("time BETWEEN ? AND ?", startMs, endMs)
	if v := strings.TrimSpace(c.Query("username")); v != "" {
		q = q.Where("username LIKE ?", "%"+v+"%")
	}
	if v := strings.TrimSpace(c.Query("listener")); v != "" {
		q = q.Where("listener = ?", v)
	}
	if v := strings.ToLower(strings.TrimSpace(c.Query("protocol"))); v == model.ProtocolTCP || v == model.ProtocolUDP {
		q = q.Where("protocol = ?", v)
	}
	if v := strings.TrimSpace(c.Query("target_addr")); v != "" {
		q = q.Where("target_addr LIKE ?", "%"+v+"%")
	}

	var sums struct {
		Total   int64
		SumUp   int64
		SumDown int64
	}
	if err := q.Session(&gorm.Session{}).
		Select("COUNT(*) AS total, COALESCE(SUM(up),0) AS sum_up, COALESCE(SUM(down),0) AS sum_down").
		Scan(&sums).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	list := make([]model.TrafficLog, 0, size)
	if err := q.Session(&gorm.Session{}).
		Order("time DESC, id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"list":     list,
		"total":    sums.Total,
		"page":     page,
		"size":     size,
		"sum_up":   sums.SumUp,
		"sum_down": sums.SumDown,
	})
}
