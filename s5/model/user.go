package model

import (
	"s5proxy/s5/common/ttime"
)

const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// User 凭据表：RFC1929 用户名/密码 + 累计流量 + 限速/并发 IP 限制
type User struct {
	Id             int64             `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Username       string            `gorm:"column:username;uniqueIndex;size:255;not null" json:"username"`
	Password       string            `gorm:"column:password;size:255" json:"-"`
	PasswordSha256 string            `gorm:"column:password_sha256;size:64" json:"-"`
	Up             int64             `gorm:"column:up;not null;default:0" json:"up"`
	Down           int64             `gorm:"column:down;not null;default:0" json:"down"`
	UpLimit        int64             `gorm:"column:up_limit;not null;default:0" json:"upLimit"`
	DownLimit      int64             `gorm:"column:down_limit;not null;default:0" json:"downLimit"`
	MaxIps         int               `gorm:"column:max_ips;not null;default:0" json:"maxIps"`
	Status         string            `gorm:"column:status;size:16;index;not null;default:enabled" json:"status"`
	LastLogin      *ttime.TimeFormat `gorm:"column:last_login" json:"lastLogin"`
	CreateDateTime *ttime.TimeFormat `gorm:"column:create_date_time;autoCreateTime:false" json:"createDateTime"`
	UpdateDateTime *ttime.TimeFormat `gorm:"column:update_date_time;autoUpdateTime:false" json:"updateDateTime"`
}

func (User) TableName() string { return "user" }
