package model

const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// TrafficLog 一条流结束时的记录（TCP 连接或 UDP 会话）
type TrafficLog struct {
	Id         int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ConnId     string `gorm:"column:conn_id;size:36" json:"connId"`
	Time       int64  `gorm:"column:time;index" json:"time"` // 毫秒
	Username   string `gorm:"column:username;size:255;index" json:"username"`
	Listener   string `gorm:"column:listener;size:64" json:"listener"`
	Protocol   string `gorm:"column:protocol;size:8" json:"protocol"`
	Up         int64  `gorm:"column:up" json:"up"`
	Down       int64  `gorm:"column:down" json:"down"`
	Dur        int64  `gorm:"column:dur" json:"dur"` // 毫秒
	SourceAddr string `gorm:"column:source_addr;size:64" json:"sourceAddr"`
	TargetAddr string `gorm:"column:target_addr;size:300" json:"targetAddr"`
}

func (TrafficLog) TableName() string { return "traffic_log" }
