package accounting

import (
	"crypto/tls"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Sample 一条流在一个采样周期内的增量
type Sample struct {
	Time     time.Time
	ID       string
	User     string
	Listener string
	Protocol string
	Up       int64
	Down     int64
}

// Sink 采样输出；Write 不得阻塞
type Sink interface {
	Write(s Sample)
	Close()
}

type InfluxConfig struct {
	BaseURL            string
	Token              string
	Org                string
	Bucket             string
	InsecureSkipVerify bool
}

func (c InfluxConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != "" && c.Bucket != ""
}

// InfluxSink 非阻塞写入 InfluxDB 2.x（measurement "traffic"）
type InfluxSink struct {
	client influxdb2.Client
	w      api.WriteAPI
	done   chan struct{}
}

func NewInfluxSink(c InfluxConfig) *InfluxSink {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(500).
		SetFlushInterval(1000)
	if c.InsecureSkipVerify {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	client := influxdb2.NewClientWithOptions(strings.TrimRight(c.BaseURL, "/"), c.Token, opts)
	s := &InfluxSink{client: client, w: client.WriteAPI(c.Org, c.Bucket), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for err := range s.w.Errors() {
			accLog.Warnf("influx write: %v", err)
		}
	}()
	accLog.Infof("influx sink %s org=%s bucket=%s", c.BaseURL, c.Org, c.Bucket)
	return s
}

func (s *InfluxSink) Write(v Sample) {
	tags := map[string]string{"listener": v.Listener, "protocol": v.Protocol}
	if v.User != "" {
		tags["user"] = v.User
	}
	s.w.WritePoint(influxdb2.NewPoint("traffic", tags,
		map[string]interface{}{"up": v.Up, "down": v.Down, "conn": v.ID}, v.Time))
}

// Close 冲刷并关闭客户端
func (s *InfluxSink) Close() {
	s.w.Flush()
	s.client.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
}
