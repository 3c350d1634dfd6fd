package api

import (
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// BuildVersion 可通过 -ldflags "-X 's5proxy/s5/api.BuildVersion=1.2.3'" 注入
var BuildVersion = "latest"

var sysMonitor = NewSysMonitor()

type netSample struct {
	Rx uint64
	Tx uint64
}

type SysInfoResp struct {
	Timestamp int64 `json:"timestamp"`

	App struct {
		StartAt   int64  `json:"start_at"`
		Version   string `json:"version"`
		GoVersion string `json:"go_version"`
		Goroutine int    `json:"goroutines"`
		RSS       uint64 `json:"rss"`
	} `json:"app"`

	Proxy struct {
		Listeners   int   `json:"listeners"`
		Flows       int   `json:"flows"`
		UDPSessions int   `json:"udp_sessions"`
		Users       int   `json:"users"`
		Up          int64 `json:"up"`   // 本进程累计
		Down        int64 `json:"down"` // 本进程累计
		LogWritten  int64 `json:"traffic_log_written"`
		LogDropped  int64 `json:"traffic_log_dropped"`
	} `json:"proxy"`

	Host struct {
		Hostname       string `json:"hostname"`
		OS             string `json:"os"`
		Platform       string `json:"platform"`
		PlatformVer    string `json:"platform_version"`
		KernelVersion  string `json:"kernel_version"`
		Arch           string `json:"arch"`
		Uptime         uint64 `json:"uptime"`
		Virtualization string `json:"virtualization"`
	} `json:"host"`

	CPU struct {
		ModelName  string  `json:"model_name"`
		Cores      int     `json:"cores"`
		UsageTotal float64 `json:"usage_total"`
		Load1      float64 `json:"load1"`
		Load5      float64 `json:"load5"`
		Load15     float64 `json:"load15"`
	} `json:"cpu"`

	Memory struct {
		Total       uint64  `json:"total"`
		Used        uint64  `json:"used"`
		UsedPercent float64 `json:"used_percent"`
		Free        uint64  `json:"free"`
	} `json:"memory"`

	NetTotal struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
		RxBps   uint64 `json:"rx_bps"`
		TxBps   uint64 `json:"tx_bps"`
	} `json:"net_total"`

	Sockets struct {
		TCP int `json:"tcp_connections"`
		UDP int `json:"udp_sockets"`
	} `json:"sockets"`
}

// SysMonitor 两次调用之间的网卡增量算速率
type SysMonitor struct {
	mu         sync.Mutex
	lastAt     time.Time
	lastTotal  netSample
	appStartAt time.Time
}

func NewSysMonitor() *SysMonitor {
	now := time.Now()
	return &SysMonitor{lastAt: now, appStartAt: now}
}

func (m *SysMonitor) Snapshot() *SysInfoResp {
	now := time.Now()
	resp := &SysInfoResp{Timestamp: now.UnixMilli()}

	resp.App.StartAt = m.appStartAt.UnixMilli()
	resp.App.Version = BuildVersion
	resp.App.GoVersion = runtime.Version()
	resp.App.Goroutine = runtime.NumGoroutine()
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			resp.App.RSS = mi.RSS
		}
	}

	// 取不到的字段保持零值
	if hi, err := host.Info(); err == nil {
		resp.Host.Hostname = hi.Hostname
		resp.Host.OS = hi.OS
		resp.Host.Platform = hi.Platform
		resp.Host.PlatformVer = hi.PlatformVersion
		resp.Host.KernelVersion = hi.KernelVersion
		resp.Host.Uptime = hi.Uptime
		resp.Host.Virtualization = hi.VirtualizationSystem
	}
	resp.Host.Arch = runtime.GOARCH

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		resp.CPU.ModelName = infos[0].ModelName
	}
	resp.CPU.Cores, _ = cpu.Counts(true)
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPU.UsageTotal = pct[0]
	}
	if ld, err := load.Avg(); err == nil && ld != nil {
		resp.CPU.Load1, resp.CPU.Load5, resp.CPU.Load15 = ld.Load1, ld.Load5, ld.Load15
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory.Total = vm.Total
		resp.Memory.Used = vm.Used
		resp.Memory.Free = vm.Available
		resp.Memory.UsedPercent = vm.UsedPercent
	}

	// 合计（排除 loopback）
	var rx, tx uint64
	if stats, err := gnet.IOCounters(true); err == nil {
		for _, s := range stats {
			n := strings.ToLower(s.Name)
			if strings.HasPrefix(n, "lo") || strings.Contains(n, "loopback") {
				continue
			}
			rx += s.BytesRecv
			tx += s.BytesSent
		}
	}
	m.mu.Lock()
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	if rx >= m.lastTotal.Rx && m.lastTotal.Rx > 0 {
		resp.NetTotal.RxBps = uint64(float64(rx-m.lastTotal.Rx) / elapsed)
	}
	if tx >= m.lastTotal.Tx && m.lastTotal.Tx > 0 {
		resp.NetTotal.TxBps = uint64(float64(tx-m.lastTotal.Tx) / elapsed)
	}
	m.lastTotal = netSample{Rx: rx, Tx: tx}
	m.lastAt = now
	m.mu.Unlock()
	resp.NetTotal.RxBytes, resp.NetTotal.TxBytes = rx, tx

	// 没有权限时忽略
	if tcp, err := gnet.Connections("tcp"); err == nil {
		resp.Sockets.TCP = len(tcp)
	}
	if udp, err := gnet.Connections("udp"); err == nil {
		resp.Sockets.UDP = len(udp)
	}
	return resp
}

/*********** 控制器 ***********/
func (s *Server) systemInfo(c *gin.Context) {
	resp := sysMonitor.Snapshot()

	for _, ss := range s.App.Sessions() {
		resp.Proxy.Listeners++
		resp.Proxy.Flows += len(ss.Flows)
		resp.Proxy.UDPSessions += len(ss.UDP)
	}
	users := s.App.Users.List()
	resp.Proxy.Users = len(users)
	for _, u := range users {
		resp.Proxy.Up += u.Up
		resp.Proxy.Down += u.Down
	}
	if agg := s.App.TrafficLogAggregator; agg != nil {
		resp.Proxy.LogWritten, resp.Proxy.LogDropped = agg.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
