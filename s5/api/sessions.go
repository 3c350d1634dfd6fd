package api

import (
	"net/http"
	"s5proxy/s5/core/socks"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

// GET /api/sessions?listener=
// 每个监听器的活跃 TCP 连接（含 UDP 控制连接）与 UDP 会话
func (s *Server) listSessions(c *gin.Context) {
	want := strings.TrimSpace(c.Query("listener"))
	all := s.App.Sessions()
	out := all[:0]
	flows, udp := 0, 0
	for _, ss := range all {
		if want != "" && ss.Listener != want {
			continue
		}
		flows += len(ss.Flows)
		udp += len(ss.UDP)
		out = append(out, ss)
	}
	b, err := json.Marshal(gin.H{
		"listeners": out,
		"flows":     flows,
		"udp":       udp,
		"time":      nowMs(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", b)
}

/********** fake host **********/

// POST /api/fakehosts {host, port} → {token}
// 客户端用 token 作为 CONNECT 目标时由服务端还原为真实端点
func (s *Server) registerFakeHost(c *gin.Context) {
	var req struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host/port required"})
		return
	}
	fh := s.App.FakeHosts
	if fh.IsFake(req.Host) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host is already a fake host"})
		return
	}
	token := fh.Register(socks.Addr{Host: req.Host, Port: req.Port})
	c.JSON(http.StatusOK, gin.H{"token": token, "total": fh.Len()})
}

// DELETE /api/fakehosts/:token
func (s *Server) forgetFakeHost(c *gin.Context) {
	fh := s.App.FakeHosts
	token := c.Param("token")
	if !fh.IsFake(token) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not a fake host"})
		return
	}
	fh.Forget(token)
	c.JSON(http.StatusOK, gin.H{"ok": true, "total": fh.Len()})
}
