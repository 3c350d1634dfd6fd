package api

import (
	"s5proxy/s5/app"
	"s5proxy/s5/common/bruteguard"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Guard *bruteguard.Guard
	App   *app.App
}

func New(a *app.App) *Server {
	return &Server{App: a, Guard: a.Guard}
}

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// getPage ?page=&size=，page 从 1 开始
func getPage(c *gin.Context) (page, size int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ = strconv.Atoi(c.DefaultQuery("size", strconv.Itoa(defaultPageSize)))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func nowMs() int64 { return time.Now().UnixMilli() }
