package api

import (
	"net/http"
	"s5proxy/s5/common/logx"

	"github.com/gin-gonic/gin"
)

/********** Router **********/
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	// 中间件：Recovery + 日志
	r.Use(gin.Recovery(), logx.GinAccess())

	api := r.Group("/api")
	{
		api.POST("/login", s.login)
	}

	auth := api.Group("/")
	auth.Use(s.AuthRequired())
	{
		auth.GET("/users", s.listUsers)
		auth.GET("/sessions", s.listSessions)
		auth.GET("/traffic", s.listTraffic)
		auth.GET("/systemInfo", s.systemInfo)

		auth.POST("/fakehosts", s.registerFakeHost)
		auth.DELETE("/fakehosts/:token", s.forgetFakeHost)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "time": nowMs()})
	})
	return r
}
