package logx

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

/******** gin ********/

var ginLog = New(WithPrefix("gin"))

// installGin gin 自带的调试输出统一成本包格式
func installGin() {
	gin.DefaultWriter = accessWriter{}
	gin.DefaultErrorWriter = accessWriter{err: true}
	gin.DebugPrintRouteFunc = func(method, path, handler string, _ int) {
		ginLog.Debugf("route %-6s %-24s --> %s", method, path, handler)
	}
}

type accessWriter struct{ err bool }

func (w accessWriter) Write(p []byte) (int, error) {
	for _, ln := range bytes.Split(bytes.TrimSpace(p), []byte{'\n'}) {
		if ln = bytes.TrimSpace(ln); len(ln) == 0 {
			continue
		}
		if w.err {
			ginLog.Errorf("%s", ln)
		} else {
			ginLog.Debugf("%s", ln)
		}
	}
	return len(p), nil
}

// GinAccess 每个请求一行：状态 耗时 客户端 方法 路径；4xx→WARN 5xx→ERROR
func GinAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		lvl := Info
		switch {
		case status >= 500:
			lvl = Error
		case status >= 400:
			lvl = Warn
		}
		if GetLevel() > lvl {
			return
		}
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		line := fmt.Sprintf("%s %s access - %d %s %s %s %s",
			start.Format(tsLayout), lvl.tag(), status, time.Since(start).Round(time.Microsecond),
			c.ClientIP(), c.Request.Method, path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			line += " err=" + errs
		}
		w := sinks.get(func(s *sinkSet) io.Writer { return s.access })
		_, _ = w.Write([]byte(line + "\n"))
	}
}
