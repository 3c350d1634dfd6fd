package server

import (
	"context"
	"os/signal"
	"s5proxy/s5/api"
	"s5proxy/s5/app"
	"s5proxy/s5/common/logx"
	"syscall"

	"github.com/gin-gonic/gin"
)

func Run(cfgPath string) error {
	// 1) 代理
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	// 2) 日志文件
	files := logx.MustInit(a.Cfg.Logging.Dir)
	defer files.Close()
	info := logx.NewStdInfo(files.Info)
	errL := logx.NewStdErr(files.Err)

	if err := a.Start(); err != nil {
		_ = a.Stop()
		return err
	}
	for _, s := range a.Servers() {
		if ad := s.Addr(); ad != nil {
			info.Printf("[boot] socks5 %s listening on %s", s.Name(), ad)
		}
	}

	// 3) 管理接口（可选）
	srv, useTLS := buildHTTPServer(a, nil, errL)
	if srv != nil {
		gin.SetMode(gin.ReleaseMode)
		srv.Handler = api.New(a).Router()
		printListenHints(srv.Addr, useTLS, info)
		startMainAsync(srv, useTLS, errL)
	}

	// 4) 等待退出
	ctx, stop := signal.NotifyContext(a.Ctx, syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	info.Println("[boot] stopping...")

	// 5) 优雅关闭
	shutdownAll(context.Background(), srv, a, errL)
	info.Println("[boot] bye")
	return nil
}
