package cmd

import (
	"fmt"
	"os"
	"s5proxy/s5/common"
	"s5proxy/s5/common/logx"
	"s5proxy/s5/server"
	"strings"
)

var cmd = logx.New(logx.WithPrefix("cmd"))

const (
	defaultConfig = "./config/config.yaml"
)

func Run() {
	// 无参数：直接启动服务
	if len(os.Args) == 1 {
		must(server.Run(defaultConfig))
		return
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		printHelp()
		return

	case "serve", "run":
		cfg := defaultConfig
		if len(os.Args) >= 3 && strings.TrimSpace(os.Args[2]) != "" {
			cfg = os.Args[2]
		}
		must(server.Run(cfg))

	case "hash":
		if len(os.Args) < 3 || os.Args[2] == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: s5proxy hash <PASS>")
			os.Exit(2)
		}
		// 写进 auth.users[].password_sha256 或 admin.password
		fmt.Println(common.HashUP(os.Args[2]))

	case "passwd", "pw":
		if len(os.Args) < 4 || strings.TrimSpace(os.Args[2]) == "" || os.Args[3] == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: s5proxy passwd <USER> <PASS>")
			os.Exit(2)
		}
		must(ResetPassword(defaultConfig, os.Args[2], os.Args[3]))
		cmd.Infof("password of %q updated.", strings.TrimSpace(os.Args[2]))

	case "purge", "pg":
		if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: s5proxy purge <DATESPEC>")
			_, _ = fmt.Fprintln(os.Stderr, "  DATESPEC 支持两种：")
			_, _ = fmt.Fprintln(os.Stderr, "    20250906-20251006   (闭区间范围)")
			_, _ = fmt.Fprintln(os.Stderr, "    20250906,20250907   (逗号分隔的日期列表)")
			os.Exit(2)
		}
		must(PurgeLogs(defaultConfig, os.Args[2]))
		cmd.Infof("purge done.")

	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}
}

func must(err error) {
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  s5proxy                          # 按 ./config/config.yaml 启动
  s5proxy serve [CONFIG]           # 指定配置启动
  s5proxy hash <PASS>              # 输出 sha256，用于配置文件
  s5proxy passwd <USER> <PASS>     # 重置用户密码（auth.mode=db）
  s5proxy purge <DATESPEC>         # 清理 traffic_log

DATESPEC:
  20250906-20251006                # 范围，包含起止日
  20250906,20250907                # 列表，逗号分隔

Examples:
  s5proxy serve /etc/s5proxy/config.yaml
  s5proxy hash s3cret
  s5proxy passwd alice s3cret
  s5proxy purge 20250906-20250920`)
}
