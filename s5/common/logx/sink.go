package logx

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

/******** 输出目标 ********/

type sinkSet struct {
	mu      sync.RWMutex
	appInfo io.Writer
	appErr  io.Writer
	access  io.Writer // gin
	sql     io.Writer // gorm
}

var sinks = &sinkSet{
	appInfo: os.Stdout,
	appErr:  os.Stderr,
	access:  os.Stdout,
	sql:     os.Stdout,
}

func (s *sinkSet) get(pick func(*sinkSet) io.Writer) io.Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pick(s)
}

func appWriter(at Level) io.Writer {
	if at >= Error {
		return sinks.get(func(s *sinkSet) io.Writer { return s.appErr })
	}
	return sinks.get(func(s *sinkSet) io.Writer { return s.appInfo })
}

// SetOutput 替换应用日志输出（测试用）；nil 表示保持原值
func SetOutput(info, errW io.Writer) {
	sinks.mu.Lock()
	defer sinks.mu.Unlock()
	if info != nil {
		sinks.appInfo = info
	}
	if errW != nil {
		sinks.appErr = errW
	}
}

/******** 日志文件 ********/

// Files MustInit 打开的文件；Close 可重复调用
type Files struct {
	Info   *os.File // proxy.log
	Err    *os.File // error.log
	Access *os.File // access.log
	SQL    *os.File // sql.log

	once sync.Once
}

func (f *Files) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	f.once.Do(func() {
		for _, fp := range []*os.File{f.Info, f.Err, f.Access, f.SQL} {
			if fp != nil {
				errs = append(errs, fp.Close())
			}
		}
	})
	return errors.Join(errs...)
}

// DefaultDir 桌面系统写到工作目录下 log/，其余写 /var/log/s5proxy
func DefaultDir() string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return "log"
	}
	return "/var/log/s5proxy"
}

// MustInit 把应用、gin、gorm 日志同时写到终端和 dir 下的文件
func MustInit(dir string) *Files {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}
	f := &Files{
		Info:   mustOpen(filepath.Join(dir, "proxy.log")),
		Err:    mustOpen(filepath.Join(dir, "error.log")),
		Access: mustOpen(filepath.Join(dir, "access.log")),
		SQL:    mustOpen(filepath.Join(dir, "sql.log")),
	}

	sinks.mu.Lock()
	// ERROR 同时进 proxy.log，便于按时间顺序排查
	sinks.appInfo = io.MultiWriter(os.Stdout, f.Info)
	sinks.appErr = io.MultiWriter(os.Stderr, f.Info, f.Err)
	sinks.access = io.MultiWriter(gated{min: Info, dst: os.Stdout}, f.Access)
	sinks.sql = io.MultiWriter(gated{min: Debug, dst: os.Stdout}, f.SQL)
	sinks.mu.Unlock()

	installGin()
	return f
}

func mustOpen(path string) *os.File {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		panic(err)
	}
	return f
}

// gated 全局级别高于 min 时丢弃（文件照写）
type gated struct {
	min Level
	dst io.Writer
}

func (g gated) Write(p []byte) (int, error) {
	if GetLevel() <= g.min {
		return g.dst.Write(p)
	}
	return len(p), nil
}

/******** 启动日志（标准库 log） ********/

const stdFlags = log.LstdFlags | log.Lmicroseconds | log.Lshortfile | log.Lmsgprefix

func NewStdInfo(dst io.Writer) *log.Logger {
	return log.New(withFile(os.Stdout, dst), "[INFO] ", stdFlags)
}

func NewStdErr(dst io.Writer) *log.Logger {
	return log.New(withFile(os.Stderr, dst), "[ERROR] ", stdFlags)
}

func withFile(term io.Writer, f io.Writer) io.Writer {
	if fp, ok := f.(*os.File); (ok && fp == nil) || f == nil {
		return term
	}
	return io.MultiWriter(term, f)
}
