package logx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

/******** gorm ********/

// sqlLogger SQL 跟踪写 sql.log；错误同时进应用错误日志
type sqlLogger struct {
	level glogger.LogLevel
	slow  time.Duration
}

// NewGormLogger info 只打慢查询和错误，debug 及以下打印全部 SQL
func NewGormLogger(level string, slowThreshold time.Duration) glogger.Interface {
	return &sqlLogger{level: gormLevel(ParseLevel(level)), slow: slowThreshold}
}

func GormLoggerDefault(level string) glogger.Interface {
	return NewGormLogger(level, 500*time.Millisecond)
}

func gormLevel(l Level) glogger.LogLevel {
	switch {
	case l >= Off:
		return glogger.Silent
	case l == Error:
		return glogger.Error
	case l <= Debug:
		return glogger.Info
	default:
		return glogger.Warn
	}
}

func (l *sqlLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *sqlLogger) Info(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Info {
		l.write(Info, fmt.Sprintf(s, args...))
	}
}

func (l *sqlLogger) Warn(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Warn {
		l.write(Warn, fmt.Sprintf(s, args...))
	}
}

func (l *sqlLogger) Error(_ context.Context, s string, args ...any) {
	if l.level >= glogger.Error {
		l.write(Error, fmt.Sprintf(s, args...))
	}
}

func (l *sqlLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level == glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	ms := float64(elapsed.Microseconds()) / 1000.0
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= glogger.Error:
		sql, rows := fc()
		l.write(Error, fmt.Sprintf("[%.3fms] rows=%d %s | err=%v", ms, rows, sql, err))
	case l.slow > 0 && elapsed > l.slow && l.level >= glogger.Warn:
		sql, rows := fc()
		l.write(Warn, fmt.Sprintf("[SLOW >= %s] [%.3fms] rows=%d %s", l.slow, ms, rows, sql))
	case l.level >= glogger.Info:
		sql, rows := fc()
		l.write(Debug, fmt.Sprintf("[%.3fms] rows=%d %s", ms, rows, sql))
	}
}

func (l *sqlLogger) write(at Level, msg string) {
	site := callerOutside("gorm.io/", "database/sql", "/logx/")
	ts := time.Now().Format(tsLayout)
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			fmt.Fprintf(&b, "%s %s: %s gorm - %s\n", ts, site, at.tag(), line)
		}
	}
	out := []byte(b.String())
	_, _ = sinks.get(func(s *sinkSet) io.Writer { return s.sql }).Write(out)
	if at >= Error {
		_, _ = appWriter(Error).Write(out)
	}
}

// callerOutside 第一个不在 skip 路径里的调用点（即 dao 层）
func callerOutside(skip ...string) string {
	pcs := make([]uintptr, 48)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		inLib := strings.HasPrefix(fr.Function, "runtime.")
		for _, s := range skip {
			if strings.Contains(fr.File, s) {
				inLib = true
				break
			}
		}
		if !inLib && fr.File != "" {
			return fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line)
		}
		if !more {
			return "-"
		}
	}
}
