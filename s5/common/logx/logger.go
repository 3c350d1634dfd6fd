package logx

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

const tsLayout = "2006/01/02 15:04:05.000000"

/******** 组件日志 ********/

// Logger 带前缀的分级日志；With 派生出的子 Logger 在每行追加 k=v
type Logger struct {
	level  atomic.Int32 // <0 跟随全局
	prefix string
	fields string
}

type Option func(*Logger)

func WithPrefix(p string) Option { return func(l *Logger) { l.prefix = strings.TrimSpace(p) } }

func WithLogLevel(lvl Level) Option { return func(l *Logger) { l.level.Store(int32(lvl)) } }

func New(opts ...Option) *Logger {
	l := &Logger{}
	l.level.Store(-1)
	for _, o := range opts {
		o(l)
	}
	return l
}

// With 例：log.With("conn", id, "client", addr)
func (l *Logger) With(kv ...any) *Logger {
	c := &Logger{prefix: l.prefix, fields: l.fields}
	c.level.Store(l.level.Load())
	var b strings.Builder
	b.WriteString(l.fields)
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	c.fields = b.String()
	return c
}

func (l *Logger) Prefix() string     { return l.prefix }
func (l *Logger) SetLevel(lv Level)  { l.level.Store(int32(lv)) }
func (l *Logger) Enabled(at Level) bool {
	eff := GetLevel()
	if lv := l.level.Load(); lv >= 0 {
		eff = Level(lv)
	}
	return eff <= at && at < Off
}

// ts file:line: [LEVEL] prefix - message k=v...
func (l *Logger) out(at Level, format string, args ...any) {
	site := "-"
	if _, f, ln, ok := runtime.Caller(2); ok {
		site = fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	var b bytes.Buffer
	b.WriteString(time.Now().Format(tsLayout))
	b.WriteByte(' ')
	b.WriteString(site)
	b.WriteString(": ")
	b.WriteString(at.tag())
	if l.prefix != "" {
		b.WriteByte(' ')
		b.WriteString(l.prefix)
	}
	b.WriteString(" - ")
	fmt.Fprintf(&b, format, args...)
	if l.fields != "" {
		b.WriteByte(' ')
		b.WriteString(l.fields)
	}
	b.WriteByte('\n')
	_, _ = appWriter(at).Write(b.Bytes())
}

func (l *Logger) Tracef(format string, args ...any) {
	if l.Enabled(Trace) {
		l.out(Trace, format, args...)
	}
}
func (l *Logger) Debugf(format string, args ...any) {
	if l.Enabled(Debug) {
		l.out(Debug, format, args...)
	}
}
func (l *Logger) Infof(format string, args ...any) {
	if l.Enabled(Info) {
		l.out(Info, format, args...)
	}
}
func (l *Logger) Warnf(format string, args ...any) {
	if l.Enabled(Warn) {
		l.out(Warn, format, args...)
	}
}
func (l *Logger) Errorf(format string, args ...any) {
	if l.Enabled(Error) {
		l.out(Error, format, args...)
	}
}
