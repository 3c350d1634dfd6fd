package logx

import (
	"strings"
	"sync/atomic"
)

type Level int32

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Off
)

var levelNames = [...]string{"trace", "debug", "info", "warn", "error", "off"}

var globalLevel atomic.Int32

func init() { globalLevel.Store(int32(Info)) }

// ParseLevel 空串或不认识的值按 info
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return Trace
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	case "off", "silent":
		return Off
	default:
		return Info
	}
}

func (l Level) String() string {
	if l < Trace || l > Off {
		return "error"
	}
	return levelNames[l]
}

func (l Level) tag() string {
	if l >= Off {
		return "[ERROR]"
	}
	return "[" + strings.ToUpper(l.String()) + "]"
}

func SetLevel(l Level)        { globalLevel.Store(int32(l)) }
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }
func GetLevel() Level         { return Level(globalLevel.Load()) }
func GetLevelString() string  { return GetLevel().String() }
