package iface

import (
	"context"
	"time"
)

type RuntimeCtx interface {
	Context() context.Context                 // 全局 ctx
	AcquirePermit() (release func(), ok bool) // 并发许可（每连接都要）
}

/************** 定时器 **************/

// Timer 可取消的一次性回调
type Timer interface {
	Stop() bool
}

// Scheduler “N 毫秒后执行回调”
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type stdScheduler struct{}

func (stdScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// StdScheduler 基于 time.AfterFunc
var StdScheduler Scheduler = stdScheduler{}
