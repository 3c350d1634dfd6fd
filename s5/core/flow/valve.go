package flow

import (
	"context"
	"sync"
)

// Valve 读循环的开关：关闭时 Wait 阻塞，直到重新打开或 ctx 结束
type Valve struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{} // open 时为已关闭的 chan
}

func NewValve() *Valve {
	ch := make(chan struct{})
	close(ch)
	return &Valve{open: true, ch: ch}
}

func (v *Valve) SetAutoRead(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if on == v.open {
		return
	}
	v.open = on
	if on {
		close(v.ch)
	} else {
		v.ch = make(chan struct{})
	}
}

func (v *Valve) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

func (v *Valve) Wait(ctx context.Context) error {
	v.mu.Lock()
	ch := v.ch
	v.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
