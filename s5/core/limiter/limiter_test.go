package limiter

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestCountingConnDirections(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	var gotUp, gotDown int64
	cc := NewCountingConn(a, CountingOpts{OnFinish: func(up, down int64) { gotUp, gotDown = up, down }})

	go func() {
		_, _ = b.Write([]byte("hello"))
		buf := make([]byte, 3)
		_, _ = io.ReadFull(b, buf)
	}()
	buf := make([]byte, 5)
	if _, err := io.ReadFull(cc, buf); err != nil {
		t.Fatal(err)
	}
	if _, err := cc.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if cc.Up() != 5 || cc.Down() != 3 {
		t.Fatalf("up=%d down=%d", cc.Up(), cc.Down())
	}
	_ = cc.Close()
	_ = cc.Close()
	if gotUp != 5 || gotDown != 3 {
		t.Fatalf("finish up=%d down=%d", gotUp, gotDown)
	}
}

func TestByteLimiterNeedWait(t *testing.T) {
	now := time.Unix(0, 0)
	bl := NewLimiter(1000)
	bl.now = func() time.Time { return now }
	if d := bl.NeedWait(1000); d != 0 {
		t.Fatalf("first second within budget, wait=%v", d)
	}
	if d := bl.NeedWait(500); d != 500*time.Millisecond {
		t.Fatalf("over budget wait=%v", d)
	}
	now = now.Add(2 * time.Second)
	if d := bl.NeedWait(100); d != 0 {
		t.Fatalf("budget should have drained, wait=%v", d)
	}
	if NewLimiter(0) != nil {
		t.Fatal("zero bps means unlimited")
	}
}

func TestUserStoreSetAndClear(t *testing.T) {
	s := NewUserLimiterStore(time.Hour, time.Hour)
	defer s.Close()
	s.Set("alice", 100, 0)
	if s.GetUp("alice") == nil || s.GetDown("alice") != nil {
		t.Fatal("only up limiter expected")
	}
	up, down := s.Limits("alice")
	if len(up) != 1 || len(down) != 0 {
		t.Fatalf("limits up=%d down=%d", len(up), len(down))
	}
	first := s.GetUp("alice")
	s.Set("alice", 100, 0)
	if s.GetUp("alice") != first {
		t.Fatal("same rate must keep the limiter")
	}
	s.Set("alice", 0, 0)
	if s.Len() != 0 {
		t.Fatal("unlimited user should be dropped")
	}
	s.Set("bob", 1, 1)
	s.sweep(time.Now().Add(2 * time.Hour))
	if s.Len() != 0 {
		t.Fatal("idle entry should expire")
	}
}

func TestWaitBeforeWriteHonoursContext(t *testing.T) {
	s := NewUserLimiterStore(time.Hour, time.Hour)
	defer s.Close()
	s.Set("slow", 10, 0)
	lim := s.GetUp("slow")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WaitBeforeWrite(context.Background(), 10, nil, lim); err != nil {
		t.Fatal(err)
	}
	if err := WaitBeforeWrite(ctx, 10, nil, lim); err == nil {
		t.Fatal("expected context error once the bucket is empty")
	}
}
