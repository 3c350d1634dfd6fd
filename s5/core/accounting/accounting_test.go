package accounting

import (
	"net/netip"
	"s5proxy/s5/core/auth"
	"s5proxy/s5/model"
	"sync/atomic"
	"testing"
	"time"
)

type meter struct{ up, down atomic.Int64 }

func (m *meter) Up() int64   { return m.up.Load() }
func (m *meter) Down() int64 { return m.down.Load() }

type persisted struct {
	user     string
	up, down int64
}

type fakeUsers struct{ got []persisted }

func (f *fakeUsers) AddUserAsync(username string, up, down int64, _ time.Time) {
	f.got = append(f.got, persisted{username, up, down})
}

type fakeLogs struct{ got []model.TrafficLog }

func (f *fakeLogs) AddTrafficLogAsync(l model.TrafficLog) { f.got = append(f.got, l) }

type fakeSink struct{ got []Sample }

func (f *fakeSink) Write(s Sample) { f.got = append(f.got, s) }
func (f *fakeSink) Close()         {}

func TestFinishMergesIntoUserAndReleasesLogin(t *testing.T) {
	users, logs := &fakeUsers{}, &fakeLogs{}
	a := New(Options{Listener: "l1", Users: users, Logs: logs})
	u := auth.NewUser("alice")
	ip := netip.MustParseAddr("10.0.0.7")
	u.Acquire(ip, time.Now())
	u.AddTraffic(100, 200)

	m := &meter{}
	f := a.Track(Meta{ID: "c1", Protocol: model.ProtocolTCP, User: u, IP: ip, Source: "10.0.0.7:5000", HoldsLogin: true}, m)
	f.SetTarget("example.com:80")
	if a.Len() != 1 {
		t.Fatal("flow should be live")
	}
	const n, mIn = 1234, 5678
	m.up.Add(n)
	m.down.Add(mIn)

	up, down := f.Finish()
	f.Finish()
	if up != n || down != mIn {
		t.Fatalf("counters up=%d down=%d", up, down)
	}
	if tu, td := u.Traffic(); tu != 100+n || td != 200+mIn {
		t.Fatalf("user totals up=%d down=%d", tu, td)
	}
	if len(u.Refs()) != 0 {
		t.Fatalf("login ref not released: %v", u.Refs())
	}
	if a.Len() != 0 {
		t.Fatal("flow should be gone")
	}
	if len(users.got) != 1 || users.got[0] != (persisted{"alice", n, mIn}) {
		t.Fatalf("persisted %+v", users.got)
	}
	if len(logs.got) != 1 || logs.got[0].TargetAddr != "example.com:80" || logs.got[0].Listener != "l1" {
		t.Fatalf("traffic log %+v", logs.got)
	}
}

func TestUDPFlowKeepsLogin(t *testing.T) {
	a := New(Options{})
	u := auth.NewUser("bob")
	ip := netip.MustParseAddr("10.0.0.8")
	u.Acquire(ip, time.Now())
	m := &meter{}
	m.up.Add(10)
	a.Track(Meta{ID: "u1", Protocol: model.ProtocolUDP, User: u, IP: ip}, m).Finish()
	if len(u.Refs()) != 1 {
		t.Fatal("udp session must not release the control connection's login")
	}
	if up, _ := u.Traffic(); up != 10 {
		t.Fatalf("user up=%d", up)
	}
}

func TestSamplerReportsDeltas(t *testing.T) {
	sink := &fakeSink{}
	now := time.Unix(1_700_000_000, 0)
	a := New(Options{Listener: "l1", Interval: 500 * time.Millisecond, Sink: sink, Now: func() time.Time { return now }})
	m := &meter{}
	f := a.Track(Meta{ID: "c1", Protocol: model.ProtocolTCP}, m)

	m.up.Add(100)
	a.sample(now)
	a.sample(now) // 无增量不输出
	m.down.Add(50)
	a.sample(now)
	if len(sink.got) != 2 || sink.got[0].Up != 100 || sink.got[1].Down != 50 || sink.got[1].Up != 0 {
		t.Fatalf("samples %+v", sink.got)
	}
	if info := f.Info(); info.RateDown != 100 {
		t.Fatalf("rateDown=%v", info.RateDown)
	}
	m.up.Add(7)
	f.Finish()
	if last := sink.got[len(sink.got)-1]; last.Up != 7 || last.Down != 0 {
		t.Fatalf("final sample %+v", last)
	}
}
