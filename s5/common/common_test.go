package common

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestPasswordOK(t *testing.T) {
	h := HashUP("s3cret")
	if !PasswordOK("", h, "s3cret") || !PasswordOK("", strings.ToUpper(h), "s3cret") {
		t.Fatal("sha256 should match")
	}
	if PasswordOK("", h, "S3cret") || PasswordOK("", "", "") {
		t.Fatal("mismatch accepted")
	}
	if !PasswordOK("plain", "", "plain") {
		t.Fatal("plain should match")
	}
}

func TestMatchAnyHostPattern(t *testing.T) {
	pats := ParseGuardList(" *.Example.com, api.test ,,")
	if len(pats) != 2 {
		t.Fatalf("patterns %v", pats)
	}
	for host, want := range map[string]bool{
		"example.com":     true,
		"a.b.example.com": true,
		"badexample.com":  false,
		"API.test":        true,
		"x.api.test":      false,
	} {
		if got := MatchAnyHostPattern(host, pats); got != want {
			t.Fatalf("%s: got %v", host, got)
		}
	}
}

func TestSplitHostPortFlexible(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
	}{
		{"1.2.3.4:80", "1.2.3.4", 80},
		{"[::1]:1080", "::1", 1080},
		{"[::1]", "::1", 7},
		{"fe80::1", "fe80::1", 7},
		{"example.com", "example.com", 7},
	}
	for _, c := range cases {
		h, p := SplitHostPortFlexible(c.in, 7)
		if h != c.host || p != c.port {
			t.Fatalf("%q -> %q %d", c.in, h, p)
		}
	}
}

func TestParseCIDRs(t *testing.T) {
	ps, err := ParseCIDRs([]string{"10.1.2.3/8", "::ffff:192.168.1.1", ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 || ps[0].String() != "10.0.0.0/8" || ps[1].String() != "192.168.1.1/32" {
		t.Fatalf("prefixes %v", ps)
	}
	if _, err := ParseCIDRs([]string{"nope"}); err == nil {
		t.Fatal("bad cidr accepted")
	}
	if a := NormalizeAddr(net.ParseIP("::ffff:10.0.0.1")); !ps[0].Contains(a) {
		t.Fatalf("mapped %v not in %v", a, ps[0])
	}
}

func TestMultiLimiterSplitsAboveBurst(t *testing.T) {
	l := rate.NewLimiter(rate.Limit(1e6), 4)
	ml := Compose(nil, l)
	if len(ml) != 1 {
		t.Fatalf("nil limiter kept: %d", len(ml))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// 单次 WaitN(n > burst) 会直接报错，这里必须分段
	if err := ml.WaitN(ctx, 10); err != nil {
		t.Fatal(err)
	}
}
