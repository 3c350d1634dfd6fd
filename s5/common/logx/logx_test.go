package logx

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var info, errB bytes.Buffer
	sinks.mu.Lock()
	oldInfo, oldErr, oldAccess := sinks.appInfo, sinks.appErr, sinks.access
	sinks.appInfo, sinks.appErr, sinks.access = &info, &errB, &info
	sinks.mu.Unlock()
	old := GetLevel()
	t.Cleanup(func() {
		sinks.mu.Lock()
		sinks.appInfo, sinks.appErr, sinks.access = oldInfo, oldErr, oldAccess
		sinks.mu.Unlock()
		SetLevel(old)
	})
	return &info, &errB
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"DEBUG": Debug, " warning ": Warn, "silent": Off, "": Info, "bogus": Info} {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v", in, got)
		}
	}
}

func TestLoggerFormatAndRouting(t *testing.T) {
	info, errB := capture(t)
	SetLevel(Info)
	l := New(WithPrefix("proxy.socks5")).With("conn", "c1", "client", "1.2.3.4:5")

	l.Debugf("hidden")
	l.Infof("connect %s", "example.com:443")
	l.Errorf("boom")

	if strings.Contains(info.String(), "hidden") {
		t.Fatal("debug line should be filtered")
	}
	line := info.String()
	if !strings.Contains(line, "[INFO] proxy.socks5 - connect example.com:443 conn=c1 client=1.2.3.4:5") {
		t.Fatalf("info line %q", line)
	}
	if !strings.Contains(line, "logx_test.go:") {
		t.Fatalf("caller site missing: %q", line)
	}
	if !strings.Contains(errB.String(), "[ERROR] proxy.socks5 - boom") {
		t.Fatalf("error line %q", errB.String())
	}
}

func TestPerLoggerLevelOverridesGlobal(t *testing.T) {
	info, _ := capture(t)
	SetLevel(Error)
	l := New(WithPrefix("x"), WithLogLevel(Debug))
	l.Debugf("shown")
	if !strings.Contains(info.String(), "shown") {
		t.Fatalf("got %q", info.String())
	}
	if c := l.With("k", "v"); !c.Enabled(Debug) {
		t.Fatal("child should keep the parent level")
	}
}

func TestGinAccessLevels(t *testing.T) {
	info, _ := capture(t)
	SetLevel(Warn)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinAccess())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing?a=1", nil))

	out := info.String()
	if strings.Contains(out, " /ok") {
		t.Fatalf("200 should be filtered at warn: %q", out)
	}
	if !strings.Contains(out, "[WARN] access - 404") || !strings.Contains(out, "GET /missing?a=1") {
		t.Fatalf("access line %q", out)
	}
}

func TestFilesClose(t *testing.T) {
	dir := t.TempDir()
	f := &Files{Info: mustOpen(filepath.Join(dir, "a.log"))}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal("second close should be a no-op")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.log")); err != nil {
		t.Fatal(err)
	}
}
