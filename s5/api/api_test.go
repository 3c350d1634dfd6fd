package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"s5proxy/s5/app"
	"s5proxy/s5/common/config"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := app.NewWithConfig(&config.Config{
		Auth:  config.AuthCfg{Mode: "static", Users: []config.UserCfg{{Username: "alice", Password: "pw"}}},
		Admin: config.AdminCfg{Username: "root", Password: "toor", JWTSecret: "test-secret", TokenTTL: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	s := New(a)
	return s, s.Router()
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r http.Handler) string {
	t.Helper()
	w := do(r, http.MethodPost, "/api/login", "", map[string]string{"username": "root", "password": "toor"})
	if w.Code != http.StatusOK {
		t.Fatalf("login %d %s", w.Code, w.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("token: %v %s", err, w.Body)
	}
	return resp.Token
}

func TestLoginRejectsBadPassword(t *testing.T) {
	_, r := newTestServer(t)
	w := do(r, http.MethodPost, "/api/login", "", map[string]string{"username": "root", "password": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code %d", w.Code)
	}
	// 退避期内即使密码正确也被限流
	w = do(r, http.MethodPost, "/api/login", "", map[string]string{"username": "root", "password": "toor"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("code %d", w.Code)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	_, r := newTestServer(t)
	for _, p := range []string{"/api/users", "/api/sessions", "/api/systemInfo"} {
		if w := do(r, http.MethodGet, p, "", nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: %d", p, w.Code)
		}
		if w := do(r, http.MethodGet, p, "garbage", nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s with bad token: %d", p, w.Code)
		}
	}
}

func TestListUsersMergesStoreAndLive(t *testing.T) {
	s, r := newTestServer(t)
	tk := login(t, r)

	s.App.Users.Get("alice").AddTraffic(10, 20)
	s.App.Users.Get("ghost").AddTraffic(1, 2)

	w := do(r, http.MethodGet, "/api/users", tk, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code %d %s", w.Code, w.Body)
	}
	var resp struct {
		List  []userDTO `json:"list"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || resp.List[0].Username != "alice" || resp.List[1].Username != "ghost" {
		t.Fatalf("users %+v", resp)
	}
	if !resp.List[0].Stored || resp.List[0].LiveUp != 10 || resp.List[0].LiveDown != 20 {
		t.Fatalf("alice %+v", resp.List[0])
	}
	if resp.List[1].Stored {
		t.Fatal("ghost is not in the store")
	}

	w = do(r, http.MethodGet, "/api/users?username=ALI", tk, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Fatalf("filtered %+v", resp)
	}
}

func TestSessionsAndFakeHosts(t *testing.T) {
	s, r := newTestServer(t)
	tk := login(t, r)

	w := do(r, http.MethodGet, "/api/sessions", tk, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"flows":0`) {
		t.Fatalf("sessions %d %s", w.Code, w.Body)
	}

	w = do(r, http.MethodPost, "/api/fakehosts", tk, map[string]any{"host": "10.1.2.3", "port": 443})
	if w.Code != http.StatusOK {
		t.Fatalf("register %d %s", w.Code, w.Body)
	}
	var reg struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &reg)
	if !s.App.FakeHosts.IsFake(reg.Token) || s.App.FakeHosts.Len() != 1 {
		t.Fatalf("token %q", reg.Token)
	}

	if w := do(r, http.MethodPost, "/api/fakehosts", tk, map[string]any{"host": reg.Token, "port": 1}); w.Code != http.StatusBadRequest {
		t.Fatalf("nested fake host: %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/api/fakehosts/"+reg.Token, tk, nil); w.Code != http.StatusOK {
		t.Fatalf("forget %d", w.Code)
	}
	if s.App.FakeHosts.Len() != 0 {
		t.Fatal("token should be forgotten")
	}
}

func TestTrafficNeedsDB(t *testing.T) {
	_, r := newTestServer(t)
	tk := login(t, r)
	if w := do(r, http.MethodGet, "/api/traffic", tk, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code %d", w.Code)
	}
}

func TestSystemInfoCountsLiveUsers(t *testing.T) {
	s, r := newTestServer(t)
	tk := login(t, r)
	s.App.Users.Get("alice").AddTraffic(3, 4)

	w := do(r, http.MethodGet, "/api/systemInfo", tk, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code %d %s", w.Code, w.Body)
	}
	var resp SysInfoResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Proxy.Users != 1 || resp.Proxy.Up != 3 || resp.Proxy.Down != 4 {
		t.Fatalf("proxy %+v", resp.Proxy)
	}
	if resp.App.GoVersion == "" || resp.App.Goroutine == 0 {
		t.Fatalf("app %+v", resp.App)
	}
}
