package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"relaychat/internal/config"
	"relaychat/internal/pkg/jwtutil"
)

func newProbeRouter(cfg *config.Config, auth gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AccessGate(cfg))
	r.GET("/probe", auth, func(c *gin.Context) {
		id := GetIdentity(c)
		c.String(http.StatusOK, "%s|%s|%t", id.RateKey, id.Tier, id.Authenticated)
	})
	return r
}

func probe(t *testing.T, r *gin.Engine, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestClientIPPrecedence(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{name: "forwarded first hop wins", forwarded: "203.0.113.7, 10.0.0.1", realIP: "198.51.100.2", want: "203.0.113.7"},
		{name: "real ip when no forwarded", realIP: "198.51.100.2", want: "198.51.100.2"},
		{name: "socket peer as last resort", remoteAddr: "192.0.2.9:4455", want: "192.0.2.9"},
		{name: "blank forwarded falls through", forwarded: " ", realIP: "198.51.100.2", want: "198.51.100.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.remoteAddr != "" {
				req.RemoteAddr = tc.remoteAddr
			}
			if got := ClientIP(req); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAccessGate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.AccessToken = "sekret"
	r := newProbeRouter(cfg, OptionalAuth(cfg))

	w := probe(t, r, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token admitted: %d %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"success":false`) {
		t.Fatalf("failure not enveloped: %s", w.Body)
	}

	w = probe(t, r, func(req *http.Request) {
		req.Header.Set(AccessTokenHeader, "wrong")
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token admitted: %d", w.Code)
	}

	w = probe(t, r, func(req *http.Request) {
		req.Header.Set(AccessTokenHeader, "sekret")
		req.RemoteAddr = "192.0.2.9:4455"
	})
	if w.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", w.Code, w.Body)
	}
	// The single tenant owns the box: full catalog, no account.
	if got := w.Body.String(); got != "ip:192.0.2.9|pro|false" {
		t.Fatalf("identity = %q", got)
	}
}

func TestOptionalAuthDegradesToAnonymous(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "top-secret"
	r := newProbeRouter(cfg, OptionalAuth(cfg))

	w := probe(t, r, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer garbage")
		req.RemoteAddr = "192.0.2.9:4455"
	})
	if w.Code != http.StatusOK {
		t.Fatalf("invalid bearer should degrade, got %d", w.Code)
	}
	if got := w.Body.String(); got != "ip:192.0.2.9|permissionless|false" {
		t.Fatalf("identity = %q, want anonymous ip identity", got)
	}

	token, err := jwtutil.GenerateToken("top-secret", time.Minute, 7, "ada", "extended")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	w = probe(t, r, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
	if got := w.Body.String(); got != "user:7|extended|true" {
		t.Fatalf("identity = %q, want authenticated user identity", got)
	}
}

func TestOptionalAuthNormalizesUnknownTier(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "top-secret"
	r := newProbeRouter(cfg, OptionalAuth(cfg))

	token, err := jwtutil.GenerateToken("top-secret", time.Minute, 9, "eve", "admin")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	w := probe(t, r, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
	if got := w.Body.String(); got != "user:9|permissionless|true" {
		t.Fatalf("identity = %q, unrecognized tier must not unlock anything", got)
	}
}

func TestRequireAuth(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "top-secret"
	r := newProbeRouter(cfg, RequireAuth(cfg))

	w := probe(t, r, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous caller admitted: %d", w.Code)
	}

	token, err := jwtutil.GenerateToken("top-secret", time.Minute, 3, "sam", "pro")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	w = probe(t, r, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("valid bearer rejected: %d %s", w.Code, w.Body)
	}
	if got := w.Body.String(); got != "user:3|pro|true" {
		t.Fatalf("identity = %q", got)
	}
}

func TestRequireAuthDevBypass(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.DevBypass = true
	r := newProbeRouter(cfg, RequireAuth(cfg))

	w := probe(t, r, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bypass rejected: %d", w.Code)
	}
	if got := w.Body.String(); got != fmt.Sprintf("user:%d|pro|true", 1) {
		t.Fatalf("identity = %q, want the fixed development identity", got)
	}
}
