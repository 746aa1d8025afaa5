package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaychat/internal/model"
)

func respond(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestSuccessEnvelopeDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sync/snapshot", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": model.Snapshot{
				Chats: []model.ChatView{{ID: "c1", Name: "notes"}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, time.Second)
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Chats) != 1 || snap.Chats[0].ID != "c1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestErrorEnvelopeBecomesAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"error":   "chat id is already in use",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, time.Second)
	_, err := c.SaveChat(context.Background(), ChatPayload{ID: "x", Model: "auto"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "chat id is already in use" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestNonEnvelopeResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/auth/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, time.Second)
	_, err := c.AuthStatus(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", apiErr.Status)
	}
	if !strings.Contains(apiErr.Message, "unexpected response") {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestLoginInstallsToken(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": AuthResult{
				Token: "tok123",
				User:  User{ID: 1, Username: "maria", Tier: "permissionless"},
			},
		})
	})
	mux.HandleFunc("GET /api/v1/sync/snapshot", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		respond(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    model.Snapshot{},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(srv.URL, time.Second)
	result, err := c.Login(context.Background(), "maria", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Token != "tok123" || c.Token() != "tok123" {
		t.Fatalf("token not installed: %+v", result)
	}

	if _, err := c.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}

	c.SetToken("")
	if _, err := c.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q after clearing token", gotAuth)
	}
}
