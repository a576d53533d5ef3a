package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestAuth(t *testing.T) (*Auth, *MemoryFileStore) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	cfg := ServerConfig{}
	cfg.Security.AdminToken = "secret-token"
	return NewAuth(nil, store, cfg), store
}

func TestLoginUnavailableWithoutDatabase(t *testing.T) {
	auth, _ := newTestAuth(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		bytes.NewReader([]byte(`{"username":"root","password":"hunter2"}`)))
	auth.HandleLogin(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("login without a database should be unavailable, got %d", rec.Code)
	}
}

func TestLogoutClearsCookieAndLogsActivity(t *testing.T) {
	auth, store := newTestAuth(t)
	rec := httptest.NewRecorder()
	auth.HandleLogout(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout should succeed, got %d", rec.Code)
	}
	cleared := false
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "audit_session" && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("logout must expire the session cookie: %v", rec.Result().Cookies())
	}
	logged := false
	for _, event := range store.ListActivity(10) {
		if event.Action == "auth.logout" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("logout must land in the activity log")
	}
}

func TestAdminTokenGrantsAdminRole(t *testing.T) {
	auth, _ := newTestAuth(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audits", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	principal, err := auth.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("AuthenticateRequest error: %v", err)
	}
	if principal.Role != RoleAdmin {
		t.Fatalf("token auth should grant the admin role, got %q", principal.Role)
	}

	req.Header.Set("X-Admin-Token", "wrong-token")
	if _, err := auth.AuthenticateRequest(req); err == nil {
		t.Fatalf("wrong token must not authenticate")
	}
}

func TestTokensEqualLengthMismatch(t *testing.T) {
	if tokensEqual("short", "a much longer secret") {
		t.Fatalf("different-length tokens must not compare equal")
	}
	if !tokensEqual("same-secret", "same-secret") {
		t.Fatalf("identical tokens must compare equal")
	}
}

func TestSeedUserRejectsUnknownRole(t *testing.T) {
	if err := SeedUser(context.Background(), nil, "eve", "pw", "superuser"); err == nil {
		t.Fatalf("unknown role must be rejected")
	}
}
