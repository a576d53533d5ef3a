package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trustaudit/internal/audit"
	"trustaudit/internal/resilience"
)

type fakeService struct {
	created   []AuditRequest
	quick     []QuickScanRequest
	quickErr  error
	feedback  []FeedbackRequest
	reputable []audit.SourceReputation
}

func (f *fakeService) CreateAdminAudit(request AuditRequest, principal Principal, source string) (AuditMeta, error) {
	f.created = append(f.created, request)
	return AuditMeta{AuditID: "adt_fake", Status: "queued", Request: request, CreatedAt: nowRFC3339()}, nil
}

func (f *fakeService) CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (AuditMeta, error) {
	if f.quickErr != nil {
		return AuditMeta{}, f.quickErr
	}
	f.quick = append(f.quick, request)
	return AuditMeta{AuditID: "adt_quick", Status: "queued", CreatedAt: nowRFC3339()}, nil
}

func (f *fakeService) RecordFeedback(request FeedbackRequest) (bool, error) {
	f.feedback = append(f.feedback, request)
	return true, nil
}

func (f *fakeService) ReputationSnapshot() []audit.SourceReputation {
	return f.reputable
}

func (f *fakeService) BreakerSnapshots() []resilience.BreakerSnapshot {
	return nil
}

func newTestAPI(t *testing.T) (*API, *fakeService, *MemoryFileStore) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	cfg := ServerConfig{}
	cfg.Security.AdminToken = "secret-token"
	auth := NewAuth(nil, store, cfg)
	service := &fakeService{}
	return NewAPI(auth, store, service, nil), service, store
}

func TestHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAdminCreateAuditRequiresAuth(t *testing.T) {
	api, service, _ := newTestAPI(t)
	handler := api.Handler()
	body := []byte(`{"url":"https://example.com"}`)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/audits", bytes.NewReader(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if len(service.created) != 0 {
		t.Fatalf("service should not be reached without auth")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/audits", bytes.NewReader(body))
	req.Header.Set("X-Admin-Token", "secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["audit_id"] != "adt_fake" {
		t.Fatalf("unexpected audit_id: %v", out["audit_id"])
	}
	if len(service.created) != 1 || service.created[0].URL != "https://example.com" {
		t.Fatalf("service did not receive the request: %+v", service.created)
	}
}

func TestAdminBearerTokenAccepted(t *testing.T) {
	api, _, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/reputation", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
}

func TestUserQuickScan(t *testing.T) {
	api, service, _ := newTestAPI(t)
	body := []byte(`{"url":"https://shop.example.net"}`)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/user/quick-scan", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(service.quick) != 1 || service.quick[0].URL != "https://shop.example.net" {
		t.Fatalf("service did not receive quick scan: %+v", service.quick)
	}
}

func TestUserGetQuickScanDeidentified(t *testing.T) {
	api, _, store := newTestAPI(t)
	meta := AuditMeta{
		AuditID:     "adt_view",
		Status:      "done",
		CreatorType: "user",
		CreatorSub:  "someone",
		Request:     AuditRequest{URL: "https://example.org"},
		CreatedAt:   nowRFC3339(),
		Verdict:     VerdictSnapshot{FinalScore: 72, RiskLevel: "PROBABLY_SAFE", Confidence: 0.8},
	}
	if err := store.CreateAudit(meta); err != nil {
		t.Fatalf("CreateAudit error: %v", err)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/user/quick-scan/adt_view", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, leaked := out["creator_sub"]; leaked {
		t.Fatalf("creator identity leaked in public view")
	}
	verdict, _ := out["verdict"].(map[string]any)
	if verdict["risk_level"] != "PROBABLY_SAFE" {
		t.Fatalf("unexpected verdict view: %v", out["verdict"])
	}
}

func TestAdminAuditEventStreamEndsOnCompletion(t *testing.T) {
	api, _, store := newTestAPI(t)
	if err := store.CreateAudit(AuditMeta{AuditID: "adt_sse", Status: "done", CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateAudit error: %v", err)
	}
	_, _ = store.AppendRunEvent("adt_sse", audit.EventStageCompleted, "judge", "judge completed", nil)
	_, _ = store.AppendRunEvent("adt_sse", audit.EventAuditComplete, "", "audit complete", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audits/adt_sse/events", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		api.Handler().ServeHTTP(rec, req)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("stream must end once the final audit event is sent")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: audit_event") {
		t.Fatalf("stream carries no events: %s", body)
	}
	if !strings.Contains(body, audit.EventAuditComplete) {
		t.Fatalf("final event missing from stream: %s", body)
	}
}

func TestAdminFeedbackForwarded(t *testing.T) {
	api, service, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/feedback",
		bytes.NewReader([]byte(`{"source":"whois","prediction_index":0,"actual_verdict":"MALICIOUS"}`)))
	req.Header.Set("X-Admin-Token", "secret-token")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(service.feedback) != 1 || service.feedback[0].Source != "whois" {
		t.Fatalf("feedback not forwarded: %+v", service.feedback)
	}
}
