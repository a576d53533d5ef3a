package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"trustaudit/internal/audit"
)

type API struct {
	auth    *Auth
	store   Store
	service AuditService
	obs     *Observability
}

func NewAPI(auth *Auth, store Store, service AuditService, obs *Observability) *API {
	return &API{
		auth:    auth,
		store:   store,
		service: service,
		obs:     obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/admin/audits", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminCreateAudit)))
	mux.Handle("GET /api/v1/admin/audits", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminListAudits)))
	mux.Handle("GET /api/v1/admin/audits/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminGetAudit)))
	mux.Handle("GET /api/v1/admin/audits/{id}/events", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminGetAuditEventsSSE)))
	mux.Handle("POST /api/v1/admin/feedback", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminFeedback)))
	mux.Handle("GET /api/v1/admin/reputation", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminReputation)))
	mux.Handle("GET /api/v1/admin/breakers", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminBreakers)))
	mux.Handle("GET /api/v1/admin/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminOverview)))
	mux.Handle("GET /api/v1/admin/activity", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminActivity)))

	mux.HandleFunc("POST /api/v1/user/quick-scan", a.handleUserQuickScan)
	mux.HandleFunc("GET /api/v1/user/quick-scan/{id}", a.handleUserGetQuickScan)
	mux.Handle("GET /api/v1/user/my-audits", a.auth.Require(http.HandlerFunc(a.handleUserMyAudits)))

	wrapped := otelhttp.NewHandler(mux, "audit-api-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleAdminCreateAudit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("audit-api").Start(r.Context(), "admin.create_audit")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req AuditRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	meta, err := a.service.CreateAdminAudit(req, principal, "admin.manual")
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"audit_id": meta.AuditID,
		"status":   meta.Status,
	})
}

func (a *API) handleAdminGetAudit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing audit id")
		return
	}
	meta, ok := a.store.GetAudit(id)
	if !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleAdminListAudits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audits": a.store.ListAudits(100),
	})
}

func (a *API) handleAdminGetAuditEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing audit id")
		return
	}
	if _, ok := a.store.GetAudit(id); !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	// A deep-tier audit streams for up to its full 10-minute budget; the
	// server-wide write deadline must not sever the connection mid-audit.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	cursor := parseCursor(r)
	finished := false
	send := func(events []RunEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: audit_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
			if event.Type == audit.EventAuditComplete || event.Type == audit.EventAuditError {
				finished = true
			}
		}
		flusher.Flush()
	}
	send(a.store.ListRunEvents(id, cursor))
	if finished {
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListRunEvents(id, cursor)
			if len(events) > 0 {
				send(events)
				if finished {
					return
				}
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleAdminFeedback(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	var req FeedbackRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	correct, err := a.service.RecordFeedback(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = a.store.AppendActivity(ActivityEvent{
		Timestamp: nowRFC3339(),
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "feedback.record",
		Result:    "ok",
		Detail:    fmt.Sprintf("source=%s correct=%t", req.Source, correct),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  req.Source,
		"correct": correct,
	})
}

func (a *API) handleAdminReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": a.service.ReputationSnapshot(),
	})
}

func (a *API) handleAdminBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": a.service.BreakerSnapshots(),
	})
}

func (a *API) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": a.store.ListActivity(200),
	})
}

func (a *API) handleUserQuickScan(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("audit-api").Start(r.Context(), "user.quick_scan")
	defer span.End()
	var req QuickScanRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	// optional: attach user identity if logged in
	principal, _ := a.auth.AuthenticateRequest(r)
	span.SetAttributes(
		attribute.String("actor.type", "user"),
		attribute.String("audit.url", req.URL),
	)
	meta, err := a.service.CreateQuickScan(req, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	// link audit to logged-in user
	if principal.Subject != "" {
		_, _ = a.store.UpdateAudit(meta.AuditID, func(m *AuditMeta) {
			m.CreatorSub = principal.Subject
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"audit_id": meta.AuditID,
		"status":   meta.Status,
	})
}

func (a *API) handleUserMyAudits(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	audits := a.store.ListAuditsByCreator(principal.Subject, 50)
	// return deidentified view
	out := make([]map[string]any, 0, len(audits))
	for _, m := range audits {
		entry := map[string]any{
			"audit_id":   m.AuditID,
			"status":     m.Status,
			"url":        m.Request.URL,
			"created_at": m.CreatedAt,
			"verdict": map[string]any{
				"final_score": m.Verdict.FinalScore,
				"risk_level":  m.Verdict.RiskLevel,
			},
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": out})
}

func (a *API) handleUserGetQuickScan(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing audit id")
		return
	}
	meta, ok := a.store.GetAudit(id)
	if !ok {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	view := map[string]any{
		"audit_id":    meta.AuditID,
		"status":      meta.Status,
		"created_at":  meta.CreatedAt,
		"started_at":  meta.StartedAt,
		"finished_at": meta.FinishedAt,
		"verdict": map[string]any{
			"final_score":     meta.Verdict.FinalScore,
			"risk_level":      meta.Verdict.RiskLevel,
			"confidence":      meta.Verdict.Confidence,
			"degraded_stages": meta.Verdict.DegradedStages,
		},
	}
	if meta.State != nil {
		view["summary"] = summarizeStateForUser(meta)
	}
	writeJSON(w, http.StatusOK, view)
}

// summarizeStateForUser strips the full evidence bundle down to what an
// anonymous quick-scan caller should see: the narrative and the per-stage
// degradation picture, not raw screenshots or graph claims.
func summarizeStateForUser(meta AuditMeta) map[string]any {
	state := meta.State
	data := map[string]any{
		"narrative":  state.Narrative,
		"iterations": state.Iteration,
		"site_type":  state.SiteType,
	}
	if len(meta.Verdict.OverridesApplied) > 0 {
		data["overrides_applied"] = meta.Verdict.OverridesApplied
	}
	if len(state.Degradations) > 0 {
		degraded := make([]map[string]any, 0, len(state.Degradations))
		for _, rec := range state.Degradations {
			degraded = append(degraded, map[string]any{
				"stage": rec.Stage,
				"mode":  rec.Mode,
			})
		}
		data["degraded_stages"] = degraded
	}
	return data
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHashes(r *http.Request) (string, string) {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip), hashString(r.UserAgent())
}
