package server

import (
	"testing"

	"trustaudit/internal/audit"
)

func TestMemoryStoreAuditLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	meta := AuditMeta{
		AuditID:     "adt_test_1",
		Status:      "queued",
		Source:      "test",
		CreatorType: "admin",
		CreatedAt:   nowRFC3339(),
	}
	if err := store.CreateAudit(meta); err != nil {
		t.Fatalf("CreateAudit error: %v", err)
	}
	event, err := store.AppendRunEvent(meta.AuditID, "queued", "", "queued", nil)
	if err != nil {
		t.Fatalf("AppendRunEvent error: %v", err)
	}
	if event.Seq != 1 {
		t.Fatalf("expected first seq=1, got %d", event.Seq)
	}
	updated, err := store.UpdateAudit(meta.AuditID, func(item *AuditMeta) {
		item.Status = "running"
	})
	if err != nil {
		t.Fatalf("UpdateAudit error: %v", err)
	}
	if updated.Status != "running" {
		t.Fatalf("expected status running, got %s", updated.Status)
	}
}

func TestMemoryStoreEventCursor(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	if err := store.CreateAudit(AuditMeta{AuditID: "adt_cursor", Status: "queued", CreatedAt: nowRFC3339()}); err != nil {
		t.Fatalf("CreateAudit error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.AppendRunEvent("adt_cursor", "stage_started", "scout", "scout started", nil); err != nil {
			t.Fatalf("AppendRunEvent error: %v", err)
		}
	}
	events := store.ListRunEvents("adt_cursor", 1)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq 1, got %d", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("unexpected sequence numbers: %d, %d", events[0].Seq, events[1].Seq)
	}
}

func TestMemoryStoreReputationRoundTrip(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	in := []audit.SourceReputation{
		{Source: "whois", Total: 10, Correct: 8},
	}
	if err := store.SaveReputation(in); err != nil {
		t.Fatalf("SaveReputation error: %v", err)
	}
	out, err := store.LoadReputation()
	if err != nil {
		t.Fatalf("LoadReputation error: %v", err)
	}
	if len(out) != 1 || out[0].Source != "whois" || out[0].Correct != 8 {
		t.Fatalf("unexpected reputation round trip: %+v", out)
	}
}

func TestMemoryStoreOverviewCountsRiskLevels(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore error: %v", err)
	}
	entries := []AuditMeta{
		{AuditID: "a1", Status: "done", CreatedAt: nowRFC3339(), Verdict: VerdictSnapshot{FinalScore: 95, RiskLevel: "TRUSTED"}},
		{AuditID: "a2", Status: "done", CreatedAt: nowRFC3339(), Verdict: VerdictSnapshot{FinalScore: 15, RiskLevel: "DANGEROUS", DegradedStages: 2}},
		{AuditID: "a3", Status: "running", CreatedAt: nowRFC3339()},
		{AuditID: "a4", Status: "error", CreatedAt: nowRFC3339()},
	}
	for _, meta := range entries {
		if err := store.CreateAudit(meta); err != nil {
			t.Fatalf("CreateAudit error: %v", err)
		}
	}
	overview := store.GetMetricsOverview()
	if overview.TotalAudits != 4 {
		t.Fatalf("expected 4 audits, got %d", overview.TotalAudits)
	}
	if overview.TrustedCount != 1 || overview.DangerousCount != 1 {
		t.Fatalf("risk counts wrong: trusted=%d dangerous=%d", overview.TrustedCount, overview.DangerousCount)
	}
	if overview.RunningAudits != 1 || overview.ErrorCount != 1 {
		t.Fatalf("status counts wrong: running=%d error=%d", overview.RunningAudits, overview.ErrorCount)
	}
	if overview.DegradedAudits != 1 {
		t.Fatalf("expected 1 degraded audit, got %d", overview.DegradedAudits)
	}
	if overview.AverageTrust != 55 {
		t.Fatalf("expected average trust 55, got %.1f", overview.AverageTrust)
	}
}
