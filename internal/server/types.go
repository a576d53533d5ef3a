package server

import (
	"time"

	"trustaudit/internal/audit"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type AuditRequest struct {
	URL              string   `json:"url"`
	Tier             string   `json:"tier,omitempty"`
	VerdictMode      string   `json:"verdict_mode,omitempty"`
	SecurityModules  []string `json:"security_modules,omitempty"`
	MaxIterations    int      `json:"max_iterations,omitempty"`
	MaxElapsedSec    int      `json:"max_elapsed_sec,omitempty"`
	MaxExternalCalls int      `json:"max_external_calls,omitempty"`
	Simulate         bool     `json:"simulate,omitempty"`
}

type QuickScanRequest struct {
	URL string `json:"url"`
}

type AuditMeta struct {
	AuditID     string            `json:"audit_id"`
	Status      string            `json:"status"`
	CreatorType string            `json:"creator_type"`
	CreatorSub  string            `json:"creator_sub,omitempty"`
	Source      string            `json:"source"`
	Request     AuditRequest      `json:"request"`
	StartedAt   string            `json:"started_at,omitempty"`
	FinishedAt  string            `json:"finished_at,omitempty"`
	CreatedAt   string            `json:"created_at"`
	Error       string            `json:"error,omitempty"`
	State       *audit.AuditState `json:"state,omitempty"`
	Verdict     VerdictSnapshot   `json:"verdict"`
	KeyUsage    KeyUsageRecord    `json:"key_usage"`
}

type VerdictSnapshot struct {
	FinalScore       int      `json:"final_score"`
	RiskLevel        string   `json:"risk_level,omitempty"`
	Confidence       float64  `json:"confidence"`
	OverridesApplied []string `json:"overrides_applied,omitempty"`
	DegradedStages   int      `json:"degraded_stages"`
	PenaltySum       float64  `json:"penalty_sum"`
	Iterations       int      `json:"iterations"`
}

type KeyUsageRecord struct {
	AuditID       string `json:"audit_id"`
	KeyLabel      string `json:"key_label,omitempty"`
	ExternalCalls int    `json:"external_calls"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// ActivityEvent is the security log of the API surface itself, separate
// from the website audits it manages.
type ActivityEvent struct {
	Timestamp string `json:"timestamp"`
	AuditID   string `json:"audit_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt     string  `json:"generated_at"`
	TotalAudits     int     `json:"total_audits"`
	RunningAudits   int     `json:"running_audits"`
	TrustedCount    int     `json:"trusted_count"`
	SafeCount       int     `json:"probably_safe_count"`
	SuspiciousCount int     `json:"suspicious_count"`
	HighRiskCount   int     `json:"high_risk_count"`
	DangerousCount  int     `json:"dangerous_count"`
	ErrorCount      int     `json:"error_count"`
	DegradedAudits  int     `json:"degraded_audits"`
	AverageDuration int64   `json:"average_duration_ms"`
	AverageTrust    float64 `json:"average_trust_score"`
}

// FeedbackRequest scores a past source prediction against ground truth so
// the reputation manager can learn from confirmed outcomes.
type FeedbackRequest struct {
	Source          string `json:"source"`
	PredictionIndex int    `json:"prediction_index"`
	ActualVerdict   string `json:"actual_verdict"`
}

// StoreSnapshot is the on-disk shape of MemoryFileStore.
type StoreSnapshot struct {
	Audits     []AuditMeta              `json:"audits"`
	Events     map[string][]RunEvent    `json:"events"`
	Activity   []ActivityEvent          `json:"activity"`
	Reputation []audit.SourceReputation `json:"reputation,omitempty"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
