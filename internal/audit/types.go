package audit

import (
	"time"
)

type RiskLevel string

const (
	RiskTrusted      RiskLevel = "TRUSTED"
	RiskProbablySafe RiskLevel = "PROBABLY_SAFE"
	RiskSuspicious   RiskLevel = "SUSPICIOUS"
	RiskHighRisk     RiskLevel = "HIGH_RISK"
	RiskDangerous    RiskLevel = "DANGEROUS"
)

// RiskLevelFor maps a final score to its risk band. The boundaries are part
// of the scoring contract and are exercised exactly by the tests.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= 90:
		return RiskTrusted
	case score >= 70:
		return RiskProbablySafe
	case score >= 40:
		return RiskSuspicious
	case score >= 20:
		return RiskHighRisk
	default:
		return RiskDangerous
	}
}

type Tier string

const (
	TierQuickScan     Tier = "quick_scan"
	TierStandardAudit Tier = "standard_audit"
	TierDeep          Tier = "deep"
)

func NormalizeTier(value string) Tier {
	switch Tier(value) {
	case TierQuickScan, TierStandardAudit, TierDeep:
		return Tier(value)
	default:
		return TierStandardAudit
	}
}

type Verdict string

const (
	VerdictSafe       Verdict = "SAFE"
	VerdictSuspicious Verdict = "SUSPICIOUS"
	VerdictMalicious  Verdict = "MALICIOUS"
)

// Budget bounds a single orchestrator run. Exhaustion is not an error: it
// forces verdict rendering with whatever evidence has been collected.
type Budget struct {
	MaxIterations    int           `json:"max_iterations"`
	MaxElapsed       time.Duration `json:"max_elapsed"`
	MaxExternalCalls int           `json:"max_external_calls"`
}

func BudgetForTier(tier Tier) Budget {
	switch tier {
	case TierQuickScan:
		return Budget{MaxIterations: 1, MaxElapsed: 90 * time.Second, MaxExternalCalls: 8}
	case TierDeep:
		return Budget{MaxIterations: 4, MaxElapsed: 10 * time.Minute, MaxExternalCalls: 60}
	default:
		return Budget{MaxIterations: 2, MaxElapsed: 4 * time.Minute, MaxExternalCalls: 24}
	}
}

type ViewportOptions struct {
	Width      int  `json:"width"`
	Height     int  `json:"height"`
	FullPage   bool `json:"full_page"`
	MobileMode bool `json:"mobile_mode"`
}

// PageMetadata is the scout agent's structural summary of a captured page.
type PageMetadata struct {
	Title                 string `json:"title"`
	FinalURL              string `json:"final_url"`
	DOMNodeCount          int    `json:"dom_node_count"`
	FormCount             int    `json:"form_count"`
	ScriptCount           int    `json:"script_count"`
	IframeCount           int    `json:"iframe_count"`
	InputFieldCount       int    `json:"input_field_count"`
	RedirectHops          int    `json:"redirect_hops"`
	ExternalDomainCount   int    `json:"external_domain_count"`
	ExternalResourceCount int    `json:"external_resource_count"`
	PopupCount            int    `json:"popup_count"`
	HasAnimation          bool   `json:"has_animation"`
	HasCountdown          bool   `json:"has_countdown"`
	TLSValid              bool   `json:"tls_valid"`
	TLSSelfSigned         bool   `json:"tls_self_signed"`
	DomainAgeDays         int    `json:"domain_age_days"`
}

type ScoutResult struct {
	URL             string       `json:"url"`
	Metadata        PageMetadata `json:"metadata"`
	ScreenshotPaths []string     `json:"screenshot_paths"`
	SiteTypeHint    string       `json:"site_type_hint"`
	DiscoveredPages []string     `json:"discovered_pages,omitempty"`
}

// Finding is one classified dark-pattern observation from the vision agent.
type Finding struct {
	Pattern     string  `json:"pattern"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

type VisionResult struct {
	Findings        []Finding `json:"findings"`
	VisualScore     float64   `json:"visual_score"`
	ScreenshotCount int       `json:"screenshot_count"`
}

// SourceClaim is one external verification source's verdict about the
// audited entity, weighted later by that source's reputation.
type SourceClaim struct {
	Source     string  `json:"source"`
	Verdict    Verdict `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

type GraphResult struct {
	VerifiedEntities []string      `json:"verified_entities"`
	Inconsistencies  []string      `json:"inconsistencies"`
	GraphScore       float64       `json:"graph_score"`
	FraudConfirmed   bool          `json:"fraud_confirmed"`
	SourceClaims     []SourceClaim `json:"source_claims,omitempty"`
}

type SecurityResult struct {
	Module   string   `json:"module"`
	Score    float64  `json:"score"`
	Findings []string `json:"findings,omitempty"`
}

type JudgeOutcome struct {
	Narrative string `json:"narrative"`
	Decision  string `json:"decision"`
}

// Evidence is the per-stage output accumulated across an audit run. A nil
// pointer means the stage has not run yet; degraded stages still populate
// their slot with fallback data.
type Evidence struct {
	Scout    *ScoutResult     `json:"scout,omitempty"`
	Vision   *VisionResult    `json:"vision,omitempty"`
	Graph    *GraphResult     `json:"graph,omitempty"`
	Security []SecurityResult `json:"security,omitempty"`
}

// DegradationRecord notes that a stage ran on fallback data during one
// iteration. The orchestrator accumulates the penalties into the final score.
type DegradationRecord struct {
	Stage          string   `json:"stage"`
	Iteration      int      `json:"iteration"`
	Mode           string   `json:"mode"`
	MissingData    []string `json:"missing_data"`
	QualityPenalty float64  `json:"quality_penalty"`
	Cause          string   `json:"cause,omitempty"`
}

// AuditState is owned by exactly one orchestrator run and never shared
// across concurrent audits.
type AuditState struct {
	AuditID       string              `json:"audit_id"`
	URL           string              `json:"url"`
	SiteType      string              `json:"site_type"`
	Tier          Tier                `json:"tier"`
	VerdictMode   string              `json:"verdict_mode"`
	Iteration     int                 `json:"iteration"`
	Budget        Budget              `json:"budget"`
	StartedAt     time.Time           `json:"started_at"`
	ExternalCalls int                 `json:"external_calls"`
	Evidence      Evidence            `json:"evidence"`
	Degradations  []DegradationRecord `json:"degradations,omitempty"`
	PenaltySum    float64             `json:"penalty_sum"`
	Complexity    []ComplexityMetrics `json:"complexity_history,omitempty"`
	Score         *TrustScoreResult   `json:"score,omitempty"`
	Narrative     string              `json:"narrative,omitempty"`
	Decision      string              `json:"decision,omitempty"`
	TargetPages   []string            `json:"target_pages,omitempty"`
}

func (s *AuditState) LatestComplexity() ComplexityMetrics {
	if len(s.Complexity) == 0 {
		return NeutralComplexity()
	}
	return s.Complexity[len(s.Complexity)-1]
}

func (s *AuditState) recordDegradation(stage string, rec DegradationRecord) {
	rec.Stage = stage
	rec.Iteration = s.Iteration
	s.Degradations = append(s.Degradations, rec)
	s.PenaltySum += rec.QualityPenalty
}

type SignalScore struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// TrustScoreResult is immutable once built; NewTrustScoreResult derives the
// risk level from the final score before returning it.
type TrustScoreResult struct {
	FinalScore       int                    `json:"final_score"`
	RawScore         float64                `json:"raw_score"`
	RiskLevel        RiskLevel              `json:"risk_level"`
	Confidence       float64                `json:"confidence"`
	Signals          map[Signal]SignalScore `json:"signals"`
	OverridesApplied []string               `json:"overrides_applied"`
	PenaltyApplied   float64                `json:"penalty_applied"`
}

func NewTrustScoreResult(finalScore int, raw float64, confidence float64, signals map[Signal]SignalScore, overrides []string, penalty float64) TrustScoreResult {
	if finalScore < 0 {
		finalScore = 0
	}
	if finalScore > 100 {
		finalScore = 100
	}
	if overrides == nil {
		overrides = []string{}
	}
	return TrustScoreResult{
		FinalScore:       finalScore,
		RawScore:         raw,
		RiskLevel:        RiskLevelFor(finalScore),
		Confidence:       confidence,
		Signals:          signals,
		OverridesApplied: overrides,
		PenaltyApplied:   penalty,
	}
}
