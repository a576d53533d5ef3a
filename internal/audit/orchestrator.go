package audit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"trustaudit/internal/resilience"
)

const (
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventAuditComplete  = "audit_complete"
	EventAuditError     = "audit_error"
)

// Decisions emitted after the judge stage.
const (
	DecisionRenderVerdict     = "RENDER_VERDICT"
	DecisionMoreInvestigation = "REQUEST_MORE_INVESTIGATION"
)

type Event struct {
	Type      string         `json:"type"`
	AuditID   string         `json:"audit_id"`
	Stage     string         `json:"stage,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventSink receives a structured progress event after every stage
// transition. Injected so the core stays decoupled from any transport;
// sink errors are logged, never fatal.
type EventSink func(ctx context.Context, event Event) error

type Request struct {
	AuditID         string
	URL             string
	Tier            Tier
	VerdictMode     string
	SecurityModules []string
	Budget          *Budget // optional override of the tier default
	Viewport        ViewportOptions
	TaxonomySubset  []string
}

type Options struct {
	ConfidenceThreshold float64
	Profiles            map[string]SignalWeights
}

// Orchestrator drives one audit through the stage machine
// SCOUT → (VISION ∥ GRAPH) → JUDGE → {LOOP | DONE}. The guard, scorer and
// reputation services are process-wide and shared across audits; the
// AuditState is owned by a single run.
type Orchestrator struct {
	agents     Agents
	guard      *resilience.Manager
	scorer     *ScoreEngine
	reputation *ReputationManager
	sink       EventSink
	profiles   map[string]SignalWeights
	threshold  float64
}

func NewOrchestrator(agents Agents, guard *resilience.Manager, scorer *ScoreEngine, reputation *ReputationManager, sink EventSink, opts Options) (*Orchestrator, error) {
	if err := agents.validate(); err != nil {
		return nil, err
	}
	if guard == nil || scorer == nil || reputation == nil {
		return nil, &ConfigError{Reason: "resilience manager, score engine and reputation manager are required"}
	}
	if sink == nil {
		sink = func(context.Context, Event) error { return nil }
	}
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = SiteTypeProfiles()
	}
	return &Orchestrator{
		agents:     agents,
		guard:      guard,
		scorer:     scorer,
		reputation: reputation,
		sink:       sink,
		profiles:   profiles,
		threshold:  threshold,
	}, nil
}

// Run executes one audit to completion. It terminates in one of two ways:
// a rendered verdict (possibly degraded, nil error) or a fatal
// configuration error. Agent misbehavior never surfaces as an error here —
// the degradation layer absorbs it and the verdict carries the penalties.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*AuditState, error) {
	state := &AuditState{
		AuditID:     req.AuditID,
		URL:         req.URL,
		SiteType:    "generic",
		Tier:        NormalizeTier(string(req.Tier)),
		VerdictMode: req.VerdictMode,
		StartedAt:   time.Now(),
		TargetPages: []string{req.URL},
	}
	state.Budget = BudgetForTier(state.Tier)
	if req.Budget != nil {
		state.Budget = *req.Budget
	}
	if req.URL == "" {
		err := &ConfigError{Reason: "audit url is required"}
		o.emit(ctx, state, Event{Type: EventAuditError, Payload: map[string]any{"error": err.Error()}})
		return state, err
	}

	for {
		state.Iteration++

		o.runScout(ctx, state, req)
		if !o.budgetExhausted(state) {
			o.runVisionAndGraph(ctx, state, req)
		}

		decision, err := o.runJudge(ctx, state)
		if err != nil {
			o.emit(ctx, state, Event{Type: EventAuditError, Payload: map[string]any{"error": err.Error()}})
			return state, err
		}
		state.Decision = decision
		if decision == DecisionRenderVerdict {
			break
		}
	}

	o.emit(ctx, state, Event{Type: EventAuditComplete, Payload: map[string]any{
		"final_score":       state.Score.FinalScore,
		"risk_level":        state.Score.RiskLevel,
		"confidence":        state.Score.Confidence,
		"iterations":        state.Iteration,
		"degraded_stages":   len(state.Degradations),
		"overrides_applied": state.Score.OverridesApplied,
	}})
	return state, nil
}

func (o *Orchestrator) runScout(ctx context.Context, state *AuditState, req Request) {
	o.stageStarted(ctx, state, StageScout)
	target := state.URL
	if n := len(state.TargetPages); n > 0 {
		target = state.TargetPages[n-1]
	}
	complexity := state.LatestComplexity().Composite

	scout, degraded := resilience.Execute(ctx, o.guard, StageScout, complexity,
		func(callCtx context.Context) (ScoutResult, error) {
			return o.agents.Scout.Scout(callCtx, target, req.Viewport)
		},
		func(error) (ScoutResult, resilience.DegradedResult) {
			return fallbackScout(target)
		},
	)
	state.Evidence.Scout = &scout
	o.absorb(state, StageScout, degraded)
	state.SiteType = NormalizeSiteType(scout.SiteTypeHint, o.profiles)
	state.TargetPages = appendUnique(state.TargetPages, scout.DiscoveredPages)
	o.refreshComplexity(state)
	o.stageCompleted(ctx, state, StageScout, degraded, map[string]any{
		"site_type":        state.SiteType,
		"screenshots":      len(scout.ScreenshotPaths),
		"discovered_pages": len(scout.DiscoveredPages),
	})
}

// VISION and GRAPH are independent once scout evidence exists; they run
// concurrently and JUDGE strictly waits on both.
func (o *Orchestrator) runVisionAndGraph(ctx context.Context, state *AuditState, req Request) {
	scout := state.Evidence.Scout
	complexity := state.LatestComplexity().Composite

	o.stageStarted(ctx, state, StageVision)
	o.stageStarted(ctx, state, StageGraph)

	var (
		vision    VisionResult
		graph     GraphResult
		visionDeg *resilience.DegradedResult
		graphDeg  *resilience.DegradedResult
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		vision, visionDeg = resilience.Execute(groupCtx, o.guard, StageVision, complexity,
			func(callCtx context.Context) (VisionResult, error) {
				return o.agents.Vision.Vision(callCtx, scout.ScreenshotPaths, req.TaxonomySubset)
			},
			func(error) (VisionResult, resilience.DegradedResult) {
				return fallbackVision()
			},
		)
		return nil
	})
	group.Go(func() error {
		graph, graphDeg = resilience.Execute(groupCtx, o.guard, StageGraph, complexity,
			func(callCtx context.Context) (GraphResult, error) {
				return o.agents.Graph.Investigate(callCtx, scout.VerifiedEntityHints(), domainOf(state.URL))
			},
			func(error) (GraphResult, resilience.DegradedResult) {
				return fallbackGraph()
			},
		)
		return nil
	})
	// Stage closures degrade instead of erroring, so Wait never fails.
	_ = group.Wait()

	state.Evidence.Vision = &vision
	state.Evidence.Graph = &graph
	o.absorb(state, StageVision, visionDeg)
	o.absorb(state, StageGraph, graphDeg)
	o.recordClaims(&graph)
	o.refreshComplexity(state)

	o.stageCompleted(ctx, state, StageVision, visionDeg, map[string]any{
		"findings":     len(vision.Findings),
		"visual_score": vision.VisualScore,
	})
	o.stageCompleted(ctx, state, StageGraph, graphDeg, map[string]any{
		"verified_entities": len(graph.VerifiedEntities),
		"inconsistencies":   len(graph.Inconsistencies),
		"graph_score":       graph.GraphScore,
	})
}

func (o *Orchestrator) runJudge(ctx context.Context, state *AuditState) (string, error) {
	o.stageStarted(ctx, state, StageJudge)

	signals := deriveSignals(state, o.reputation)
	stops := deriveHardStops(state, signals)
	score, err := o.scorer.Score(signals, state.SiteType, stops, state.PenaltySum)
	if err != nil {
		return "", err
	}
	state.Score = &score

	complexity := state.LatestComplexity().Composite
	outcome, degraded := resilience.Execute(ctx, o.guard, StageJudge, complexity,
		func(callCtx context.Context) (JudgeOutcome, error) {
			return o.agents.Judge.Judge(callCtx, state.Evidence, score)
		},
		func(error) (JudgeOutcome, resilience.DegradedResult) {
			return fallbackJudge(score)
		},
	)
	o.absorb(state, StageJudge, degraded)
	state.Narrative = outcome.Narrative

	// A degraded judge raised PenaltySum after scoring; fold it back in so
	// the verdict reflects every penalty accumulated this iteration.
	if degraded != nil {
		rescored, rescoreErr := o.scorer.Score(signals, state.SiteType, stops, state.PenaltySum)
		if rescoreErr == nil {
			state.Score = &rescored
			score = rescored
		}
	}

	// Another pass happens when either the score confidence is below the
	// threshold or the judge itself asked for more evidence, and only while
	// the budget allows it.
	wantsMore := score.Confidence < o.threshold || outcome.Decision == DecisionMoreInvestigation
	decision := DecisionRenderVerdict
	if wantsMore && o.budgetAllowsAnotherPass(state) {
		decision = DecisionMoreInvestigation
	}
	o.stageCompleted(ctx, state, StageJudge, degraded, map[string]any{
		"final_score": score.FinalScore,
		"risk_level":  score.RiskLevel,
		"confidence":  score.Confidence,
		"decision":    decision,
	})
	return decision, nil
}

// absorb books a stage result into the audit state: degradation penalties
// accumulate, and any call that actually reached the agent counts against
// the external-call budget (breaker short-circuits cost nothing).
func (o *Orchestrator) absorb(state *AuditState, stage string, degraded *resilience.DegradedResult) {
	if degraded == nil {
		state.ExternalCalls++
		return
	}
	if !degraded.ShortCircuited {
		state.ExternalCalls++
	}
	state.recordDegradation(stage, DegradationRecord{
		Mode:           string(degraded.Mode),
		MissingData:    degraded.MissingData,
		QualityPenalty: degraded.QualityPenalty,
		Cause:          degraded.Cause,
	})
	slog.Warn("audit stage degraded",
		"audit_id", state.AuditID,
		"stage", stage,
		"mode", degraded.Mode,
		"penalty", degraded.QualityPenalty,
		"cause", degraded.Cause,
	)
}

func (o *Orchestrator) refreshComplexity(state *AuditState) {
	metrics := AnalyzeComplexity(state.Evidence.Scout, state.Evidence.Vision, state.Evidence.Security)
	state.Complexity = append(state.Complexity, metrics)
}

// recordClaims registers each verification source's verdict with the
// reputation manager. Outcomes are scored later, when ground truth arrives
// through the feedback surface.
func (o *Orchestrator) recordClaims(graph *GraphResult) {
	for _, claim := range graph.SourceClaims {
		o.reputation.RecordPrediction(claim.Source, claim.Verdict, claim.Confidence)
	}
}

func (o *Orchestrator) budgetExhausted(state *AuditState) bool {
	budget := state.Budget
	if budget.MaxElapsed > 0 && time.Since(state.StartedAt) >= budget.MaxElapsed {
		return true
	}
	if budget.MaxExternalCalls > 0 && state.ExternalCalls >= budget.MaxExternalCalls {
		return true
	}
	return false
}

func (o *Orchestrator) budgetAllowsAnotherPass(state *AuditState) bool {
	if state.Iteration >= state.Budget.MaxIterations {
		return false
	}
	return !o.budgetExhausted(state)
}

func (o *Orchestrator) stageStarted(ctx context.Context, state *AuditState, stage string) {
	pending := pendingAfter(stage)
	remaining := o.guard.Timeouts().EstimateRemaining(pending, state.LatestComplexity().Composite, o.guard.Strategy())
	o.emit(ctx, state, Event{Type: EventStageStarted, Stage: stage, Payload: map[string]any{
		"iteration":              state.Iteration,
		"estimated_remaining_ms": remaining.Milliseconds(),
	}})
}

func (o *Orchestrator) stageCompleted(ctx context.Context, state *AuditState, stage string, degraded *resilience.DegradedResult, summary map[string]any) {
	payload := map[string]any{
		"iteration": state.Iteration,
		"degraded":  degraded != nil,
	}
	if degraded != nil {
		payload["fallback_mode"] = degraded.Mode
		payload["quality_penalty"] = degraded.QualityPenalty
	}
	for key, value := range summary {
		payload[key] = value
	}
	o.emit(ctx, state, Event{Type: EventStageCompleted, Stage: stage, Payload: payload})
}

func (o *Orchestrator) emit(ctx context.Context, state *AuditState, event Event) {
	event.AuditID = state.AuditID
	event.Timestamp = time.Now()
	if err := o.sink(ctx, event); err != nil {
		slog.Warn("event sink rejected event", "audit_id", state.AuditID, "type", event.Type, "error", err)
	}
}

func pendingAfter(stage string) []string {
	switch stage {
	case StageScout:
		return []string{StageVision, StageGraph, StageJudge}
	case StageVision, StageGraph:
		return []string{StageJudge}
	default:
		return nil
	}
}

func appendUnique(existing []string, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range extra {
		if _, dup := seen[item]; dup || item == "" {
			continue
		}
		seen[item] = struct{}{}
		existing = append(existing, item)
	}
	return existing
}

func domainOf(rawURL string) string {
	trimmed := rawURL
	for _, prefix := range []string{"https://", "http://"} {
		if len(trimmed) > len(prefix) && trimmed[:len(prefix)] == prefix {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' || trimmed[i] == '?' || trimmed[i] == ':' {
			return trimmed[:i]
		}
	}
	return trimmed
}

// VerifiedEntityHints lists the entities the graph investigator should
// verify, extracted from scout metadata.
func (r *ScoutResult) VerifiedEntityHints() []string {
	if r == nil {
		return nil
	}
	hints := []string{}
	if r.Metadata.Title != "" {
		hints = append(hints, r.Metadata.Title)
	}
	if r.Metadata.FinalURL != "" && r.Metadata.FinalURL != r.URL {
		hints = append(hints, domainOf(r.Metadata.FinalURL))
	}
	if len(hints) == 0 {
		hints = append(hints, domainOf(r.URL))
	}
	return hints
}
