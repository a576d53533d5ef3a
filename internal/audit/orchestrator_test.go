package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustaudit/internal/resilience"
)

// stubAgents implements all four agent contracts with injectable behavior.
type stubAgents struct {
	scout  func(context.Context, string, ViewportOptions) (ScoutResult, error)
	vision func(context.Context, []string, []string) (VisionResult, error)
	graph  func(context.Context, []string, string) (GraphResult, error)
	judge  func(context.Context, Evidence, TrustScoreResult) (JudgeOutcome, error)
}

func (s *stubAgents) Scout(ctx context.Context, url string, opts ViewportOptions) (ScoutResult, error) {
	return s.scout(ctx, url, opts)
}

func (s *stubAgents) Vision(ctx context.Context, paths []string, taxonomy []string) (VisionResult, error) {
	return s.vision(ctx, paths, taxonomy)
}

func (s *stubAgents) Investigate(ctx context.Context, entities []string, domain string) (GraphResult, error) {
	return s.graph(ctx, entities, domain)
}

func (s *stubAgents) Judge(ctx context.Context, evidence Evidence, score TrustScoreResult) (JudgeOutcome, error) {
	return s.judge(ctx, evidence, score)
}

func healthyStubAgents() *stubAgents {
	return &stubAgents{
		scout: func(_ context.Context, url string, _ ViewportOptions) (ScoutResult, error) {
			return ScoutResult{
				URL: url,
				Metadata: PageMetadata{
					Title:         "Example",
					FinalURL:      url,
					DOMNodeCount:  1200,
					TLSValid:      true,
					DomainAgeDays: 900,
				},
				ScreenshotPaths: []string{"s1.png"},
				SiteTypeHint:    "generic",
			}, nil
		},
		vision: func(context.Context, []string, []string) (VisionResult, error) {
			return VisionResult{Findings: []Finding{}, VisualScore: 0.9, ScreenshotCount: 1}, nil
		},
		graph: func(_ context.Context, _ []string, domain string) (GraphResult, error) {
			return GraphResult{
				VerifiedEntities: []string{domain},
				Inconsistencies:  []string{},
				GraphScore:       0.9,
			}, nil
		},
		judge: func(_ context.Context, _ Evidence, score TrustScoreResult) (JudgeOutcome, error) {
			return JudgeOutcome{Narrative: "looks legitimate", Decision: DecisionRenderVerdict}, nil
		},
	}
}

func agentsOf(s *stubAgents) Agents {
	return Agents{Scout: s, Vision: s, Graph: s, Judge: s}
}

func testGuard() *resilience.Manager {
	return resilience.NewManager(
		resilience.NewBreakerSet(resilience.BreakerConfig{}),
		resilience.NewTimeoutManager(resilience.TimeoutConfig{Default: 5 * time.Second}),
		resilience.StrategyStandard,
	)
}

type capturedEvents struct {
	events []Event
}

func (c *capturedEvents) sink(_ context.Context, event Event) error {
	c.events = append(c.events, event)
	return nil
}

func newTestOrchestrator(t *testing.T, agents Agents, captured *capturedEvents, opts Options) *Orchestrator {
	t.Helper()
	sink := EventSink(nil)
	if captured != nil {
		sink = captured.sink
	}
	o, err := NewOrchestrator(agents, testGuard(), NewScoreEngine(nil, nil), NewReputationManager(), sink, opts)
	if err != nil {
		t.Fatalf("NewOrchestrator error: %v", err)
	}
	return o
}

func TestRunHealthyAudit(t *testing.T) {
	captured := &capturedEvents{}
	o := newTestOrchestrator(t, agentsOf(healthyStubAgents()), captured, Options{})

	state, err := o.Run(context.Background(), Request{
		AuditID: "adt_1",
		URL:     "https://example.com",
		Tier:    TierQuickScan,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if state.Score == nil {
		t.Fatalf("no score on completed audit")
	}
	if state.Score.RiskLevel != RiskTrusted && state.Score.RiskLevel != RiskProbablySafe {
		t.Fatalf("healthy evidence should score safe, got %s (%d)", state.Score.RiskLevel, state.Score.FinalScore)
	}
	if len(state.Degradations) != 0 {
		t.Fatalf("no stage should degrade: %+v", state.Degradations)
	}
	if state.ExternalCalls != 4 {
		t.Fatalf("expected 4 external calls, got %d", state.ExternalCalls)
	}
	if state.Narrative != "looks legitimate" {
		t.Fatalf("judge narrative lost: %q", state.Narrative)
	}

	last := captured.events[len(captured.events)-1]
	if last.Type != EventAuditComplete {
		t.Fatalf("final event should be audit_complete, got %s", last.Type)
	}
	stages := map[string]bool{}
	for _, event := range captured.events {
		if event.Type == EventStageCompleted {
			stages[event.Stage] = true
		}
		if event.AuditID != "adt_1" {
			t.Fatalf("event missing audit id: %+v", event)
		}
	}
	for _, stage := range []string{StageScout, StageVision, StageGraph, StageJudge} {
		if !stages[stage] {
			t.Fatalf("missing stage_completed for %s", stage)
		}
	}
}

func TestRunAllAgentsFailingStillCompletes(t *testing.T) {
	failure := errors.New("agent offline")
	agents := &stubAgents{
		scout: func(context.Context, string, ViewportOptions) (ScoutResult, error) {
			return ScoutResult{}, failure
		},
		vision: func(context.Context, []string, []string) (VisionResult, error) {
			return VisionResult{}, failure
		},
		graph: func(context.Context, []string, string) (GraphResult, error) {
			return GraphResult{}, failure
		},
		judge: func(context.Context, Evidence, TrustScoreResult) (JudgeOutcome, error) {
			return JudgeOutcome{}, failure
		},
	}
	o := newTestOrchestrator(t, agentsOf(agents), nil, Options{})

	state, err := o.Run(context.Background(), Request{
		AuditID: "adt_degraded",
		URL:     "https://example.com",
		Tier:    TierQuickScan,
	})
	if err != nil {
		t.Fatalf("total agent failure must degrade, not error: %v", err)
	}
	if len(state.Degradations) != 4 {
		t.Fatalf("expected all 4 stages degraded, got %d", len(state.Degradations))
	}
	if state.Score == nil {
		t.Fatalf("degraded audit still needs a verdict")
	}
	if state.Score.FinalScore > 35 {
		t.Fatalf("fully degraded audit should score low, got %d", state.Score.FinalScore)
	}
	if state.Score.FinalScore < 5 {
		t.Fatalf("degraded floor violated: %d", state.Score.FinalScore)
	}
	if state.Narrative == "" {
		t.Fatalf("fallback judge must still produce a narrative")
	}
	if state.PenaltySum <= 0 {
		t.Fatalf("degradations should accumulate penalties")
	}
}

func TestRunEmptyURLFailsFast(t *testing.T) {
	o := newTestOrchestrator(t, agentsOf(healthyStubAgents()), nil, Options{})
	_, err := o.Run(context.Background(), Request{AuditID: "adt_bad"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError for missing url, got %v", err)
	}
}

func TestRunLowConfidenceLoopsUntilBudget(t *testing.T) {
	stubs := healthyStubAgents()
	// thin evidence keeps confidence below any realistic threshold
	stubs.scout = func(_ context.Context, url string, _ ViewportOptions) (ScoutResult, error) {
		return ScoutResult{URL: url, Metadata: PageMetadata{TLSValid: true}, SiteTypeHint: "generic"}, nil
	}
	stubs.vision = func(context.Context, []string, []string) (VisionResult, error) {
		return VisionResult{VisualScore: 0.6}, nil
	}
	o := newTestOrchestrator(t, agentsOf(stubs), nil, Options{ConfidenceThreshold: 0.95})

	state, err := o.Run(context.Background(), Request{
		AuditID: "adt_loop",
		URL:     "https://example.com",
		Budget:  &Budget{MaxIterations: 2, MaxElapsed: time.Minute, MaxExternalCalls: 50},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if state.Iteration != 2 {
		t.Fatalf("low confidence should re-investigate until the iteration budget, got %d", state.Iteration)
	}
	if state.Decision != DecisionRenderVerdict {
		t.Fatalf("budget exhaustion must force a verdict, got %s", state.Decision)
	}
}

func TestRunJudgeRequestsReinvestigation(t *testing.T) {
	stubs := healthyStubAgents()
	judgeCalls := 0
	stubs.judge = func(_ context.Context, _ Evidence, _ TrustScoreResult) (JudgeOutcome, error) {
		judgeCalls++
		if judgeCalls == 1 {
			return JudgeOutcome{Narrative: "needs deeper graph evidence", Decision: DecisionMoreInvestigation}, nil
		}
		return JudgeOutcome{Narrative: "settled", Decision: DecisionRenderVerdict}, nil
	}
	// a low threshold keeps confidence from forcing the loop by itself
	o := newTestOrchestrator(t, agentsOf(stubs), nil, Options{ConfidenceThreshold: 0.1})

	state, err := o.Run(context.Background(), Request{
		AuditID: "adt_judge_loop",
		URL:     "https://example.com",
		Budget:  &Budget{MaxIterations: 3, MaxElapsed: time.Minute, MaxExternalCalls: 50},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if state.Iteration != 2 {
		t.Fatalf("judge request for more evidence should trigger one more pass, got %d iterations", state.Iteration)
	}
	if state.Narrative != "settled" {
		t.Fatalf("final narrative should come from the last judge pass: %q", state.Narrative)
	}
	if state.Decision != DecisionRenderVerdict {
		t.Fatalf("final decision should render the verdict, got %s", state.Decision)
	}
}

func TestRunCallBudgetSkipsParallelStages(t *testing.T) {
	stubs := healthyStubAgents()
	visionCalled := false
	stubs.vision = func(context.Context, []string, []string) (VisionResult, error) {
		visionCalled = true
		return VisionResult{VisualScore: 0.9}, nil
	}
	o := newTestOrchestrator(t, agentsOf(stubs), nil, Options{})

	state, err := o.Run(context.Background(), Request{
		AuditID: "adt_budget",
		URL:     "https://example.com",
		Budget:  &Budget{MaxIterations: 1, MaxElapsed: time.Minute, MaxExternalCalls: 1},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if visionCalled {
		t.Fatalf("exhausted call budget must skip vision and graph")
	}
	if state.Evidence.Vision != nil || state.Evidence.Graph != nil {
		t.Fatalf("skipped stages must leave no evidence")
	}
	if state.Score == nil {
		t.Fatalf("verdict must still render from scout evidence alone")
	}
}

func TestRunFraudEvidenceCapsVerdict(t *testing.T) {
	stubs := healthyStubAgents()
	stubs.graph = func(context.Context, []string, string) (GraphResult, error) {
		return GraphResult{
			Inconsistencies: []string{"registrant mismatch"},
			GraphScore:      0.1,
			FraudConfirmed:  true,
		}, nil
	}
	o := newTestOrchestrator(t, agentsOf(stubs), nil, Options{})

	state, err := o.Run(context.Background(), Request{
		AuditID: "adt_fraud",
		URL:     "https://example.com",
		Tier:    TierQuickScan,
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if state.Score.FinalScore > 19 {
		t.Fatalf("confirmed fraud must cap the score at 19, got %d", state.Score.FinalScore)
	}
	found := false
	for _, rule := range state.Score.OverridesApplied {
		if rule == "critical_indicator" {
			found = true
		}
	}
	if !found {
		t.Fatalf("critical_indicator override missing: %v", state.Score.OverridesApplied)
	}
}
