package audit

import (
	"context"
	"fmt"
)

// Stage/dependency names. They key the circuit breakers, timeout histories
// and fallback selection, so they must stay stable.
const (
	StageScout  = "scout"
	StageVision = "vision"
	StageGraph  = "graph"
	StageJudge  = "judge"
)

// The agents are external collaborators with fixed contracts. Each call is
// context-bounded; on deadline expiry the operation is cancelled and the
// failure feeds the degradation layer.
type ScoutAgent interface {
	Scout(ctx context.Context, url string, opts ViewportOptions) (ScoutResult, error)
}

type VisionAgent interface {
	Vision(ctx context.Context, screenshotPaths []string, taxonomySubset []string) (VisionResult, error)
}

type GraphAgent interface {
	Investigate(ctx context.Context, entities []string, domain string) (GraphResult, error)
}

type JudgeAgent interface {
	Judge(ctx context.Context, evidence Evidence, score TrustScoreResult) (JudgeOutcome, error)
}

type Agents struct {
	Scout  ScoutAgent
	Vision VisionAgent
	Graph  GraphAgent
	Judge  JudgeAgent
}

func (a Agents) validate() error {
	if a.Scout == nil || a.Vision == nil || a.Graph == nil || a.Judge == nil {
		return &ConfigError{Reason: "all four agents (scout, vision, graph, judge) must be configured"}
	}
	return nil
}

// AgentFailure is the recoverable failure class: it is absorbed at the
// stage boundary by the breaker + degradation layer and never propagates
// past the orchestrator.
type AgentFailure struct {
	Agent string
	Kind  string // "timeout", "error", "malformed"
	Err   error
}

func (f *AgentFailure) Error() string {
	return fmt.Sprintf("%s agent failure (%s): %v", f.Agent, f.Kind, f.Err)
}

func (f *AgentFailure) Unwrap() error {
	return f.Err
}
