package resilience

import (
	"context"
	"errors"
	"time"
)

type FallbackMode string

const (
	FallbackNone        FallbackMode = "NONE"
	FallbackSimplified  FallbackMode = "SIMPLIFIED"
	FallbackCached      FallbackMode = "CACHED"
	FallbackPartial     FallbackMode = "PARTIAL"
	FallbackAlternative FallbackMode = "ALTERNATIVE"
)

const (
	minQualityPenalty = 0.2
	maxQualityPenalty = 0.7
)

// DegradedResult describes the fallback that replaced a failed agent call.
// The payload itself travels through Execute's typed return value and is
// guaranteed non-empty by the registered fallback producer.
type DegradedResult struct {
	Dependency     string        `json:"dependency"`
	Mode           FallbackMode  `json:"mode"`
	MissingData    []string      `json:"missing_data"`
	QualityPenalty float64       `json:"quality_penalty"`
	Cause          string        `json:"cause,omitempty"`
	ShortCircuited bool          `json:"short_circuited"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Manager wires the breaker set and the timeout manager around every agent
// call. Process-wide, shared across concurrent audits.
type Manager struct {
	breakers *BreakerSet
	timeouts *TimeoutManager
	strategy TimeoutStrategy
}

func NewManager(breakers *BreakerSet, timeouts *TimeoutManager, strategy TimeoutStrategy) *Manager {
	if strategy == "" {
		strategy = StrategyAdaptive
	}
	return &Manager{
		breakers: breakers,
		timeouts: timeouts,
		strategy: strategy,
	}
}

func (m *Manager) Breakers() *BreakerSet     { return m.breakers }
func (m *Manager) Timeouts() *TimeoutManager { return m.timeouts }
func (m *Manager) Strategy() TimeoutStrategy { return m.strategy }

// Execute runs op for the named dependency under a breaker and a deadline
// derived from the current complexity score. On any failure — breaker
// short-circuit, deadline expiry or a raised error — the fallback producer
// supplies usable data and Execute reports the degradation; the caller
// never receives an absent result. Deadline expiry cancels the operation's
// context, so a hung agent is abandoned, not awaited.
func Execute[T any](
	ctx context.Context,
	m *Manager,
	dependency string,
	complexity float64,
	op func(context.Context) (T, error),
	fallback func(cause error) (T, DegradedResult),
) (T, *DegradedResult) {
	deadline := m.timeouts.DeadlineFor(dependency, complexity, m.strategy)
	start := time.Now()

	var value T
	err := m.breakers.For(dependency).Call(ctx, func(callCtx context.Context) error {
		bounded, cancel := context.WithTimeout(callCtx, deadline)
		defer cancel()
		result, opErr := op(bounded)
		if opErr == nil {
			value = result
		}
		return opErr
	})
	elapsed := time.Since(start)

	shortCircuited := errors.Is(err, ErrOpen)
	if !shortCircuited {
		// Short-circuits never ran the agent, so they carry no timing signal.
		m.timeouts.Record(dependency, elapsed)
	}
	if err == nil {
		return value, nil
	}

	value, degraded := fallback(err)
	degraded.Dependency = dependency
	degraded.Cause = err.Error()
	degraded.ShortCircuited = shortCircuited
	degraded.Elapsed = elapsed
	if degraded.Mode == "" || degraded.Mode == FallbackNone {
		degraded.Mode = FallbackSimplified
	}
	if degraded.MissingData == nil {
		degraded.MissingData = []string{}
	}
	if degraded.QualityPenalty < minQualityPenalty {
		degraded.QualityPenalty = minQualityPenalty
	}
	if degraded.QualityPenalty > maxQualityPenalty {
		degraded.QualityPenalty = maxQualityPenalty
	}
	return value, &degraded
}
