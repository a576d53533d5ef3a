package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(
		NewBreakerSet(BreakerConfig{}),
		NewTimeoutManager(TimeoutConfig{Default: time.Second}),
		StrategyStandard,
	)
}

func TestExecuteReturnsValueOnSuccess(t *testing.T) {
	m := newTestManager()
	value, degraded := Execute(context.Background(), m, "scout", 0.5,
		func(context.Context) (string, error) { return "evidence", nil },
		func(error) (string, DegradedResult) { return "fallback", DegradedResult{} },
	)
	if degraded != nil {
		t.Fatalf("success should not degrade: %+v", degraded)
	}
	if value != "evidence" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestExecuteFallsBackOnError(t *testing.T) {
	m := newTestManager()
	value, degraded := Execute(context.Background(), m, "vision", 0.5,
		func(context.Context) (string, error) { return "", errors.New("model unavailable") },
		func(cause error) (string, DegradedResult) {
			return "heuristic", DegradedResult{
				Mode:           FallbackAlternative,
				MissingData:    []string{"visual_findings"},
				QualityPenalty: 0.4,
			}
		},
	)
	if value != "heuristic" {
		t.Fatalf("fallback payload lost: %q", value)
	}
	if degraded == nil {
		t.Fatalf("expected a degradation record")
	}
	if degraded.Dependency != "vision" || degraded.Mode != FallbackAlternative {
		t.Fatalf("unexpected degradation: %+v", degraded)
	}
	if degraded.Cause != "model unavailable" {
		t.Fatalf("cause not captured: %q", degraded.Cause)
	}
	if degraded.ShortCircuited {
		t.Fatalf("a real call must not be flagged short-circuited")
	}
}

func TestExecuteClampsQualityPenalty(t *testing.T) {
	m := newTestManager()
	run := func(penalty float64) float64 {
		_, degraded := Execute(context.Background(), m, "graph", 0.5,
			func(context.Context) (int, error) { return 0, errors.New("boom") },
			func(error) (int, DegradedResult) {
				return 1, DegradedResult{Mode: FallbackCached, QualityPenalty: penalty}
			},
		)
		return degraded.QualityPenalty
	}
	if got := run(0.01); got != 0.2 {
		t.Fatalf("penalty should clamp up to 0.2, got %.2f", got)
	}
	if got := run(0.99); got != 0.7 {
		t.Fatalf("penalty should clamp down to 0.7, got %.2f", got)
	}
}

func TestExecuteDefaultsFallbackMode(t *testing.T) {
	m := newTestManager()
	_, degraded := Execute(context.Background(), m, "judge", 0.5,
		func(context.Context) (int, error) { return 0, errors.New("boom") },
		func(error) (int, DegradedResult) { return 1, DegradedResult{} },
	)
	if degraded.Mode != FallbackSimplified {
		t.Fatalf("unset mode should default to SIMPLIFIED, got %s", degraded.Mode)
	}
	if degraded.MissingData == nil {
		t.Fatalf("missing data should never be nil")
	}
}

func TestExecuteMarksBreakerShortCircuit(t *testing.T) {
	m := newTestManager()
	boom := func(context.Context) (int, error) { return 0, errors.New("down") }
	fallback := func(error) (int, DegradedResult) {
		return 1, DegradedResult{Mode: FallbackCached, QualityPenalty: 0.3}
	}
	for i := 0; i < 3; i++ {
		Execute(context.Background(), m, "graph", 0.5, boom, fallback)
	}

	invoked := false
	_, degraded := Execute(context.Background(), m, "graph", 0.5,
		func(context.Context) (int, error) {
			invoked = true
			return 42, nil
		}, fallback)
	if invoked {
		t.Fatalf("operation must not run against an open breaker")
	}
	if degraded == nil || !degraded.ShortCircuited {
		t.Fatalf("expected a short-circuit degradation, got %+v", degraded)
	}
}

func TestExecuteCancelsHungOperation(t *testing.T) {
	m := NewManager(
		NewBreakerSet(BreakerConfig{}),
		NewTimeoutManager(TimeoutConfig{Default: 20 * time.Millisecond}),
		StrategyStandard,
	)
	_, degraded := Execute(context.Background(), m, "scout", 0.1,
		func(ctx context.Context) (int, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(5 * time.Second):
				return 1, nil
			}
		},
		func(error) (int, DegradedResult) {
			return 0, DegradedResult{Mode: FallbackSimplified, QualityPenalty: 0.3}
		},
	)
	if degraded == nil {
		t.Fatalf("deadline expiry should degrade")
	}
	if degraded.Elapsed >= time.Second {
		t.Fatalf("hung operation should be abandoned quickly, took %s", degraded.Elapsed)
	}
}
