package resilience

import (
	"testing"
	"time"
)

func TestDeadlineTiersScaleBaseBudget(t *testing.T) {
	m := NewTimeoutManager(TimeoutConfig{
		BaseBudgets: map[string]time.Duration{"scout": 20 * time.Second},
	})

	cases := []struct {
		name       string
		strategy   TimeoutStrategy
		complexity float64
		want       time.Duration
	}{
		{"fast simple", StrategyFast, 0.1, 10 * time.Second},
		{"fast moderate", StrategyFast, 0.5, 15 * time.Second},
		{"fast complex", StrategyFast, 0.9, 20 * time.Second},
		{"standard simple", StrategyStandard, 0.1, 20 * time.Second},
		{"standard complex", StrategyStandard, 0.9, 40 * time.Second},
		{"conservative moderate", StrategyConservative, 0.5, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := m.DeadlineFor("scout", tc.complexity, tc.strategy); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestDeadlineFallsBackToDefaultBudget(t *testing.T) {
	m := NewTimeoutManager(TimeoutConfig{})
	if got := m.DeadlineFor("judge", 0.1, StrategyStandard); got != 30*time.Second {
		t.Fatalf("expected the 30s default budget, got %s", got)
	}
}

func TestAdaptiveUsesTierScalingUntilEnoughSamples(t *testing.T) {
	m := NewTimeoutManager(TimeoutConfig{
		BaseBudgets: map[string]time.Duration{"vision": 10 * time.Second},
	})
	m.Record("vision", 2*time.Second)
	m.Record("vision", 4*time.Second)
	if got := m.DeadlineFor("vision", 0.1, StrategyAdaptive); got != 10*time.Second {
		t.Fatalf("with 2 samples adaptive should use tier scaling, got %s", got)
	}

	m.Record("vision", 6*time.Second)
	// mean 4s × 1.2 buffer
	if got := m.DeadlineFor("vision", 0.1, StrategyAdaptive); got != 4800*time.Millisecond {
		t.Fatalf("expected 4.8s adaptive deadline, got %s", got)
	}
}

func TestHistoryEvictsOldestPastCapacity(t *testing.T) {
	m := NewTimeoutManager(TimeoutConfig{})
	for i := 1; i <= 12; i++ {
		m.Record("graph", time.Duration(i)*time.Second)
	}
	history := m.History("graph")
	if len(history) != 10 {
		t.Fatalf("expected 10 retained samples, got %d", len(history))
	}
	if history[0] != 3*time.Second || history[9] != 12*time.Second {
		t.Fatalf("expected the oldest samples evicted, got %v", history)
	}
}

func TestEstimateRemainingSumsPendingAgents(t *testing.T) {
	m := NewTimeoutManager(TimeoutConfig{
		BaseBudgets: map[string]time.Duration{
			"vision": 10 * time.Second,
			"judge":  20 * time.Second,
		},
	})
	got := m.EstimateRemaining([]string{"vision", "judge"}, 0.1, StrategyStandard)
	if got != 30*time.Second {
		t.Fatalf("expected 30s remaining, got %s", got)
	}
}
