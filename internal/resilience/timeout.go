package resilience

import (
	"sync"
	"time"
)

type TimeoutStrategy string

const (
	StrategyFast         TimeoutStrategy = "FAST"
	StrategyStandard     TimeoutStrategy = "STANDARD"
	StrategyConservative TimeoutStrategy = "CONSERVATIVE"
	StrategyAdaptive     TimeoutStrategy = "ADAPTIVE"
)

const (
	historyCapacity    = 10
	adaptiveMinSamples = 3
	adaptiveBuffer     = 1.2
)

// TimeoutConfig holds the per-agent base budgets the complexity tiers
// multiply against.
type TimeoutConfig struct {
	BaseBudgets map[string]time.Duration
	Default     time.Duration
}

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	if c.Default <= 0 {
		c.Default = 30 * time.Second
	}
	if c.BaseBudgets == nil {
		c.BaseBudgets = map[string]time.Duration{}
	}
	return c
}

// TimeoutManager budgets a deadline for every agent call. The fixed
// strategies map complexity tiers to multiples of the agent's base budget;
// ADAPTIVE uses the rolling mean of the agent's last ten executions with a
// 20% safety buffer once enough samples exist.
type TimeoutManager struct {
	mu      sync.Mutex
	cfg     TimeoutConfig
	history map[string][]time.Duration
}

func NewTimeoutManager(cfg TimeoutConfig) *TimeoutManager {
	return &TimeoutManager{
		cfg:     cfg.withDefaults(),
		history: map[string][]time.Duration{},
	}
}

// DeadlineFor returns the time budget for the named agent given the current
// composite complexity score.
func (m *TimeoutManager) DeadlineFor(agent string, complexity float64, strategy TimeoutStrategy) time.Duration {
	base := m.baseBudget(agent)
	switch strategy {
	case StrategyFast:
		return scaleByTier(base, complexity, 0.5, 0.75, 1.0)
	case StrategyConservative:
		return scaleByTier(base, complexity, 2.0, 3.0, 4.0)
	case StrategyAdaptive:
		if mean, ok := m.historicalMean(agent); ok {
			return time.Duration(float64(mean) * adaptiveBuffer)
		}
		return scaleByTier(base, complexity, 1.0, 1.5, 2.0)
	default: // STANDARD
		return scaleByTier(base, complexity, 1.0, 1.5, 2.0)
	}
}

// Record appends an observed execution duration to the agent's rolling
// history, evicting the oldest entry past capacity. Failures are recorded
// too: a slow failure is still evidence about how long the agent takes.
func (m *TimeoutManager) Record(agent string, elapsed time.Duration) {
	if elapsed < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history := append(m.history[agent], elapsed)
	if len(history) > historyCapacity {
		history = history[len(history)-historyCapacity:]
	}
	m.history[agent] = history
}

// EstimateRemaining sums the current deadlines of the pending agents, for
// progress reporting to the outer layers.
func (m *TimeoutManager) EstimateRemaining(pending []string, complexity float64, strategy TimeoutStrategy) time.Duration {
	total := time.Duration(0)
	for _, agent := range pending {
		total += m.DeadlineFor(agent, complexity, strategy)
	}
	return total
}

// History returns a copy of the rolling window for one agent.
func (m *TimeoutManager) History(agent string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.history[agent]...)
}

func (m *TimeoutManager) historicalMean(agent string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.history[agent]
	if len(history) < adaptiveMinSamples {
		return 0, false
	}
	var total time.Duration
	for _, d := range history {
		total += d
	}
	return total / time.Duration(len(history)), true
}

func (m *TimeoutManager) baseBudget(agent string) time.Duration {
	if budget, ok := m.cfg.BaseBudgets[agent]; ok && budget > 0 {
		return budget
	}
	return m.cfg.Default
}

// Complexity tiers: below 1/3 is simple, below 2/3 is moderate, the rest is
// complex.
func scaleByTier(base time.Duration, complexity, low, mid, high float64) time.Duration {
	switch {
	case complexity < 1.0/3.0:
		return time.Duration(float64(base) * low)
	case complexity < 2.0/3.0:
		return time.Duration(float64(base) * mid)
	default:
		return time.Duration(float64(base) * high)
	}
}
