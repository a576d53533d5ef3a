// Package resilience isolates failures of the external audit agents:
// per-dependency circuit breakers, adaptive deadlines and guaranteed
// fallback results so a failing agent never kills the audit.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// ErrOpen is returned when a call short-circuits without invoking the
// wrapped operation.
var ErrOpen = errors.New("circuit breaker open")

type BreakerConfig struct {
	FailureThreshold int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	// OnOpen is notified on every CLOSED→OPEN and HALF_OPEN→OPEN
	// transition. Called with the breaker lock held; it must not call back
	// into the breaker.
	OnOpen func(dependency string)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Breaker is a long-lived per-dependency failure isolation state machine.
// Transitions only along CLOSED→OPEN→HALF_OPEN→{CLOSED|OPEN}; there is no
// terminal state. One breaker exists per dependency name for the whole
// process, intentionally shared across audits.
type Breaker struct {
	mu            sync.Mutex
	name          string
	cfg           BreakerConfig
	state         BreakerState
	failures      int
	lastFailure   time.Time
	backoff       time.Duration
	reopenAt      time.Time
	trialInFlight bool
	now           func() time.Time
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		backoff: cfg.BaseBackoff,
		now:     time.Now,
	}
}

// Call executes op under the breaker discipline. While OPEN and before the
// scheduled recovery time it returns ErrOpen immediately, without invoking
// op (no browser or network cost). At the recovery time the next caller
// gets exactly one HALF_OPEN trial; success closes the circuit and resets
// the backoff, failure reopens it with the backoff doubled up to the cap.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.reopenAt) {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		slog.Info("circuit breaker half-open trial", "dependency", b.name)
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			// Exactly one trial call is admitted per half-open window.
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state == StateHalfOpen {
			slog.Info("circuit breaker recovered", "dependency", b.name)
		}
		b.state = StateClosed
		b.failures = 0
		b.backoff = b.cfg.BaseBackoff
		b.trialInFlight = false
		return
	}

	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.open(true)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open(false)
		}
	}
}

// open schedules recovery at now+backoff. advance doubles the backoff
// first, so every OPEN cycle entered from a failed half-open trial waits
// strictly longer than the previous one (up to the cap); the first trip
// from CLOSED waits the base interval.
func (b *Breaker) open(advance bool) {
	if advance {
		b.backoff *= 2
		if b.backoff > b.cfg.MaxBackoff {
			b.backoff = b.cfg.MaxBackoff
		}
	}
	b.state = StateOpen
	b.reopenAt = b.now().Add(b.backoff)
	slog.Warn("circuit breaker opened",
		"dependency", b.name,
		"failures", b.failures,
		"backoff", b.backoff.String(),
	)
	if b.cfg.OnOpen != nil {
		b.cfg.OnOpen(b.name)
	}
}

// State reports the current state without advancing the machine.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSnapshot is the persistable view of one breaker, for the optional
// external store.
type BreakerSnapshot struct {
	Name        string       `json:"name"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
	Backoff     string       `json:"backoff"`
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		Backoff:     b.backoff.String(),
	}
}

// BreakerSet owns one breaker per dependency name, created lazily and kept
// for the process lifetime.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg.withDefaults(),
		breakers: map[string]*Breaker{},
	}
}

func (s *BreakerSet) For(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	breaker, ok := s.breakers[name]
	if !ok {
		breaker = NewBreaker(name, s.cfg)
		s.breakers[name] = breaker
	}
	return breaker
}

func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(s.breakers))
	for _, breaker := range s.breakers {
		out = append(out, breaker.Snapshot())
	}
	return out
}
