package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// KeyLease hands one verification-provider key to a single audit for the
// duration of its graph investigations. Leases must be committed or
// rejected so the pool can track concurrent use.
type KeyLease struct {
	Label    string
	Provider string
	APIKey   string
	keyRef   *verificationKeyState
}

// KeyPool shares a fixed set of external verification keys (WHOIS,
// registry, web search) across concurrent audits, enforcing per-key daily
// call quotas and a one-minute request rate window.
type KeyPool struct {
	mu   sync.Mutex
	keys []*verificationKeyState
}

type verificationKeyState struct {
	Config          VerificationKeyConfig
	DayKey          string
	CallsToday      int
	RequestsLastMin []time.Time
	ActiveAudits    int
}

func NewKeyPool(cfg ServerConfig) *KeyPool {
	pool := &KeyPool{keys: []*verificationKeyState{}}
	for _, key := range cfg.Keys.VerificationKeys {
		item := key
		if strings.TrimSpace(item.APIKey) == "" {
			continue
		}
		if strings.TrimSpace(item.Label) == "" {
			item.Label = fmt.Sprintf("key-%d", len(pool.keys)+1)
		}
		if strings.TrimSpace(item.Provider) == "" {
			item.Provider = "generic"
		}
		if item.DailyCallLimit <= 0 {
			item.DailyCallLimit = 500
		}
		if item.RPM <= 0 {
			item.RPM = 30
		}
		pool.keys = append(pool.keys, &verificationKeyState{Config: item})
	}
	return pool
}

// Empty reports whether no keys are configured at all; callers fall back to
// keyless investigation rather than failing the audit.
func (p *KeyPool) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys) == 0
}

// Acquire leases the key with the most remaining daily quota that can cover
// the estimated call count. Ties break toward the key with fewer active
// audits.
func (p *KeyPool) Acquire(estimatedCalls int) (KeyLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return KeyLease{}, errors.New("no verification keys configured")
	}
	if estimatedCalls < 1 {
		estimatedCalls = 1
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	candidates := make([]*verificationKeyState, 0, len(p.keys))
	for _, key := range p.keys {
		p.rollWindow(key, now, dayKey)
		remaining := key.Config.DailyCallLimit - key.CallsToday
		if remaining < estimatedCalls {
			continue
		}
		if len(key.RequestsLastMin) >= key.Config.RPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all verification keys are quota or rate limited")
	}
	sort.Slice(candidates, func(i, j int) bool {
		leftRemain := candidates[i].Config.DailyCallLimit - candidates[i].CallsToday
		rightRemain := candidates[j].Config.DailyCallLimit - candidates[j].CallsToday
		if leftRemain == rightRemain {
			return candidates[i].ActiveAudits < candidates[j].ActiveAudits
		}
		return leftRemain > rightRemain
	})
	selected := candidates[0]
	selected.ActiveAudits++
	selected.RequestsLastMin = append(selected.RequestsLastMin, now)
	return KeyLease{
		Label:    selected.Config.Label,
		Provider: selected.Config.Provider,
		APIKey:   selected.Config.APIKey,
		keyRef:   selected,
	}, nil
}

// Commit records the calls the audit actually made and releases the lease.
func (p *KeyPool) Commit(lease KeyLease, usage KeyUsageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	p.rollWindow(lease.keyRef, now, dayKey)
	if usage.ExternalCalls > 0 {
		lease.keyRef.CallsToday += usage.ExternalCalls
	}
	if lease.keyRef.ActiveAudits > 0 {
		lease.keyRef.ActiveAudits--
	}
}

// Reject releases the lease without charging any calls against the quota.
func (p *KeyPool) Reject(lease KeyLease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.ActiveAudits > 0 {
		lease.keyRef.ActiveAudits--
	}
}

func (p *KeyPool) rollWindow(state *verificationKeyState, now time.Time, dayKey string) {
	if state.DayKey != dayKey {
		state.DayKey = dayKey
		state.CallsToday = 0
		state.RequestsLastMin = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.RequestsLastMin = filterRecentTime(state.RequestsLastMin, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
