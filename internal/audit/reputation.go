package audit

import (
	"math"
	"sync"
	"time"
)

const (
	recentPredictionCap = 100
	recentWindow        = 30 * 24 * time.Hour
)

// SourceReputation accumulates prediction accuracy for one external
// verification source. It is the only long-lived learning state in the
// system and persists across audits for the life of the process.
type SourceReputation struct {
	Source         string       `json:"source"`
	Total          int          `json:"total"`
	Correct        int          `json:"correct"`
	FalsePositives int          `json:"false_positives"`
	FalseNegatives int          `json:"false_negatives"`
	Recent         []Prediction `json:"recent"`
}

type Prediction struct {
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
	Scored     bool      `json:"scored"`
	Correct    bool      `json:"correct"`
}

// ReputationManager is a process-wide shared service; all access is
// mutex-guarded because concurrent audits record into it.
type ReputationManager struct {
	mu      sync.Mutex
	sources map[string]*SourceReputation
	now     func() time.Time
}

func NewReputationManager() *ReputationManager {
	return &ReputationManager{
		sources: map[string]*SourceReputation{},
		now:     time.Now,
	}
}

// RecordPrediction registers a source's verdict and returns the prediction
// index used later to score it against the actual outcome.
func (m *ReputationManager) RecordPrediction(source string, verdict Verdict, confidence float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.sourceLocked(source)
	rep.Recent = append(rep.Recent, Prediction{
		Verdict:    verdict,
		Confidence: clampFloat(confidence, 0, 1),
		At:         m.now(),
	})
	if len(rep.Recent) > recentPredictionCap {
		rep.Recent = rep.Recent[len(rep.Recent)-recentPredictionCap:]
	}
	return len(rep.Recent) - 1
}

// RecordActual scores a previous prediction against the confirmed verdict.
// An exact match is correct; a SUSPICIOUS prediction also counts as correct
// when the actual verdict landed on either side (MALICIOUS or SAFE). That
// partial-credit tie-break is deliberate: a hedged source is not punished
// for hedging.
func (m *ReputationManager) RecordActual(source string, predictionIndex int, actual Verdict) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.sourceLocked(source)
	if predictionIndex < 0 || predictionIndex >= len(rep.Recent) {
		return false
	}
	pred := &rep.Recent[predictionIndex]
	if pred.Scored {
		return pred.Correct
	}
	correct := pred.Verdict == actual
	if pred.Verdict == VerdictSuspicious && (actual == VerdictMalicious || actual == VerdictSafe) {
		correct = true
	}
	pred.Scored = true
	pred.Correct = correct

	rep.Total++
	if correct {
		rep.Correct++
	}
	if pred.Verdict == VerdictMalicious && actual == VerdictSafe {
		rep.FalsePositives++
	}
	if pred.Verdict == VerdictSafe && actual == VerdictMalicious {
		rep.FalseNegatives++
	}
	return correct
}

// WeightedReputation blends lifetime accuracy, 30-day recency and a
// false-negative penalty into [0, 1]. Sources with no history sit at the
// neutral 0.5 baseline instead of erroring.
func (m *ReputationManager) WeightedReputation(source string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weightedReputationLocked(m.sourceLocked(source))
}

func (m *ReputationManager) weightedReputationLocked(rep *SourceReputation) float64 {
	accuracy := 0.5
	if rep.Total > 0 {
		accuracy = float64(rep.Correct) / float64(rep.Total)
	}
	recentFactor := math.Min(1, m.recentAccuracyLocked(rep)/(accuracy+0.01))
	fnRate := 0.0
	if rep.Total > 0 {
		fnRate = float64(rep.FalseNegatives) / float64(rep.Total)
	}
	fnPenalty := 1 - math.Min(1, fnRate*3)
	return clampFloat(0.6*accuracy+0.2*recentFactor+0.2*fnPenalty, 0, 1)
}

func (m *ReputationManager) recentAccuracyLocked(rep *SourceReputation) float64 {
	cutoff := m.now().Add(-recentWindow)
	scored := 0
	correct := 0
	for _, pred := range rep.Recent {
		if !pred.Scored || pred.At.Before(cutoff) {
			continue
		}
		scored++
		if pred.Correct {
			correct++
		}
	}
	if scored == 0 {
		return 0.5
	}
	return float64(correct) / float64(scored)
}

// ConsensusWeight is the reputation-adjusted influence this source has on
// graph-derived signals: weighted reputation times a volume bonus.
func (m *ReputationManager) ConsensusWeight(source string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.sourceLocked(source)
	return m.weightedReputationLocked(rep) * volumeBonus(rep.Total)
}

func volumeBonus(total int) float64 {
	switch {
	case total >= 100:
		return 1.2
	case total >= 50:
		return 1.1
	case total >= 20:
		return 1.05
	default:
		return 1.0
	}
}

// ConfidenceThreshold returns the minimum claim confidence required before
// this source's verdicts participate in consensus. Better reputation means
// lower-confidence claims are still trusted.
func (m *ReputationManager) ConfidenceThreshold(source string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	reputation := m.weightedReputationLocked(m.sourceLocked(source))
	switch {
	case reputation >= 0.8:
		return 0.3
	case reputation >= 0.6:
		return 0.4
	case reputation >= 0.4:
		return 0.5
	default:
		return 0.7
	}
}

func (m *ReputationManager) sourceLocked(source string) *SourceReputation {
	rep, ok := m.sources[source]
	if !ok {
		rep = &SourceReputation{Source: source}
		m.sources[source] = rep
	}
	return rep
}

// Snapshot copies the current reputation table, for optional persistence by
// an outer collaborator.
func (m *ReputationManager) Snapshot() []SourceReputation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceReputation, 0, len(m.sources))
	for _, rep := range m.sources {
		cp := *rep
		cp.Recent = append([]Prediction(nil), rep.Recent...)
		out = append(out, cp)
	}
	return out
}

// Restore loads a previously persisted reputation table, replacing any
// in-memory state for the restored sources.
func (m *ReputationManager) Restore(snapshots []SourceReputation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snapshots {
		cp := snap
		cp.Recent = append([]Prediction(nil), snap.Recent...)
		if len(cp.Recent) > recentPredictionCap {
			cp.Recent = cp.Recent[len(cp.Recent)-recentPredictionCap:]
		}
		m.sources[snap.Source] = &cp
	}
}
