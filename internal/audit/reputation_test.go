package audit

import (
	"math"
	"testing"
	"time"
)

func TestReputationFreshSourceIsNeutral(t *testing.T) {
	m := NewReputationManager()
	got := m.WeightedReputation("whois")
	// accuracy 0.5, recent factor ~0.98, no false-negative penalty
	want := 0.6*0.5 + 0.2*math.Min(1, 0.5/0.51) + 0.2
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("fresh source reputation = %.4f, want %.4f", got, want)
	}
}

func TestRecordActualExactMatch(t *testing.T) {
	m := NewReputationManager()
	idx := m.RecordPrediction("whois", VerdictMalicious, 0.9)
	if !m.RecordActual("whois", idx, VerdictMalicious) {
		t.Fatalf("exact match should be correct")
	}
	idx = m.RecordPrediction("whois", VerdictSafe, 0.8)
	if m.RecordActual("whois", idx, VerdictMalicious) {
		t.Fatalf("SAFE against MALICIOUS is wrong")
	}

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one source, got %d", len(snap))
	}
	rep := snap[0]
	if rep.Total != 2 || rep.Correct != 1 {
		t.Fatalf("unexpected tallies: total=%d correct=%d", rep.Total, rep.Correct)
	}
	if rep.FalseNegatives != 1 {
		t.Fatalf("SAFE-for-MALICIOUS must count as a false negative, got %d", rep.FalseNegatives)
	}
}

func TestRecordActualSuspiciousPartialCredit(t *testing.T) {
	m := NewReputationManager()
	idx := m.RecordPrediction("websearch", VerdictSuspicious, 0.6)
	if !m.RecordActual("websearch", idx, VerdictMalicious) {
		t.Fatalf("SUSPICIOUS should earn credit against MALICIOUS")
	}
	idx = m.RecordPrediction("websearch", VerdictSuspicious, 0.6)
	if !m.RecordActual("websearch", idx, VerdictSafe) {
		t.Fatalf("SUSPICIOUS should earn credit against SAFE")
	}
}

func TestRecordActualFalsePositive(t *testing.T) {
	m := NewReputationManager()
	idx := m.RecordPrediction("dns", VerdictMalicious, 0.9)
	if m.RecordActual("dns", idx, VerdictSafe) {
		t.Fatalf("MALICIOUS against SAFE is wrong")
	}
	if m.Snapshot()[0].FalsePositives != 1 {
		t.Fatalf("expected one false positive")
	}
}

func TestRecordActualIdempotent(t *testing.T) {
	m := NewReputationManager()
	idx := m.RecordPrediction("whois", VerdictSafe, 0.8)
	first := m.RecordActual("whois", idx, VerdictSafe)
	second := m.RecordActual("whois", idx, VerdictSafe)
	if first != second {
		t.Fatalf("re-scoring must return the original outcome")
	}
	if m.Snapshot()[0].Total != 1 {
		t.Fatalf("re-scoring must not double-count")
	}
}

func TestRecordActualOutOfRangeIndex(t *testing.T) {
	m := NewReputationManager()
	if m.RecordActual("whois", 5, VerdictSafe) {
		t.Fatalf("unknown prediction index must not be correct")
	}
	if m.RecordActual("whois", -1, VerdictSafe) {
		t.Fatalf("negative prediction index must not be correct")
	}
}

func TestRecentPredictionsCapped(t *testing.T) {
	m := NewReputationManager()
	for i := 0; i < 130; i++ {
		m.RecordPrediction("whois", VerdictSafe, 0.5)
	}
	if got := len(m.Snapshot()[0].Recent); got != 100 {
		t.Fatalf("recent window should cap at 100, got %d", got)
	}
}

func TestFalseNegativesCrushReputation(t *testing.T) {
	m := NewReputationManager()
	for i := 0; i < 10; i++ {
		idx := m.RecordPrediction("sloppy", VerdictSafe, 0.9)
		m.RecordActual("sloppy", idx, VerdictMalicious)
	}
	if got := m.WeightedReputation("sloppy"); got != 0 {
		t.Fatalf("an always-wrong source with false negatives should bottom out, got %.3f", got)
	}
	if got := m.ConfidenceThreshold("sloppy"); got != 0.7 {
		t.Fatalf("distrusted source should need 0.7 confidence, got %.2f", got)
	}
}

func TestConfidenceThresholdTiers(t *testing.T) {
	m := NewReputationManager()
	// a consistently correct source earns the lowest bar
	for i := 0; i < 20; i++ {
		idx := m.RecordPrediction("sharp", VerdictMalicious, 0.9)
		m.RecordActual("sharp", idx, VerdictMalicious)
	}
	if got := m.ConfidenceThreshold("sharp"); got != 0.3 {
		t.Fatalf("trusted source should need only 0.3 confidence, got %.2f", got)
	}
	// a fresh source sits in the 0.6..0.8 band
	if got := m.ConfidenceThreshold("fresh"); got != 0.4 {
		t.Fatalf("fresh source should need 0.4 confidence, got %.2f", got)
	}
}

func TestConsensusWeightVolumeBonus(t *testing.T) {
	cases := []struct {
		total int
		want  float64
	}{
		{0, 1.0},
		{19, 1.0},
		{20, 1.05},
		{50, 1.1},
		{100, 1.2},
	}
	for _, tc := range cases {
		if got := volumeBonus(tc.total); got != tc.want {
			t.Errorf("volumeBonus(%d) = %.2f, want %.2f", tc.total, got, tc.want)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewReputationManager()
	idx := m.RecordPrediction("whois", VerdictMalicious, 0.9)
	m.RecordActual("whois", idx, VerdictMalicious)

	restored := NewReputationManager()
	restored.Restore(m.Snapshot())
	if restored.WeightedReputation("whois") != m.WeightedReputation("whois") {
		t.Fatalf("restored reputation differs from the original")
	}

	snap := restored.Snapshot()
	if len(snap) != 1 || snap[0].Total != 1 || snap[0].Correct != 1 {
		t.Fatalf("restored tallies wrong: %+v", snap)
	}
}

func TestRecentWindowIgnoresOldPredictions(t *testing.T) {
	m := NewReputationManager()
	past := time.Now().Add(-60 * 24 * time.Hour)
	m.now = func() time.Time { return past }
	idx := m.RecordPrediction("whois", VerdictSafe, 0.9)
	m.RecordActual("whois", idx, VerdictMalicious) // old miss

	m.now = time.Now
	idx = m.RecordPrediction("whois", VerdictSafe, 0.9)
	m.RecordActual("whois", idx, VerdictSafe) // recent hit

	// lifetime accuracy is 0.5 but the 30-day window only sees the hit
	got := m.WeightedReputation("whois")
	want := 0.6*0.5 + 0.2*math.Min(1, 1.0/0.51) + 0.2*(1-math.Min(1, 0.5*3))
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("windowed reputation = %.4f, want %.4f", got, want)
	}
}
