package audit

import (
	"fmt"
	"math"
)

// HardStops carries the conditions the hard-override rules evaluate. They
// are derived from evidence by the orchestrator, not inferred here.
type HardStops struct {
	InvalidCertificate bool
	SelfSignedCert     bool
	CriticalIndicator  bool
	GraphContradiction bool
	VisionTrusted      bool
}

type overrideRule struct {
	Name    string
	Applies func(HardStops) bool
	Cap     int
	Reason  string
}

// Score caps chosen so each rule lands the verdict in the intended band:
// a capped certificate score can never reach PROBABLY_SAFE, a confirmed
// critical indicator pins the verdict to HIGH_RISK or worse, and a graph
// contradiction outranks a trusting vision signal down to SUSPICIOUS.
const (
	invalidCertCap        = 35
	criticalIndicatorCap  = 19
	graphOverridesVisCap  = 39
	degradedScoreFloor    = 5
	maxAggregatePenalty   = 0.9
	visionTrustedMinScore = 0.8
)

func hardOverrideRules() []overrideRule {
	return []overrideRule{
		{
			Name:    "invalid_certificate_cap",
			Applies: func(s HardStops) bool { return s.InvalidCertificate || s.SelfSignedCert },
			Cap:     invalidCertCap,
			Reason:  "certificate is invalid or self-signed",
		},
		{
			Name:    "critical_indicator",
			Applies: func(s HardStops) bool { return s.CriticalIndicator },
			Cap:     criticalIndicatorCap,
			Reason:  "confirmed critical fraud indicator",
		},
		{
			Name:    "graph_overrides_vision",
			Applies: func(s HardStops) bool { return s.GraphContradiction && s.VisionTrusted },
			Cap:     graphOverridesVisCap,
			Reason:  "graph contradiction outranks trusting visual signal",
		},
	}
}

// ScoreEngine folds weighted sub-signals into a trust score, applies the
// site-type weight profile and runs the hard-override rules afterwards.
type ScoreEngine struct {
	defaults SignalWeights
	profiles map[string]SignalWeights
	rules    []overrideRule
}

func NewScoreEngine(defaults SignalWeights, profiles map[string]SignalWeights) *ScoreEngine {
	if defaults == nil {
		defaults = DefaultSignalWeights()
	}
	if profiles == nil {
		profiles = SiteTypeProfiles()
	}
	return &ScoreEngine{
		defaults: defaults,
		profiles: profiles,
		rules:    hardOverrideRules(),
	}
}

// Score computes the final trust score result. penaltySum is the aggregate
// degradation quality penalty accumulated by the orchestrator; the final
// score is scaled by (1 - min(0.9, penaltySum)) and floor-clamped at 5 so a
// fully degraded audit still reports a non-zero, clearly low score.
//
// Unknown site types are a configuration fault and abort the audit.
func (e *ScoreEngine) Score(signals map[Signal]SignalScore, siteType string, stops HardStops, penaltySum float64) (TrustScoreResult, error) {
	override, ok := e.profiles[siteType]
	if !ok {
		return TrustScoreResult{}, &ConfigError{Reason: fmt.Sprintf("no weight profile for site type %q", siteType)}
	}
	weights, err := mergeWeights(e.defaults, override)
	if err != nil {
		return TrustScoreResult{}, &ConfigError{Reason: err.Error()}
	}

	usedWeight := 0.0
	weightedSum := 0.0
	confidenceSum := 0.0
	for signal, weight := range weights {
		if weight <= 0 {
			continue
		}
		sub, present := signals[signal]
		if !present {
			// Missing signals score neutral with no confidence, so
			// partial evidence degrades confidence rather than the score
			// collapsing to zero.
			sub = SignalScore{Value: 0.5, Confidence: 0}
		}
		weightedSum += clampFloat(sub.Value, 0, 1) * weight
		confidenceSum += clampFloat(sub.Confidence, 0, 1) * weight
		usedWeight += weight
	}
	raw := 0.0
	confidence := 0.0
	if usedWeight > 0 {
		raw = 100 * weightedSum / usedWeight
		confidence = confidenceSum / usedWeight
	}

	penalty := math.Min(maxAggregatePenalty, math.Max(0, penaltySum))
	scaled := raw * (1 - penalty)
	if penalty > 0 && scaled < degradedScoreFloor {
		scaled = degradedScoreFloor
	}
	confidence = clampFloat(confidence*(1-penalty), 0, 1)

	final := int(math.Round(scaled))
	applied := []string{}
	for _, rule := range e.rules {
		if !rule.Applies(stops) {
			continue
		}
		applied = append(applied, rule.Name)
		if rule.Cap < final {
			final = rule.Cap
		}
	}

	out := make(map[Signal]SignalScore, len(signals))
	for signal, sub := range signals {
		out[signal] = sub
	}
	return NewTrustScoreResult(final, raw, confidence, out, applied, penalty), nil
}

// ConfigError is the fatal configuration fault of the error taxonomy: it
// aborts the audit instead of degrading it.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "audit configuration error: " + e.Reason
}

func clampFloat(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}
