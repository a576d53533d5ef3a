package audit

import (
	"math"
	"strings"
)

// deriveSignals turns accumulated evidence into the weighted sub-signals
// the score engine consumes. Each signal is in [0,1] with 1 meaning
// trustworthy, carrying its own confidence. Degraded stages arrive here as
// neutral fallback data, so the derivation itself stays total.
func deriveSignals(state *AuditState, reputation *ReputationManager) map[Signal]SignalScore {
	signals := map[Signal]SignalScore{}

	if vision := state.Evidence.Vision; vision != nil {
		signals[SignalVisual] = visualSignal(vision)
	}
	if scout := state.Evidence.Scout; scout != nil {
		signals[SignalStructural] = structuralSignal(scout.Metadata)
		signals[SignalTemporal] = temporalSignal(scout.Metadata)
		signals[SignalMeta] = metaSignal(scout.Metadata)
	}
	if graph := state.Evidence.Graph; graph != nil {
		signals[SignalGraph] = graphSignal(graph, reputation)
	}
	if security := securitySignal(state); security != nil {
		signals[SignalSecurity] = *security
	}
	return signals
}

func visualSignal(vision *VisionResult) SignalScore {
	score := clampFloat(vision.VisualScore, 0, 1)
	worst := 0.0
	for _, finding := range vision.Findings {
		weight := finding.Confidence
		if strings.EqualFold(finding.Severity, "critical") {
			weight *= 1.5
		}
		if weight > worst {
			worst = weight
		}
	}
	score = clampFloat(score-0.4*worst, 0, 1)
	confidence := 0.8
	if vision.ScreenshotCount == 0 && len(vision.Findings) == 0 {
		confidence = 0.4
	}
	return SignalScore{Value: score, Confidence: confidence}
}

func structuralSignal(meta PageMetadata) SignalScore {
	score := 1.0
	score -= 0.15 * ratio(meta.IframeCount, 5)
	score -= 0.15 * ratio(meta.PopupCount, 3)
	score -= 0.10 * ratio(meta.ScriptCount, 50)
	if meta.FormCount > 0 && meta.InputFieldCount > 12 {
		score -= 0.2 // unusually hungry forms
	}
	confidence := 0.75
	if meta.DOMNodeCount == 0 {
		confidence = 0.3
	}
	return SignalScore{Value: clampFloat(score, 0, 1), Confidence: confidence}
}

// temporalSignal: established domains score high; countdowns and urgency
// animation are the classic pressure tactics and pull it down.
func temporalSignal(meta PageMetadata) SignalScore {
	score := clampFloat(float64(meta.DomainAgeDays)/365.0, 0, 1)
	if meta.HasCountdown {
		score -= 0.3
	}
	if meta.HasAnimation {
		score -= 0.1
	}
	confidence := 0.7
	if meta.DomainAgeDays == 0 {
		confidence = 0.35
	}
	return SignalScore{Value: clampFloat(score, 0, 1), Confidence: confidence}
}

func metaSignal(meta PageMetadata) SignalScore {
	score := 1.0
	score -= 0.2 * ratio(meta.RedirectHops, 5)
	score -= 0.1 * ratio(meta.ExternalDomainCount, 20)
	if strings.TrimSpace(meta.Title) == "" {
		score -= 0.15
	}
	confidence := 0.65
	if meta.FinalURL == "" {
		confidence = 0.3
	}
	return SignalScore{Value: clampFloat(score, 0, 1), Confidence: confidence}
}

// graphSignal folds the investigator's own score with the reputation-
// weighted consensus of the external verification sources. Claims below a
// source's confidence threshold are discarded before consensus.
func graphSignal(graph *GraphResult, reputation *ReputationManager) SignalScore {
	base := clampFloat(graph.GraphScore, 0, 1)
	base = clampFloat(base-0.15*float64(len(graph.Inconsistencies)), 0, 1)

	weightSum := 0.0
	claimSum := 0.0
	for _, claim := range graph.SourceClaims {
		if reputation == nil {
			break
		}
		if claim.Confidence < reputation.ConfidenceThreshold(claim.Source) {
			continue
		}
		weight := reputation.ConsensusWeight(claim.Source)
		claimSum += verdictValue(claim.Verdict) * weight
		weightSum += weight
	}

	value := base
	if weightSum > 0 {
		consensus := claimSum / weightSum
		value = 0.6*base + 0.4*consensus
	}
	confidence := 0.6 + 0.1*math.Min(3, float64(len(graph.VerifiedEntities)))
	if graph.FraudConfirmed {
		value = math.Min(value, 0.1)
		confidence = 0.95
	}
	return SignalScore{Value: clampFloat(value, 0, 1), Confidence: clampFloat(confidence, 0, 1)}
}

func securitySignal(state *AuditState) *SignalScore {
	scout := state.Evidence.Scout
	modules := state.Evidence.Security
	if scout == nil && len(modules) == 0 {
		return nil
	}
	score := 1.0
	confidence := 0.5
	if scout != nil {
		if !scout.Metadata.TLSValid || scout.Metadata.TLSSelfSigned {
			score = 0.1
		}
		confidence = 0.8
	}
	if len(modules) > 0 {
		total := 0.0
		for _, module := range modules {
			total += clampFloat(module.Score, 0, 1)
		}
		score = 0.5*score + 0.5*(total/float64(len(modules)))
		confidence = 0.85
	}
	return &SignalScore{Value: clampFloat(score, 0, 1), Confidence: confidence}
}

func verdictValue(v Verdict) float64 {
	switch v {
	case VerdictSafe:
		return 1
	case VerdictSuspicious:
		return 0.4
	case VerdictMalicious:
		return 0
	default:
		return 0.5
	}
}

// deriveHardStops inspects evidence for the conditions the override rules
// act on.
func deriveHardStops(state *AuditState, signals map[Signal]SignalScore) HardStops {
	stops := HardStops{}
	if scout := state.Evidence.Scout; scout != nil && scout.Metadata.DOMNodeCount > 0 {
		stops.InvalidCertificate = !scout.Metadata.TLSValid
		stops.SelfSignedCert = scout.Metadata.TLSSelfSigned
	}
	if graph := state.Evidence.Graph; graph != nil {
		stops.GraphContradiction = len(graph.Inconsistencies) > 0 || graph.FraudConfirmed
		stops.CriticalIndicator = graph.FraudConfirmed
	}
	if visual, ok := signals[SignalVisual]; ok {
		stops.VisionTrusted = visual.Value >= visionTrustedMinScore
	}
	for _, finding := range state.Evidence.Vision.criticalFindings() {
		if finding.Confidence >= 0.9 {
			stops.CriticalIndicator = true
		}
	}
	return stops
}

func (v *VisionResult) criticalFindings() []Finding {
	if v == nil {
		return nil
	}
	out := make([]Finding, 0, len(v.Findings))
	for _, finding := range v.Findings {
		if strings.EqualFold(finding.Severity, "critical") {
			out = append(out, finding)
		}
	}
	return out
}
