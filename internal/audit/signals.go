package audit

import "fmt"

type Signal string

const (
	SignalVisual     Signal = "visual"
	SignalStructural Signal = "structural"
	SignalTemporal   Signal = "temporal"
	SignalGraph      Signal = "graph"
	SignalMeta       Signal = "meta"
	SignalSecurity   Signal = "security"
)

type SignalWeights map[Signal]float64

// DefaultSignalWeights is the base weight map before any site-type override.
// Security carries no weight by default; profiles that care about it (and
// audits that request security modules) enable it explicitly.
func DefaultSignalWeights() SignalWeights {
	return SignalWeights{
		SignalVisual:     0.25,
		SignalStructural: 0.20,
		SignalTemporal:   0.15,
		SignalGraph:      0.25,
		SignalMeta:       0.15,
		SignalSecurity:   0,
	}
}

// SiteTypeProfiles returns the built-in per-site-type weight overrides.
// Overrides are sparse: entries replace the default weight for that signal
// only, and the merged map is renormalized before scoring.
func SiteTypeProfiles() map[string]SignalWeights {
	return map[string]SignalWeights{
		"generic": {},
		"ecommerce": {
			SignalVisual:   0.30,
			SignalTemporal: 0.20,
		},
		"banking": {
			SignalGraph:    0.30,
			SignalSecurity: 0.20,
			SignalVisual:   0.15,
		},
		"news": {
			SignalMeta:  0.25,
			SignalGraph: 0.30,
		},
		"social": {
			SignalVisual: 0.30,
			SignalGraph:  0.30,
		},
		"landing": {
			SignalVisual:   0.35,
			SignalTemporal: 0.20,
		},
	}
}

// mergeWeights applies an override profile on top of the defaults and
// renormalizes so that the active weights sum to 1.
func mergeWeights(defaults SignalWeights, override SignalWeights) (SignalWeights, error) {
	merged := make(SignalWeights, len(defaults))
	for signal, weight := range defaults {
		merged[signal] = weight
	}
	for signal, weight := range override {
		if _, known := merged[signal]; !known {
			return nil, fmt.Errorf("weight entry for unknown signal %q", signal)
		}
		merged[signal] = weight
	}
	total := 0.0
	for _, weight := range merged {
		if weight < 0 {
			return nil, fmt.Errorf("negative signal weight %.3f", weight)
		}
		total += weight
	}
	if total <= 0 {
		return nil, fmt.Errorf("signal weights sum to zero")
	}
	for signal, weight := range merged {
		merged[signal] = weight / total
	}
	return merged, nil
}

// NormalizeSiteType maps a scout hint onto a configured profile name.
// Hints never abort an audit; anything unrecognized becomes "generic".
// Unknown types are only fatal when they arrive via configuration.
func NormalizeSiteType(hint string, known map[string]SignalWeights) string {
	if _, ok := known[hint]; ok {
		return hint
	}
	switch hint {
	case "shop", "store", "checkout":
		return "ecommerce"
	case "bank", "finance", "payment":
		return "banking"
	case "blog", "media", "press":
		return "news"
	}
	return "generic"
}
