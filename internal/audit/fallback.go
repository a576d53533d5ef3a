package audit

import (
	"trustaudit/internal/resilience"
)

// Fallback producers. Each returns usable, never-empty data plus the
// explicit list of what is missing and the quality penalty the orchestrator
// accumulates into the final score. Penalties reflect how load-bearing the
// stage's evidence is.

func fallbackScout(url string) (ScoutResult, resilience.DegradedResult) {
	return ScoutResult{
			URL: url,
			Metadata: PageMetadata{
				FinalURL: url,
				TLSValid: true, // unknown, assume unexceptional rather than alarming
			},
			ScreenshotPaths: []string{},
			SiteTypeHint:    "generic",
		}, resilience.DegradedResult{
			Mode:           resilience.FallbackSimplified,
			MissingData:    []string{"metadata.dom", "metadata.network", "screenshot_paths", "discovered_pages"},
			QualityPenalty: 0.5,
		}
}

func fallbackVision() (VisionResult, resilience.DegradedResult) {
	return VisionResult{
			Findings:    []Finding{},
			VisualScore: 0.5,
		}, resilience.DegradedResult{
			Mode:           resilience.FallbackPartial,
			MissingData:    []string{"findings", "visual_score"},
			QualityPenalty: 0.4,
		}
}

func fallbackGraph() (GraphResult, resilience.DegradedResult) {
	return GraphResult{
			VerifiedEntities: []string{},
			Inconsistencies:  []string{},
			GraphScore:       0.5,
		}, resilience.DegradedResult{
			Mode:           resilience.FallbackAlternative,
			MissingData:    []string{"verified_entities", "inconsistencies", "source_claims"},
			QualityPenalty: 0.6,
		}
}

func fallbackJudge(score TrustScoreResult) (JudgeOutcome, resilience.DegradedResult) {
	return JudgeOutcome{
			Narrative: "Automated verdict rendered without narrative synthesis: the judge agent was unavailable. Risk level " + string(score.RiskLevel) + " derives from the weighted signal evidence alone.",
			Decision:  DecisionRenderVerdict,
		}, resilience.DegradedResult{
			Mode:           resilience.FallbackSimplified,
			MissingData:    []string{"narrative"},
			QualityPenalty: 0.2,
		}
}
