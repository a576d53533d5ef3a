package agentclient

import (
	"context"
	"hash/fnv"
	"strings"

	"trustaudit/internal/audit"
)

// Simulated agents produce deterministic evidence derived from the URL, so
// dry runs and tests exercise the full pipeline without a browser, a vision
// model or network access. A URL containing "scam" trips the fraud path.
type Simulated struct{}

func SimulatedAgents() audit.Agents {
	sim := Simulated{}
	return audit.Agents{
		Scout:  sim,
		Vision: sim,
		Graph:  sim,
		Judge:  sim,
	}
}

func (Simulated) Scout(_ context.Context, url string, _ audit.ViewportOptions) (audit.ScoutResult, error) {
	shady := looksShady(url)
	seed := seedOf(url)
	meta := audit.PageMetadata{
		Title:                 "Simulated page",
		FinalURL:              url,
		DOMNodeCount:          800 + int(seed%2000),
		FormCount:             1 + int(seed%3),
		ScriptCount:           5 + int(seed%20),
		ExternalDomainCount:   int(seed % 8),
		ExternalResourceCount: 10 + int(seed%40),
		TLSValid:              true,
		DomainAgeDays:         400,
	}
	if shady {
		meta.RedirectHops = 4
		meta.IframeCount = 3
		meta.PopupCount = 2
		meta.HasCountdown = true
		meta.TLSValid = false
		meta.DomainAgeDays = 12
	}
	return audit.ScoutResult{
		URL:             url,
		Metadata:        meta,
		ScreenshotPaths: []string{"sim://screenshot-1.png", "sim://screenshot-2.png"},
		SiteTypeHint:    "generic",
	}, nil
}

func (Simulated) Vision(_ context.Context, screenshotPaths []string, _ []string) (audit.VisionResult, error) {
	result := audit.VisionResult{
		Findings:        []audit.Finding{},
		VisualScore:     0.9,
		ScreenshotCount: len(screenshotPaths),
	}
	return result, nil
}

func (Simulated) Investigate(_ context.Context, _ []string, domain string) (audit.GraphResult, error) {
	if looksShady(domain) {
		return audit.GraphResult{
			VerifiedEntities: []string{},
			Inconsistencies:  []string{"registrant mismatch", "company not found in registry"},
			GraphScore:       0.1,
			FraudConfirmed:   true,
			SourceClaims: []audit.SourceClaim{
				{Source: "whois", Verdict: audit.VerdictMalicious, Confidence: 0.9},
				{Source: "websearch", Verdict: audit.VerdictSuspicious, Confidence: 0.7},
			},
		}, nil
	}
	return audit.GraphResult{
		VerifiedEntities: []string{domain},
		Inconsistencies:  []string{},
		GraphScore:       0.9,
		SourceClaims: []audit.SourceClaim{
			{Source: "whois", Verdict: audit.VerdictSafe, Confidence: 0.8},
			{Source: "dns", Verdict: audit.VerdictSafe, Confidence: 0.6},
		},
	}, nil
}

func (Simulated) Judge(_ context.Context, _ audit.Evidence, score audit.TrustScoreResult) (audit.JudgeOutcome, error) {
	return audit.JudgeOutcome{
		Narrative: "Simulated narrative: weighted evidence places this site at risk level " + string(score.RiskLevel) + ".",
		Decision:  audit.DecisionRenderVerdict,
	}, nil
}

func looksShady(value string) bool {
	lowered := strings.ToLower(value)
	return strings.Contains(lowered, "scam") || strings.Contains(lowered, "phish")
}

func seedOf(value string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(value))
	return h.Sum32()
}
