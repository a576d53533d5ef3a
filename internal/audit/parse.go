package audit

import (
	"encoding/json"
	"strings"
)

type VisionParseKind string

const (
	VisionDetected    VisionParseKind = "detected"
	VisionNotDetected VisionParseKind = "not_detected"
	VisionUnparseable VisionParseKind = "unparseable"
)

// VisionParse is the tagged result of decoding a vision-model reply. The
// model answers with a JSON object, a JSON array of findings, or free text;
// this is the single place that distinction is made — downstream code only
// switches on Kind.
type VisionParse struct {
	Kind     VisionParseKind `json:"kind"`
	Findings []Finding       `json:"findings,omitempty"`
	RawText  string          `json:"raw_text,omitempty"`
}

type visionEnvelope struct {
	Detected bool      `json:"detected"`
	Findings []Finding `json:"findings"`
	Patterns []Finding `json:"patterns"`
}

// ParseVisionReply decodes a raw vision-model reply into a tagged variant.
// Free text that merely denies detection still counts as NotDetected;
// anything else unstructured is Unparseable and carries the raw text along
// for the narrative.
func ParseVisionReply(raw string) VisionParse {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return VisionParse{Kind: VisionNotDetected}
	}

	switch trimmed[0] {
	case '{':
		var envelope visionEnvelope
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
			findings := envelope.Findings
			if len(findings) == 0 {
				findings = envelope.Patterns
			}
			if len(findings) == 0 && !envelope.Detected {
				return VisionParse{Kind: VisionNotDetected}
			}
			return VisionParse{Kind: VisionDetected, Findings: findings}
		}
	case '[':
		var findings []Finding
		if err := json.Unmarshal([]byte(trimmed), &findings); err == nil {
			if len(findings) == 0 {
				return VisionParse{Kind: VisionNotDetected}
			}
			return VisionParse{Kind: VisionDetected, Findings: findings}
		}
	}

	lowered := strings.ToLower(trimmed)
	for _, denial := range []string{"no dark patterns", "nothing detected", "no deceptive", "none detected", "no findings"} {
		if strings.Contains(lowered, denial) {
			return VisionParse{Kind: VisionNotDetected}
		}
	}
	return VisionParse{Kind: VisionUnparseable, RawText: trimmed}
}
