// Package agentclient provides the HTTP clients for the external
// evidence-gathering agents (scout, vision, graph, judge) plus
// deterministic in-process substitutes for dry runs and tests.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trustaudit/internal/audit"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// VerificationKey is the leased external-provider credential forwarded
	// to the graph agent for WHOIS and registry lookups.
	VerificationKey string
}

// Client speaks JSON-over-HTTP to an agent service. One client typically
// fronts all four agent endpoints of a deployment; per-call deadlines come
// from the caller's context, the client timeout is only the outer bound.
type Client struct {
	baseURL         string
	apiKey          string
	verificationKey string
	client          *http.Client
}

func New(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:         baseURL,
		apiKey:          cfg.APIKey,
		verificationKey: cfg.VerificationKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Scout(ctx context.Context, url string, opts audit.ViewportOptions) (audit.ScoutResult, error) {
	var out audit.ScoutResult
	err := c.post(ctx, "/v1/scout", map[string]any{
		"url":      url,
		"viewport": opts,
	}, &out)
	if err != nil {
		return audit.ScoutResult{}, &audit.AgentFailure{Agent: audit.StageScout, Kind: failureKind(err), Err: err}
	}
	return out, nil
}

func (c *Client) Vision(ctx context.Context, screenshotPaths []string, taxonomySubset []string) (audit.VisionResult, error) {
	var raw struct {
		Reply           string  `json:"reply"`
		VisualScore     float64 `json:"visual_score"`
		ScreenshotCount int     `json:"screenshot_count"`
	}
	err := c.post(ctx, "/v1/vision", map[string]any{
		"screenshot_paths": screenshotPaths,
		"taxonomy_subset":  taxonomySubset,
	}, &raw)
	if err != nil {
		return audit.VisionResult{}, &audit.AgentFailure{Agent: audit.StageVision, Kind: failureKind(err), Err: err}
	}

	// The model reply is free-form; the tagged parser is the only place
	// its shape is interpreted.
	parsed := audit.ParseVisionReply(raw.Reply)
	result := audit.VisionResult{
		VisualScore:     raw.VisualScore,
		ScreenshotCount: raw.ScreenshotCount,
	}
	switch parsed.Kind {
	case audit.VisionDetected:
		result.Findings = parsed.Findings
	case audit.VisionNotDetected:
		result.Findings = []audit.Finding{}
	case audit.VisionUnparseable:
		return audit.VisionResult{}, &audit.AgentFailure{
			Agent: audit.StageVision,
			Kind:  "malformed",
			Err:   fmt.Errorf("unparseable vision reply: %.80s", parsed.RawText),
		}
	}
	return result, nil
}

func (c *Client) Investigate(ctx context.Context, entities []string, domain string) (audit.GraphResult, error) {
	var out audit.GraphResult
	err := c.post(ctx, "/v1/graph", map[string]any{
		"entities": entities,
		"domain":   domain,
	}, &out)
	if err != nil {
		return audit.GraphResult{}, &audit.AgentFailure{Agent: audit.StageGraph, Kind: failureKind(err), Err: err}
	}
	return out, nil
}

func (c *Client) Judge(ctx context.Context, evidence audit.Evidence, score audit.TrustScoreResult) (audit.JudgeOutcome, error) {
	var out audit.JudgeOutcome
	err := c.post(ctx, "/v1/judge", map[string]any{
		"evidence": evidence,
		"score":    score,
	}, &out)
	if err != nil {
		return audit.JudgeOutcome{}, &audit.AgentFailure{Agent: audit.StageJudge, Kind: failureKind(err), Err: err}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.verificationKey != "" && path == "/v1/graph" {
		req.Header.Set("X-Verification-Key", c.verificationKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read agent response %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s returned status %d: %.200s", path, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode agent response %s: %w", path, err)
	}
	return nil
}

func failureKind(err error) string {
	if err == nil {
		return ""
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return "timeout"
	}
	if strings.Contains(err.Error(), "decode agent response") {
		return "malformed"
	}
	return "error"
}
