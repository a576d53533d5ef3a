package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"

	"trustaudit/internal/agentclient"
	"trustaudit/internal/audit"
	"trustaudit/internal/resilience"
)

func main() {
	url := flag.String("url", "", "Website URL to audit")
	tier := flag.String("tier", "standard_audit", "Audit tier: quick_scan|standard_audit|deep")
	baseURL := flag.String("base-url", envOr("AUDIT_AGENT_URL", ""), "Agent service base URL (empty = simulated agents)")
	apiKey := flag.String("api-key", envOr("AUDIT_AGENT_KEY", ""), "API key for the agent service")
	strategy := flag.String("timeout-strategy", "ADAPTIVE", "Timeout strategy: FAST|STANDARD|CONSERVATIVE|ADAPTIVE")
	confidence := flag.Float64("confidence-threshold", 0.6, "Minimum judge confidence before rendering a verdict")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full audit state JSON to this file")
	quiet := flag.Bool("quiet", false, "Suppress the banner and stage progress")
	flag.Parse()

	if strings.TrimSpace(*url) == "" {
		exitWith("-url is required")
	}

	if !*quiet {
		figure.NewColorFigure("TrustAudit", "", "cyan", true).Print()
		fmt.Println()
	}

	agents := agentclient.SimulatedAgents()
	if strings.TrimSpace(*baseURL) != "" {
		client := agentclient.New(agentclient.Config{
			BaseURL: *baseURL,
			APIKey:  *apiKey,
			Timeout: 120 * time.Second,
		})
		agents = audit.Agents{Scout: client, Vision: client, Graph: client, Judge: client}
	} else if !*quiet {
		color.Yellow("no agent service configured, using simulated agents")
	}

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{})
	timeouts := resilience.NewTimeoutManager(resilience.TimeoutConfig{})
	guard := resilience.NewManager(breakers, timeouts, resilience.TimeoutStrategy(strings.ToUpper(*strategy)))
	scorer := audit.NewScoreEngine(audit.DefaultSignalWeights(), audit.SiteTypeProfiles())
	reputation := audit.NewReputationManager()

	sink := func(_ context.Context, event audit.Event) error {
		if *quiet {
			return nil
		}
		switch event.Type {
		case audit.EventStageStarted:
			fmt.Printf("  %s %s...\n", color.CyanString("→"), event.Stage)
		case audit.EventStageCompleted:
			mark := color.GreenString("✓")
			if degraded, _ := event.Payload["degraded"].(bool); degraded {
				mark = color.YellowString("~")
			}
			fmt.Printf("  %s %s\n", mark, event.Stage)
		}
		return nil
	}

	orchestrator, err := audit.NewOrchestrator(agents, guard, scorer, reputation, sink, audit.Options{
		ConfidenceThreshold: *confidence,
	})
	if err != nil {
		exitWith(err.Error())
	}

	budget := audit.BudgetForTier(audit.NormalizeTier(*tier))
	ctx, cancel := context.WithTimeout(context.Background(), budget.MaxElapsed+30*time.Second)
	defer cancel()

	state, err := orchestrator.Run(ctx, audit.Request{
		AuditID: "cli",
		URL:     *url,
		Tier:    audit.NormalizeTier(*tier),
	})
	if err != nil {
		exitWith(err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(state)
	default:
		printText(state)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeJSON(*outputPath, state); err != nil {
			exitWith("failed to write audit state: " + err.Error())
		}
	}
}

func printText(state *audit.AuditState) {
	fmt.Println()
	fmt.Printf("URL: %s\n", state.URL)
	fmt.Printf("Site type: %s\n", state.SiteType)
	fmt.Printf("Iterations: %d  External calls: %d\n", state.Iteration, state.ExternalCalls)
	if state.Score != nil {
		fmt.Printf("Trust score: %d/100  Confidence: %.2f\n", state.Score.FinalScore, state.Score.Confidence)
		riskColor(state.Score.RiskLevel).Printf("Risk level: %s\n", state.Score.RiskLevel)
		for _, rule := range state.Score.OverridesApplied {
			color.Red("  override: %s", rule)
		}
	}
	if len(state.Degradations) > 0 {
		color.Yellow("Degraded stages:")
		for _, rec := range state.Degradations {
			color.Yellow("  %s (iteration %d, %s): -%.2f quality", rec.Stage, rec.Iteration, rec.Mode, rec.QualityPenalty)
		}
	}
	if state.Narrative != "" {
		fmt.Printf("\n%s\n", state.Narrative)
	}
}

func riskColor(level audit.RiskLevel) *color.Color {
	switch level {
	case audit.RiskTrusted:
		return color.New(color.FgGreen, color.Bold)
	case audit.RiskProbablySafe:
		return color.New(color.FgGreen)
	case audit.RiskSuspicious:
		return color.New(color.FgYellow, color.Bold)
	case audit.RiskHighRisk:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printJSON(state *audit.AuditState) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		exitWith("failed to encode audit state: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
