package server

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("default listen addr wrong: %s", cfg.ListenAddr)
	}
	if cfg.Auth.CookieName != "audit_session" {
		t.Fatalf("default cookie name wrong: %s", cfg.Auth.CookieName)
	}
	if cfg.Audit.ConfidenceThreshold != 0.6 {
		t.Fatalf("default confidence threshold wrong: %.2f", cfg.Audit.ConfidenceThreshold)
	}
	if cfg.Limits.QuickScanRPM != 6 {
		t.Fatalf("default quick scan rpm wrong: %d", cfg.Limits.QuickScanRPM)
	}
}

func TestLoadServerConfigYAML(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
listen_addr: ":9090"
agents:
  base_url: "http://agents:8000"
  timeout_sec: 60
keys:
  verification_key_pool:
    - label: whois-main
      provider: whois
      api_key: vk-1
      daily_call_limit: 200
      rpm: 10
audit:
  timeout_strategy: CONSERVATIVE
  confidence_threshold: 0.8
  site_type_weights:
    ecommerce:
      visual: 0.4
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr not loaded: %s", cfg.ListenAddr)
	}
	if cfg.Agents.BaseURL != "http://agents:8000" || cfg.Agents.TimeoutSec != 60 {
		t.Fatalf("agents config not loaded: %+v", cfg.Agents)
	}
	if len(cfg.Keys.VerificationKeys) != 1 || cfg.Keys.VerificationKeys[0].Label != "whois-main" {
		t.Fatalf("verification keys not loaded: %+v", cfg.Keys.VerificationKeys)
	}
	if cfg.Audit.TimeoutStrategy != "CONSERVATIVE" || cfg.Audit.ConfidenceThreshold != 0.8 {
		t.Fatalf("audit config not loaded: %+v", cfg.Audit)
	}
	if cfg.Audit.SiteTypeWeights["ecommerce"]["visual"] != 0.4 {
		t.Fatalf("site type weights not loaded: %+v", cfg.Audit.SiteTypeWeights)
	}
	// untouched fields keep their defaults
	if cfg.Audit.MaxParallelAudits != 2 {
		t.Fatalf("defaults should survive partial config: %d", cfg.Audit.MaxParallelAudits)
	}
}

func TestLoadServerConfigJSON(t *testing.T) {
	path := writeConfigFile(t, "config.json", `{"listen_addr": ":7070", "limits": {"quick_scan_rpm": 12}}`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error: %v", err)
	}
	if cfg.ListenAddr != ":7070" || cfg.Limits.QuickScanRPM != 12 {
		t.Fatalf("json config not loaded: %+v", cfg)
	}
}

func TestLoadServerConfigNormalizesBadValues(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", `
audit:
  confidence_threshold: 3.5
  max_parallel_audits: -1
observability:
  sample_ratio: 9
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig error: %v", err)
	}
	if cfg.Audit.ConfidenceThreshold != 0.6 {
		t.Fatalf("out-of-range threshold should reset: %.2f", cfg.Audit.ConfidenceThreshold)
	}
	if cfg.Audit.MaxParallelAudits != 2 {
		t.Fatalf("negative parallelism should reset: %d", cfg.Audit.MaxParallelAudits)
	}
	if cfg.Observer.SampleRatio != 1 {
		t.Fatalf("out-of-range sample ratio should reset: %.1f", cfg.Observer.SampleRatio)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatalf("missing config file should error")
	}
}
