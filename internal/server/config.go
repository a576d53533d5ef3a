package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string               `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig       `json:"database" yaml:"database"`
	Auth       AuthConfig           `json:"auth" yaml:"auth"`
	Security   SecurityConfig       `json:"security" yaml:"security"`
	Agents     AgentsConfig         `json:"agents" yaml:"agents"`
	Keys       KeyPoolConfig        `json:"keys" yaml:"keys"`
	Audit      AuditConfig          `json:"audit" yaml:"audit"`
	Observer   ObservabilityConfig  `json:"observability" yaml:"observability"`
	Limits     UserQuickLimitConfig `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// AgentsConfig locates the external evidence-gathering agent service. When
// Simulate is set, deterministic in-process agents replace it entirely.
type AgentsConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	TimeoutSec     int    `json:"timeout_sec" yaml:"timeout_sec"`
	Simulate       bool   `json:"simulate" yaml:"simulate"`
	SearchEndpoint string `json:"search_endpoint" yaml:"search_endpoint"`
	SearchAPIKey   string `json:"search_api_key" yaml:"search_api_key"`
}

type KeyPoolConfig struct {
	VerificationKeys []VerificationKeyConfig `json:"verification_key_pool" yaml:"verification_key_pool"`
}

// VerificationKeyConfig describes one external verification provider key
// (WHOIS, registry, web search) shared across audits via the key pool.
type VerificationKeyConfig struct {
	Label          string `json:"label" yaml:"label"`
	Provider       string `json:"provider" yaml:"provider"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	DailyCallLimit int    `json:"daily_call_limit" yaml:"daily_call_limit"`
	RPM            int    `json:"rpm" yaml:"rpm"`
}

// AuditConfig tunes the audit pipeline: tier defaults, breaker and timeout
// behavior, scoring weights. Every field has a working default so an empty
// config file still yields a runnable server.
type AuditConfig struct {
	DefaultTier         string                        `json:"default_tier" yaml:"default_tier"`
	ConfidenceThreshold float64                       `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxParallelAudits   int                           `json:"max_parallel_audits" yaml:"max_parallel_audits"`
	TimeoutStrategy     string                        `json:"timeout_strategy" yaml:"timeout_strategy"`
	Breaker             BreakerTuning                 `json:"breaker" yaml:"breaker"`
	StageBudgetsSec     map[string]int                `json:"stage_budgets_sec" yaml:"stage_budgets_sec"`
	SiteTypeWeights     map[string]map[string]float64 `json:"site_type_weights" yaml:"site_type_weights"`
}

type BreakerTuning struct {
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	BaseBackoffSec   int `json:"base_backoff_sec" yaml:"base_backoff_sec"`
	MaxBackoffSec    int `json:"max_backoff_sec" yaml:"max_backoff_sec"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type UserQuickLimitConfig struct {
	QuickScanRPM int `json:"quick_scan_rpm" yaml:"quick_scan_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "audit_session",
		},
		Agents: AgentsConfig{
			TimeoutSec: 120,
		},
		Audit: AuditConfig{
			DefaultTier:         "standard_audit",
			ConfidenceThreshold: 0.6,
			MaxParallelAudits:   2,
			TimeoutStrategy:     "ADAPTIVE",
		},
		Observer: ObservabilityConfig{
			ServiceName: "audit-api",
			SampleRatio: 1,
		},
		Limits: UserQuickLimitConfig{
			QuickScanRPM: 6,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "audit_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Agents.TimeoutSec <= 0 {
		cfg.Agents.TimeoutSec = 120
	}
	if strings.TrimSpace(cfg.Audit.DefaultTier) == "" {
		cfg.Audit.DefaultTier = "standard_audit"
	}
	if cfg.Audit.ConfidenceThreshold <= 0 || cfg.Audit.ConfidenceThreshold > 1 {
		cfg.Audit.ConfidenceThreshold = 0.6
	}
	if cfg.Audit.MaxParallelAudits <= 0 {
		cfg.Audit.MaxParallelAudits = 2
	}
	if strings.TrimSpace(cfg.Audit.TimeoutStrategy) == "" {
		cfg.Audit.TimeoutStrategy = "ADAPTIVE"
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "audit-api"
	}
	if cfg.Limits.QuickScanRPM <= 0 {
		cfg.Limits.QuickScanRPM = 6
	}
}
