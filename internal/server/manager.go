package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustaudit/internal/agentclient"
	"trustaudit/internal/audit"
	"trustaudit/internal/resilience"
)

// AuditService is the surface the router talks to.
type AuditService interface {
	CreateAdminAudit(request AuditRequest, principal Principal, source string) (AuditMeta, error)
	CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (AuditMeta, error)
	RecordFeedback(request FeedbackRequest) (bool, error)
	ReputationSnapshot() []audit.SourceReputation
	BreakerSnapshots() []resilience.BreakerSnapshot
}

type queuedAudit struct {
	AuditID     string
	Request     AuditRequest
	Creator     Principal
	CreatorType string
	Source      string
}

// AuditManager queues audits and executes them on a bounded worker pool.
// The resilience guard, score engine and reputation manager are built once
// and shared across every audit the process runs; breaker state and learned
// reputation deliberately survive individual audits.
type AuditManager struct {
	cfg        ServerConfig
	store      Store
	keys       *KeyPool
	obs        *Observability
	guard      *resilience.Manager
	scorer     *audit.ScoreEngine
	reputation *audit.ReputationManager
	profiles   map[string]audit.SignalWeights
	search     *agentclient.SearchEngine
	queue      chan queuedAudit
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

func NewAuditManager(cfg ServerConfig, store Store, keys *KeyPool, obs *Observability) *AuditManager {
	maxParallel := cfg.Audit.MaxParallelAudits
	if maxParallel <= 0 {
		maxParallel = 2
	}
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: cfg.Audit.Breaker.FailureThreshold,
		BaseBackoff:      time.Duration(cfg.Audit.Breaker.BaseBackoffSec) * time.Second,
		MaxBackoff:       time.Duration(cfg.Audit.Breaker.MaxBackoffSec) * time.Second,
		OnOpen: func(dependency string) {
			obs.MarkBreakerOpen(context.Background(), dependency)
		},
	})
	timeouts := resilience.NewTimeoutManager(timeoutConfigFrom(cfg))
	guard := resilience.NewManager(breakers, timeouts, resilience.TimeoutStrategy(cfg.Audit.TimeoutStrategy))

	profiles := profilesFrom(cfg)
	reputation := audit.NewReputationManager()
	if snapshots, err := store.LoadReputation(); err == nil && len(snapshots) > 0 {
		reputation.Restore(snapshots)
	}

	var search *agentclient.SearchEngine
	if strings.TrimSpace(cfg.Agents.SearchEndpoint) != "" {
		search = agentclient.NewSearchEngine(cfg.Agents.SearchEndpoint, cfg.Agents.SearchAPIKey)
	}

	manager := &AuditManager{
		cfg:        cfg,
		store:      store,
		keys:       keys,
		obs:        obs,
		guard:      guard,
		scorer:     audit.NewScoreEngine(audit.DefaultSignalWeights(), profiles),
		reputation: reputation,
		profiles:   profiles,
		search:     search,
		queue:      make(chan queuedAudit, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickScanRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *AuditManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *AuditManager) CreateAdminAudit(request AuditRequest, principal Principal, source string) (AuditMeta, error) {
	if strings.TrimSpace(request.URL) == "" {
		return AuditMeta{}, errors.New("url is required")
	}
	if strings.TrimSpace(request.Tier) == "" {
		request.Tier = m.cfg.Audit.DefaultTier
	}
	request.Tier = string(audit.NormalizeTier(request.Tier))
	auditID := "adt_" + uuid.NewString()
	meta := AuditMeta{
		AuditID:     auditID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     request,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateAudit(meta); err != nil {
		return AuditMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(auditID, "queued", "", "audit queued", map[string]any{
		"source": source,
		"tier":   request.Tier,
	})
	_ = m.store.AppendActivity(ActivityEvent{
		Timestamp: nowRFC3339(),
		AuditID:   auditID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "audit.create",
		Result:    "queued",
	})
	m.queue <- queuedAudit{
		AuditID:     auditID,
		Request:     request,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *AuditManager) CreateQuickScan(request QuickScanRequest, ipHash, uaHash string) (AuditMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkKeyBlocked(context.Background(), "quick_scan_rate_limit")
		}
		_ = m.store.AppendActivity(ActivityEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_scan.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return AuditMeta{}, errors.New("quick scan rate limit reached")
	}
	if strings.TrimSpace(request.URL) == "" {
		return AuditMeta{}, errors.New("url is required")
	}
	auditRequest := AuditRequest{
		URL:  request.URL,
		Tier: string(audit.TierQuickScan),
	}
	auditID := "adt_" + uuid.NewString()
	meta := AuditMeta{
		AuditID:     auditID,
		Status:      "queued",
		Source:      "user.quick_scan",
		CreatorType: "user",
		Request:     auditRequest,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateAudit(meta); err != nil {
		return AuditMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(auditID, "queued", "", "quick scan queued", map[string]any{
		"url": request.URL,
	})
	_ = m.store.AppendActivity(ActivityEvent{
		Timestamp: nowRFC3339(),
		AuditID:   auditID,
		ActorType: "user",
		Action:    "quick_scan.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.URL,
	})
	m.queue <- queuedAudit{
		AuditID:     auditID,
		Request:     auditRequest,
		CreatorType: "user",
		Source:      "user.quick_scan",
	}
	return meta, nil
}

// RecordFeedback scores a past source prediction against a confirmed
// verdict and persists the updated reputation table.
func (m *AuditManager) RecordFeedback(request FeedbackRequest) (bool, error) {
	actual := audit.Verdict(strings.ToUpper(strings.TrimSpace(request.ActualVerdict)))
	switch actual {
	case audit.VerdictSafe, audit.VerdictSuspicious, audit.VerdictMalicious:
	default:
		return false, errors.New("actual_verdict must be SAFE, SUSPICIOUS or MALICIOUS")
	}
	if strings.TrimSpace(request.Source) == "" {
		return false, errors.New("source is required")
	}
	correct := m.reputation.RecordActual(request.Source, request.PredictionIndex, actual)
	if err := m.store.SaveReputation(m.reputation.Snapshot()); err != nil {
		return correct, err
	}
	return correct, nil
}

// ReputationSnapshot exposes the current learning state for the API.
func (m *AuditManager) ReputationSnapshot() []audit.SourceReputation {
	return m.reputation.Snapshot()
}

// BreakerSnapshots exposes the current breaker states for the API.
func (m *AuditManager) BreakerSnapshots() []resilience.BreakerSnapshot {
	return m.guard.Breakers().Snapshots()
}

func (m *AuditManager) worker() {
	for queued := range m.queue {
		m.executeAudit(queued)
	}
}

func (m *AuditManager) executeAudit(queued queuedAudit) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateAudit(queued.AuditID, func(meta *AuditMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})

	usage := KeyUsageRecord{AuditID: queued.AuditID}
	agents, lease, leased := m.agentsFor(queued.Request, &usage)

	budget := audit.BudgetForTier(audit.NormalizeTier(queued.Request.Tier))
	if queued.Request.MaxIterations > 0 {
		budget.MaxIterations = queued.Request.MaxIterations
	}
	if queued.Request.MaxElapsedSec > 0 {
		budget.MaxElapsed = time.Duration(queued.Request.MaxElapsedSec) * time.Second
	}
	if queued.Request.MaxExternalCalls > 0 {
		budget.MaxExternalCalls = queued.Request.MaxExternalCalls
	}

	stageStarts := map[string]time.Time{}
	sink := func(ctx context.Context, event audit.Event) error {
		message := eventMessage(event)
		_, err := m.store.AppendRunEvent(queued.AuditID, event.Type, event.Stage, message, event.Payload)
		switch event.Type {
		case audit.EventStageStarted:
			stageStarts[event.Stage] = event.Timestamp
		case audit.EventStageCompleted:
			if started, ok := stageStarts[event.Stage]; ok {
				m.obs.MarkStage(ctx, event.Stage, event.Timestamp.Sub(started).Milliseconds())
			}
			if degraded, _ := event.Payload["degraded"].(bool); degraded {
				mode := fmt.Sprint(event.Payload["fallback_mode"])
				m.obs.MarkDegraded(ctx, event.Stage, mode)
			}
		}
		return err
	}

	orchestrator, err := audit.NewOrchestrator(agents, m.guard, m.scorer, m.reputation, sink, audit.Options{
		ConfidenceThreshold: m.cfg.Audit.ConfidenceThreshold,
		Profiles:            m.profiles,
	})
	if err != nil {
		m.finishWithError(queued, usage, lease, leased, err)
		return
	}

	// Hard outer bound: the budget already forces a verdict, the context is
	// the backstop against a wedged agent transport.
	ctx, cancel := context.WithTimeout(context.Background(), budget.MaxElapsed+30*time.Second)
	defer cancel()

	state, runErr := orchestrator.Run(ctx, audit.Request{
		AuditID:         queued.AuditID,
		URL:             queued.Request.URL,
		Tier:            audit.Tier(queued.Request.Tier),
		VerdictMode:     queued.Request.VerdictMode,
		SecurityModules: queued.Request.SecurityModules,
		Budget:          &budget,
	})
	if state != nil {
		usage.ExternalCalls = state.ExternalCalls
	}
	if leased {
		m.keys.Commit(lease, usage)
	}
	if runErr != nil {
		m.finishWithError(queued, usage, lease, false, runErr)
		return
	}

	verdict := verdictSnapshotOf(state)
	_, _ = m.store.UpdateAudit(queued.AuditID, func(meta *AuditMeta) {
		meta.Status = "done"
		meta.FinishedAt = nowRFC3339()
		meta.State = state
		meta.Verdict = verdict
		meta.KeyUsage = usage
	})
	_ = m.store.AppendActivity(ActivityEvent{
		Timestamp: nowRFC3339(),
		AuditID:   queued.AuditID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "audit.completed",
		Result:    "done",
		Detail:    fmt.Sprintf("score=%d risk=%s calls=%d", verdict.FinalScore, verdict.RiskLevel, usage.ExternalCalls),
	})
	_ = m.store.SaveReputation(m.reputation.Snapshot())
	if m.obs != nil {
		m.obs.MarkAudit(ctx, "done", verdict.RiskLevel)
		for _, rule := range verdict.OverridesApplied {
			m.obs.MarkOverride(ctx, rule)
		}
	}
}

// agentsFor picks the live HTTP agents or the deterministic simulated set,
// leasing a verification key for the live path when the pool has one.
func (m *AuditManager) agentsFor(request AuditRequest, usage *KeyUsageRecord) (audit.Agents, KeyLease, bool) {
	if request.Simulate || m.cfg.Agents.Simulate || strings.TrimSpace(m.cfg.Agents.BaseURL) == "" {
		usage.KeyLabel = "simulated"
		return agentclient.SimulatedAgents(), KeyLease{}, false
	}

	var lease KeyLease
	leased := false
	if !m.keys.Empty() {
		budget := audit.BudgetForTier(audit.NormalizeTier(request.Tier))
		acquired, err := m.keys.Acquire(budget.MaxExternalCalls)
		if err != nil {
			// Keyless investigation still works; the graph agent degrades
			// on its own if the provider rejects it.
			usage.BlockedReason = "verification_keys_exhausted"
			m.obs.MarkKeyBlocked(context.Background(), "key_unavailable")
		} else {
			lease = acquired
			leased = true
			usage.KeyLabel = lease.Label
		}
	}

	client := agentclient.New(agentclient.Config{
		BaseURL:         m.cfg.Agents.BaseURL,
		APIKey:          m.cfg.Agents.APIKey,
		Timeout:         time.Duration(m.cfg.Agents.TimeoutSec) * time.Second,
		VerificationKey: lease.APIKey,
	})
	var graph audit.GraphAgent = client
	if m.search != nil {
		graph = agentclient.NewSearchBackedGraph(client, m.search)
	}
	return audit.Agents{Scout: client, Vision: client, Graph: graph, Judge: client}, lease, leased
}

func (m *AuditManager) finishWithError(queued queuedAudit, usage KeyUsageRecord, lease KeyLease, releaseLease bool, cause error) {
	if releaseLease {
		m.keys.Reject(lease)
	}
	_, _ = m.store.UpdateAudit(queued.AuditID, func(meta *AuditMeta) {
		meta.Status = "error"
		meta.Error = cause.Error()
		meta.FinishedAt = nowRFC3339()
		meta.KeyUsage = usage
	})
	_ = m.store.AppendActivity(ActivityEvent{
		Timestamp: nowRFC3339(),
		AuditID:   queued.AuditID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "audit.completed",
		Result:    "error",
		Detail:    cause.Error(),
	})
	if m.obs != nil {
		m.obs.MarkAudit(context.Background(), "error", "")
	}
}

func verdictSnapshotOf(state *audit.AuditState) VerdictSnapshot {
	out := VerdictSnapshot{
		DegradedStages: len(state.Degradations),
		PenaltySum:     state.PenaltySum,
		Iterations:     state.Iteration,
	}
	if state.Score != nil {
		out.FinalScore = state.Score.FinalScore
		out.RiskLevel = string(state.Score.RiskLevel)
		out.Confidence = state.Score.Confidence
		out.OverridesApplied = state.Score.OverridesApplied
	}
	return out
}

func eventMessage(event audit.Event) string {
	switch event.Type {
	case audit.EventStageStarted:
		return event.Stage + " started"
	case audit.EventStageCompleted:
		return event.Stage + " completed"
	case audit.EventAuditComplete:
		return "audit complete"
	case audit.EventAuditError:
		return "audit failed"
	default:
		return event.Type
	}
}

func timeoutConfigFrom(cfg ServerConfig) resilience.TimeoutConfig {
	budgets := map[string]time.Duration{}
	for stage, seconds := range cfg.Audit.StageBudgetsSec {
		if seconds > 0 {
			budgets[stage] = time.Duration(seconds) * time.Second
		}
	}
	return resilience.TimeoutConfig{BaseBudgets: budgets}
}

// profilesFrom overlays configured site-type weight overrides on the
// built-in profiles. Configured profiles replace the built-in override for
// that site type entirely.
func profilesFrom(cfg ServerConfig) map[string]audit.SignalWeights {
	profiles := audit.SiteTypeProfiles()
	for siteType, weights := range cfg.Audit.SiteTypeWeights {
		override := audit.SignalWeights{}
		for signal, weight := range weights {
			override[audit.Signal(signal)] = weight
		}
		profiles[siteType] = override
	}
	return profiles
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	items = filterRecentTime(items, cutoff)
	if len(items) >= l.rpm {
		l.records[key] = items
		return false
	}
	items = append(items, now)
	l.records[key] = items
	return true
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
