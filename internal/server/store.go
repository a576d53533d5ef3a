package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"trustaudit/internal/audit"
)

type Store interface {
	CreateAudit(meta AuditMeta) error
	UpdateAudit(auditID string, mutate func(*AuditMeta)) (AuditMeta, error)
	GetAudit(auditID string) (AuditMeta, bool)
	ListAudits(limit int) []AuditMeta
	ListAuditsByCreator(creatorSub string, limit int) []AuditMeta
	AppendRunEvent(auditID string, eventType, stage, message string, data map[string]any) (RunEvent, error)
	ListRunEvents(auditID string, sinceSeq int64) []RunEvent
	AppendActivity(event ActivityEvent) error
	ListActivity(limit int) []ActivityEvent
	SaveReputation(snapshots []audit.SourceReputation) error
	LoadReputation() ([]audit.SourceReputation, error)
	GetMetricsOverview() MetricsOverview
}

// MemoryFileStore keeps everything in memory and, when a path is set,
// mirrors the full state to a JSON snapshot on every write. It is the
// default backing when no database DSN is configured.
type MemoryFileStore struct {
	mu         sync.RWMutex
	path       string
	audits     map[string]AuditMeta
	events     map[string][]RunEvent
	activity   []ActivityEvent
	reputation []audit.SourceReputation
	nextSeq    map[string]int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:     path,
		audits:   map[string]AuditMeta{},
		events:   map[string][]RunEvent{},
		activity: []ActivityEvent{},
		nextSeq:  map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryFileStore) CreateAudit(meta AuditMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.audits[meta.AuditID]; exists {
		return fmt.Errorf("audit %s already exists", meta.AuditID)
	}
	s.audits[meta.AuditID] = meta
	if _, ok := s.events[meta.AuditID]; !ok {
		s.events[meta.AuditID] = []RunEvent{}
	}
	if _, ok := s.nextSeq[meta.AuditID]; !ok {
		s.nextSeq[meta.AuditID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateAudit(auditID string, mutate func(*AuditMeta)) (AuditMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.audits[auditID]
	if !ok {
		return AuditMeta{}, fmt.Errorf("audit not found: %s", auditID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	s.audits[auditID] = meta
	if err := s.persistLocked(); err != nil {
		return AuditMeta{}, err
	}
	return meta, nil
}

func (s *MemoryFileStore) GetAudit(auditID string) (AuditMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.audits[auditID]
	return meta, ok
}

func (s *MemoryFileStore) ListAudits(limit int) []AuditMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditMeta, 0, len(s.audits))
	for _, meta := range s.audits {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) ListAuditsByCreator(creatorSub string, limit int) []AuditMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditMeta, 0)
	for _, meta := range s.audits {
		if meta.CreatorSub == creatorSub {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) AppendRunEvent(auditID string, eventType, stage, message string, data map[string]any) (RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.audits[auditID]; !ok {
		return RunEvent{}, fmt.Errorf("audit not found: %s", auditID)
	}
	seq := s.nextSeq[auditID]
	if seq < 1 {
		seq = 1
	}
	event := RunEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Type:      eventType,
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[auditID] = seq + 1
	s.events[auditID] = append(s.events[auditID], event)
	if err := s.persistLocked(); err != nil {
		return RunEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListRunEvents(auditID string, sinceSeq int64) []RunEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[auditID]
	if len(events) == 0 {
		return []RunEvent{}
	}
	out := make([]RunEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) AppendActivity(event ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.activity = append(s.activity, event)
	if len(s.activity) > 5000 {
		s.activity = s.activity[len(s.activity)-5000:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListActivity(limit int) []ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.activity) == 0 {
		return []ActivityEvent{}
	}
	out := make([]ActivityEvent, len(s.activity))
	copy(out, s.activity)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) SaveReputation(snapshots []audit.SourceReputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation = append([]audit.SourceReputation(nil), snapshots...)
	return s.persistLocked()
}

func (s *MemoryFileStore) LoadReputation() ([]audit.SourceReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.SourceReputation(nil), s.reputation...), nil
}

func (s *MemoryFileStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt: nowRFC3339(),
	}
	var durationTotal int64
	durationCount := 0
	var trustTotal float64
	trustCount := 0
	for _, meta := range s.audits {
		overview.TotalAudits++
		switch strings.ToLower(strings.TrimSpace(meta.Status)) {
		case "running", "queued":
			overview.RunningAudits++
		case "error":
			overview.ErrorCount++
		}
		countRiskLevel(&overview, meta.Verdict.RiskLevel)
		if meta.Verdict.DegradedStages > 0 {
			overview.DegradedAudits++
		}
		if meta.Status == "done" {
			trustTotal += float64(meta.Verdict.FinalScore)
			trustCount++
			if d, ok := auditDurationMS(meta); ok {
				durationTotal += d
				durationCount++
			}
		}
	}
	if durationCount > 0 {
		overview.AverageDuration = durationTotal / int64(durationCount)
	}
	if trustCount > 0 {
		overview.AverageTrust = trustTotal / float64(trustCount)
	}
	return overview
}

func countRiskLevel(overview *MetricsOverview, riskLevel string) {
	switch riskLevel {
	case string(audit.RiskTrusted):
		overview.TrustedCount++
	case string(audit.RiskProbablySafe):
		overview.SafeCount++
	case string(audit.RiskSuspicious):
		overview.SuspiciousCount++
	case string(audit.RiskHighRisk):
		overview.HighRiskCount++
	case string(audit.RiskDangerous):
		overview.DangerousCount++
	}
}

func auditDurationMS(meta AuditMeta) (int64, bool) {
	started, err := parseRFC3339(meta.StartedAt)
	if err != nil {
		return 0, false
	}
	finished, err := parseRFC3339(meta.FinishedAt)
	if err != nil {
		return 0, false
	}
	return finished.Sub(started).Milliseconds(), true
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot StoreSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, meta := range snapshot.Audits {
		s.audits[meta.AuditID] = meta
	}
	for auditID, events := range snapshot.Events {
		s.events[auditID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[auditID] = maxSeq + 1
	}
	s.activity = snapshot.Activity
	s.reputation = snapshot.Reputation
	return nil
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	audits := make([]AuditMeta, 0, len(s.audits))
	for _, meta := range s.audits {
		audits = append(audits, meta)
	}
	sort.Slice(audits, func(i, j int) bool {
		return audits[i].CreatedAt < audits[j].CreatedAt
	})
	snapshot := StoreSnapshot{
		Audits:     audits,
		Events:     s.events,
		Activity:   s.activity,
		Reputation: s.reputation,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

func parseRFC3339(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
