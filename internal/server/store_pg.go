package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trustaudit/internal/audit"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateAudit(meta AuditMeta) error {
	req, _ := json.Marshal(meta.Request)
	verdict, _ := json.Marshal(meta.Verdict)
	ku, _ := json.Marshal(meta.KeyUsage)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audits (audit_id,status,creator_type,creator_sub,source,request,created_at,verdict,key_usage)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		meta.AuditID, meta.Status, meta.CreatorType, nullStr(meta.CreatorSub),
		meta.Source, req, meta.CreatedAt, verdict, ku)
	return err
}

func (s *PgStore) UpdateAudit(auditID string, mutate func(*AuditMeta)) (AuditMeta, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return AuditMeta{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		`SELECT audit_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,state,verdict,key_usage
		 FROM audits WHERE audit_id=$1 FOR UPDATE`, auditID)
	meta, err := scanAuditMeta(row)
	if err != nil {
		return AuditMeta{}, fmt.Errorf("audit not found: %s", auditID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	req, _ := json.Marshal(meta.Request)
	verdict, _ := json.Marshal(meta.Verdict)
	ku, _ := json.Marshal(meta.KeyUsage)
	var stateJSON []byte
	if meta.State != nil {
		stateJSON, _ = json.Marshal(meta.State)
	}
	_, err = tx.Exec(context.Background(),
		`UPDATE audits SET status=$1,started_at=$2,finished_at=$3,error=$4,state=$5,
		 verdict=$6,key_usage=$7,request=$8 WHERE audit_id=$9`,
		meta.Status, nullStr(meta.StartedAt), nullStr(meta.FinishedAt), meta.Error,
		stateJSON, verdict, ku, req, auditID)
	if err != nil {
		return AuditMeta{}, err
	}
	return meta, tx.Commit(context.Background())
}

func (s *PgStore) GetAudit(auditID string) (AuditMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT audit_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,state,verdict,key_usage
		 FROM audits WHERE audit_id=$1`, auditID)
	meta, err := scanAuditMeta(row)
	if err != nil {
		return AuditMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListAudits(limit int) []AuditMeta {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT audit_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,state,verdict,key_usage
		 FROM audits ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []AuditMeta
	for rows.Next() {
		meta, err := scanAuditMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []AuditMeta{}
	}
	return out
}

func (s *PgStore) ListAuditsByCreator(creatorSub string, limit int) []AuditMeta {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT audit_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,state,verdict,key_usage
		 FROM audits WHERE creator_sub=$1 ORDER BY created_at DESC LIMIT $2`, creatorSub, limit)
	if err != nil {
		return []AuditMeta{}
	}
	defer rows.Close()
	var out []AuditMeta
	for rows.Next() {
		meta, err := scanAuditMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []AuditMeta{}
	}
	return out
}

func (s *PgStore) AppendRunEvent(auditID string, eventType, stage, message string, data map[string]any) (RunEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO audit_run_events (audit_id, seq, event_type, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM audit_run_events WHERE audit_id=$1),0)+1, $2, $3, $4, $5)
		 RETURNING seq, timestamp`, auditID, eventType, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return RunEvent{}, err
	}
	return RunEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Type:      eventType,
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListRunEvents(auditID string, sinceSeq int64) []RunEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, event_type, stage, message, data
		 FROM audit_run_events WHERE audit_id=$1 AND seq>$2 ORDER BY seq`, auditID, sinceSeq)
	if err != nil {
		return []RunEvent{}
	}
	defer rows.Close()
	var out []RunEvent
	for rows.Next() {
		var e RunEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Type, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	if out == nil {
		return []RunEvent{}
	}
	return out
}

func (s *PgStore) AppendActivity(event ActivityEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO activity_events (timestamp,audit_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Timestamp, nullStr(event.AuditID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.UAHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListActivity(limit int) []ActivityEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,audit_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail
		 FROM activity_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []ActivityEvent{}
	}
	defer rows.Close()
	var out []ActivityEvent
	for rows.Next() {
		var a ActivityEvent
		var ts time.Time
		var auditID, actorSub, ipHash, uaHash, detail *string
		if err := rows.Scan(&ts, &auditID, &a.ActorType, &actorSub, &a.Action, &a.Result, &ipHash, &uaHash, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.AuditID = deref(auditID)
		a.ActorSub = deref(actorSub)
		a.IPHash = deref(ipHash)
		a.UAHash = deref(uaHash)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	if out == nil {
		return []ActivityEvent{}
	}
	return out
}

// SaveReputation upserts one row per source so the learning state survives
// restarts.
func (s *PgStore) SaveReputation(snapshots []audit.SourceReputation) error {
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode reputation for %s: %w", snap.Source, err)
		}
		_, err = s.pool.Exec(context.Background(),
			`INSERT INTO reputation_snapshots (source, snapshot, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (source) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=now()`,
			snap.Source, payload)
		if err != nil {
			return fmt.Errorf("save reputation for %s: %w", snap.Source, err)
		}
	}
	return nil
}

func (s *PgStore) LoadReputation() ([]audit.SourceReputation, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT snapshot FROM reputation_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("load reputation: %w", err)
	}
	defer rows.Close()
	var out []audit.SourceReputation
	for rows.Next() {
		var payload []byte
		if rows.Scan(&payload) != nil {
			continue
		}
		var snap audit.SourceReputation
		if json.Unmarshal(payload, &snap) != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('running','queued')),
			COUNT(*) FILTER (WHERE status='error'),
			COUNT(*) FILTER (WHERE verdict->>'risk_level'='TRUSTED'),
			COUNT(*) FILTER (WHERE verdict->>'risk_level'='PROBABLY_SAFE'),
			COUNT(*) FILTER (WHERE verdict->>'risk_level'='SUSPICIOUS'),
			COUNT(*) FILTER (WHERE verdict->>'risk_level'='HIGH_RISK'),
			COUNT(*) FILTER (WHERE verdict->>'risk_level'='DANGEROUS'),
			COUNT(*) FILTER (WHERE (verdict->>'degraded_stages')::int > 0),
			COALESCE(AVG((verdict->>'final_score')::float) FILTER (WHERE status='done'),0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at::timestamptz - started_at::timestamptz))*1000)
				FILTER (WHERE status='done' AND started_at IS NOT NULL AND finished_at IS NOT NULL),0)::bigint
		 FROM audits`).Scan(
		&overview.TotalAudits, &overview.RunningAudits, &overview.ErrorCount,
		&overview.TrustedCount, &overview.SafeCount, &overview.SuspiciousCount,
		&overview.HighRiskCount, &overview.DangerousCount, &overview.DegradedAudits,
		&overview.AverageTrust, &overview.AverageDuration)
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanAuditMeta(row scannable) (AuditMeta, error) {
	var m AuditMeta
	var reqJSON, verdictJSON, kuJSON []byte
	var stateJSON []byte
	var startedAt, finishedAt, creatorSub, source, errStr *string
	err := row.Scan(&m.AuditID, &m.Status, &m.CreatorType, &creatorSub,
		&source, &reqJSON, &startedAt, &finishedAt, &m.CreatedAt,
		&errStr, &stateJSON, &verdictJSON, &kuJSON)
	if err != nil {
		return AuditMeta{}, err
	}
	m.CreatorSub = deref(creatorSub)
	m.Source = deref(source)
	m.StartedAt = deref(startedAt)
	m.FinishedAt = deref(finishedAt)
	m.Error = deref(errStr)
	_ = json.Unmarshal(reqJSON, &m.Request)
	_ = json.Unmarshal(verdictJSON, &m.Verdict)
	_ = json.Unmarshal(kuJSON, &m.KeyUsage)
	if len(stateJSON) > 0 {
		var state audit.AuditState
		if json.Unmarshal(stateJSON, &state) == nil {
			m.State = &state
		}
	}
	return m, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
