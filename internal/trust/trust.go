// Package trust implements the rolling per-agent reputation store and
// capability-based assignee suggestion (spec.md §4.H).
package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocx/hubd/internal/apierr"
	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/storage"
)

// CompletionOutcome summarizes one task's contribution to an
// assignee's rolling reputation.
type CompletionOutcome struct {
	Account          string
	Accepted         bool
	EscalatedDuring  bool
	CompletionTimeMs int64
}

// Store holds per-account reputation state, persisted via the
// embedded relational store.
type Store struct {
	db *storage.DB
	mu sync.Mutex
}

// New constructs a Store backed by db.
func New(db *storage.DB) *Store {
	return &Store{db: db}
}

type record struct {
	TrustScore        float64
	CompletionRate    float64
	SLAComplianceRate float64
	AcceptanceRate    float64
	RecentSamples     int
	LastUpdatedAt     time.Time
	CompletionTimesMs []int64
	LastAcceptedAt    time.Time
	QuarantinedUntil  time.Time
}

// RecordCompletion updates an assignee's rolling counters on
// TASK_COMPLETED, per the weighted formula of spec.md §4.H, and
// persists the result.
func (s *Store) RecordCompletion(ctx context.Context, o CompletionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, o.Account)
	if err != nil {
		return err
	}

	n := float64(rec.RecentSamples)
	completions := rec.CompletionRate*n + 1
	accepts := rec.AcceptanceRate * n
	if o.Accepted {
		accepts++
	}
	slaOK := rec.SLAComplianceRate * n
	if !o.EscalatedDuring {
		slaOK++
	}
	rec.RecentSamples++
	total := float64(rec.RecentSamples)
	rec.CompletionRate = completions / total
	rec.AcceptanceRate = accepts / total
	rec.SLAComplianceRate = slaOK / total

	if o.CompletionTimeMs > 0 {
		rec.CompletionTimesMs = append(rec.CompletionTimesMs, o.CompletionTimeMs)
		if len(rec.CompletionTimesMs) > 50 {
			rec.CompletionTimesMs = rec.CompletionTimesMs[len(rec.CompletionTimesMs)-50:]
		}
	}
	if o.Accepted {
		rec.LastAcceptedAt = time.Now().UTC()
	}
	rec.TrustScore = clamp(100*(0.4*rec.CompletionRate+0.3*rec.AcceptanceRate+0.3*rec.SLAComplianceRate), 0, 100)
	rec.LastUpdatedAt = time.Now().UTC()

	return s.save(ctx, o.Account, rec)
}

// Get returns an account's current reputation summary.
func (s *Store) Get(ctx context.Context, account string) (*m.AgentReputation, error) {
	rec, err := s.load(ctx, account)
	if err != nil {
		return nil, err
	}
	return &m.AgentReputation{
		Account:           account,
		TrustScore:        rec.TrustScore,
		CompletionRate:    rec.CompletionRate,
		SLAComplianceRate: rec.SLAComplianceRate,
		AcceptanceRate:    rec.AcceptanceRate,
		RecentSamples:     rec.RecentSamples,
		LastUpdatedAt:     rec.LastUpdatedAt,
	}, nil
}

// Quarantine marks account quarantined until until.
func (s *Store) Quarantine(ctx context.Context, account string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(ctx, account)
	if err != nil {
		return err
	}
	rec.QuarantinedUntil = until
	return s.save(ctx, account, rec)
}

// IsQuarantined reports whether account is currently quarantined.
func (s *Store) IsQuarantined(ctx context.Context, account string) (bool, error) {
	rec, err := s.load(ctx, account)
	if err != nil {
		return false, err
	}
	return rec.QuarantinedUntil.After(time.Now().UTC()), nil
}

func (s *Store) load(ctx context.Context, account string) (*record, error) {
	row := s.db.Read.QueryRowContext(ctx, `SELECT trust_score, completion_rate, sla_compliance_rate, acceptance_rate,
		recent_samples, last_updated_at, completion_times_ms, last_accepted_at, quarantined_until
		FROM reputations WHERE account = ?`, account)

	var rec record
	var lastUpdated, completionTimesJSON, lastAccepted, quarantinedUntil sql.NullString
	err := row.Scan(&rec.TrustScore, &rec.CompletionRate, &rec.SLAComplianceRate, &rec.AcceptanceRate,
		&rec.RecentSamples, &lastUpdated, &completionTimesJSON, &lastAccepted, &quarantinedUntil)
	if err == sql.ErrNoRows {
		return &record{TrustScore: 50}, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "load reputation", err)
	}
	if lastUpdated.Valid {
		rec.LastUpdatedAt, _ = time.Parse(time.RFC3339Nano, lastUpdated.String)
	}
	if lastAccepted.Valid {
		rec.LastAcceptedAt, _ = time.Parse(time.RFC3339Nano, lastAccepted.String)
	}
	if quarantinedUntil.Valid && quarantinedUntil.String != "" {
		rec.QuarantinedUntil, _ = time.Parse(time.RFC3339Nano, quarantinedUntil.String)
	}
	if completionTimesJSON.Valid && completionTimesJSON.String != "" {
		_ = json.Unmarshal([]byte(completionTimesJSON.String), &rec.CompletionTimesMs)
	}
	return &rec, nil
}

func (s *Store) save(ctx context.Context, account string, rec *record) error {
	completionTimesJSON, err := json.Marshal(rec.CompletionTimesMs)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal completion times", err)
	}
	var lastAccepted, quarantinedUntil interface{}
	if !rec.LastAcceptedAt.IsZero() {
		lastAccepted = rec.LastAcceptedAt.UTC().Format(time.RFC3339Nano)
	}
	if !rec.QuarantinedUntil.IsZero() {
		quarantinedUntil = rec.QuarantinedUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.Write.ExecContext(ctx, `INSERT INTO reputations
		(account, trust_score, completion_rate, sla_compliance_rate, acceptance_rate, recent_samples, last_updated_at, completion_times_ms, last_accepted_at, quarantined_until)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(account) DO UPDATE SET trust_score=excluded.trust_score, completion_rate=excluded.completion_rate,
			sla_compliance_rate=excluded.sla_compliance_rate, acceptance_rate=excluded.acceptance_rate,
			recent_samples=excluded.recent_samples, last_updated_at=excluded.last_updated_at,
			completion_times_ms=excluded.completion_times_ms, last_accepted_at=excluded.last_accepted_at,
			quarantined_until=excluded.quarantined_until`,
		account, rec.TrustScore, rec.CompletionRate, rec.SLAComplianceRate, rec.AcceptanceRate,
		rec.RecentSamples, rec.LastUpdatedAt.UTC().Format(time.RFC3339Nano), string(completionTimesJSON), lastAccepted, quarantinedUntil)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "save reputation", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Candidate is one account considered by SuggestAssignee.
type Candidate struct {
	Account      string
	Capabilities []string
	Excluded     bool
}

// Suggestion is one ranked candidate with its per-factor subscores.
type Suggestion struct {
	Account     string  `json:"account"`
	Score       float64 `json:"score"`
	SkillMatch  float64 `json:"skillMatch"`
	SuccessRate float64 `json:"successRate"`
	SpeedFactor float64 `json:"speedFactor"`
	RecencyBoost float64 `json:"recencyBoost"`
}

// SuggestAssignee ranks candidates for a handoff requiring
// requiredSkills, using the weighted formula of spec.md §4.H.
// Excluded accounts and currently quarantined agents are filtered out.
func (s *Store) SuggestAssignee(ctx context.Context, requiredSkills []string, candidates []Candidate) ([]Suggestion, error) {
	var out []Suggestion
	for _, c := range candidates {
		if c.Excluded {
			continue
		}
		quarantined, err := s.IsQuarantined(ctx, c.Account)
		if err != nil {
			return nil, err
		}
		if quarantined {
			continue
		}

		rec, err := s.load(ctx, c.Account)
		if err != nil {
			return nil, err
		}

		skillMatch := skillMatchFraction(requiredSkills, c.Capabilities)
		speedFactor := speedFactorFromMedian(rec.CompletionTimesMs)
		recencyBoost := recencyBoostFromLastAccepted(rec.LastAcceptedAt)

		score := 0.4*skillMatch + 0.3*rec.AcceptanceRate + 0.2*speedFactor + 0.1*recencyBoost
		out = append(out, Suggestion{
			Account:      c.Account,
			Score:        score,
			SkillMatch:   skillMatch,
			SuccessRate:  rec.AcceptanceRate,
			SpeedFactor:  speedFactor,
			RecencyBoost: recencyBoost,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func skillMatchFraction(required, declared []string) float64 {
	if len(required) == 0 {
		return 1
	}
	have := make(map[string]bool, len(declared))
	for _, c := range declared {
		have[strings.ToLower(c)] = true
	}
	matched := 0
	for _, r := range required {
		if have[strings.ToLower(r)] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// speedFactorFromMedian turns a median completion time into a
// normalized [0,1] speed score: faster than 30 minutes scores 1,
// slower than 8 hours scores 0, linear in between.
func speedFactorFromMedian(timesMs []int64) float64 {
	if len(timesMs) == 0 {
		return 0.5
	}
	sorted := append([]int64(nil), timesMs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]

	const fastMs = 30 * 60 * 1000
	const slowMs = 8 * 60 * 60 * 1000
	if median <= fastMs {
		return 1
	}
	if median >= slowMs {
		return 0
	}
	return 1 - float64(median-fastMs)/float64(slowMs-fastMs)
}

// recencyBoostFromLastAccepted decays linearly from 1 (just accepted)
// to 0 over 7 days since the agent's last accepted task.
func recencyBoostFromLastAccepted(last time.Time) float64 {
	if last.IsZero() {
		return 0
	}
	hours := time.Since(last).Hours()
	const windowHours = 7 * 24
	if hours <= 0 {
		return 1
	}
	if hours >= windowHours {
		return 0
	}
	return 1 - hours/windowHours
}
