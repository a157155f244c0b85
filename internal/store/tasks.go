package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ocx/hubd/internal/apierr"
	m "github.com/ocx/hubd/internal/model"
)

// SaveTask inserts or replaces a task row, including its full event
// log (spec.md §4.C: "persist tasks").
func (s *Store) SaveTask(ctx context.Context, t *m.Task) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal task payload", err)
	}
	workspaceJSON, err := marshalOrEmpty(t.Workspace)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal task workspace", err)
	}

	escalated := 0
	if t.Escalated {
		escalated = 1
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks
			(id, title, status, assignee, delegator, created_at, updated_at, payload, workspace, reject_reason, escalated)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET title=excluded.title, status=excluded.status, assignee=excluded.assignee,
				delegator=excluded.delegator, updated_at=excluded.updated_at, payload=excluded.payload,
				workspace=excluded.workspace, reject_reason=excluded.reject_reason, escalated=excluded.escalated`,
			t.ID, t.Title, string(t.Status), t.Assignee, t.Delegator,
			t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
			string(payloadJSON), workspaceJSON, t.RejectReason, escalated)
		if err != nil {
			return apierr.Wrap(apierr.KindIO, "upsert task", err)
		}

		for seq, evt := range t.Events {
			dataJSON, err := marshalOrEmpty(evt.Data)
			if err != nil {
				return apierr.Wrap(apierr.KindInternal, "marshal task event data", err)
			}
			_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_events (task_id, seq, type, timestamp, data)
				VALUES (?,?,?,?,?)`, t.ID, seq, string(evt.Type), evt.Timestamp.UTC().Format(time.RFC3339Nano), dataJSON)
			if err != nil {
				return apierr.Wrap(apierr.KindIO, "insert task event", err)
			}
		}
		return nil
	})
}

// GetTask loads a task by id, including its event log.
func (s *Store) GetTask(ctx context.Context, id string) (*m.Task, error) {
	var t m.Task
	var status, createdAt, updatedAt, payloadJSON string
	var workspaceJSON sql.NullString
	var escalated int
	row := s.db.Read.QueryRowContext(ctx, `SELECT id, title, status, assignee, delegator, created_at, updated_at, payload, workspace, reject_reason, escalated
		FROM tasks WHERE id = ?`, id)
	if err := row.Scan(&t.ID, &t.Title, &status, &t.Assignee, &t.Delegator, &createdAt, &updatedAt, &payloadJSON, &workspaceJSON, &t.RejectReason, &escalated); err != nil {
		if err == sql.ErrNoRows {
			return nil, apierr.Newf(apierr.KindNotFound, "no task %s", id)
		}
		return nil, apierr.Wrap(apierr.KindIO, "query task", err)
	}
	t.Escalated = escalated != 0
	t.Status = m.TaskStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "unmarshal task payload", err)
	}
	if workspaceJSON.Valid && workspaceJSON.String != "" {
		var ws m.Workspace
		if err := json.Unmarshal([]byte(workspaceJSON.String), &ws); err == nil {
			t.Workspace = &ws
		}
	}

	rows, err := s.db.Read.QueryContext(ctx, `SELECT type, timestamp, data FROM task_events WHERE task_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "query task events", err)
	}
	defer rows.Close()
	for rows.Next() {
		var evt m.TaskEvent
		var typ, ts string
		var dataJSON sql.NullString
		if err := rows.Scan(&typ, &ts, &dataJSON); err != nil {
			return nil, apierr.Wrap(apierr.KindIO, "scan task event", err)
		}
		evt.Type = m.TaskEventType(typ)
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if dataJSON.Valid && dataJSON.String != "" {
			_ = json.Unmarshal([]byte(dataJSON.String), &evt.Data)
		}
		t.Events = append(t.Events, evt)
	}
	return &t, nil
}

// ListInFlight returns every task in in_progress or ready_for_review,
// the exact stale-task scan set of spec.md §4.F ("iterate in-flight
// tasks (in_progress, ready_for_review)"). A todo task has no assignee
// progress to go stale yet, so it is excluded.
func (s *Store) ListInFlight(ctx context.Context) ([]*m.Task, error) {
	rows, err := s.db.Read.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN ('in_progress','ready_for_review')`)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "query in-flight tasks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apierr.Wrap(apierr.KindIO, "scan in-flight task id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	out := make([]*m.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// MarkEscalated records that a task was escalated by the SLA scan at
// some point during its life, for §4.H's SLA-compliance accounting.
// It is monotonic: once set it is never cleared by a later scan.
func (s *Store) MarkEscalated(ctx context.Context, taskID string) error {
	_, err := s.db.Write.ExecContext(ctx, `UPDATE tasks SET escalated = 1 WHERE id = ?`, taskID)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "mark task escalated", err)
	}
	return nil
}

// SaveProgressReport appends a new progress sample for a task.
func (s *Store) SaveProgressReport(ctx context.Context, r *m.ProgressReport) error {
	artifactsJSON, err := marshalOrEmpty(r.ArtifactsProduced)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal progress artifacts", err)
	}
	var seq int
	err = s.db.Read.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM progress_reports WHERE task_id = ?`, r.TaskID).Scan(&seq)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "compute progress report sequence", err)
	}
	_, err = s.db.Write.ExecContext(ctx, `INSERT INTO progress_reports
		(task_id, seq, agent, percent, current_step, blockers, estimated_remaining_minutes, artifacts_produced, reported_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.TaskID, seq, r.Agent, r.Percent, r.CurrentStep, r.Blockers, r.EstimatedRemainingMinutes, artifactsJSON, r.ReportedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "insert progress report", err)
	}
	return nil
}

// LatestProgressReport returns the most recent progress sample for a
// task, or nil if none has been reported.
func (s *Store) LatestProgressReport(ctx context.Context, taskID string) (*m.ProgressReport, error) {
	row := s.db.Read.QueryRowContext(ctx, `SELECT agent, percent, current_step, blockers, estimated_remaining_minutes, artifacts_produced, reported_at
		FROM progress_reports WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID)
	var r m.ProgressReport
	r.TaskID = taskID
	var blockers sql.NullString
	var remaining sql.NullFloat64
	var artifactsJSON sql.NullString
	var reportedAt string
	if err := row.Scan(&r.Agent, &r.Percent, &r.CurrentStep, &blockers, &remaining, &artifactsJSON, &reportedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindIO, "query latest progress report", err)
	}
	r.Blockers = blockers.String
	r.EstimatedRemainingMinutes = remaining.Float64
	r.ReportedAt, _ = time.Parse(time.RFC3339Nano, reportedAt)
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		_ = json.Unmarshal([]byte(artifactsJSON.String), &r.ArtifactsProduced)
	}
	return &r, nil
}

// SaveReceipt persists a task's terminal verification receipt.
func (s *Store) SaveReceipt(ctx context.Context, r *m.VerificationReceipt) error {
	passed := 0
	if r.Passed {
		passed = 1
	}
	_, err := s.db.Write.ExecContext(ctx, `INSERT INTO verification_receipts
		(task_id, verifier, verdict, spec_hash, signature, issued_at, passed)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET verifier=excluded.verifier, verdict=excluded.verdict,
			spec_hash=excluded.spec_hash, signature=excluded.signature, issued_at=excluded.issued_at, passed=excluded.passed`,
		r.TaskID, r.Verifier, string(r.Verdict), r.SpecHash, r.Signature, r.IssuedAt.UTC().Format(time.RFC3339Nano), passed)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "save verification receipt", err)
	}
	return nil
}
