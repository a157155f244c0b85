// Package task implements the task & handoff engine: input
// sanitization, structural validation, delegation-depth enforcement,
// persistence, and the lifecycle FSM (spec.md §4.C).
package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/hubd/internal/apierr"
	"github.com/ocx/hubd/internal/gate"
	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/store"
)

// EventEmitter is the narrow slice of the event bus the engine needs.
type EventEmitter interface {
	Emit(eventType m.TaskEventType, taskID string, data map[string]interface{})
}

// PresenceChecker reports whether an account currently has an
// authenticated connection, used to decide delivered vs queued.
type PresenceChecker interface {
	IsConnected(account string) bool
}

// Engine drives the task & handoff lifecycle. One Engine is
// constructed per daemon instance.
type Engine struct {
	store    *store.Store
	bus      EventEmitter
	presence PresenceChecker
	signer   *gate.Signer
	maxDepth int
}

// New constructs an Engine. maxDepth <= 0 disables depth enforcement.
func New(st *store.Store, bus EventEmitter, presence PresenceChecker, signer *gate.Signer, maxDepth int) *Engine {
	return &Engine{store: st, bus: bus, presence: presence, signer: signer, maxDepth: maxDepth}
}

// HandoffResult is the reply shape for handoff_task.
type HandoffResult struct {
	HandoffID string
	TaskID    string
	Delivered bool
	Queued    bool
	Warnings  []string
}

// HandoffTask validates, sanitizes, persists, and delivers a new
// handoff (spec.md §4.C).
func (e *Engine) HandoffTask(ctx context.Context, from, to string, payload *m.HandoffPayload, reqContext map[string]string) (*HandoffResult, error) {
	sanitized := Sanitize(payload, reqContext)
	if sanitized.Blocked {
		return nil, apierr.New(apierr.KindSanitizationBlock, sanitized.Reason)
	}
	clean := sanitized.Payload

	if err := Validate(clean); err != nil {
		return nil, err
	}
	if err := CheckDepth(clean, e.maxDepth); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	t := &m.Task{
		ID:        id,
		Title:     clean.Goal,
		Status:    m.StatusTodo,
		Assignee:  to,
		Delegator: from,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   *clean,
		Events: []m.TaskEvent{{
			Type:      m.EventTaskCreated,
			Timestamp: now,
			Data: map[string]interface{}{
				"delegator":     from,
				"delegatee":     to,
				"criticality":   string(clean.Criticality),
				"complexity":    string(clean.Complexity),
				"reversibility": string(clean.Reversibility),
			},
		}},
	}
	if err := e.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}

	msg := &m.Message{
		ID:        id,
		From:      from,
		To:        to,
		Kind:      m.KindHandoff,
		Content:   clean.Goal,
		Timestamp: now,
		Context:   reqContext,
		Payload:   clean,
	}
	if err := e.store.Append(ctx, msg); err != nil {
		return nil, err
	}

	e.bus.Emit(m.EventTaskCreated, id, map[string]interface{}{"delegator": from, "delegatee": to})

	delivered := e.presence != nil && e.presence.IsConnected(to)
	return &HandoffResult{
		HandoffID: id,
		TaskID:    id,
		Delivered: delivered,
		Queued:    !delivered,
		Warnings:  sanitized.Warnings,
	}, nil
}

// AcceptHandoff records a recipient's acknowledgment of a handoff,
// emitting TASK_ASSIGNED (spec.md §3/§11: "(TASK_ASSIGNED on accept,)")
// and returning the current task record bound to that handoff id
// (taskId == handoffId by construction; see HandoffTask above).
func (e *Engine) AcceptHandoff(ctx context.Context, handoffID string) (*m.Task, error) {
	t, err := e.store.GetTask(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t.Events = append(t.Events, m.TaskEvent{Type: m.EventTaskAssigned, Timestamp: now, Data: map[string]interface{}{"assignee": t.Assignee}})
	e.bus.Emit(m.EventTaskAssigned, t.ID, map[string]interface{}{"assignee": t.Assignee})
	if err := e.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateStatusRequest carries the fields of an update_task_status
// request relevant to the engine.
type UpdateStatusRequest struct {
	TaskID        string
	Next          m.TaskStatus
	Reason        string
	Workspace     *m.Workspace
	RunExitCodes  []int // present only when the caller is reporting workspace run_command outcomes
	Verifier      string
}

// UpdateStatusResult is the reply shape for update_task_status.
type UpdateStatusResult struct {
	Task       *m.Task
	Acceptance string // "", "blocked", "auto"
}

// UpdateTaskStatus enforces the lifecycle FSM, runs the auto-
// acceptance gate on entry to ready_for_review, and issues a
// verification receipt on any terminal transition (spec.md §4.C/§4.G).
func (e *Engine) UpdateTaskStatus(ctx context.Context, req UpdateStatusRequest) (*UpdateStatusResult, error) {
	t, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	if err := CheckTransition(t.Status, req.Next, req.Reason); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	prevStatus := t.Status
	t.Status = req.Next
	t.UpdatedAt = now
	if req.Workspace != nil {
		t.Workspace = req.Workspace
	}
	if req.Next == m.StatusRejected {
		t.RejectReason = req.Reason
	}

	if evtType, ok := EventForTransition(prevStatus, req.Next); ok {
		t.Events = append(t.Events, m.TaskEvent{Type: evtType, Timestamp: now, Data: map[string]interface{}{"from": string(prevStatus), "to": string(req.Next)}})
		e.bus.Emit(evtType, t.ID, map[string]interface{}{"from": string(prevStatus), "to": string(req.Next)})
	}

	result := &UpdateStatusResult{Task: t}

	if req.Next == m.StatusReadyForReview {
		classification := gate.Classify(&t.Payload)
		action := classification.Action
		if req.RunExitCodes != nil {
			action = gate.Resolve(classification, req.RunExitCodes)
		} else if classification.Action == gate.ActionAutoAccept {
			// no workspace result reported yet: cannot confirm zero exit
			// codes, so the spec's fallback applies.
			action = gate.ActionRequireAcceptance
		}

		switch {
		case classification.Friction == gate.FrictionBlocking:
			result.Acceptance = "blocked"
		case action == gate.ActionAutoAccept:
			if err := e.store.SaveTask(ctx, t); err != nil {
				return nil, err
			}
			accepted, err := e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: t.ID, Next: m.StatusAccepted, Verifier: "gate"})
			if err != nil {
				return nil, err
			}
			accepted.Acceptance = "auto"
			return accepted, nil
		case action == gate.ActionRequireElevatedReview, action == gate.ActionRequireJustification:
			result.Acceptance = "blocked"
		default:
			result.Acceptance = ""
		}
	}

	if req.Next == m.StatusAccepted || req.Next == m.StatusRejected {
		if err := e.issueReceipt(ctx, t, req.Next, req.Verifier, now); err != nil {
			return nil, err
		}
	}

	if err := e.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	return result, nil
}

// issueReceipt binds a verification receipt to the exact handoff
// payload for t.ID, never falling back to a sibling handoff (spec.md
// §4.C "Receipt binding").
func (e *Engine) issueReceipt(ctx context.Context, t *m.Task, next m.TaskStatus, verifier string, now time.Time) error {
	payload, err := e.store.HandoffPayloadByID(ctx, t.ID)
	if err != nil {
		payload = &t.Payload
	}
	specHash, err := gate.SpecHash(payload)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "compute spec hash", err)
	}

	verdict := m.VerdictAccepted
	if next == m.StatusRejected {
		verdict = m.VerdictRejected
	}
	if verifier == "" {
		verifier = "gate"
	}
	receipt := e.signer.Issue(t.ID, verifier, specHash, verdict, now)
	if err := e.store.SaveReceipt(ctx, receipt); err != nil {
		return err
	}

	t.Events = append(t.Events, m.TaskEvent{Type: m.EventTaskVerified, Timestamp: now, Data: map[string]interface{}{"verdict": string(verdict), "specHash": specHash}})
	e.bus.Emit(m.EventTaskVerified, t.ID, map[string]interface{}{"verdict": string(verdict), "specHash": specHash})
	return nil
}

// ReportProgress records a new progress sample and emits PROGRESS_UPDATE.
func (e *Engine) ReportProgress(ctx context.Context, r *m.ProgressReport) error {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	if err := e.store.SaveProgressReport(ctx, r); err != nil {
		return err
	}
	e.bus.Emit(m.EventProgressUpdate, r.TaskID, map[string]interface{}{"percent": r.Percent, "currentStep": r.CurrentStep})
	return nil
}
