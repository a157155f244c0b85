package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/hubd/internal/apierr"
	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/sla"
	"github.com/ocx/hubd/internal/store"
	"github.com/ocx/hubd/internal/task"
	"github.com/ocx/hubd/internal/trust"
	"github.com/ocx/hubd/internal/wire"
)

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Wrap(apierr.KindValidation, "malformed request body", err)
	}
	return nil
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func handleSendMessage(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req sendMessageRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.To == "" || req.Content == "" {
		return nil, apierr.New(apierr.KindValidation, "to and content are required")
	}

	msg := &m.Message{
		ID:        uuid.NewString(),
		From:      conn.Account(),
		To:        req.To,
		Kind:      m.KindMessage,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
	}
	if err := r.store.Append(ctx, msg); err != nil {
		return nil, err
	}
	delivered := r.presence != nil && r.presence.IsConnected(req.To)
	return map[string]interface{}{"delivered": delivered, "queued": !delivered}, nil
}

type readMessagesRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func handleReadMessages(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req readMessagesRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	msgs, err := r.store.GetAll(ctx, conn.Account(), store.GetAllPage{Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": msgs}, nil
}

func handleCountUnread(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	count, err := r.store.CountUnread(ctx, conn.Account())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": count}, nil
}

func handleListAccounts(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return map[string]interface{}{"accounts": r.cfg.Accounts}, nil
}

type handoffTaskRequest struct {
	To      string            `json:"to"`
	Payload m.HandoffPayload  `json:"payload"`
	Context map[string]string `json:"context"`
}

func handleHandoffTask(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req handoffTaskRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.To == "" {
		return nil, apierr.New(apierr.KindValidation, "to is required")
	}

	res, err := r.engine.HandoffTask(ctx, conn.Account(), req.To, &req.Payload, req.Context)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"handoffId": res.HandoffID,
		"taskId":    res.TaskID,
		"delivered": res.Delivered,
		"queued":    res.Queued,
	}
	if len(res.Warnings) > 0 {
		body["sanitization"] = res.Warnings
	}
	return body, nil
}

type handoffAcceptRequest struct {
	HandoffID string `json:"handoffId"`
}

// handleHandoffAccept acknowledges a recipient's receipt of a handoff,
// emits TASK_ASSIGNED, and returns the current task record bound to
// that handoff id (taskId == handoffId by construction; see
// internal/task.Engine.HandoffTask).
func handleHandoffAccept(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req handoffAcceptRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.HandoffID == "" {
		return nil, apierr.New(apierr.KindValidation, "handoffId is required")
	}
	t, err := r.engine.AcceptHandoff(ctx, req.HandoffID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": t}, nil
}

type updateTaskStatusRequest struct {
	TaskID       string        `json:"taskId"`
	Status       m.TaskStatus  `json:"status"`
	Reason       string        `json:"reason"`
	Workspace    *m.Workspace  `json:"workspace"`
	RunExitCodes []int         `json:"runExitCodes"`
}

func handleUpdateTaskStatus(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req updateTaskStatusRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.TaskID == "" || req.Status == "" {
		return nil, apierr.New(apierr.KindValidation, "taskId and status are required")
	}

	res, err := r.engine.UpdateTaskStatus(ctx, task.UpdateStatusRequest{
		TaskID:       req.TaskID,
		Next:         req.Status,
		Reason:       req.Reason,
		Workspace:    req.Workspace,
		RunExitCodes: req.RunExitCodes,
		Verifier:     conn.Account(),
	})
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{"task": res.Task}
	if res.Acceptance != "" {
		body["acceptance"] = res.Acceptance
	}
	return body, nil
}

func handleReportProgress(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var rep m.ProgressReport
	if err := decode(raw, &rep); err != nil {
		return nil, err
	}
	if rep.TaskID == "" {
		return nil, apierr.New(apierr.KindValidation, "taskId is required")
	}
	if rep.Agent == "" {
		rep.Agent = conn.Account()
	}
	if err := r.engine.ReportProgress(ctx, &rep); err != nil {
		return nil, err
	}
	return nil, nil
}

type archiveMessagesRequest struct {
	Days int `json:"days"`
}

func handleArchiveMessages(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req archiveMessagesRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Days <= 0 {
		return nil, apierr.New(apierr.KindValidation, "days must be positive")
	}
	n, err := r.store.ArchiveOlderThan(ctx, req.Days)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"archived": n}, nil
}

type getTrustRequest struct {
	Account string `json:"account"`
}

func handleGetTrust(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req getTrustRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	account := req.Account
	if account == "" {
		account = conn.Account()
	}
	rep, err := r.trust.Get(ctx, account)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"reputation": rep}, nil
}

type suggestAssigneeRequest struct {
	RequiredSkills []string `json:"requiredSkills"`
}

func handleSuggestAssignee(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req suggestAssigneeRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}

	r.cfgMu.RLock()
	candidates := make([]trust.Candidate, 0, len(r.cfg.Accounts))
	for _, a := range r.cfg.Accounts {
		candidates = append(candidates, trust.Candidate{Account: a.Name, Capabilities: a.Capabilities, Excluded: a.Excluded})
	}
	r.cfgMu.RUnlock()

	suggestions, err := r.trust.SuggestAssignee(ctx, req.RequiredSkills, candidates)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"suggestions": suggestions}, nil
}

func handleAdaptiveSLACheck(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	recs, err := sla.Scan(ctx, r, r.slaTh)
	if err != nil {
		return nil, err
	}
	r.RecordEscalations(ctx, recs)
	return map[string]interface{}{"recommendations": recs}, nil
}

// RecordEscalations persists that every task the scan recommended
// escalating was in fact escalated during its life, feeding §4.H's
// SLA-compliance accounting. Marking is best-effort and monotonic: a
// store failure is logged but never fails the scan itself.
func (r *Router) RecordEscalations(ctx context.Context, recs []sla.Recommendation) {
	for _, rec := range recs {
		if rec.Level != m.RecommendEscalate {
			continue
		}
		if err := r.store.MarkEscalated(ctx, rec.TaskID); err != nil {
			r.logger.Warn("router: failed to mark task escalated", "taskId", rec.TaskID, "error", err)
		}
	}
}

// InFlightSnapshots implements sla.Scanner by joining the task store's
// in-flight tasks with each assignee's current quarantine state.
func (r *Router) InFlightSnapshots(ctx context.Context) ([]sla.TaskSnapshot, error) {
	tasks, err := r.store.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]sla.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		quarantined, err := r.trust.IsQuarantined(ctx, t.Assignee)
		if err != nil {
			return nil, err
		}
		snap := sla.TaskSnapshot{
			TaskID:           t.ID,
			Assignee:         t.Assignee,
			Criticality:      t.Payload.Criticality,
			LastTransitionAt: t.UpdatedAt,
			AssigneeQuarantined: quarantined,
		}
		if latest, err := r.store.LatestProgressReport(ctx, t.ID); err == nil && latest != nil {
			snap.Percent = latest.Percent
			snap.LastProgressReportAt = latest.ReportedAt
		}
		out = append(out, snap)
	}
	return out, nil
}

type targetRequest struct {
	Target string `json:"target"`
}

func handleCheckCircuitBreaker(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req targetRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, apierr.New(apierr.KindValidation, "target is required")
	}
	return map[string]interface{}{"status": r.launcher.Status(req.Target)}, nil
}

func handleReinstateAgent(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	var req targetRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, apierr.New(apierr.KindValidation, "target is required")
	}
	r.launcher.Reinstate(req.Target)
	return map[string]interface{}{"reinstated": true}, nil
}

func handleConfigReload(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	fresh, err := reloadConfigFile(r.configPath)
	if err != nil {
		return nil, err
	}

	r.cfgMu.Lock()
	r.cfg = fresh
	accounts := fresh.Accounts
	r.cfgMu.Unlock()

	return map[string]interface{}{"reloaded": true, "accounts": accounts}, nil
}

func handleHealthCheck(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	connected := []string{}
	if r.presence != nil {
		connected = r.presence.ConnectedAccounts()
	}
	return map[string]interface{}{
		"uptime":             time.Since(r.startTime).Seconds(),
		"connectedAccounts":  connected,
	}, nil
}
