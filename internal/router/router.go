// Package router implements the daemon's static request dispatch table
// (spec.md §4.B): one handler per recognized message type, panic
// recovery at the call boundary, and requestId-correlated replies.
// Grounded on the teacher's recover()-at-the-boundary convention in
// internal/circuitbreaker.Execute, generalized from "wrap one guarded
// call" to "wrap every dispatched request".
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/hubd/internal/apierr"
	"github.com/ocx/hubd/internal/config"
	"github.com/ocx/hubd/internal/launcher"
	"github.com/ocx/hubd/internal/sla"
	"github.com/ocx/hubd/internal/store"
	"github.com/ocx/hubd/internal/task"
	"github.com/ocx/hubd/internal/trust"
	"github.com/ocx/hubd/internal/wire"
)

// Presence is the narrow slice of the wire listener the router needs:
// whether an account is currently connected, and which accounts are.
type Presence interface {
	IsConnected(account string) bool
	ConnectedAccounts() []string
}

// handlerFunc is one entry in the static dispatch table. It returns the
// body of a "result" reply, or an error to be converted to an "error"
// reply.
type handlerFunc func(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error)

// Router owns every component handlers dispatch into, and the static
// type -> handlerFunc table built once at construction (spec.md §9
// REDESIGN FLAGS: dispatch is data, not reflection).
type Router struct {
	store     *store.Store
	engine    *task.Engine
	trust     *trust.Store
	launcher  *launcher.Launcher
	slaTh     sla.Thresholds
	presence  Presence
	logger    *slog.Logger
	startTime time.Time

	configPath string
	cfgMu      sync.RWMutex
	cfg        *config.Config

	handlers map[string]handlerFunc
}

// New constructs a Router and builds its static dispatch table.
func New(st *store.Store, engine *task.Engine, trustStore *trust.Store, l *launcher.Launcher, slaTh sla.Thresholds, presence Presence, cfg *config.Config, configPath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		store:      st,
		engine:     engine,
		trust:      trustStore,
		launcher:   l,
		slaTh:      slaTh,
		presence:   presence,
		logger:     logger,
		startTime:  time.Now().UTC(),
		cfg:        cfg,
		configPath: configPath,
	}
	r.handlers = map[string]handlerFunc{
		"ping":                   handlePing,
		"send_message":           handleSendMessage,
		"read_messages":          handleReadMessages,
		"count_unread":           handleCountUnread,
		"list_accounts":          handleListAccounts,
		"handoff_task":           handleHandoffTask,
		"handoff_accept":         handleHandoffAccept,
		"update_task_status":     handleUpdateTaskStatus,
		"report_progress":        handleReportProgress,
		"archive_messages":       handleArchiveMessages,
		"get_trust":              handleGetTrust,
		"suggest_assignee":       handleSuggestAssignee,
		"adaptive_sla_check":     handleAdaptiveSLACheck,
		"check_circuit_breaker":  handleCheckCircuitBreaker,
		"reinstate_agent":        handleReinstateAgent,
		"config_reload":          handleConfigReload,
		"health_check":           handleHealthCheck,
	}
	return r
}

// Dispatch implements wire.Dispatcher. It never lets a handler panic
// escape, and it writes exactly one reply carrying requestID.
func (r *Router) Dispatch(ctx context.Context, conn *wire.Conn, msgType, requestID string, raw json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: recovered handler panic", "type", msgType, "panic", rec)
			conn.WriteJSON(map[string]interface{}{"type": "error", "requestId": requestID, "code": string(apierr.KindInternal), "error": "internal error"})
		}
	}()

	h, ok := r.handlers[msgType]
	if !ok {
		conn.WriteJSON(map[string]interface{}{"type": "error", "requestId": requestID, "code": "not-found", "error": fmt.Sprintf("unrecognized request type %q", msgType)})
		return
	}

	body, err := h(ctx, r, conn, raw)
	if err != nil {
		writeError(conn, requestID, err)
		return
	}
	if body == nil {
		body = map[string]interface{}{}
	}
	replyType := "result"
	if t, ok := body[replyTypeKey]; ok {
		replyType, _ = t.(string)
		delete(body, replyTypeKey)
	}
	body["type"] = replyType
	body["requestId"] = requestID
	conn.WriteJSON(body)
}

// replyTypeKey lets a handler override the default "result" reply type
// (used only by ping, whose reply type is "pong" per spec.md §6).
const replyTypeKey = "__replyType"

func writeError(conn *wire.Conn, requestID string, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		conn.WriteJSON(map[string]interface{}{"type": "error", "requestId": requestID, "code": apiErr.Code, "error": apiErr.Error()})
		return
	}
	conn.WriteJSON(map[string]interface{}{"type": "error", "requestId": requestID, "code": string(apierr.KindInternal), "error": "internal error"})
}

func handlePing(ctx context.Context, r *Router, conn *wire.Conn, raw json.RawMessage) (map[string]interface{}, error) {
	return map[string]interface{}{replyTypeKey: "pong"}, nil
}

// reloadConfigFile re-reads the config file at path for config_reload.
func reloadConfigFile(path string) (*config.Config, error) {
	return config.LoadOrDefault(path)
}
