package task

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/hubd/internal/gate"
	m "github.com/ocx/hubd/internal/model"
	"github.com/ocx/hubd/internal/storage"
	"github.com/ocx/hubd/internal/store"
)

type recordingBus struct {
	mu     sync.Mutex
	events []m.TaskEventType
}

func (b *recordingBus) Emit(eventType m.TaskEventType, taskID string, data map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
}

func (b *recordingBus) snapshot() []m.TaskEventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]m.TaskEventType(nil), b.events...)
}

type alwaysDisconnected struct{}

func (alwaysDisconnected) IsConnected(string) bool { return false }

func newTestEngine(t *testing.T, maxDepth int) (*Engine, *recordingBus) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hub.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, filepath.Join(t.TempDir(), "handoffs"))
	require.NoError(t, err)

	bus := &recordingBus{}
	signer := gate.NewSigner([]byte("test-secret"))
	return New(st, bus, alwaysDisconnected{}, signer, maxDepth), bus
}

func samplePayload() *m.HandoffPayload {
	return &m.HandoffPayload{
		Goal:               "Build REST API",
		AcceptanceCriteria: []string{"Endpoints respond"},
		RunCommands:        []string{"echo ok"},
		BlockedBy:          []string{"none"},
		Complexity:         m.ComplexityMedium,
	}
}

func TestHandoffLifecycleProducesExpectedEventSequence(t *testing.T) {
	e, bus := newTestEngine(t, 0)
	ctx := context.Background()

	res, err := e.HandoffTask(ctx, "claude", "codex", samplePayload(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.HandoffID)
	require.Equal(t, res.HandoffID, res.TaskID)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusInProgress})
	require.NoError(t, err)

	require.NoError(t, e.ReportProgress(ctx, &m.ProgressReport{TaskID: res.TaskID, Agent: "codex", Percent: 50, CurrentStep: "writing handlers"}))

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusReadyForReview})
	require.NoError(t, err)

	result, err := e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusAccepted, Verifier: "codex-reviewer"})
	require.NoError(t, err)
	require.Equal(t, m.StatusAccepted, result.Task.Status)

	require.Equal(t, []m.TaskEventType{
		m.EventTaskCreated,
		m.EventTaskStarted,
		m.EventProgressUpdate,
		m.EventCheckpoint,
		m.EventTaskCompleted,
		m.EventTaskVerified,
	}, bus.snapshot())
}

func TestRejectedRequiresNonEmptyReason(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	ctx := context.Background()

	res, err := e.HandoffTask(ctx, "claude", "codex", samplePayload(), nil)
	require.NoError(t, err)
	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusInProgress})
	require.NoError(t, err)
	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusReadyForReview})
	require.NoError(t, err)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusRejected})
	require.Error(t, err)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusRejected, Reason: "does not meet acceptance criteria"})
	require.NoError(t, err)
}

func TestIllegalTransitionRejected(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	ctx := context.Background()

	res, err := e.HandoffTask(ctx, "claude", "codex", samplePayload(), nil)
	require.NoError(t, err)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusAccepted})
	require.Error(t, err)
}

func TestDelegationDepthExceeded(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	ctx := context.Background()

	within := samplePayload()
	within.DelegationDepth = 1
	_, err := e.HandoffTask(ctx, "claude", "codex", within, nil)
	require.NoError(t, err)

	exceeded := samplePayload()
	exceeded.DelegationDepth = 3
	exceeded.ParentHandoffID = "p"
	_, err = e.HandoffTask(ctx, "claude", "codex", exceeded, nil)
	require.Error(t, err)
}

func TestReceiptBindingDoesNotConfuseSiblingHandoffs(t *testing.T) {
	e, bus := newTestEngine(t, 0)
	ctx := context.Background()

	h1Payload := samplePayload()
	h1Payload.Goal = "task one goal"
	h1, err := e.HandoffTask(ctx, "claude", "codex", h1Payload, nil)
	require.NoError(t, err)

	h2Payload := samplePayload()
	h2Payload.Goal = "task two goal, a different handoff to the same recipient"
	h2, err := e.HandoffTask(ctx, "claude", "codex", h2Payload, nil)
	require.NoError(t, err)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: h2.TaskID, Next: m.StatusInProgress})
	require.NoError(t, err)
	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: h2.TaskID, Next: m.StatusReadyForReview})
	require.NoError(t, err)
	result, err := e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: h2.TaskID, Next: m.StatusAccepted})
	require.NoError(t, err)

	h1Hash, err := gate.SpecHash(h1Payload)
	require.NoError(t, err)

	var verifiedCount int
	for _, evt := range bus.snapshot() {
		if evt == m.EventTaskVerified {
			verifiedCount++
		}
	}
	require.Equal(t, 1, verifiedCount)
	require.NotEqual(t, h1Hash, result.Task.Events[len(result.Task.Events)-1].Data["specHash"])
}

func TestLowCriticalityAutoTestableAutoAccepts(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	ctx := context.Background()

	p := samplePayload()
	p.Criticality = m.CriticalityLow
	p.Verifiability = m.VerifiabilityAutoTestable
	res, err := e.HandoffTask(ctx, "claude", "codex", p, nil)
	require.NoError(t, err)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusInProgress})
	require.NoError(t, err)

	result, err := e.UpdateTaskStatus(ctx, UpdateStatusRequest{
		TaskID: res.TaskID, Next: m.StatusReadyForReview,
		Workspace: &m.Workspace{Path: "/tmp/work"}, RunExitCodes: []int{0},
	})
	require.NoError(t, err)
	require.Equal(t, "auto", result.Acceptance)
	require.Equal(t, m.StatusAccepted, result.Task.Status)
}

func TestCriticalStaysBlockedInReadyForReview(t *testing.T) {
	e, _ := newTestEngine(t, 0)
	ctx := context.Background()

	p := samplePayload()
	p.Criticality = m.CriticalityCritical
	res, err := e.HandoffTask(ctx, "claude", "codex", p, nil)
	require.NoError(t, err)

	_, err = e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusInProgress})
	require.NoError(t, err)

	result, err := e.UpdateTaskStatus(ctx, UpdateStatusRequest{TaskID: res.TaskID, Next: m.StatusReadyForReview})
	require.NoError(t, err)
	require.Equal(t, "blocked", result.Acceptance)
	require.Equal(t, m.StatusReadyForReview, result.Task.Status)
}
