package task

import (
	"github.com/ocx/hubd/internal/apierr"
	m "github.com/ocx/hubd/internal/model"
)

// transitions enumerates every legal edge of the task lifecycle FSM
// (spec.md §3). Anything not listed here is rejected.
var transitions = map[m.TaskStatus]map[m.TaskStatus]bool{
	m.StatusTodo:           {m.StatusInProgress: true},
	m.StatusInProgress:     {m.StatusReadyForReview: true},
	m.StatusReadyForReview: {m.StatusAccepted: true, m.StatusRejected: true},
}

// CheckTransition validates a requested status change without applying
// it. reason is the rejection reason, required only when next is
// StatusRejected.
func CheckTransition(current, next m.TaskStatus, reason string) error {
	if current == m.StatusAccepted || current == m.StatusRejected {
		return apierr.Newf(apierr.KindInvalidTransition, "task in terminal state %q cannot transition", current)
	}
	allowed, ok := transitions[current]
	if !ok || !allowed[next] {
		return apierr.Newf(apierr.KindInvalidTransition, "illegal transition %s -> %s", current, next)
	}
	if next == m.StatusRejected && reason == "" {
		return apierr.New(apierr.KindInvalidTransition, "rejected requires a non-empty reason")
	}
	return nil
}

// EventForTransition returns the event type emitted for the given edge
// (spec.md §4.C), and whether an event is emitted at all. Moving from
// in_progress to ready_for_review always emits a checkpoint, whatever
// percent was last reported via report_progress.
func EventForTransition(current, next m.TaskStatus) (m.TaskEventType, bool) {
	switch {
	case current == m.StatusTodo && next == m.StatusInProgress:
		return m.EventTaskStarted, true
	case current == m.StatusInProgress && next == m.StatusReadyForReview:
		return m.EventCheckpoint, true
	case current == m.StatusReadyForReview && (next == m.StatusAccepted || next == m.StatusRejected):
		return m.EventTaskCompleted, true
	default:
		return "", false
	}
}
