package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	m "github.com/ocx/hubd/internal/model"
)

func TestOnlyReachableTerminalStatesAreAcceptedAndRejected(t *testing.T) {
	require.NoError(t, CheckTransition(m.StatusTodo, m.StatusInProgress, ""))
	require.NoError(t, CheckTransition(m.StatusInProgress, m.StatusReadyForReview, ""))
	require.NoError(t, CheckTransition(m.StatusReadyForReview, m.StatusAccepted, ""))
	require.NoError(t, CheckTransition(m.StatusReadyForReview, m.StatusRejected, "reason"))

	require.Error(t, CheckTransition(m.StatusTodo, m.StatusReadyForReview, ""))
	require.Error(t, CheckTransition(m.StatusTodo, m.StatusAccepted, ""))
	require.Error(t, CheckTransition(m.StatusAccepted, m.StatusInProgress, ""))
	require.Error(t, CheckTransition(m.StatusRejected, m.StatusInProgress, ""))
}

func TestRejectedWithoutReasonIsInvalid(t *testing.T) {
	require.Error(t, CheckTransition(m.StatusReadyForReview, m.StatusRejected, ""))
}
