package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	m "github.com/ocx/hubd/internal/model"
)

func TestValidateRequiresNonEmptyFields(t *testing.T) {
	err := Validate(&m.HandoffPayload{})
	require.Error(t, err)
}

func TestValidateAcceptsMinimalValidPayload(t *testing.T) {
	err := Validate(&m.HandoffPayload{
		Goal:               "do it",
		AcceptanceCriteria: []string{"done"},
		RunCommands:        []string{"true"},
		BlockedBy:          []string{"none"},
	})
	require.NoError(t, err)
}

func TestCheckDepthRejectsAtOrAboveMax(t *testing.T) {
	p := &m.HandoffPayload{DelegationDepth: 3}
	require.Error(t, CheckDepth(p, 2))

	p.DelegationDepth = 1
	require.NoError(t, CheckDepth(p, 2))

	p.DelegationDepth = 100
	require.NoError(t, CheckDepth(p, 0), "maxDepth <= 0 means unconfigured")
}
