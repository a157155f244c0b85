package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	m "github.com/ocx/hubd/internal/model"
)

func TestClassifyBlockingFriction(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityHigh, Reversibility: m.ReversibilityIrreversible}
	c := Classify(p)
	require.Equal(t, FrictionBlocking, c.Friction)
	require.Equal(t, ActionRequireElevatedReview, c.Action)
}

func TestClassifyCriticalWarningAndElevatedReview(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityCritical, Reversibility: m.ReversibilityReversible}
	c := Classify(p)
	require.Equal(t, FrictionWarning, c.Friction)
	require.Equal(t, ActionRequireElevatedReview, c.Action)
}

func TestClassifyIrreversibleHighComplexityWarns(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityMedium, Reversibility: m.ReversibilityIrreversible, Complexity: m.ComplexityHigh}
	c := Classify(p)
	require.Equal(t, FrictionWarning, c.Friction)
}

func TestClassifyHighIrreversibleIsBlocking(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityHigh, Reversibility: m.ReversibilityIrreversible}
	c := Classify(p)
	require.Equal(t, FrictionBlocking, c.Friction, "high+irreversible is blocking per the friction rule, checked first")
}

func TestClassifyLowAutoTestableAutoAccepts(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityLow, Verifiability: m.VerifiabilityAutoTestable}
	c := Classify(p)
	require.Equal(t, FrictionNone, c.Friction)
	require.Equal(t, ActionAutoAccept, c.Action)
}

func TestClassifyDefaultRequiresAcceptance(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityMedium}
	c := Classify(p)
	require.Equal(t, ActionRequireAcceptance, c.Action)
}

func TestResolveFallsBackWhenRunCommandsFail(t *testing.T) {
	p := &m.HandoffPayload{Criticality: m.CriticalityLow, Verifiability: m.VerifiabilityAutoTestable}
	c := Classify(p)
	require.Equal(t, ActionRequireAcceptance, Resolve(c, []int{0, 1}))
	require.Equal(t, ActionAutoAccept, Resolve(c, []int{0, 0}))
}

func TestSignerBindsReceiptToExactPayload(t *testing.T) {
	signer := NewSigner([]byte("daemon-secret"))
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h1 := &m.HandoffPayload{Goal: "first"}
	h2 := &m.HandoffPayload{Goal: "second"}
	hash1, err := SpecHash(h1)
	require.NoError(t, err)
	hash2, err := SpecHash(h2)
	require.NoError(t, err)
	require.NotEqual(t, hash1, hash2)

	receipt := signer.Issue("T2", "gate", hash2, m.VerdictAccepted, issuedAt)
	require.NotEqual(t, hash1, receipt.SpecHash)
	require.True(t, signer.Verify(receipt))

	tampered := *receipt
	tampered.SpecHash = hash1
	require.False(t, signer.Verify(&tampered))
}
