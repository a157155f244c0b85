// Package gate implements the auto-acceptance gate: cognitive-friction
// classification and signed verification receipts (spec.md §4.G).
package gate

import (
	m "github.com/ocx/hubd/internal/model"
)

// Friction is the blocking classification of a task reaching
// ready_for_review.
type Friction string

const (
	FrictionNone    Friction = "none"
	FrictionWarning Friction = "warning"
	FrictionBlocking Friction = "blocking"
)

// GatedAction is the policy decision for a task that did not hit
// blocking friction.
type GatedAction string

const (
	ActionAutoAccept           GatedAction = "auto-accept"
	ActionRequireAcceptance    GatedAction = "require-acceptance"
	ActionRequireJustification GatedAction = "require-justification"
	ActionRequireElevatedReview GatedAction = "require-elevated-review"
)

// Classification is the gate's full verdict for one task.
type Classification struct {
	Friction Friction
	Action   GatedAction
}

// isIrreversible reports whether a reversibility value makes a task
// ineligible for unattended auto-acceptance.
func isIrreversible(r m.Reversibility) bool {
	return r == m.ReversibilityIrreversible || r == m.ReversibilityPartial
}

// Classify applies the cognitive-friction and gated-action rule table
// of spec.md §4.G, in the exact order given there.
func Classify(p *m.HandoffPayload) Classification {
	friction := FrictionNone
	switch {
	case (p.Criticality == m.CriticalityHigh || p.Criticality == m.CriticalityCritical) && isIrreversible(p.Reversibility):
		friction = FrictionBlocking
	case p.Criticality == m.CriticalityCritical:
		friction = FrictionWarning
	case p.Reversibility == m.ReversibilityIrreversible && (p.Complexity == m.ComplexityHigh || p.Complexity == m.ComplexityCritical):
		friction = FrictionWarning
	}

	if friction == FrictionBlocking {
		return Classification{Friction: friction, Action: ActionRequireElevatedReview}
	}

	var action GatedAction
	switch {
	case p.Criticality == m.CriticalityCritical:
		action = ActionRequireElevatedReview
	case p.Criticality == m.CriticalityHigh && p.Reversibility == m.ReversibilityIrreversible:
		action = ActionRequireJustification
	case p.Criticality == m.CriticalityLow && p.Verifiability == m.VerifiabilityAutoTestable:
		action = ActionAutoAccept
	default:
		action = ActionRequireAcceptance
	}

	return Classification{Friction: friction, Action: action}
}

// RunCommandsExitedZero reports whether every run command in the
// workspace result exited zero, the last gate before an auto-accept
// decision actually takes effect (spec.md §4.G: "if not, fall back to
// require-acceptance").
func RunCommandsExitedZero(exitCodes []int) bool {
	if len(exitCodes) == 0 {
		return false
	}
	for _, code := range exitCodes {
		if code != 0 {
			return false
		}
	}
	return true
}

// Resolve folds in the actual run-command outcome: an auto-accept
// classification degrades to require-acceptance unless every recorded
// exit code was zero.
func Resolve(c Classification, exitCodes []int) GatedAction {
	if c.Action == ActionAutoAccept && !RunCommandsExitedZero(exitCodes) {
		return ActionRequireAcceptance
	}
	return c.Action
}
