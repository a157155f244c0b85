package task

import (
	"fmt"
	"strings"

	"github.com/ocx/hubd/internal/apierr"
	m "github.com/ocx/hubd/internal/model"
)

var (
	validComplexity    = set("low", "medium", "high", "critical")
	validCriticality   = set("low", "medium", "high", "critical")
	validReversibility = set("reversible", "partial", "irreversible")
	validVerifiability = set("auto-testable", "needs-review", "subjective")
	validUncertainty   = set("low", "medium", "high")
	validAutonomy      = set("strict", "standard", "open-ended")
	validMonitoring    = set("outcome-only", "periodic", "continuous")
)

func set(values ...string) map[string]bool {
	s := make(map[string]bool, len(values))
	for _, v := range values {
		s[v] = true
	}
	return s
}

// Validate enforces the HandoffPayload invariants of spec.md §3,
// collecting every violation rather than stopping at the first.
func Validate(p *m.HandoffPayload) error {
	var problems []string

	if strings.TrimSpace(p.Goal) == "" {
		problems = append(problems, "goal must be non-empty")
	}
	if len(p.AcceptanceCriteria) == 0 {
		problems = append(problems, "acceptance_criteria must be non-empty")
	}
	if len(p.RunCommands) == 0 {
		problems = append(problems, "run_commands must be non-empty")
	}
	if len(p.BlockedBy) == 0 {
		problems = append(problems, `blocked_by must be non-empty (use "none" when there are no blockers)`)
	}

	if p.Complexity != "" && !validComplexity[string(p.Complexity)] {
		problems = append(problems, "complexity has an invalid value")
	}
	if p.Criticality != "" && !validCriticality[string(p.Criticality)] {
		problems = append(problems, "criticality has an invalid value")
	}
	if p.Reversibility != "" && !validReversibility[string(p.Reversibility)] {
		problems = append(problems, "reversibility has an invalid value")
	}
	if p.Verifiability != "" && !validVerifiability[string(p.Verifiability)] {
		problems = append(problems, "verifiability has an invalid value")
	}
	if p.Uncertainty != "" && !validUncertainty[string(p.Uncertainty)] {
		problems = append(problems, "uncertainty has an invalid value")
	}
	if p.AutonomyLevel != "" && !validAutonomy[string(p.AutonomyLevel)] {
		problems = append(problems, "autonomy_level has an invalid value")
	}
	if p.MonitoringLvl != "" && !validMonitoring[string(p.MonitoringLvl)] {
		problems = append(problems, "monitoring_level has an invalid value")
	}
	if p.DelegationDepth < 0 {
		problems = append(problems, "delegation_depth must not be negative")
	}
	if p.EstimatedDurationMinutes < 0 {
		problems = append(problems, "estimated_duration_minutes must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	return apierr.New(apierr.KindValidation, fmt.Sprintf("handoff payload invalid: %s", strings.Join(problems, "; ")))
}

// CheckDepth rejects a handoff whose delegation_depth has reached the
// configured maxDepth (spec.md §4.C). maxDepth <= 0 means unconfigured
// (no limit enforced).
func CheckDepth(p *m.HandoffPayload, maxDepth int) error {
	if maxDepth <= 0 {
		return nil
	}
	if p.DelegationDepth >= maxDepth {
		return apierr.Newf(apierr.KindDepthExceeded, "delegation_depth %d reached configured maxDepth %d", p.DelegationDepth, maxDepth)
	}
	return nil
}
