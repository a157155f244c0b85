// Package model defines the shared data types passed between every other
// package in the daemon: accounts, connections, messages, handoffs, tasks,
// progress reports, verification receipts, reputations, and bus events.
package model

import "time"

// Account is a config record for a named identity with its own
// credentials and working directory.
type Account struct {
	Name         string   `json:"name"`
	ConfigDir    string   `json:"configDir"`
	Provider     string   `json:"provider"`
	Color        string   `json:"color,omitempty"`
	Label        string   `json:"label,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	MaxConcurrent int     `json:"maxConcurrent,omitempty"`
	Excluded     bool     `json:"excluded,omitempty"`
}

// ConnectionState is the lifecycle state of a wire-layer connection.
type ConnectionState int

const (
	ConnNew ConnectionState = iota
	ConnAuthenticated
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnAuthenticated:
		return "authenticated"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the transient per-socket record described in spec.md §3.
type Connection struct {
	Account       string
	Authenticated bool
	RemoteAddr    string
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// MessageKind distinguishes a plain chat message from a handoff.
type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindHandoff MessageKind = "handoff"
)

// Message is a single entry in a recipient's inbox.
type Message struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Kind      MessageKind       `json:"kind"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	Context   map[string]string `json:"context,omitempty"`
	Payload   *HandoffPayload   `json:"payload,omitempty"`
}

// Complexity, Criticality, Reversibility, Verifiability, Uncertainty,
// AutonomyLevel and MonitoringLevel are the fixed enrichment enums of
// HandoffPayload (spec.md §3).
type (
	Complexity     string
	Criticality    string
	Reversibility  string
	Verifiability  string
	Uncertainty    string
	AutonomyLevel  string
	MonitoringLvl  string
)

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"

	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"

	ReversibilityReversible   Reversibility = "reversible"
	ReversibilityPartial      Reversibility = "partial"
	ReversibilityIrreversible Reversibility = "irreversible"

	VerifiabilityAutoTestable Verifiability = "auto-testable"
	VerifiabilityNeedsReview  Verifiability = "needs-review"
	VerifiabilitySubjective   Verifiability = "subjective"

	UncertaintyLow    Uncertainty = "low"
	UncertaintyMedium Uncertainty = "medium"
	UncertaintyHigh   Uncertainty = "high"

	AutonomyStrict     AutonomyLevel = "strict"
	AutonomyStandard   AutonomyLevel = "standard"
	AutonomyOpenEnded  AutonomyLevel = "open-ended"

	MonitoringOutcomeOnly MonitoringLvl = "outcome-only"
	MonitoringPeriodic    MonitoringLvl = "periodic"
	MonitoringContinuous  MonitoringLvl = "continuous"
)

// HandoffPayload is the validated contract carried by a handoff_task
// request (spec.md §3).
type HandoffPayload struct {
	Goal               string        `json:"goal"`
	AcceptanceCriteria []string      `json:"acceptance_criteria"`
	RunCommands        []string      `json:"run_commands"`
	BlockedBy          []string      `json:"blocked_by"`

	Complexity    Complexity    `json:"complexity,omitempty"`
	Criticality   Criticality   `json:"criticality,omitempty"`
	Reversibility Reversibility `json:"reversibility,omitempty"`
	Verifiability Verifiability `json:"verifiability,omitempty"`
	Uncertainty   Uncertainty   `json:"uncertainty,omitempty"`
	AutonomyLevel AutonomyLevel `json:"autonomy_level,omitempty"`
	MonitoringLvl MonitoringLvl `json:"monitoring_level,omitempty"`

	RequiredSkills            []string `json:"required_skills,omitempty"`
	EstimatedDurationMinutes  float64  `json:"estimated_duration_minutes,omitempty"`
	DelegationDepth           int      `json:"delegation_depth,omitempty"`
	ParentHandoffID           string   `json:"parent_handoff_id,omitempty"`
}

// TaskStatus is a state in the task lifecycle FSM.
type TaskStatus string

const (
	StatusTodo           TaskStatus = "todo"
	StatusInProgress     TaskStatus = "in_progress"
	StatusReadyForReview TaskStatus = "ready_for_review"
	StatusAccepted       TaskStatus = "accepted"
	StatusRejected       TaskStatus = "rejected"
)

// TaskEventType is one of the tagged-union variants of a DelegationEvent.
type TaskEventType string

const (
	EventTaskCreated     TaskEventType = "TASK_CREATED"
	EventTaskAssigned    TaskEventType = "TASK_ASSIGNED"
	EventTaskStarted     TaskEventType = "TASK_STARTED"
	EventProgressUpdate  TaskEventType = "PROGRESS_UPDATE"
	EventCheckpoint      TaskEventType = "CHECKPOINT_REACHED"
	EventTaskCompleted   TaskEventType = "TASK_COMPLETED"
	EventTaskVerified    TaskEventType = "TASK_VERIFIED"
	EventAccountSuperseded TaskEventType = "account_superseded"
)

// TaskEvent is one append-only entry in a Task's event log.
type TaskEvent struct {
	Type      TaskEventType          `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Workspace describes where a task's work happened, if reported.
type Workspace struct {
	Path   string `json:"path,omitempty"`
	Branch string `json:"branch,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Task tracks a single handoff through its lifecycle.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Status       TaskStatus     `json:"status"`
	Assignee     string         `json:"assignee"`
	Delegator    string         `json:"delegator"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Events       []TaskEvent    `json:"events"`
	Payload      HandoffPayload `json:"payload"`
	Workspace    *Workspace     `json:"workspace,omitempty"`
	RejectReason string         `json:"rejectReason,omitempty"`
	Escalated    bool           `json:"escalated,omitempty"`
}

// ProgressReport is one progress sample for a task.
type ProgressReport struct {
	TaskID                     string    `json:"taskId"`
	Agent                      string    `json:"agent"`
	Percent                    float64   `json:"percent"`
	CurrentStep                string    `json:"currentStep"`
	Blockers                   string    `json:"blockers,omitempty"`
	EstimatedRemainingMinutes  float64   `json:"estimatedRemainingMinutes,omitempty"`
	ArtifactsProduced          []string  `json:"artifactsProduced,omitempty"`
	ReportedAt                 time.Time `json:"reportedAt"`
}

// VerificationVerdict is the outcome recorded in a VerificationReceipt.
type VerificationVerdict string

const (
	VerdictAccepted VerificationVerdict = "accepted"
	VerdictRejected VerificationVerdict = "rejected"
)

// VerificationReceipt is a signed record binding a task's terminal
// verdict to the exact handoff payload that was verified.
type VerificationReceipt struct {
	TaskID    string              `json:"taskId"`
	Verifier  string              `json:"verifier"`
	Verdict   VerificationVerdict `json:"verdict"`
	SpecHash  string              `json:"specHash"`
	Signature string              `json:"signature"`
	IssuedAt  time.Time           `json:"issuedAt"`
	Passed    bool                `json:"passed"`
}

// AgentReputation is an agent's rolling reputation summary.
type AgentReputation struct {
	Account           string    `json:"account"`
	TrustScore        float64   `json:"trustScore"`
	CompletionRate    float64   `json:"completionRate"`
	SLAComplianceRate float64   `json:"slaComplianceRate"`
	AcceptanceRate    float64   `json:"acceptanceRate"`
	RecentSamples     int       `json:"recentSamples"`
	LastUpdatedAt     time.Time `json:"lastUpdatedAt"`
}

// SLARecommendation is one escalation suggestion produced by the SLA
// engine's stale-task scan.
type SLARecommendation string

const (
	RecommendNone       SLARecommendation = "none"
	RecommendPing       SLARecommendation = "ping"
	RecommendReassign   SLARecommendation = "reassign"
	RecommendQuarantine SLARecommendation = "quarantine"
	RecommendEscalate   SLARecommendation = "escalate"
)

// DelegationEvent is the envelope published on the event bus.
type DelegationEvent struct {
	Type      TaskEventType          `json:"type"`
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    string                 `json:"taskId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
