// Package model defines the entities the orchestration core reads and
// writes through Store: tasks, agents, and the in-memory health issues
// raised by the health steward.
package model

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusClosed     TaskStatus = "closed"
	StatusDeferred   TaskStatus = "deferred"
	StatusCancelled  TaskStatus = "cancelled"
	StatusBlocked    TaskStatus = "blocked"
	StatusBacklog    TaskStatus = "backlog"
)

// TaskType classifies a Task's nature.
type TaskType string

const (
	TypeBug     TaskType = "bug"
	TypeFeature TaskType = "feature"
	TypeTask    TaskType = "task"
	TypeChore   TaskType = "chore"
)

// MergeStatus gates a reviewed task's visibility to the merge steward.
// The zero value (empty string) means "absent": the task is not
// visible to MergeSteward.
type MergeStatus string

const (
	MergeStatusPending       MergeStatus = "pending"
	MergeStatusTesting       MergeStatus = "testing"
	MergeStatusMerging       MergeStatus = "merging"
	MergeStatusMerged        MergeStatus = "merged"
	MergeStatusConflict      MergeStatus = "conflict"
	MergeStatusTestFailed    MergeStatus = "test_failed"
	MergeStatusFailed        MergeStatus = "failed"
	MergeStatusNotApplicable MergeStatus = "not_applicable"
)

// AssignmentStatus is derived, never persisted; see DeriveAssignmentStatus.
type AssignmentStatus string

const (
	AssignmentUnassigned AssignmentStatus = "unassigned"
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentMerged     AssignmentStatus = "merged"
)

// HandoffEntry is one entry in a task's handoffHistory.
type HandoffEntry struct {
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// TestResult summarizes the most recent test run for a task.
type TestResult struct {
	Passed      bool      `json:"passed"`
	CompletedAt time.Time `json:"completedAt"`
	Totals      string    `json:"totals,omitempty"`
}

// OrchestratorMeta is the schema-owned sub-record living under a Task's
// metadata["orchestrator"] key. This struct only models the keys the core
// itself reads and writes, and only those keys are kept: sqlitestore
// decodes the stored JSON into this struct, so any other key is dropped
// the next time the record is written.
type OrchestratorMeta struct {
	AssignedAgent string `json:"assignedAgent,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Worktree      string `json:"worktree,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	MergedAt    *time.Time `json:"mergedAt,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`

	MergeStatus       MergeStatus `json:"mergeStatus,omitempty"`
	MergeFailureReason string     `json:"mergeFailureReason,omitempty"`
	TestRunCount      int         `json:"testRunCount,omitempty"`
	LastTestResult    *TestResult `json:"lastTestResult,omitempty"`

	HandoffHistory []HandoffEntry `json:"handoffHistory,omitempty"`

	// Transient fields carried across exactly one handoff, cleared on the
	// next AssignToAgent.
	HandoffBranch   string `json:"handoffBranch,omitempty"`
	HandoffWorktree string `json:"handoffWorktree,omitempty"`
	LastSessionID   string `json:"lastSessionId,omitempty"`
	HandoffAt       *time.Time `json:"handoffAt,omitempty"`

	// FixType/OriginalTaskID are only populated on auto-created fix tasks.
	FixType       string `json:"fixType,omitempty"`
	OriginalTaskID string `json:"originalTaskId,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by callers.
func (m *OrchestratorMeta) Clone() *OrchestratorMeta {
	if m == nil {
		return &OrchestratorMeta{}
	}
	c := *m
	c.HandoffHistory = append([]HandoffEntry(nil), m.HandoffHistory...)
	return &c
}

// Task is the unit of work the core shepherds from assignment through
// merge.
type Task struct {
	ID         string
	Title      string
	Status     TaskStatus
	Priority   int
	Complexity int
	TaskType   TaskType
	Assignee   string // entity id, absent when empty
	Tags       []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int

	Orchestrator OrchestratorMeta
}

// HasAssignee reports whether the task currently has a bound agent.
func (t *Task) HasAssignee() bool { return t.Assignee != "" }

// DeriveAssignmentStatus computes the non-persisted assignment status per
// : closed⇒merged; review⇒completed; else (assignee ∧
// in_progress)⇒in_progress; assignee⇒assigned; otherwise unassigned.
func DeriveAssignmentStatus(t *Task) AssignmentStatus {
	switch {
	case t.Status == StatusClosed:
		return AssignmentMerged
	case t.Status == StatusReview:
		return AssignmentCompleted
	case t.HasAssignee() && t.Status == StatusInProgress:
		return AssignmentInProgress
	case t.HasAssignee():
		return AssignmentAssigned
	default:
		return AssignmentUnassigned
	}
}

// SessionStatus is the lifecycle state of a running agent session.
type SessionStatus string

const (
	SessionIdle        SessionStatus = "idle"
	SessionStarting    SessionStatus = "starting"
	SessionRunning     SessionStatus = "running"
	SessionSuspended   SessionStatus = "suspended"
	SessionTerminating SessionStatus = "terminating"
	SessionTerminated  SessionStatus = "terminated"
)

// AgentRole classifies an Agent's function within the town.
type AgentRole string

const (
	RoleDirector AgentRole = "director"
	RoleWorker   AgentRole = "worker"
	RoleSteward  AgentRole = "steward"
)

// Agent is an autonomous worker identity.
type Agent struct {
	ID                 string
	Name               string
	Role               AgentRole
	SessionStatus      SessionStatus
	MaxConcurrentTasks int
}

// IssueType enumerates the health conditions HealthSteward detects.
type IssueType string

const (
	IssueNoOutput       IssueType = "no_output"
	IssueRepeatedErrors IssueType = "repeated_errors"
	IssueProcessCrashed IssueType = "process_crashed"
	IssueHighErrorRate  IssueType = "high_error_rate"
	IssueSessionStale   IssueType = "session_stale"
	IssueUnresponsive   IssueType = "unresponsive"
)

// Severity ranks a HealthIssue's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// HealthIssue is an in-memory-only record of a detected agent problem; it
// lives from detection until resolution and is never persisted to Store.
type HealthIssue struct {
	ID              string
	AgentID         string
	AgentRole       AgentRole
	IssueType       IssueType
	Severity        Severity
	DetectedAt      time.Time
	LastSeenAt      time.Time
	OccurrenceCount int
	TaskID          string
	SessionID       string
	Context         string
	Resolved        bool
	ResolvedAt      time.Time
}
