// Package health implements Health Stewardship (C2): periodic
// liveness/quality monitoring of running agent sessions, issue detection
// with dedup, and corrective actions. Its tracker and threshold-detector
// shapes generalize internal/monitoring package — Tracker's
// locking (sync.RWMutex over a per-agent map, getOrCreate) and priority
// resolution become this package's detection pipeline, and idle.go's
// functional-option thresholds become this package's Config fields.
package health

import "time"

// Config holds the health steward's tunables; DefaultConfig returns the
// documented defaults. New substitutes DefaultConfig only for an all-zero
// Config; a Config with some fields set keeps its other fields as given,
// zero included.
type Config struct {
	NoOutputThresholdMs     int64 `toml:"no_output_threshold_ms"`
	ErrorCountThreshold     int   `toml:"error_count_threshold"`
	ErrorWindowMs           int64 `toml:"error_window_ms"`
	StaleSessionThresholdMs int64 `toml:"stale_session_threshold_ms"`
	HealthCheckIntervalMs   int64 `toml:"health_check_interval_ms"`
	MaxPingAttempts         int   `toml:"max_ping_attempts"`
	AutoRestart             bool  `toml:"auto_restart"`
	AutoReassign            bool  `toml:"auto_reassign"`
	NotifyDirector          bool  `toml:"notify_director"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		NoOutputThresholdMs:     int64(5 * time.Minute / time.Millisecond),
		ErrorCountThreshold:     5,
		ErrorWindowMs:           int64(10 * time.Minute / time.Millisecond),
		StaleSessionThresholdMs: int64(15 * time.Minute / time.Millisecond),
		HealthCheckIntervalMs:   int64(1 * time.Minute / time.Millisecond),
		MaxPingAttempts:         3,
		AutoRestart:             true,
		AutoReassign:            true,
		NotifyDirector:          true,
	}
}

// Action is a corrective action the steward takes in response to a
// detected issue.
type Action string

const (
	ActionSendPing       Action = "send_ping"
	ActionRestart        Action = "restart"
	ActionNotifyDirector Action = "notify_director"
	ActionReassignTask   Action = "reassign_task"
	ActionEscalate       Action = "escalate"
	ActionMonitor        Action = "monitor" // no-op, recorded for observability only
)

// ActionRecord pairs an action with the agent/issue it was taken for.
type ActionRecord struct {
	AgentID string
	Action  Action
	IssueID string
}

// ScanResult is the per-scan observability contract.
type ScanResult struct {
	Timestamp        time.Time
	AgentsChecked    int
	AgentsWithIssues int
	NewIssues        []string
	ResolvedIssues   []string
	ActionsTaken     []ActionRecord
	DurationMs       int64
}
