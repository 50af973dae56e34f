package health

import (
	"sync"
	"time"
)

// agentState is the per-agent, in-memory tracker: last-output/last-error
// timestamps, rolling rings of recent error/output timestamps, ping
// bookkeeping, and the last scan time. None of this is persisted: a new
// Tracker starts empty, so none of it survives a restart.
type agentState struct {
	lastOutput time.Time
	lastError  time.Time

	errorTimes  []time.Time
	outputTimes []time.Time

	lastPing     time.Time
	pingAttempts int
	lastHealthAt time.Time

	crashed     bool
	crashTaskID string

	lastOutputText string
}

// Tracker holds one agentState per agent, guarded by a single RWMutex.
type Tracker struct {
	mu    sync.RWMutex
	state map[string]*agentState
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]*agentState)}
}

func (t *Tracker) getOrCreate(agentID string) *agentState {
	if s, ok := t.state[agentID]; ok {
		return s
	}
	s := &agentState{}
	t.state[agentID] = s
	return s
}

// RecordOutput records agent output at `at`, trimming the rolling window
// to errorWindow.
func (t *Tracker) RecordOutput(agentID string, at time.Time, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.lastOutput = at
	s.outputTimes = trim(append(s.outputTimes, at), at, window)
}

// RecordOutputText stashes the most recent chunk of raw agent output, used
// by the pattern classifier to annotate a detected issue's context.
func (t *Tracker) RecordOutputText(agentID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.lastOutputText = text
}

// RecordError records an agent error at `at`, trimming the rolling window
// to errorWindow.
func (t *Tracker) RecordError(agentID string, at time.Time, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.lastError = at
	s.errorTimes = trim(append(s.errorTimes, at), at, window)
}

// RecordCrash synchronously marks the agent as crashed. taskID, if known, is carried
// onto the resulting HealthIssue's TaskID field.
func (t *Tracker) RecordCrash(agentID, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.crashed = true
	s.crashTaskID = taskID
}

// ClearCrash resets the crashed flag, done once the issue is handled.
func (t *Tracker) ClearCrash(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.crashed = false
	s.crashTaskID = ""
}

// RecordPingSent increments the agent's ping-attempt counter.
func (t *Tracker) RecordPingSent(agentID string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.lastPing = at
	s.pingAttempts++
	return s.pingAttempts
}

// ResetPings clears the ping-attempt counter, done on restart.
func (t *Tracker) ResetPings(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.pingAttempts = 0
}

// ResetErrors clears the error ring, done on restart.
func (t *Tracker) ResetErrors(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(agentID)
	s.errorTimes = nil
}

// snapshot is a point-in-time, lock-free copy used by the detector.
type snapshot struct {
	lastOutput   time.Time
	lastError    time.Time
	errorCount   int
	outputCount  int
	pingAttempts int
	crashed      bool
	crashTaskID  string
	hasState     bool
	outputText   string
}

func (t *Tracker) snapshot(agentID string, now time.Time, window time.Duration) snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.state[agentID]
	if !ok {
		return snapshot{}
	}
	return snapshot{
		lastOutput:   s.lastOutput,
		lastError:    s.lastError,
		errorCount:   len(trim(s.errorTimes, now, window)),
		outputCount:  len(trim(s.outputTimes, now, window)),
		pingAttempts: s.pingAttempts,
		crashed:      s.crashed,
		crashTaskID:  s.crashTaskID,
		hasState:     true,
		outputText:   s.lastOutputText,
	}
}

func trim(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Remove discards an agent's tracker state, e.g. on deprovisioning.
func (t *Tracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, agentID)
}
