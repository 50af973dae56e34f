// Package sessionmgr implements the SessionMgr external interface:
// start/stop/message an agent session, and expose per-agent active
// session plus last-activity timestamp. google/uuid mints opaque session
// IDs here, distinct from internal/idgen's content-addressed entity ids —
// a session is a transient runtime handle, not a catalog element.
package sessionmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
)

// Session describes an agent's currently active session.
type Session struct {
	ID             string
	AgentID        string
	Status         model.SessionStatus
	LastActivityAt time.Time
}

// MessageOpts configures a MessageSession call.
type MessageOpts struct {
	Content string
}

// MessageResult reports whether a message was accepted by the session.
type MessageResult struct {
	Success bool
}

// StopOpts configures a StopSession call.
type StopOpts struct {
	Graceful bool
	Reason   string
}

// SessionMgr is the interface the core consumes.
type SessionMgr interface {
	GetActiveSession(ctx context.Context, agentID string) (*Session, error)
	StartSession(ctx context.Context, agentID string) (*Session, error)
	MessageSession(ctx context.Context, sessionID string, opts MessageOpts) (MessageResult, error)
	StopSession(ctx context.Context, sessionID string, opts StopOpts) error
	// RecordOutput/RecordError update the session's LastActivityAt, which
	// HealthSteward's session_stale check reads; they do not reach the
	// steward's Tracker (Steward.RecordOutput/RecordError do that). A real
	// transport calls these as agent process output/error streams arrive.
	RecordOutput(sessionID string, at time.Time)
	RecordError(sessionID string, at time.Time)
}

// InProcess is an in-memory SessionMgr reference implementation, enough
// to drive the stewards end-to-end in tests and a single-process
// deployment; a real agent-launching transport is out of scope here.
type InProcess struct {
	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byAgent  map[string]string   // agentID -> session id
}

// NewInProcess constructs an empty InProcess session manager.
func NewInProcess() *InProcess {
	return &InProcess{
		sessions: make(map[string]*Session),
		byAgent:  make(map[string]string),
	}
}

func (m *InProcess) GetActiveSession(ctx context.Context, agentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAgent[agentID]
	if !ok {
		return nil, nil
	}
	s := *m.sessions[id]
	return &s, nil
}

func (m *InProcess) StartSession(ctx context.Context, agentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		Status:         model.SessionRunning,
		LastActivityAt: time.Now(),
	}
	m.sessions[s.ID] = s
	m.byAgent[agentID] = s.ID
	cp := *s
	return &cp, nil
}

func (m *InProcess) MessageSession(ctx context.Context, sessionID string, opts MessageOpts) (MessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return MessageResult{}, orcherr.New("sessionmgr.MessageSession", orcherr.NotFound, "session "+sessionID+" not found")
	}
	s.LastActivityAt = time.Now()
	return MessageResult{Success: true}, nil
}

func (m *InProcess) StopSession(ctx context.Context, sessionID string, opts StopOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return orcherr.New("sessionmgr.StopSession", orcherr.NotFound, "session "+sessionID+" not found")
	}
	s.Status = model.SessionTerminated
	delete(m.byAgent, s.AgentID)
	delete(m.sessions, sessionID)
	return nil
}

func (m *InProcess) RecordOutput(sessionID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivityAt = at
	}
}

func (m *InProcess) RecordError(sessionID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivityAt = at
	}
}
