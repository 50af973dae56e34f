package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/stoneforge-ai/orchestrator/internal/assignment"
	"github.com/stoneforge-ai/orchestrator/internal/dispatch"
	"github.com/stoneforge-ai/orchestrator/internal/eventbus"
	"github.com/stoneforge-ai/orchestrator/internal/idgen"
	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
	"github.com/stoneforge-ai/orchestrator/internal/registry"
	"github.com/stoneforge-ai/orchestrator/internal/sessionmgr"
)

// Steward is the HealthSteward component (C2). It is single-threaded
// cooperative: one scan runs at a time and a tick arriving mid-scan is
// skipped.
type Steward struct {
	reg      registry.Registry
	sessions sessionmgr.SessionMgr
	assign   *assignment.Assignment
	dispatch dispatch.Dispatch
	idgen    *idgen.Generator
	bus      *eventbus.Bus

	cfg     Config
	tracker *Tracker

	cron    *cronlib.Cron
	entryID cronlib.EntryID

	diag *patternRegistry

	mu       sync.Mutex
	scanning bool
	issues   map[string]*model.HealthIssue // keyed by agentID+"|"+issueType
}

// New constructs a Steward. cfg's zero value is replaced by DefaultConfig.
func New(reg registry.Registry, sessions sessionmgr.SessionMgr, assign *assignment.Assignment, d dispatch.Dispatch, gen *idgen.Generator, bus *eventbus.Bus, cfg Config) *Steward {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Steward{
		reg:      reg,
		sessions: sessions,
		assign:   assign,
		dispatch: d,
		idgen:    gen,
		bus:      bus,
		cfg:      cfg,
		tracker:  NewTracker(),
		diag:     newPatternRegistry(),
		issues:   make(map[string]*model.HealthIssue),
	}
}

// RecordOutputText feeds raw agent output into the diagnostic classifier,
// alongside RecordOutput's timestamp bookkeeping.
func (s *Steward) RecordOutputText(agentID, text string) {
	s.tracker.RecordOutputText(agentID, text)
}

func issueKey(agentID string, it model.IssueType) string { return agentID + "|" + string(it) }

// RecordOutput/RecordError/RecordCrash delegate to the steward's Tracker,
// exposed here so a SessionMgr transport can feed observations directly
// into the component that consumes them.
func (s *Steward) RecordOutput(agentID string, at time.Time) {
	s.tracker.RecordOutput(agentID, at, time.Duration(s.cfg.ErrorWindowMs)*time.Millisecond)
}

func (s *Steward) RecordError(agentID string, at time.Time) {
	s.tracker.RecordError(agentID, at, time.Duration(s.cfg.ErrorWindowMs)*time.Millisecond)
}

func (s *Steward) RecordCrash(agentID, taskID string) {
	s.tracker.RecordCrash(agentID, taskID)
}

// Start arms the periodic scan timer at cfg.HealthCheckIntervalMs.
func (s *Steward) Start(ctx context.Context) error {
	s.cron = cronlib.New()
	spec := fmt.Sprintf("@every %s", time.Duration(s.cfg.HealthCheckIntervalMs)*time.Millisecond)
	id, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Scan(ctx); err != nil {
			_ = err // HealthSteward never propagates timer-loop errors
		}
	})
	if err != nil {
		return orcherr.Wrap("health.Start", orcherr.External, "schedule health check", err)
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop disarms the timer. Safe to call even if Start was never called.
func (s *Steward) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// GetActiveIssues returns every currently-unresolved issue, including
// those an escalate action was taken for; escalation does not resolve an
// issue.
func (s *Steward) GetActiveIssues() []*model.HealthIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.HealthIssue, 0, len(s.issues))
	for _, iss := range s.issues {
		if !iss.Resolved {
			cp := *iss
			out = append(out, &cp)
		}
	}
	return out
}

// Scan runs one health-check pass over every running agent. If a scan is
// already in flight, the call is a no-op (tick-skip policy, ).
func (s *Steward) Scan(ctx context.Context) (ScanResult, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return ScanResult{}, nil
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	start := time.Now()
	agents, err := s.reg.ListBySessionStatus(ctx, model.SessionRunning)
	if err != nil {
		return ScanResult{}, orcherr.Wrap("health.Scan", orcherr.External, "list running agents", err)
	}

	result := ScanResult{Timestamp: start, AgentsChecked: len(agents)}
	agentsWithIssues := make(map[string]bool)

	for _, agent := range agents {
		newIDs, resolvedIDs, actions, err := s.scanAgent(ctx, agent)
		if err != nil {
			continue // a single agent's failure is skipped, not propagated
		}
		if len(newIDs) > 0 || len(actions) > 0 {
			agentsWithIssues[agent.ID] = true
		}
		result.NewIssues = append(result.NewIssues, newIDs...)
		result.ResolvedIssues = append(result.ResolvedIssues, resolvedIDs...)
		result.ActionsTaken = append(result.ActionsTaken, actions...)
	}

	result.AgentsWithIssues = len(agentsWithIssues)
	result.DurationMs = time.Since(start).Milliseconds()
	s.bus.PublishCheckCompleted(result)
	return result, nil
}

// detection is one threshold rule firing for one agent in one scan.
type detection struct {
	issueType model.IssueType
	severity  model.Severity
	context   string
	taskID    string
}

// scanAgent evaluates every detection rule for one agent, reconciles
// against the active-issue map (dedup + resolution), takes the policy
// action for each still-active issue, and returns the ids/records to
// fold into the scan's ScanResult.
func (s *Steward) scanAgent(ctx context.Context, agent *model.Agent) ([]string, []string, []ActionRecord, error) {
	now := time.Now()
	window := time.Duration(s.cfg.ErrorWindowMs) * time.Millisecond
	snap := s.tracker.snapshot(agent.ID, now, window)

	var session *sessionmgr.Session
	if s.sessions != nil {
		session, _ = s.sessions.GetActiveSession(ctx, agent.ID)
	}

	detections := s.detect(agent, snap, session, now)
	firing := make(map[model.IssueType]detection, len(detections))
	for _, d := range detections {
		firing[d.issueType] = d
	}

	var newIDs, resolvedIDs []string
	var actions []ActionRecord

	s.mu.Lock()
	// Resolve any active issue whose condition no longer holds.
	for key, iss := range s.issues {
		if iss.AgentID != agent.ID || iss.Resolved {
			continue
		}
		if _, stillFiring := firing[iss.IssueType]; !stillFiring {
			iss.Resolved = true
			iss.ResolvedAt = now
			resolvedIDs = append(resolvedIDs, iss.ID)
			s.bus.PublishIssueResolved(agent.ID, iss)
			delete(s.issues, key)
		}
	}
	s.mu.Unlock()

	for _, d := range detections {
		key := issueKey(agent.ID, d.issueType)

		s.mu.Lock()
		iss, existed := s.issues[key]
		if existed {
			iss.LastSeenAt = now
			iss.OccurrenceCount++
		} else {
			id := s.newIssueID(ctx, agent.ID, d.issueType)
			iss = &model.HealthIssue{
				ID:              id,
				AgentID:         agent.ID,
				AgentRole:       agent.Role,
				IssueType:       d.issueType,
				Severity:        d.severity,
				DetectedAt:      now,
				LastSeenAt:      now,
				OccurrenceCount: 1,
				TaskID:          d.taskID,
				Context:         d.context,
			}
			s.issues[key] = iss
			newIDs = append(newIDs, id)
			s.bus.PublishIssueDetected(agent.ID, iss)
		}
		iss.Severity = d.severity
		s.mu.Unlock()

		action, resolvedByAction := s.act(ctx, agent, iss, session)
		if action != "" {
			rec := ActionRecord{AgentID: agent.ID, Action: action, IssueID: iss.ID}
			actions = append(actions, rec)
			s.bus.PublishActionTaken(agent.ID, rec)
		}
		if resolvedByAction {
			s.mu.Lock()
			iss.Resolved = true
			iss.ResolvedAt = time.Now()
			resolvedIDs = append(resolvedIDs, iss.ID)
			delete(s.issues, key)
			s.mu.Unlock()
			s.bus.PublishIssueResolved(agent.ID, iss)
		}
	}

	return newIDs, resolvedIDs, actions, nil
}

func (s *Steward) newIssueID(ctx context.Context, agentID string, it model.IssueType) string {
	if s.idgen == nil {
		return fmt.Sprintf("hi-%s-%s-%d", agentID, it, time.Now().UnixNano())
	}
	id, err := s.idgen.Generate(ctx, "health-"+agentID+"-"+string(it), "health-steward", nil, idgen.GenerateOpts{})
	if err != nil {
		return fmt.Sprintf("hi-%s-%s-%d", agentID, it, time.Now().UnixNano())
	}
	return id
}

// detect evaluates every threshold rule against one agent's
// current tracker snapshot and session.
func (s *Steward) detect(agent *model.Agent, snap snapshot, session *sessionmgr.Session, now time.Time) []detection {
	var out []detection
	cfg := s.cfg

	noOutputThreshold := time.Duration(cfg.NoOutputThresholdMs) * time.Millisecond
	staleThreshold := time.Duration(cfg.StaleSessionThresholdMs) * time.Millisecond

	silent := snap.hasState && !snap.lastOutput.IsZero() && now.Sub(snap.lastOutput) > noOutputThreshold
	var elapsed time.Duration
	if silent {
		elapsed = now.Sub(snap.lastOutput)
		sev := model.SeverityWarning
		if elapsed-noOutputThreshold >= 15*time.Minute {
			sev = model.SeverityError
		}
		out = append(out, detection{issueType: model.IssueNoOutput, severity: sev, context: fmt.Sprintf("no output for %s", elapsed)})
	}

	if session != nil && now.Sub(session.LastActivityAt) > staleThreshold {
		out = append(out, detection{issueType: model.IssueSessionStale, severity: model.SeverityWarning, context: fmt.Sprintf("session idle for %s", now.Sub(session.LastActivityAt))})
	}

	if snap.errorCount >= cfg.ErrorCountThreshold {
		sev := model.SeverityError
		if snap.errorCount > 10 {
			sev = model.SeverityCritical
		}
		out = append(out, detection{issueType: model.IssueRepeatedErrors, severity: sev, context: s.annotate(fmt.Sprintf("%d errors in window", snap.errorCount), snap.outputText)})
	}

	if snap.errorCount > 0 && snap.outputCount > 0 {
		ratio := float64(snap.errorCount) / float64(snap.errorCount+snap.outputCount)
		if ratio > 0.5 {
			out = append(out, detection{issueType: model.IssueHighErrorRate, severity: model.SeverityError, context: s.annotate(fmt.Sprintf("error rate %.0f%%", ratio*100), snap.outputText)})
		}
	}

	if snap.crashed {
		out = append(out, detection{issueType: model.IssueProcessCrashed, severity: model.SeverityCritical, taskID: snap.crashTaskID, context: s.annotate("process crashed", snap.outputText)})
	}

	// unresponsive: the ping budget for the current silence/staleness
	// episode is exhausted. Only meaningful once no_output or
	// session_stale has actually been driving send_ping actions.
	if (silent || (session != nil && now.Sub(session.LastActivityAt) > staleThreshold)) && snap.pingAttempts >= cfg.MaxPingAttempts {
		sev := model.SeverityError
		if elapsed >= 2*noOutputThreshold {
			sev = model.SeverityCritical
		}
		out = append(out, detection{issueType: model.IssueUnresponsive, severity: sev, context: "ping budget exhausted"})
	}

	return out
}

// annotate appends a diagnostic snippet classified from recent output to a
// base context string, when the classifier recognizes something.
func (s *Steward) annotate(base, output string) string {
	if output == "" {
		return base
	}
	if label := s.diag.Classify(output); label != "" {
		return base + ": " + label
	}
	return base
}

// act applies the deterministic action-policy mapping for
// one active issue, returning the action taken (if any) and whether the
// action itself resolves the issue immediately (restart succeeding, or
// reassignment completing).
func (s *Steward) act(ctx context.Context, agent *model.Agent, iss *model.HealthIssue, session *sessionmgr.Session) (Action, bool) {
	switch iss.IssueType {
	case model.IssueProcessCrashed:
		if s.cfg.AutoReassign && iss.TaskID != "" {
			return s.reassignTask(ctx, agent, iss)
		}
		return s.notifyDirector(ctx, agent, iss), false

	case model.IssueNoOutput, model.IssueSessionStale:
		attempts := s.tracker.snapshot(agent.ID, time.Now(), time.Duration(s.cfg.ErrorWindowMs)*time.Millisecond).pingAttempts
		if attempts < s.cfg.MaxPingAttempts {
			return s.sendPing(ctx, agent, session), false
		}
		// Ping budget exhausted: this condition's further handling is
		// owned by the unresponsive issue type (see below); avoid taking
		// a second, redundant action for the same exhaustion here.
		return ActionMonitor, false

	case model.IssueRepeatedErrors, model.IssueHighErrorRate:
		if s.cfg.NotifyDirector {
			return s.notifyDirector(ctx, agent, iss), false
		}
		return ActionMonitor, false

	case model.IssueUnresponsive:
		if iss.Severity == model.SeverityCritical {
			return s.escalate(ctx, agent, iss), false
		}
		if s.cfg.AutoRestart {
			return s.restart(ctx, agent, iss)
		}
		return s.notifyDirector(ctx, agent, iss), false
	}
	return "", false
}

func (s *Steward) sendPing(ctx context.Context, agent *model.Agent, session *sessionmgr.Session) Action {
	s.tracker.RecordPingSent(agent.ID, time.Now())
	if session != nil && s.sessions != nil {
		_, _ = s.sessions.MessageSession(ctx, session.ID, sessionmgr.MessageOpts{Content: "health-check ping"})
	}
	return ActionSendPing
}

func (s *Steward) restart(ctx context.Context, agent *model.Agent, iss *model.HealthIssue) (Action, bool) {
	resolved := true
	if session, _ := s.sessions.GetActiveSession(ctx, agent.ID); session != nil {
		if err := s.sessions.StopSession(ctx, session.ID, sessionmgr.StopOpts{Graceful: true, Reason: "health steward restart"}); err != nil {
			resolved = false
		}
	}
	s.tracker.ResetPings(agent.ID)
	s.tracker.ResetErrors(agent.ID)
	s.tracker.ClearCrash(agent.ID)
	return ActionRestart, resolved
}

func (s *Steward) notifyDirector(ctx context.Context, agent *model.Agent, iss *model.HealthIssue) Action {
	if !s.cfg.NotifyDirector || s.dispatch == nil {
		return ActionMonitor
	}
	directors, err := s.reg.ListByRole(ctx, model.RoleDirector)
	if err != nil || len(directors) == 0 {
		return ActionMonitor
	}
	_ = s.dispatch.NotifyAgent(ctx, directors[0].ID, dispatch.KindHealthAlert, fmt.Sprintf("agent %s: %s (%s)", agent.ID, iss.IssueType, iss.Context), map[string]any{
		"issueId":   iss.ID,
		"agentId":   agent.ID,
		"issueType": string(iss.IssueType),
		"severity":  string(iss.Severity),
	})
	return ActionNotifyDirector
}

func (s *Steward) reassignTask(ctx context.Context, agent *model.Agent, iss *model.HealthIssue) (Action, bool) {
	if session, _ := s.sessions.GetActiveSession(ctx, agent.ID); session != nil {
		_ = s.sessions.StopSession(ctx, session.ID, sessionmgr.StopOpts{Graceful: false, Reason: "process crashed, reassigning"})
	}
	if s.assign != nil {
		if _, err := s.assign.UnassignTask(ctx, iss.TaskID); err != nil {
			return s.notifyDirector(ctx, agent, iss), false
		}
	}
	s.tracker.ClearCrash(agent.ID)
	return ActionReassignTask, true
}

func (s *Steward) escalate(ctx context.Context, agent *model.Agent, iss *model.HealthIssue) Action {
	s.notifyDirector(ctx, agent, iss)
	return ActionEscalate
}
