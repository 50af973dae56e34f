// Package assignment implements Task Assignment (C1): binding tasks to
// agents with full orchestrator context, driving the per-task assignment
// lifecycle, and exposing the queries both stewards and external UIs
// need. Branch names follow the agent/{name}/{id}-{slug} convention;
// worktrees land under .stoneforge/.worktrees/{name}-{slug}.
package assignment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
	"github.com/stoneforge-ai/orchestrator/internal/store"
)

// AssignOptions configures AssignToAgent.
type AssignOptions struct {
	Branch        string
	Worktree      string
	SessionID     string
	MarkAsStarted bool
}

// CompleteOptions configures CompleteTask. Reserved for future per-
// completion metadata; no fields are required by the current spec.
type CompleteOptions struct{}

// Workload reports an agent's current assignment distribution.
type Workload struct {
	InProgress int
	ByStatus   map[model.TaskStatus]int
}

// ListFilter selects assignments for ListAssignments.
type ListFilter struct {
	AgentID          string
	AssignmentStatus []model.AssignmentStatus
	MergeStatus      []model.MergeStatus
}

// Assignment is the TaskAssignment component (C1).
type Assignment struct {
	store  store.Store
	slug   func(string) string
}

// New constructs an Assignment over store s.
func New(s store.Store) *Assignment {
	return &Assignment{store: s, slug: Slug}
}

// Slug lowercases title, replaces runs of non-alphanumerics with '-',
// trims, and truncates to at most 30 characters. Branch-name
// collisions across tasks are tolerated because branch names also embed
// the task id.
func Slug(title string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > 30 {
		s = strings.Trim(s[:30], "-")
	}
	return s
}

// withRetry reads the current task, runs mutate against a copy of it
// (mutate may reject the transition by returning an error, in which case
// no write is attempted), and writes the result through Store with
// optimistic concurrency. On a version mismatch it retries once from a
// fresh read before surfacing Conflict.
func (a *Assignment) withRetry(ctx context.Context, op, taskID string, mutate func(*model.Task) error) (*model.Task, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := a.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := mutate(t); err != nil {
			return nil, err
		}
		expected := t.UpdatedAt.UnixNano()

		updated, err := a.store.UpdateTask(ctx, taskID, func(task *model.Task) {
			*task = *t
		}, store.UpdateOpts{ExpectedUpdatedAt: &expected})
		if err == nil {
			return updated, nil
		}
		if orcherr.IsConflict(err) && attempt == 0 {
			continue
		}
		if orcherr.IsConflict(err) {
			return nil, orcherr.Wrap(op, orcherr.Conflict, "persistent version mismatch after retry", err)
		}
		return nil, err
	}
	return nil, orcherr.New(op, orcherr.Conflict, "persistent version mismatch after retry")
}

// AssignToAgent binds taskId to agentId, populating orchestrator
// metadata.
func (a *Assignment) AssignToAgent(ctx context.Context, taskID, agentID string, opts AssignOptions) (*model.Task, error) {
	const op = "assignment.AssignToAgent"

	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	// Ensure the task exists up front so a missing task surfaces NotFound
	// even if the mutate closure below is never invoked due to a race.
	if _, err := a.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	now := time.Now()
	return a.withRetry(ctx, op, taskID, func(t *model.Task) error {
		branch := opts.Branch
		if branch == "" {
			branch = fmt.Sprintf("agent/%s/%s-%s", agent.Name, t.ID, a.slug(t.Title))
		}
		worktree := opts.Worktree
		if worktree == "" {
			worktree = fmt.Sprintf(".stoneforge/.worktrees/%s-%s", agent.Name, a.slug(t.Title))
		}

		t.Assignee = agentID
		meta := t.Orchestrator.Clone()
		meta.AssignedAgent = agentID
		meta.Branch = branch
		meta.Worktree = worktree
		meta.SessionID = opts.SessionID
		// The handoff-transient fields are cleared on the next assignment.
		meta.HandoffBranch = ""
		meta.HandoffWorktree = ""
		meta.LastSessionID = ""
		meta.HandoffAt = nil

		if !opts.MarkAsStarted && t.Status != model.StatusReview {
			meta.MergeStatus = model.MergeStatusPending
		}
		if opts.MarkAsStarted {
			t.Status = model.StatusInProgress
			meta.StartedAt = &now
		}
		t.Orchestrator = *meta
		return nil
	})
}

// UnassignTask clears assignment fields, preserving branch for potential
// re-assignment.
func (a *Assignment) UnassignTask(ctx context.Context, taskID string) (*model.Task, error) {
	const op = "assignment.UnassignTask"
	return a.withRetry(ctx, op, taskID, func(t *model.Task) error {
		t.Assignee = ""
		meta := t.Orchestrator.Clone()
		meta.AssignedAgent = ""
		meta.SessionID = ""
		meta.Worktree = ""
		t.Orchestrator = *meta
		return nil
	})
}

// StartTask sets status=in_progress; idempotent if already in progress.
func (a *Assignment) StartTask(ctx context.Context, taskID string, sessionID string) (*model.Task, error) {
	const op = "assignment.StartTask"
	now := time.Now()
	return a.withRetry(ctx, op, taskID, func(t *model.Task) error {
		if t.Status == model.StatusInProgress {
			if sessionID != "" {
				meta := t.Orchestrator.Clone()
				meta.SessionID = sessionID
				t.Orchestrator = *meta
			}
			return nil
		}
		t.Status = model.StatusInProgress
		meta := t.Orchestrator.Clone()
		meta.StartedAt = &now
		if sessionID != "" {
			meta.SessionID = sessionID
		}
		t.Orchestrator = *meta
		return nil
	})
}

// CompleteTask surfaces a task to the merge steward: status=review,
// mergeStatus=pending, assignee cleared.
func (a *Assignment) CompleteTask(ctx context.Context, taskID string, opts CompleteOptions) (*model.Task, error) {
	const op = "assignment.CompleteTask"
	now := time.Now()
	return a.withRetry(ctx, op, taskID, func(t *model.Task) error {
		if t.Status == model.StatusClosed || t.Status == model.StatusReview {
			return orcherr.New(op, orcherr.Conflict, fmt.Sprintf("task %s is already %s", taskID, t.Status))
		}
		t.Status = model.StatusReview
		t.Assignee = ""
		meta := t.Orchestrator.Clone()
		meta.CompletedAt = &now
		meta.MergeStatus = model.MergeStatusPending
		t.Orchestrator = *meta
		return nil
	})
}

// HandoffOptions configures HandoffTask.
type HandoffOptions struct {
	SessionID string
	Message   string
}

// HandoffTask resets a task to open and clears mergeStatus so it is no
// longer visible to MergeSteward, preserving branch/worktree under the
// handoff* fields and appending to handoffHistory.
func (a *Assignment) HandoffTask(ctx context.Context, taskID string, opts HandoffOptions) (*model.Task, error) {
	const op = "assignment.HandoffTask"
	now := time.Now()
	return a.withRetry(ctx, op, taskID, func(t *model.Task) error {
		meta := t.Orchestrator.Clone()
		meta.HandoffBranch = meta.Branch
		meta.HandoffWorktree = meta.Worktree
		meta.LastSessionID = meta.SessionID
		meta.HandoffAt = &now
		meta.MergeStatus = ""
		meta.SessionID = ""
		meta.HandoffHistory = append(meta.HandoffHistory, model.HandoffEntry{
			SessionID: opts.SessionID,
			Message:   opts.Message,
			At:        now,
		})
		t.Orchestrator = *meta
		t.Status = model.StatusOpen
		t.Assignee = ""
		return nil
	})
}

// Reassign composes UnassignTask and AssignToAgent, pairing an unassign
// with a re-assign rather than leaving a bare unassign as the only
// released API.
func (a *Assignment) Reassign(ctx context.Context, taskID, newAgentID string, opts AssignOptions) (*model.Task, error) {
	if _, err := a.UnassignTask(ctx, taskID); err != nil {
		return nil, err
	}
	return a.AssignToAgent(ctx, taskID, newAgentID, opts)
}

// GetAgentWorkload reports agentId's in-progress count and status
// distribution.
func (a *Assignment) GetAgentWorkload(ctx context.Context, agentID string) (Workload, error) {
	tasks, err := a.store.ListTasks(ctx, store.Filter{Assignee: agentID})
	if err != nil {
		return Workload{}, orcherr.Wrap("assignment.GetAgentWorkload", orcherr.External, "list tasks", err)
	}
	w := Workload{ByStatus: make(map[model.TaskStatus]int)}
	for _, t := range tasks {
		w.ByStatus[t.Status]++
		if t.Status == model.StatusInProgress {
			w.InProgress++
		}
	}
	return w, nil
}

// AgentHasCapacity reports whether agentId's in-progress count is below
// its maxConcurrentTasks.
func (a *Assignment) AgentHasCapacity(ctx context.Context, agentID string) (bool, error) {
	agent, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	w, err := a.GetAgentWorkload(ctx, agentID)
	if err != nil {
		return false, err
	}
	return w.InProgress < agent.MaxConcurrentTasks, nil
}

// GetTasksAwaitingMerge returns tasks in review with mergeStatus=pending.
func (a *Assignment) GetTasksAwaitingMerge(ctx context.Context) ([]*model.Task, error) {
	tasks, err := a.store.ListTasks(ctx, store.Filter{Status: []model.TaskStatus{model.StatusReview}})
	if err != nil {
		return nil, orcherr.Wrap("assignment.GetTasksAwaitingMerge", orcherr.External, "list tasks", err)
	}
	var out []*model.Task
	for _, t := range tasks {
		if t.Orchestrator.MergeStatus == model.MergeStatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListAssignments filters tasks by agent, derived assignment status, or
// merge status.
func (a *Assignment) ListAssignments(ctx context.Context, filter ListFilter) ([]*model.Task, error) {
	tasks, err := a.store.ListTasks(ctx, store.Filter{Assignee: filter.AgentID})
	if err != nil {
		return nil, orcherr.Wrap("assignment.ListAssignments", orcherr.External, "list tasks", err)
	}

	var out []*model.Task
	for _, t := range tasks {
		if len(filter.AssignmentStatus) > 0 && !containsAssignmentStatus(filter.AssignmentStatus, model.DeriveAssignmentStatus(t)) {
			continue
		}
		if len(filter.MergeStatus) > 0 && !containsMergeStatus(filter.MergeStatus, t.Orchestrator.MergeStatus) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func containsAssignmentStatus(haystack []model.AssignmentStatus, needle model.AssignmentStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsMergeStatus(haystack []model.MergeStatus, needle model.MergeStatus) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
