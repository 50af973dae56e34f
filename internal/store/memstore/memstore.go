// Package memstore is an in-process, map-backed reference implementation
// of store.Store, used throughout the core's unit tests. Its locking
// shape (a single sync.RWMutex guarding a map) mirrors a health tracker
// guarding its per-agent state map the same way.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
	"github.com/stoneforge-ai/orchestrator/internal/store"
)

// Store is a thread-safe, in-memory store.Store.
type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*model.Task
	agents map[string]*model.Agent
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:  make(map[string]*model.Task),
		agents: make(map[string]*model.Agent),
	}
}

// SeedAgent inserts an agent directly, bypassing version bookkeeping; for
// test fixtures only.
func (s *Store) SeedAgent(a *model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ID] = &cp
}

// SeedTask inserts a task directly, bypassing version bookkeeping; for
// test fixtures only.
func (s *Store) SeedTask(t *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.tasks[t.ID] = &cp
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.Orchestrator = *t.Orchestrator.Clone()
	return &cp
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, orcherr.New("memstore.GetTask", orcherr.NotFound, "task "+id+" not found")
	}
	return cloneTask(t), nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.Filter) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Task
	for _, t := range s.tasks {
		if !matchesFilter(t, filter) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*model.Task{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(t *model.Task, f store.Filter) bool {
	if len(f.Status) > 0 {
		match := false
		for _, st := range f.Status {
			if t.Status == st {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	for _, tag := range f.Tags {
		found := false
		for _, tt := range t.Tags {
			if tt == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 1
	s.tasks[cp.ID] = &cp
	return cloneTask(&cp), nil
}

// UpdateTask reads the current task, applies mutate, and writes it back
// iff opts.ExpectedUpdatedAt (when set) matches the stored UpdatedAt.
func (s *Store) UpdateTask(ctx context.Context, id string, mutate func(*model.Task), opts store.UpdateOpts) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, orcherr.New("memstore.UpdateTask", orcherr.NotFound, "task "+id+" not found")
	}
	if opts.ExpectedUpdatedAt != nil && *opts.ExpectedUpdatedAt != t.UpdatedAt.UnixNano() {
		return nil, orcherr.New("memstore.UpdateTask", orcherr.Conflict, "version mismatch")
	}

	working := cloneTask(t)
	mutate(working)
	working.UpdatedAt = time.Now()
	working.Version++
	s.tasks[id] = working
	return cloneTask(working), nil
}

func (s *Store) DeleteTask(ctx context.Context, id string, opts store.DeleteOpts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return orcherr.New("memstore.DeleteTask", orcherr.NotFound, "task "+id+" not found")
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, orcherr.New("memstore.GetAgent", orcherr.NotFound, "agent "+id+" not found")
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
