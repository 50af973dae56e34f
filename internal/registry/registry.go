// Package registry implements the AgentRegistry external interface:
// enumerating agents by role and session-status, and exposing per-agent
// concurrency caps. It is backed by internal/store so agents are catalog
// elements like tasks, not a separate bookkeeping system. The bounded-
// concurrency liveness sweep fans out IsAlive checks through a semaphore
// channel plus sync.WaitGroup, each check bounded by context.WithTimeout.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
	"github.com/stoneforge-ai/orchestrator/internal/store"
)

// LivenessChecker probes whether an agent's claimed session is actually
// alive; a nil checker disables liveness refresh and the registry trusts
// Store's recorded SessionStatus as-is.
type LivenessChecker interface {
	IsAlive(ctx context.Context, agent *model.Agent) bool
}

// Registry is the AgentRegistry interface consumed by the core.
type Registry interface {
	ListByRole(ctx context.Context, role model.AgentRole) ([]*model.Agent, error)
	ListBySessionStatus(ctx context.Context, status model.SessionStatus) ([]*model.Agent, error)
	Get(ctx context.Context, id string) (*model.Agent, error)
	MaxConcurrentTasks(ctx context.Context, id string) (int, error)
	// RefreshLiveness re-checks every agent's liveness concurrently
	// (bounded by concurrency) and returns the agents whose checked
	// liveness disagrees with their recorded SessionStatus. It does not
	// write a new SessionStatus back to the store.
	RefreshLiveness(ctx context.Context, concurrency int, timeout time.Duration) ([]*model.Agent, error)
}

// StoreRegistry is a Registry backed by store.AgentStore.
type StoreRegistry struct {
	agents  store.AgentStore
	checker LivenessChecker
}

// New constructs a StoreRegistry. checker may be nil.
func New(agents store.AgentStore, checker LivenessChecker) *StoreRegistry {
	return &StoreRegistry{agents: agents, checker: checker}
}

func (r *StoreRegistry) ListByRole(ctx context.Context, role model.AgentRole) ([]*model.Agent, error) {
	all, err := r.agents.ListAgents(ctx)
	if err != nil {
		return nil, orcherr.Wrap("registry.ListByRole", orcherr.External, "list agents", err)
	}
	var out []*model.Agent
	for _, a := range all {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *StoreRegistry) ListBySessionStatus(ctx context.Context, status model.SessionStatus) ([]*model.Agent, error) {
	all, err := r.agents.ListAgents(ctx)
	if err != nil {
		return nil, orcherr.Wrap("registry.ListBySessionStatus", orcherr.External, "list agents", err)
	}
	var out []*model.Agent
	for _, a := range all {
		if a.SessionStatus == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *StoreRegistry) Get(ctx context.Context, id string) (*model.Agent, error) {
	return r.agents.GetAgent(ctx, id)
}

func (r *StoreRegistry) MaxConcurrentTasks(ctx context.Context, id string) (int, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.MaxConcurrentTasks, nil
}

// RefreshLiveness fans out IsAlive checks across all agents with a bounded
// semaphore (max(concurrency,1)) and per-check timeout.
func (r *StoreRegistry) RefreshLiveness(ctx context.Context, concurrency int, timeout time.Duration) ([]*model.Agent, error) {
	if r.checker == nil {
		return nil, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	all, err := r.agents.ListAgents(ctx)
	if err != nil {
		return nil, orcherr.Wrap("registry.RefreshLiveness", orcherr.External, "list agents", err)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var changed []*model.Agent

	for _, a := range all {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			alive := r.checker.IsAlive(checkCtx, a)
			wasRunning := a.SessionStatus == model.SessionRunning
			if alive != wasRunning {
				mu.Lock()
				changed = append(changed, a)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return changed, nil
}
