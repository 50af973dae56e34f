package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/store/memstore"
)

// ---
// ListByRole / ListBySessionStatus
// ---

func TestListByRole(t *testing.T) {
	ms := memstore.New()
	ms.SeedAgent(&model.Agent{ID: "a1", Role: model.RoleWorker})
	ms.SeedAgent(&model.Agent{ID: "a2", Role: model.RoleDirector})
	ms.SeedAgent(&model.Agent{ID: "a3", Role: model.RoleWorker})

	reg := New(ms, nil)
	workers, err := reg.ListByRole(context.Background(), model.RoleWorker)
	if err != nil {
		t.Fatalf("ListByRole() error = %v", err)
	}
	if len(workers) != 2 {
		t.Errorf("got %d workers, want 2", len(workers))
	}
}

func TestMaxConcurrentTasks(t *testing.T) {
	ms := memstore.New()
	ms.SeedAgent(&model.Agent{ID: "a1", MaxConcurrentTasks: 3})

	reg := New(ms, nil)
	n, err := reg.MaxConcurrentTasks(context.Background(), "a1")
	if err != nil {
		t.Fatalf("MaxConcurrentTasks() error = %v", err)
	}
	if n != 3 {
		t.Errorf("got %d, want 3", n)
	}
}

// ---
// RefreshLiveness
// ---

type fakeChecker struct {
	alive map[string]bool
}

func (f *fakeChecker) IsAlive(ctx context.Context, a *model.Agent) bool {
	return f.alive[a.ID]
}

func TestRefreshLivenessReportsChanges(t *testing.T) {
	ms := memstore.New()
	ms.SeedAgent(&model.Agent{ID: "a1", SessionStatus: model.SessionRunning})
	ms.SeedAgent(&model.Agent{ID: "a2", SessionStatus: model.SessionIdle})

	checker := &fakeChecker{alive: map[string]bool{"a1": false, "a2": true}}
	reg := New(ms, checker)

	changed, err := reg.RefreshLiveness(context.Background(), 4, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("RefreshLiveness() error = %v", err)
	}
	if len(changed) != 2 {
		t.Errorf("got %d changed agents, want 2 (both flipped), got ids: %v", len(changed), ids(changed))
	}
}

func TestRefreshLivenessNoCheckerIsNoop(t *testing.T) {
	ms := memstore.New()
	ms.SeedAgent(&model.Agent{ID: "a1"})
	reg := New(ms, nil)

	changed, err := reg.RefreshLiveness(context.Background(), 4, time.Second)
	if err != nil {
		t.Fatalf("RefreshLiveness() error = %v", err)
	}
	if changed != nil {
		t.Errorf("expected nil changed set with no checker, got %v", changed)
	}
}

func ids(agents []*model.Agent) []string {
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}
