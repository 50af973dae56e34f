package merge

import (
	"context"
	"testing"

	"github.com/stoneforge-ai/orchestrator/internal/dispatch"
	"github.com/stoneforge-ai/orchestrator/internal/idgen"
	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/registry"
	"github.com/stoneforge-ai/orchestrator/internal/store"
	"github.com/stoneforge-ai/orchestrator/internal/store/memstore"
	"github.com/stoneforge-ai/orchestrator/internal/worktree"
)

// fakeWorktree is a scriptable worktree.Manager double: no shell-outs, every
// git plumbing call is a field read or a canned response.
type fakeWorktree struct {
	conflicts []string
	mergeErr  error
	pushErr   error

	// revSeq is popped in order across RevParse calls; the last entry
	// repeats once exhausted. Two equal consecutive values model "no
	// commits to merge".
	revSeq []string
	revIdx int

	created   []string
	removed   []string
	ffCalled  bool
	fetchErr  error
}

func (f *fakeWorktree) CreateWorktree(ctx context.Context, branch, path string, opts worktree.CreateOptions) error {
	f.created = append(f.created, path)
	return nil
}

func (f *fakeWorktree) RemoveWorktree(ctx context.Context, path string, opts worktree.RemoveOptions) error {
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeWorktree) GetDefaultBranch(ctx context.Context) (string, error) { return "main", nil }
func (f *fakeWorktree) BranchExists(ctx context.Context, name string) (bool, error) {
	return true, nil
}
func (f *fakeWorktree) GetCurrentBranch(ctx context.Context, path string) (string, error) {
	return "work", nil
}
func (f *fakeWorktree) WorktreeExists(ctx context.Context, path string) (bool, error) {
	return true, nil
}

func (f *fakeWorktree) Fetch(ctx context.Context, path, remote string) error { return f.fetchErr }

func (f *fakeWorktree) MergeBase(ctx context.Context, path, a, b string) (string, error) {
	return "base-sha", nil
}

func (f *fakeWorktree) MergeTreeConflicts(ctx context.Context, path, branch, target string) ([]string, error) {
	return f.conflicts, nil
}

func (f *fakeWorktree) MergeNoFF(ctx context.Context, path, branch, message string) error {
	return f.mergeErr
}

func (f *fakeWorktree) MergeSquash(ctx context.Context, path, branch, message string) error {
	return f.mergeErr
}

func (f *fakeWorktree) AbortMerge(ctx context.Context, path string) error { return nil }

func (f *fakeWorktree) ConflictingFiles(ctx context.Context, path string) ([]string, error) {
	return f.conflicts, nil
}

func (f *fakeWorktree) Push(ctx context.Context, path, remote, refspec string, force bool) error {
	return f.pushErr
}

func (f *fakeWorktree) RevParse(ctx context.Context, path, rev string) (string, error) {
	if len(f.revSeq) == 0 {
		return "sha", nil
	}
	if f.revIdx >= len(f.revSeq) {
		return f.revSeq[len(f.revSeq)-1], nil
	}
	v := f.revSeq[f.revIdx]
	f.revIdx++
	return v, nil
}

func (f *fakeWorktree) FastForward(ctx context.Context, path, remote, branch string) error {
	f.ffCalled = true
	return nil
}

func newMergeFixture(t *testing.T) (*Steward, *memstore.Store, *fakeWorktree, *dispatch.InProcess) {
	t.Helper()
	ms := memstore.New()
	ms.SeedTask(&model.Task{
		ID:     "el-T",
		Title:  "Fix the thing",
		Status: model.StatusReview,
		Orchestrator: model.OrchestratorMeta{
			Branch:        "agent/worker1/el-T-fix-the-thing",
			Worktree:      ".stoneforge/.worktrees/worker1-fix-the-thing",
			AssignedAgent: "el-W",
			MergeStatus:   model.MergeStatusPending,
		},
	})
	wt := &fakeWorktree{revSeq: []string{"before-sha", "after-sha"}}
	disp := dispatch.NewInProcess()
	reg := registry.New(ms, nil)
	gen := idgen.New(idgen.Options{})
	st := New(ms, wt, disp, reg, gen, Config{TestCommand: "go test ./...", TestTimeoutMs: 5_000})
	st.SetTestRunner(func(ctx context.Context, dir, command string) TestOutcome {
		return TestOutcome{Passed: true, Totals: "ok"}
	})
	return st, ms, wt, disp
}

// ---
// ProcessTask — happy path
// ---

func TestProcessTaskMergesOnPassingTests(t *testing.T) {
	st, ms, wt, _ := newMergeFixture(t)
	ctx := context.Background()

	res, err := st.ProcessTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if !res.Merged || res.MergeStatus != model.MergeStatusMerged {
		t.Fatalf("result = %+v, want merged", res)
	}

	task, err := ms.GetTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.Status != model.StatusClosed {
		t.Errorf("status = %q, want closed", task.Status)
	}
	if task.Assignee != "" {
		t.Errorf("assignee = %q, want absent after merge", task.Assignee)
	}
	if task.Orchestrator.MergedAt == nil {
		t.Error("mergedAt not set")
	}
	if len(wt.created) != 1 {
		t.Errorf("created %d throwaway worktrees, want 1", len(wt.created))
	}
	if len(wt.removed) != 1 {
		t.Errorf("removed %d worktrees, want 1 (throwaway teardown; AutoCleanup is off in this fixture)", len(wt.removed))
	}
}

// ProcessTask — idempotence: a task already closed+merged is a pure
// read, no Store writes and no worktree activity.
func TestProcessTaskIdempotentOnAlreadyMerged(t *testing.T) {
	st, ms, wt, _ := newMergeFixture(t)
	ctx := context.Background()

	ms.SeedTask(mustGetTask(t, ms, "el-T", func(tk *model.Task) {
		tk.Status = model.StatusClosed
		tk.Orchestrator.MergeStatus = model.MergeStatusMerged
	}))

	res, err := st.ProcessTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if !res.Merged || res.MergeStatus != model.MergeStatusMerged {
		t.Errorf("result = %+v, want already-merged no-op", res)
	}
	if len(wt.created) != 0 {
		t.Errorf("created %d throwaway worktrees, want 0 on idempotent replay", len(wt.created))
	}
}

// ---
// ProcessTask — test failure
// ---

func TestProcessTaskCreatesFixTaskOnTestFailure(t *testing.T) {
	st, ms, _, disp := newMergeFixture(t)
	ctx := context.Background()
	st.SetTestRunner(func(ctx context.Context, dir, command string) TestOutcome {
		return TestOutcome{Passed: false, Reason: "TestFoo failed: assertion mismatch"}
	})

	res, err := st.ProcessTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if res.Merged || res.MergeStatus != model.MergeStatusTestFailed {
		t.Fatalf("result = %+v, want test_failed", res)
	}

	fixes, err := ms.ListTasks(ctx, storeFilterOpenFixTasks())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(fixes) != 1 {
		t.Fatalf("len(fixes) = %d, want 1", len(fixes))
	}
	if fixes[0].Orchestrator.FixType != string(FixTestFailure) {
		t.Errorf("fixType = %q, want %q", fixes[0].Orchestrator.FixType, FixTestFailure)
	}
	if fixes[0].Orchestrator.OriginalTaskID != "el-T" {
		t.Errorf("originalTaskId = %q, want el-T", fixes[0].Orchestrator.OriginalTaskID)
	}

	sent := disp.Sent()
	if len(sent) != 1 || sent[0].AgentID != "el-W" {
		t.Errorf("dispatch notifications = %+v, want one to el-W", sent)
	}
}

// Retrying past a transient failure still lands on merge, exercising
// Config.TestRetryCount absorbing one flaky run.
func TestProcessTaskRetriesFlakyTests(t *testing.T) {
	st, _, _, _ := newMergeFixture(t)
	st.cfg.TestRetryCount = 1
	ctx := context.Background()

	attempts := 0
	st.SetTestRunner(func(ctx context.Context, dir, command string) TestOutcome {
		attempts++
		if attempts == 1 {
			return TestOutcome{Passed: false, Reason: "flaky timeout"}
		}
		return TestOutcome{Passed: true}
	})

	res, err := st.ProcessTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if !res.Merged {
		t.Errorf("result = %+v, want merged after one retry", res)
	}
	if attempts != 2 {
		t.Errorf("test runner invoked %d times, want 2 (1 fail + 1 retry)", attempts)
	}
}

// ---
// ProcessTask — merge conflict
// ---

func TestProcessTaskCreatesFixTaskOnConflict(t *testing.T) {
	st, ms, wt, _ := newMergeFixture(t)
	wt.conflicts = []string{"src/main.go"}
	ctx := context.Background()

	res, err := st.ProcessTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if res.MergeStatus != model.MergeStatusConflict {
		t.Fatalf("mergeStatus = %q, want conflict", res.MergeStatus)
	}

	fixes, err := ms.ListTasks(ctx, storeFilterOpenFixTasks())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(fixes) != 1 || fixes[0].Orchestrator.FixType != string(FixMergeConflict) {
		t.Fatalf("fixes = %+v, want one merge_conflict fix task", fixes)
	}
}

// Calling CreateFixTask twice for the same task and fix type must not
// create a second fix task (dedup by originalTaskId+fixType).
func TestCreateFixTaskDedupes(t *testing.T) {
	st, ms, _, _ := newMergeFixture(t)
	ctx := context.Background()

	if _, err := st.CreateFixTask(ctx, "el-T", FixMergeConflict, "conflicting files: a.go"); err != nil {
		t.Fatalf("CreateFixTask() error = %v", err)
	}
	second, err := st.CreateFixTask(ctx, "el-T", FixMergeConflict, "conflicting files: a.go")
	if err != nil {
		t.Fatalf("CreateFixTask() second call error = %v", err)
	}

	fixes, err := ms.ListTasks(ctx, storeFilterOpenFixTasks())
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(fixes) != 1 {
		t.Fatalf("len(fixes) = %d, want 1 (deduped)", len(fixes))
	}
	if second.ID != fixes[0].ID {
		t.Errorf("second call returned %q, want the existing fix task %q", second.ID, fixes[0].ID)
	}
}

// ---
// AttemptMerge — no commits to merge
// ---

func TestProcessTaskNotApplicableWhenNoCommits(t *testing.T) {
	st, ms, wt, _ := newMergeFixture(t)
	wt.revSeq = []string{"same-sha", "same-sha"}
	ctx := context.Background()

	res, err := st.ProcessTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("ProcessTask() error = %v", err)
	}
	if res.MergeStatus != model.MergeStatusNotApplicable {
		t.Fatalf("mergeStatus = %q, want not_applicable", res.MergeStatus)
	}
	task, err := ms.GetTask(ctx, "el-T")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.Status != model.StatusClosed {
		t.Errorf("status = %q, want closed", task.Status)
	}
	if task.Assignee != "" {
		t.Errorf("assignee = %q, want absent", task.Assignee)
	}
	if len(wt.removed) == 0 {
		t.Error("worktree not cleaned up after not_applicable close")
	}
}

// ---
// ProcessAwaitingMerge — batch behavior
// ---

func TestProcessAwaitingMergeSkipsNonPendingAndToleratesErrors(t *testing.T) {
	st, ms, _, _ := newMergeFixture(t)
	ctx := context.Background()

	ms.SeedTask(&model.Task{
		ID:     "el-skip",
		Status: model.StatusReview,
		Orchestrator: model.OrchestratorMeta{
			MergeStatus: model.MergeStatusMerging, // not pending: ignored by the sweep
		},
	})
	ms.SeedTask(&model.Task{
		ID:     "el-broken",
		Status: model.StatusReview,
		Orchestrator: model.OrchestratorMeta{
			MergeStatus: model.MergeStatusPending, // no Branch set: ProcessTask errors
		},
	})

	batch, err := st.ProcessAwaitingMerge(ctx)
	if err != nil {
		t.Fatalf("ProcessAwaitingMerge() error = %v", err)
	}
	if batch.TotalProcessed != 2 {
		t.Errorf("TotalProcessed = %d, want 2 (el-T + el-broken, el-skip excluded)", batch.TotalProcessed)
	}
	if batch.MergedCount != 1 {
		t.Errorf("MergedCount = %d, want 1", batch.MergedCount)
	}
	if batch.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", batch.ErrorCount)
	}
}

func mustGetTask(t *testing.T, ms *memstore.Store, id string, mutate func(*model.Task)) *model.Task {
	t.Helper()
	tk, err := ms.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%q) error = %v", id, err)
	}
	mutate(tk)
	return tk
}

func storeFilterOpenFixTasks() store.Filter {
	return store.Filter{Status: []model.TaskStatus{model.StatusOpen}, Tags: []string{"fix"}}
}
