// Package merge implements Merge Stewardship (C3): picking up tasks
// awaiting merge, running their tests in isolation, merging on success,
// cleaning up afterwards, and opening fix-tasks on failure. Its pipeline
// runs tests in the task's worktree, then fetches origin, probes for
// conflicts against origin/{target}, merges in a throwaway worktree,
// pushes, and cleans up, driving the metadata.orchestrator.mergeStatus
// state machine over Store-backed Tasks.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/stoneforge-ai/orchestrator/internal/dispatch"
	"github.com/stoneforge-ai/orchestrator/internal/idgen"
	"github.com/stoneforge-ai/orchestrator/internal/model"
	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
	"github.com/stoneforge-ai/orchestrator/internal/registry"
	"github.com/stoneforge-ai/orchestrator/internal/store"
	"github.com/stoneforge-ai/orchestrator/internal/worktree"
)

// Strategy selects how AttemptMerge folds a task's branch into the
// target branch.
type Strategy string

const (
	StrategySquash Strategy = "squash"
	StrategyMerge  Strategy = "merge"
)

// Config holds the merge steward's tunables. New fills a zero
// TestTimeoutMs, TargetBranch, Strategy or ThrowawayDir from
// DefaultConfig; boolean fields are taken as given, so a zero AutoCleanup
// or AutoPushAfterMerge stays false.
type Config struct {
	// TestCommand is run with `sh -c` inside the task's worktree. Empty
	// means tests are skipped and AttemptMerge runs unconditionally.
	TestCommand string `toml:"test_command"`
	// TestTimeoutMs bounds a single RunTests invocation.
	TestTimeoutMs int64 `toml:"test_timeout_ms"`
	// TargetBranch is the branch completed work merges into.
	TargetBranch string `toml:"target_branch"`
	// Strategy selects squash (default) or a --no-ff merge commit.
	Strategy Strategy `toml:"strategy"`
	// AutoCleanup removes the worktree and deletes branches after a
	// successful merge.
	AutoCleanup bool `toml:"auto_cleanup"`
	// AutoPushAfterMerge pushes HEAD:{targetBranch} after a clean merge in
	// the throwaway worktree; false leaves the merge commit unpushed for
	// an operator to inspect.
	AutoPushAfterMerge bool `toml:"auto_push_after_merge"`
	// ThrowawayDir is the parent directory throwaway merge worktrees are
	// created under.
	ThrowawayDir string `toml:"throwaway_dir"`
	// MainRepoPath is the primary checkout whose local TargetBranch is
	// fast-forwarded after a successful merge.
	MainRepoPath string `toml:"main_repo_path"`
	// TestRetryCount is how many additional times a failing RunTests is
	// retried before classifying test_failed, absorbing flaky test runs.
	// Zero (the default) means no retry — one attempt only.
	TestRetryCount int `toml:"test_retry_count"`
}

// DefaultConfig returns the documented defaults: squash strategy, 60s
// test timeout, autoCleanup and autoPushAfterMerge both true.
func DefaultConfig() Config {
	return Config{
		TestTimeoutMs:      60_000,
		TargetBranch:       "main",
		Strategy:           StrategySquash,
		AutoCleanup:        true,
		AutoPushAfterMerge: true,
		ThrowawayDir:       ".stoneforge/.merge-worktrees",
	}
}

// FixType classifies an auto-created fix task.
type FixType string

const (
	FixTestFailure   FixType = "test_failure"
	FixMergeConflict FixType = "merge_conflict"
	FixGeneral       FixType = "general"
)

// TestOutcome is the result of a single RunTests invocation.
type TestOutcome struct {
	Passed bool
	Totals string
	Reason string // e.g. "timeout"; empty on pass
}

// ProcessResult summarizes what ProcessTask did to a single task, used
// both for direct callers and as an entry in a batch ProcessAwaitingMerge
// result.
type ProcessResult struct {
	TaskID      string
	MergeStatus model.MergeStatus
	Merged      bool
	Error       error
}

// BatchResult is ProcessAwaitingMerge's observability contract: total
// processed, merged, and errored counts plus a per-task result.
type BatchResult struct {
	TotalProcessed int
	MergedCount    int
	ErrorCount     int
	Results        []ProcessResult
}

// execTestFunc runs a shell test command in dir with a deadline,
// overridable in tests to avoid shelling out.
type execTestFunc func(ctx context.Context, dir, command string) TestOutcome

// Steward is the MergeSteward component (C3).
type Steward struct {
	store    store.Store
	wt       worktree.Manager
	dispatch dispatch.Dispatch
	reg      registry.Registry
	idgen    *idgen.Generator

	cfg Config

	runTest execTestFunc
}

// New constructs a Steward. cfg's zero TestTimeoutMs, TargetBranch,
// Strategy and ThrowawayDir are filled from DefaultConfig; boolean fields
// are used as given.
func New(s store.Store, wt worktree.Manager, d dispatch.Dispatch, reg registry.Registry, gen *idgen.Generator, cfg Config) *Steward {
	def := DefaultConfig()
	if cfg.TestTimeoutMs <= 0 {
		cfg.TestTimeoutMs = def.TestTimeoutMs
	}
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = def.TargetBranch
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.ThrowawayDir == "" {
		cfg.ThrowawayDir = def.ThrowawayDir
	}
	return &Steward{
		store:    s,
		wt:       wt,
		dispatch: d,
		reg:      reg,
		idgen:    gen,
		cfg:      cfg,
		runTest:  shellTestRunner,
	}
}

// SetTestRunner overrides how test commands are executed; used by tests
// to avoid invoking a real shell.
func (st *Steward) SetTestRunner(fn func(ctx context.Context, dir, command string) TestOutcome) {
	st.runTest = fn
}

// shellTestRunner runs command via `sh -c` in dir, bounded by ctx's
// deadline, mirroring `exec.CommandContext(ctx, "sh",
// "-c", cmd)` shape for trusted rig-configured test commands.
func shellTestRunner(ctx context.Context, dir, command string) TestOutcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // command is operator-configured, not branch-controlled
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return TestOutcome{Passed: false, Reason: "timeout"}
	}
	if err != nil {
		return TestOutcome{Passed: false, Reason: strings.TrimSpace(stderr.String())}
	}
	return TestOutcome{Passed: true, Totals: strings.TrimSpace(stdout.String())}
}

// withMeta reads a task and writes back a mutated orchestrator metadata
// with optimistic concurrency (single retry on version mismatch),
// matching the assignment package's own withRetry shape.
func (st *Steward) withMeta(ctx context.Context, op, taskID string, mutate func(*model.Task)) (*model.Task, error) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := st.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		mutate(t)
		expected := t.UpdatedAt.UnixNano()

		updated, err := st.store.UpdateTask(ctx, taskID, func(task *model.Task) { *task = *t }, store.UpdateOpts{ExpectedUpdatedAt: &expected})
		if err == nil {
			return updated, nil
		}
		if orcherr.IsConflict(err) && attempt == 0 {
			continue
		}
		return nil, err
	}
	return nil, orcherr.New(op, orcherr.Conflict, "persistent version mismatch after retry")
}

// ProcessTask drives a single reviewed task through the merge pipeline:
// run tests, merge on success, clean up, or create a fix task on
// failure.
func (st *Steward) ProcessTask(ctx context.Context, taskID string) (ProcessResult, error) {
	const op = "merge.ProcessTask"

	t, err := st.store.GetTask(ctx, taskID)
	if err != nil {
		return ProcessResult{TaskID: taskID}, err
	}
	if t.Orchestrator.Branch == "" {
		return ProcessResult{TaskID: taskID}, orcherr.New(op, orcherr.Validation, "task "+taskID+" has no orchestrator branch")
	}

	// Idempotence: a task already closed+merged is done; no Store writes.
	if t.Status == model.StatusClosed && t.Orchestrator.MergeStatus == model.MergeStatusMerged {
		return ProcessResult{TaskID: taskID, MergeStatus: model.MergeStatusMerged, Merged: true}, nil
	}

	outcome, err := st.RunTests(ctx, taskID)
	if err != nil {
		return ProcessResult{TaskID: taskID}, err
	}
	if !outcome.Passed {
		if _, ferr := st.setMergeStatus(ctx, taskID, model.MergeStatusTestFailed, outcome.Reason); ferr != nil {
			return ProcessResult{TaskID: taskID}, ferr
		}
		if _, ferr := st.CreateFixTask(ctx, taskID, FixTestFailure, outcome.Reason); ferr != nil {
			return ProcessResult{TaskID: taskID, MergeStatus: model.MergeStatusTestFailed}, ferr
		}
		return ProcessResult{TaskID: taskID, MergeStatus: model.MergeStatusTestFailed}, nil
	}

	mergeErr := st.AttemptMerge(ctx, taskID)
	if mergeErr == nil {
		final, err := st.finalizeMerge(ctx, taskID)
		if err != nil {
			return ProcessResult{TaskID: taskID}, err
		}
		return ProcessResult{TaskID: taskID, MergeStatus: final, Merged: true}, nil
	}

	classification, reason := classifyMergeError(mergeErr)
	if classification == model.MergeStatusNotApplicable {
		if _, ferr := st.finalizeNotApplicable(ctx, taskID); ferr != nil {
			return ProcessResult{TaskID: taskID}, ferr
		}
		return ProcessResult{TaskID: taskID, MergeStatus: classification}, nil
	}

	if _, ferr := st.setMergeStatus(ctx, taskID, classification, reason); ferr != nil {
		return ProcessResult{TaskID: taskID}, ferr
	}
	fixType := FixGeneral
	if classification == model.MergeStatusConflict {
		fixType = FixMergeConflict
	}
	if _, ferr := st.CreateFixTask(ctx, taskID, fixType, reason); ferr != nil {
		return ProcessResult{TaskID: taskID, MergeStatus: classification}, ferr
	}
	return ProcessResult{TaskID: taskID, MergeStatus: classification}, nil
}

// finalizeNotApplicable closes a task whose branch carried no commits
// relative to the target: there is nothing to merge, but the task is
// done, mirroring finalizeMerge's status transition without a mergedAt.
func (st *Steward) finalizeNotApplicable(ctx context.Context, taskID string) (*model.Task, error) {
	now := time.Now()
	t, err := st.withMeta(ctx, "merge.finalizeNotApplicable", taskID, func(t *model.Task) {
		meta := t.Orchestrator.Clone()
		meta.MergeStatus = model.MergeStatusNotApplicable
		meta.ClosedAt = &now
		meta.MergeFailureReason = ""
		t.Orchestrator = *meta
		t.Status = model.StatusClosed
		t.Assignee = ""
	})
	if err != nil {
		return nil, err
	}
	if st.cfg.AutoCleanup {
		_ = st.CleanupAfterMerge(ctx, taskID, true)
	}
	return t, nil
}

// ProcessAwaitingMerge runs ProcessTask over every task currently
// visible to the merge steward (status=review, mergeStatus=pending),
// tolerating per-task failures so one bad task does not halt the batch.
func (st *Steward) ProcessAwaitingMerge(ctx context.Context) (BatchResult, error) {
	tasks, err := st.store.ListTasks(ctx, store.Filter{Status: []model.TaskStatus{model.StatusReview}})
	if err != nil {
		return BatchResult{}, orcherr.Wrap("merge.ProcessAwaitingMerge", orcherr.External, "list tasks", err)
	}

	var batch BatchResult
	for _, t := range tasks {
		if t.Orchestrator.MergeStatus != model.MergeStatusPending {
			continue
		}
		batch.TotalProcessed++
		res, err := st.ProcessTask(ctx, t.ID)
		if err != nil {
			res.Error = err
			batch.ErrorCount++
		} else if res.Merged {
			batch.MergedCount++
		}
		batch.Results = append(batch.Results, res)
	}
	return batch, nil
}

// setMergeStatus sets mergeStatus and, when reason is non-empty,
// mergeFailureReason; testRunCount bookkeeping is left to RunTests. It is
// used for the testing, merging, test_failed, conflict and failed
// transitions; merged and not_applicable are set by finalizeMerge and
// finalizeNotApplicable.
func (st *Steward) setMergeStatus(ctx context.Context, taskID string, status model.MergeStatus, reason string) (*model.Task, error) {
	return st.withMeta(ctx, "merge.setMergeStatus", taskID, func(t *model.Task) {
		meta := t.Orchestrator.Clone()
		meta.MergeStatus = status
		if reason != "" {
			meta.MergeFailureReason = reason
		}
		t.Orchestrator = *meta
	})
}

// RunTests invokes the configured test command inside the task's
// worktree with a hard timeout, recording the outcome and bumping
// testRunCount. An empty TestCommand is treated as an
// unconditional pass (nothing to run). A failing run is retried up to
// cfg.TestRetryCount additional times before being classified as a
// failure, absorbing flaky test suites; the default of zero retries
// preserves single-attempt behavior.
func (st *Steward) RunTests(ctx context.Context, taskID string) (TestOutcome, error) {
	t, err := st.store.GetTask(ctx, taskID)
	if err != nil {
		return TestOutcome{}, err
	}

	if _, err := st.setMergeStatus(ctx, taskID, model.MergeStatusTesting, ""); err != nil {
		return TestOutcome{}, err
	}

	var outcome TestOutcome
	if st.cfg.TestCommand == "" {
		outcome = TestOutcome{Passed: true}
	} else {
		timeout := time.Duration(st.cfg.TestTimeoutMs) * time.Millisecond
		for attempt := 0; attempt <= st.cfg.TestRetryCount; attempt++ {
			testCtx, cancel := context.WithTimeout(ctx, timeout)
			outcome = st.runTest(testCtx, t.Orchestrator.Worktree, st.cfg.TestCommand)
			cancel()
			if outcome.Passed {
				break
			}
		}
	}

	_, err = st.withMeta(ctx, "merge.RunTests", taskID, func(t *model.Task) {
		meta := t.Orchestrator.Clone()
		meta.TestRunCount++
		meta.LastTestResult = &model.TestResult{
			Passed:      outcome.Passed,
			CompletedAt: time.Now(),
			Totals:      outcome.Totals,
		}
		t.Orchestrator = *meta
	})
	if err != nil {
		return TestOutcome{}, err
	}
	return outcome, nil
}

// mergeError classifies AttemptMerge's internal failures so ProcessTask
// can set the right mergeStatus without parsing error strings.
type mergeError struct {
	kind   model.MergeStatus
	reason string
}

func (e *mergeError) Error() string { return string(e.kind) + ": " + e.reason }

func classifyMergeError(err error) (model.MergeStatus, string) {
	var me *mergeError
	if e, ok := err.(*mergeError); ok {
		me = e
	}
	if me != nil {
		return me.kind, me.reason
	}
	return model.MergeStatusFailed, err.Error()
}

// AttemptMerge pre-flight-probes for conflicts, then performs the merge
// in a throwaway detached worktree against origin/{targetBranch} and,
// when AutoPushAfterMerge is set, pushes the result. It deliberately never touches the caller's own
// working branch or syncs a local copy of the target branch — that sync
// happens separately, inside ProcessTask's finalizeMerge.
func (st *Steward) AttemptMerge(ctx context.Context, taskID string) error {
	t, err := st.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	branch := t.Orchestrator.Branch
	worktreePath := t.Orchestrator.Worktree
	target := st.cfg.TargetBranch

	if _, err := st.setMergeStatus(ctx, taskID, model.MergeStatusMerging, ""); err != nil {
		return err
	}

	if err := st.wt.Fetch(ctx, worktreePath, "origin"); err != nil {
		return &mergeError{kind: model.MergeStatusFailed, reason: "fetch origin: " + err.Error()}
	}

	remoteTarget := "origin/" + target
	if _, err := st.wt.MergeBase(ctx, worktreePath, branch, remoteTarget); err != nil {
		return &mergeError{kind: model.MergeStatusFailed, reason: "merge-base: " + err.Error()}
	}

	conflicts, err := st.wt.MergeTreeConflicts(ctx, worktreePath, branch, remoteTarget)
	if err != nil {
		return &mergeError{kind: model.MergeStatusFailed, reason: "merge-tree probe: " + err.Error()}
	}
	if len(conflicts) > 0 {
		return &mergeError{kind: model.MergeStatusConflict, reason: fmt.Sprintf("conflicting files: %s", strings.Join(conflicts, ", "))}
	}

	throwaway := st.cfg.ThrowawayDir + "/" + taskID
	if err := st.wt.CreateWorktree(ctx, remoteTarget, throwaway, worktree.CreateOptions{Detach: true}); err != nil {
		return &mergeError{kind: model.MergeStatusFailed, reason: "create throwaway worktree: " + err.Error()}
	}
	defer func() { _ = st.wt.RemoveWorktree(ctx, throwaway, worktree.RemoveOptions{Force: true}) }()

	beforeHead, headErr := st.wt.RevParse(ctx, throwaway, "HEAD")

	var mergeCommitErr error
	message := fmt.Sprintf("Merge %s into %s (%s)", branch, target, taskID)
	switch st.cfg.Strategy {
	case StrategyMerge:
		mergeCommitErr = st.wt.MergeNoFF(ctx, throwaway, branch, message)
	default:
		mergeCommitErr = st.wt.MergeSquash(ctx, throwaway, branch, message)
	}

	if mergeCommitErr != nil {
		files, cerr := st.wt.ConflictingFiles(ctx, throwaway)
		_ = st.wt.AbortMerge(ctx, throwaway)
		if cerr == nil && len(files) > 0 {
			return &mergeError{kind: model.MergeStatusConflict, reason: fmt.Sprintf("conflicting files: %s", strings.Join(files, ", "))}
		}
		return &mergeError{kind: model.MergeStatusFailed, reason: "merge: " + mergeCommitErr.Error()}
	}

	afterHead, err := st.wt.RevParse(ctx, throwaway, "HEAD")
	if err != nil {
		return &mergeError{kind: model.MergeStatusFailed, reason: "rev-parse HEAD: " + err.Error()}
	}
	if headErr == nil && afterHead == beforeHead {
		return &mergeError{kind: model.MergeStatusNotApplicable, reason: "no commits to merge"}
	}

	if st.cfg.AutoPushAfterMerge {
		if err := st.wt.Push(ctx, throwaway, "origin", "HEAD:"+target, false); err != nil {
			return &mergeError{kind: model.MergeStatusFailed, reason: "push: " + err.Error()}
		}
	}

	return nil
}

// finalizeMerge applies the post-merge state transition (mergeStatus,
// status, closedAt, assignee), optionally cleans up the task's worktree
// and branches, and — separately from AttemptMerge — syncs the local
// checkout of the target branch from origin.
func (st *Steward) finalizeMerge(ctx context.Context, taskID string) (model.MergeStatus, error) {
	now := time.Now()
	t, err := st.withMeta(ctx, "merge.finalizeMerge", taskID, func(t *model.Task) {
		meta := t.Orchestrator.Clone()
		meta.MergeStatus = model.MergeStatusMerged
		meta.MergedAt = &now
		meta.ClosedAt = &now
		meta.MergeFailureReason = ""
		t.Orchestrator = *meta
		t.Status = model.StatusClosed
		t.Assignee = ""
	})
	if err != nil {
		return "", err
	}

	if st.cfg.AutoCleanup {
		// A cleanup failure here never rolls back a merge that already
		// landed; CleanupAfterMerge itself remains independently callable
		// for an operator to retry.
		_ = st.CleanupAfterMerge(ctx, taskID, true)
	}

	if st.cfg.MainRepoPath != "" {
		// Reported but non-fatal: a stale local target branch does not
		// unwind a merge that has already landed upstream.
		_ = st.wt.FastForward(ctx, st.cfg.MainRepoPath, "origin", st.cfg.TargetBranch)
	}

	return model.MergeStatusMerged, nil
}

// CleanupAfterMerge removes the task's worktree and, when deleteBranch is
// true, its local branch and its branch on origin.
// Failures are returned to the caller but never roll back a merge.
func (st *Steward) CleanupAfterMerge(ctx context.Context, taskID string, deleteBranch bool) error {
	t, err := st.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Orchestrator.Worktree == "" {
		return nil
	}
	return st.wt.RemoveWorktree(ctx, t.Orchestrator.Worktree, worktree.RemoveOptions{
		DeleteBranch:       deleteBranch,
		DeleteRemoteBranch: deleteBranch,
		Force:              true,
	})
}

// CreateFixTask creates (or finds an existing) follow-up task for a
// failed merge, deduped by (originalTaskId, fixType), tagged
// {fix, <fixType>, auto-created}. If the original task had an owning
// agent, it is notified via Dispatch.
func (st *Steward) CreateFixTask(ctx context.Context, originalTaskID string, fixType FixType, reason string) (*model.Task, error) {
	const op = "merge.CreateFixTask"

	existing, err := st.store.ListTasks(ctx, store.Filter{Status: []model.TaskStatus{model.StatusOpen}, Tags: []string{"fix"}})
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "list existing fix tasks", err)
	}
	for _, e := range existing {
		if e.Orchestrator.OriginalTaskID == originalTaskID && e.Orchestrator.FixType == string(fixType) {
			return e, nil
		}
	}

	original, err := st.store.GetTask(ctx, originalTaskID)
	if err != nil {
		return nil, err
	}

	id, err := st.idgen.Generate(ctx, "fix-"+originalTaskID, "merge-steward", nil, idgen.GenerateOpts{
		Collision: func(ctx context.Context, candidate string) (bool, error) {
			_, err := st.store.GetTask(ctx, candidate)
			return err == nil, nil
		},
	})
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "generate fix task id", err)
	}

	title := fixTitle(fixType, original.Title)
	body := fixBody(fixType, originalTaskID, reason)

	fix := &model.Task{
		ID:         id,
		Title:      title,
		Status:     model.StatusOpen,
		Priority:   boostPriority(original.Priority),
		Complexity: original.Complexity,
		TaskType:   model.TypeBug,
		Tags:       []string{"fix", string(fixType), "auto-created"},
		Orchestrator: model.OrchestratorMeta{
			OriginalTaskID: originalTaskID,
			FixType:        string(fixType),
		},
	}
	// Body/description text is not part of model.Task's current fields;
	// callers that need it read the fix task's tags/fixType plus the
	// original task's mergeFailureReason. The composed body is kept for
	// the dispatch notification content below.

	created, err := st.store.CreateTask(ctx, fix)
	if err != nil {
		return nil, orcherr.Wrap(op, orcherr.External, "create fix task", err)
	}

	if original.Orchestrator.AssignedAgent != "" && st.dispatch != nil {
		_ = st.dispatch.NotifyAgent(ctx, original.Orchestrator.AssignedAgent, dispatch.KindHealthAlert, body, map[string]any{
			"fixTaskId":      created.ID,
			"originalTaskId": originalTaskID,
			"fixType":        string(fixType),
		})
	}

	return created, nil
}

func boostPriority(p int) int {
	if p <= 1 {
		return 1
	}
	return p - 1
}

func fixTitle(ft FixType, originalTitle string) string {
	switch ft {
	case FixTestFailure:
		return "Fix failing tests: " + originalTitle
	case FixMergeConflict:
		return "Resolve merge conflicts: " + originalTitle
	default:
		return "Fix merge failure: " + originalTitle
	}
}

func fixBody(ft FixType, originalTaskID, reason string) string {
	return fmt.Sprintf("Auto-created by the merge steward for %s (%s).\n\nReason: %s\n", originalTaskID, ft, reason)
}
