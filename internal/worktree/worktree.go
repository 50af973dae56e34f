// Package worktree implements the WorktreeMgr external interface:
// creating, removing, and inspecting isolated working copies, plus the
// git plumbing commands the merge pipeline scopes to a worktree.
// Worktree single-writer enforcement uses a github.com/gofrs/flock
// advisory lock per path, a library-backed guard for filesystem
// worktrees in place of a hand-rolled PID-liveness lock file.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/stoneforge-ai/orchestrator/internal/orcherr"
)

// CreateOptions configures worktree creation.
type CreateOptions struct {
	// Detach checks out the branch in detached-HEAD mode, used by the
	// merge steward's throwaway worktree so the agent's own worktree for
	// the same branch is left untouched.
	Detach bool
	// NewBranch, if set, creates the branch from the current HEAD of
	// BaseBranch instead of requiring it to already exist.
	NewBranch   bool
	BaseBranch string
}

// RemoveOptions configures worktree removal.
type RemoveOptions struct {
	DeleteBranch       bool
	DeleteRemoteBranch bool
	Force              bool
}

// Manager is the WorktreeMgr interface consumed by the core.
type Manager interface {
	CreateWorktree(ctx context.Context, branch, path string, opts CreateOptions) error
	RemoveWorktree(ctx context.Context, path string, opts RemoveOptions) error
	GetDefaultBranch(ctx context.Context) (string, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	GetCurrentBranch(ctx context.Context, path string) (string, error)
	WorktreeExists(ctx context.Context, path string) (bool, error)

	// Plumbing scoped to a worktree path.
	Fetch(ctx context.Context, path, remote string) error
	MergeBase(ctx context.Context, path, a, b string) (string, error)
	MergeTreeConflicts(ctx context.Context, path, branch, target string) ([]string, error)
	MergeNoFF(ctx context.Context, path, branch, message string) error
	MergeSquash(ctx context.Context, path, branch, message string) error
	AbortMerge(ctx context.Context, path string) error
	ConflictingFiles(ctx context.Context, path string) ([]string, error)
	Push(ctx context.Context, path, remote, refspec string, force bool) error
	RevParse(ctx context.Context, path, rev string) (string, error)
	// FastForward fetches remote and fast-forwards branch's local ref to
	// match remote/branch, used to sync the primary checkout's target
	// branch after a merge steward push lands upstream.
	FastForward(ctx context.Context, path, remote, branch string) error
}

// GitManager is a Manager backed by a real git checkout at RepoRoot, with
// one advisory flock per worktree path enforcing the single-writer
// invariant.
type GitManager struct {
	RepoRoot string
}

// New constructs a GitManager rooted at repoRoot (the primary checkout
// worktrees are created alongside, per documented `.stoneforge/.worktrees`
// layout).
func New(repoRoot string) *GitManager {
	return &GitManager{RepoRoot: repoRoot}
}

func (g *GitManager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// withLock acquires an advisory flock on path+".lock" for the duration of
// fn, enforcing at most one writer per worktree path at a time.
func withLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire worktree lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("worktree %s is already locked by another writer", path)
	}
	defer fl.Unlock()
	return fn()
}

func (g *GitManager) CreateWorktree(ctx context.Context, branch, path string, opts CreateOptions) error {
	const op = "worktree.CreateWorktree"
	return withLock(path, func() error {
		args := []string{"worktree", "add"}
		if opts.Detach {
			args = append(args, "--detach")
		}
		if opts.NewBranch {
			base := opts.BaseBranch
			if base == "" {
				base = "HEAD"
			}
			args = append(args, "-b", branch, path, base)
		} else if opts.Detach {
			args = append(args, path, branch)
		} else {
			args = append(args, path, branch)
		}
		if _, err := g.run(ctx, g.RepoRoot, args...); err != nil {
			return orcherr.Wrap(op, orcherr.External, "git worktree add", err)
		}
		return nil
	})
}

func (g *GitManager) RemoveWorktree(ctx context.Context, path string, opts RemoveOptions) error {
	const op = "worktree.RemoveWorktree"
	return withLock(path, func() error {
		branch, _ := g.GetCurrentBranch(ctx, path)

		args := []string{"worktree", "remove"}
		if opts.Force {
			args = append(args, "--force")
		}
		args = append(args, path)
		if _, err := g.run(ctx, g.RepoRoot, args...); err != nil {
			return orcherr.Wrap(op, orcherr.External, "git worktree remove", err)
		}

		if opts.DeleteBranch && branch != "" {
			delArgs := []string{"branch", "-D", branch}
			if _, err := g.run(ctx, g.RepoRoot, delArgs...); err != nil {
				return orcherr.Wrap(op, orcherr.External, "delete local branch", err)
			}
		}
		if opts.DeleteRemoteBranch && branch != "" {
			if _, err := g.run(ctx, g.RepoRoot, "push", "origin", "--delete", branch); err != nil {
				return orcherr.Wrap(op, orcherr.External, "delete remote branch", err)
			}
		}
		return nil
	})
}

func (g *GitManager) GetDefaultBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, g.RepoRoot, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main", nil // best-effort default when no remote HEAD is configured
	}
	return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
}

func (g *GitManager) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := g.run(ctx, g.RepoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil, nil
}

func (g *GitManager) GetCurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := g.run(ctx, path, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", orcherr.Wrap("worktree.GetCurrentBranch", orcherr.External, "symbolic-ref", err)
	}
	return out, nil
}

func (g *GitManager) WorktreeExists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false, nil
	}
	return info != nil, nil
}

func (g *GitManager) Fetch(ctx context.Context, path, remote string) error {
	if _, err := g.run(ctx, path, "fetch", remote); err != nil {
		return orcherr.Wrap("worktree.Fetch", orcherr.External, "git fetch", err)
	}
	return nil
}

func (g *GitManager) MergeBase(ctx context.Context, path, a, b string) (string, error) {
	out, err := g.run(ctx, path, "merge-base", a, b)
	if err != nil {
		return "", orcherr.Wrap("worktree.MergeBase", orcherr.External, "git merge-base", err)
	}
	return out, nil
}

// MergeTreeConflicts probes for conflicts without touching the working
// copy.
func (g *GitManager) MergeTreeConflicts(ctx context.Context, path, branch, target string) ([]string, error) {
	base, err := g.MergeBase(ctx, path, branch, target)
	if err != nil {
		return nil, err
	}
	out, err := g.run(ctx, path, "merge-tree", base, target, branch)
	if err != nil {
		// non-zero from merge-tree (old form) or a conflict marker in output
		// both indicate conflicts; callers distinguish via ConflictingFiles.
		return parseConflictMarkers(out), nil
	}
	return parseConflictMarkers(out), nil
}

func parseConflictMarkers(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "<<<<<<<") || strings.Contains(line, "CONFLICT") {
			files = append(files, strings.TrimSpace(line))
		}
	}
	return files
}

func (g *GitManager) MergeNoFF(ctx context.Context, path, branch, message string) error {
	if _, err := g.run(ctx, path, "merge", "--no-ff", "-m", message, branch); err != nil {
		return orcherr.Wrap("worktree.MergeNoFF", orcherr.External, "git merge --no-ff", err)
	}
	return nil
}

func (g *GitManager) MergeSquash(ctx context.Context, path, branch, message string) error {
	if _, err := g.run(ctx, path, "merge", "--squash", branch); err != nil {
		return orcherr.Wrap("worktree.MergeSquash", orcherr.External, "git merge --squash", err)
	}
	if _, err := g.run(ctx, path, "commit", "-m", message); err != nil {
		return orcherr.Wrap("worktree.MergeSquash", orcherr.External, "git commit", err)
	}
	return nil
}

func (g *GitManager) AbortMerge(ctx context.Context, path string) error {
	if _, err := g.run(ctx, path, "merge", "--abort"); err != nil {
		return orcherr.Wrap("worktree.AbortMerge", orcherr.External, "git merge --abort", err)
	}
	return nil
}

func (g *GitManager) ConflictingFiles(ctx context.Context, path string) ([]string, error) {
	out, err := g.run(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, orcherr.Wrap("worktree.ConflictingFiles", orcherr.External, "git diff --diff-filter=U", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *GitManager) Push(ctx context.Context, path, remote, refspec string, force bool) error {
	args := []string{"push", remote, refspec}
	if force {
		args = append(args, "--force")
	}
	if _, err := g.run(ctx, path, args...); err != nil {
		return orcherr.Wrap("worktree.Push", orcherr.External, "git push", err)
	}
	return nil
}

func (g *GitManager) RevParse(ctx context.Context, path, rev string) (string, error) {
	out, err := g.run(ctx, path, "rev-parse", rev)
	if err != nil {
		return "", orcherr.Wrap("worktree.RevParse", orcherr.External, "git rev-parse", err)
	}
	return out, nil
}

func (g *GitManager) FastForward(ctx context.Context, path, remote, branch string) error {
	if _, err := g.run(ctx, path, "fetch", remote, branch); err != nil {
		return orcherr.Wrap("worktree.FastForward", orcherr.External, "git fetch", err)
	}
	if _, err := g.run(ctx, path, "merge", "--ff-only", remote+"/"+branch); err != nil {
		return orcherr.Wrap("worktree.FastForward", orcherr.External, "git merge --ff-only", err)
	}
	return nil
}
