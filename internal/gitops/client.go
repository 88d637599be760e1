// Package gitops wraps the git CLI for the operations the executor needs:
// working-tree snapshots, staged commits, reverts, and pushes.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
)

const gitTimeout = 30 * time.Second

// Client runs git commands in one repository.
type Client struct {
	dir string
}

// NewClient creates a Client rooted at dir.
func NewClient(dir string) *Client {
	return &Client{dir: dir}
}

// run executes one git command and returns trimmed stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Status returns the working-tree changes from `git status --porcelain`.
func (c *Client) Status(ctx context.Context) ([]scope.FileChange, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, aidferr.New(aidferr.CategoryGit, aidferr.CodeGitStatusFailed, err.Error()).WithCause(err)
	}
	return parsePorcelain(out), nil
}

// parsePorcelain maps porcelain XY codes onto change kinds.
func parsePorcelain(out string) []scope.FileChange {
	var changes []scope.FileChange
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		status := line[:2]
		path := strings.TrimSpace(line[3:])
		// Renames: "R  old -> new" — report the new path.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)

		kind := scope.KindModified
		switch {
		case strings.Contains(status, "?"), strings.Contains(status, "A"):
			kind = scope.KindCreated
		case strings.Contains(status, "D"):
			kind = scope.KindDeleted
		}
		changes = append(changes, scope.FileChange{Path: path, Kind: kind})
	}
	return changes
}

// Snapshot captures the set of currently-changed paths, for diffing around
// a subprocess provider call.
func (c *Client) Snapshot(ctx context.Context) (map[string]bool, error) {
	changes, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]bool, len(changes))
	for _, ch := range changes {
		snap[ch.Path] = true
	}
	return snap, nil
}

// DiffSnapshot returns the changes not present in a prior snapshot.
func (c *Client) DiffSnapshot(ctx context.Context, before map[string]bool) ([]scope.FileChange, error) {
	after, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	var novel []scope.FileChange
	for _, ch := range after {
		if !before[ch.Path] {
			novel = append(novel, ch)
		}
	}
	return novel, nil
}

// Add stages the given paths.
func (c *Client) Add(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	if _, err := c.run(ctx, args...); err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitCommitFailed,
			fmt.Sprintf("stage files: %v", err)).WithCause(err)
	}
	return nil
}

// Commit commits staged changes with the given message.
func (c *Client) Commit(ctx context.Context, message string) error {
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitCommitFailed, err.Error()).
			WithContext("message", message).WithCause(err)
	}
	return nil
}

// Push pushes the current branch to its upstream.
func (c *Client) Push(ctx context.Context) error {
	branch, err := c.CurrentBranch(ctx)
	if err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitPushFailed, err.Error()).WithCause(err)
	}
	if _, err := c.run(ctx, "push", "origin", branch); err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitPushFailed, err.Error()).
			WithContext("branch", branch).WithCause(err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Revert undoes uncommitted changes to the given paths: tracked files are
// checked out from HEAD, untracked created files are removed. Failure here
// is non-retryable — a working tree that cannot be restored aborts the run.
func (c *Client) Revert(ctx context.Context, changes []scope.FileChange) error {
	var tracked, untracked []string
	for _, ch := range changes {
		if ch.Kind == scope.KindCreated {
			untracked = append(untracked, ch.Path)
		} else {
			tracked = append(tracked, ch.Path)
		}
	}

	if len(tracked) > 0 {
		args := append([]string{"checkout", "--"}, tracked...)
		if _, err := c.run(ctx, args...); err != nil {
			return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitRevertFailed,
				fmt.Sprintf("checkout: %v", err)).
				WithContext("files", strings.Join(tracked, ",")).WithCause(err)
		}
	}
	for _, path := range untracked {
		full := filepath.Join(c.dir, path)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			// A created file may already be staged; unstage then remove.
			if _, uerr := c.run(ctx, "rm", "-f", "--cached", "--", path); uerr == nil {
				if rerr := os.Remove(full); rerr == nil || os.IsNotExist(rerr) {
					continue
				}
			}
			return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitRevertFailed,
				fmt.Sprintf("remove %s: %v", path, err)).WithCause(err)
		}
	}
	return nil
}

// MoveStaged moves a file and stages both the deletion and the addition,
// used for relocating task files between lifecycle directories.
func (c *Client) MoveStaged(ctx context.Context, oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(filepath.Join(c.dir, newPath)), 0o755); err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitCommitFailed,
			fmt.Sprintf("create %s: %v", filepath.Dir(newPath), err)).WithCause(err)
	}
	if err := os.Rename(filepath.Join(c.dir, oldPath), filepath.Join(c.dir, newPath)); err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitCommitFailed,
			fmt.Sprintf("move %s: %v", oldPath, err)).WithCause(err)
	}
	// Stage old-path deletion and new-path addition. Outside a repo this is
	// best-effort: the move itself already happened.
	if _, err := c.run(ctx, "add", "-A", "--", oldPath, newPath); err != nil {
		return aidferr.New(aidferr.CategoryGit, aidferr.CodeGitCommitFailed,
			fmt.Sprintf("stage move: %v", err)).WithCause(err)
	}
	return nil
}

// IsRepo reports whether dir is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}
