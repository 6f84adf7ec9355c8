// Package workspace manages per-ticket git worktrees: one clone per
// repository, one worktree per work item.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"loom/pkg/board"
)

// Manager is the workspace collaborator contract.
type Manager interface {
	// EnsureWorkspace returns the worktree path for a ticket, creating the
	// clone and worktree as needed. Idempotent.
	EnsureWorkspace(ctx context.Context, repo board.Repo, number int) (string, error)
	// Cleanup removes the ticket's worktree.
	Cleanup(ctx context.Context, repo board.Repo, number int) error
}

// GitManager is the production Manager that shells out to git.
type GitManager struct {
	root   string // holds clones/ and worktrees/
	runner board.CommandRunner
}

// NewGitManager returns a Manager backed by real git commands, rooted at root.
func NewGitManager(root string, runner board.CommandRunner) *GitManager {
	return &GitManager{root: root, runner: runner}
}

func (g *GitManager) clonePath(repo board.Repo) string {
	return filepath.Join(g.root, "clones", repo.Owner+"-"+repo.Name)
}

func (g *GitManager) worktreePath(repo board.Repo, number int) string {
	return filepath.Join(g.root, "worktrees", fmt.Sprintf("%s-%s-%d", repo.Owner, repo.Name, number))
}

// EnsureWorkspace creates (or reuses) the worktree for a ticket. The
// worktree lives on the ticket's pipeline branch so agent pushes land on
// the linked change set.
func (g *GitManager) EnsureWorkspace(ctx context.Context, repo board.Repo, number int) (string, error) {
	path := g.worktreePath(repo, number)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	clone := g.clonePath(repo)
	if _, err := os.Stat(clone); os.IsNotExist(err) {
		cloneURL := fmt.Sprintf("https://%s/%s.git", repo.Host, repo.Slug())
		if _, err := g.runner.Run(ctx, "git", "clone", cloneURL, clone); err != nil {
			return "", fmt.Errorf("clone %s: %w", repo.Slug(), err)
		}
	}

	// Pick up the pipeline branch if it already exists remotely.
	_, _ = g.runner.Run(ctx, "git", "-C", clone, "fetch", "origin")

	branch := board.BranchForTicket(number)
	if _, err := g.runner.Run(ctx, "git", "-C", clone,
		"worktree", "add", path, "-B", branch); err != nil {
		return "", fmt.Errorf("worktree add %s#%d: %w", repo.Slug(), number, err)
	}

	// Track the remote branch when it exists; a missing remote branch is
	// fine, the first push creates it.
	_, _ = g.runner.Run(ctx, "git", "-C", path,
		"branch", "--set-upstream-to", "origin/"+branch)

	return path, nil
}

// Cleanup runs `git worktree remove <path> --force` for the ticket.
func (g *GitManager) Cleanup(ctx context.Context, repo board.Repo, number int) error {
	path := g.worktreePath(repo, number)
	clone := g.clonePath(repo)
	if _, err := g.runner.Run(ctx, "git", "-C", clone,
		"worktree", "remove", path, "--force"); err != nil {
		return fmt.Errorf("worktree remove %s#%d: %w", repo.Slug(), number, err)
	}
	return nil
}

// Prune cleans up orphaned worktree state left by a previous crash. It asks
// git to prune its internal bookkeeping in every clone, then removes all
// directories under worktrees/. Errors never prevent startup.
func (g *GitManager) Prune(ctx context.Context) error {
	clonesDir := filepath.Join(g.root, "clones")
	if entries, err := os.ReadDir(clonesDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_, _ = g.runner.Run(ctx, "git", "-C",
					filepath.Join(clonesDir, entry.Name()), "worktree", "prune")
			}
		}
	}

	worktreesDir := filepath.Join(g.root, "worktrees")
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		return nil //nolint:nilerr // missing dir is expected, not an error
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		_ = os.RemoveAll(filepath.Join(worktreesDir, entry.Name()))
	}
	return nil
}
