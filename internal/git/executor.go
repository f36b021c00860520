// Package git wraps the git CLI for worktree provisioning.
package git

import "context"

// GitExecutor defines the interface for git operations used by workspace
// provisioning. This abstraction allows for easy testing with mock implementations.
type GitExecutor interface {
	// SupportsWorktrees probes whether the repository can host worktrees.
	// Returns nil when `git worktree list` succeeds.
	SupportsWorktrees() error

	// CreateWorktreeWithContext creates a new worktree at path with a new branch.
	// newBranch is the name of the new branch to create.
	// baseBranch is the starting point for the new branch (e.g., main, develop).
	// If baseBranch is empty, uses current HEAD as the starting point.
	// Returns ErrWorktreeTimeout if the context deadline is exceeded.
	CreateWorktreeWithContext(ctx context.Context, path, newBranch, baseBranch string) error
	RemoveWorktree(path string) error
	PruneWorktrees() error
	ListWorktrees() ([]WorktreeInfo, error)

	BranchExists(name string) bool
	// ValidateBranchName validates a branch name using git check-ref-format --branch.
	// Returns nil if valid, ErrInvalidBranchName if invalid.
	ValidateBranchName(name string) error

	IsGitRepo() bool
	GetRepoRoot() (string, error)
	GetCurrentBranch() (string, error)
	GetMainBranch() (string, error)
	HasUncommittedChanges() (bool, error)
}

// WorktreeInfo holds information about a git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}
