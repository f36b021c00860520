package git

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initTestRepo creates a throwaway git repository with one commit.
// Skips the test if the git binary is unavailable.
func initTestRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	run("commit", "--allow-empty", "-m", "initial")

	return dir
}

// === Repository probes ===

func TestRealExecutor_IsGitRepo(t *testing.T) {
	t.Run("in git repo", func(t *testing.T) {
		executor := NewRealExecutor(initTestRepo(t))
		require.True(t, executor.IsGitRepo())
	})

	t.Run("not in git repo", func(t *testing.T) {
		executor := NewRealExecutor(t.TempDir())
		require.False(t, executor.IsGitRepo())
	})
}

func TestRealExecutor_GetRepoRoot(t *testing.T) {
	repo := initTestRepo(t)
	executor := NewRealExecutor(repo)

	root, err := executor.GetRepoRoot()
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(root), "GetRepoRoot() = %q, want absolute path", root)
}

func TestRealExecutor_GetCurrentBranch(t *testing.T) {
	executor := NewRealExecutor(initTestRepo(t))

	branch, err := executor.GetCurrentBranch()
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestRealExecutor_GetCurrentBranch_DetachedHead(t *testing.T) {
	repo := initTestRepo(t)
	cmd := exec.Command("git", "checkout", "--detach")
	cmd.Dir = repo
	require.NoError(t, cmd.Run())

	executor := NewRealExecutor(repo)
	_, err := executor.GetCurrentBranch()
	require.ErrorIs(t, err, ErrDetachedHead)
}

func TestRealExecutor_SupportsWorktrees(t *testing.T) {
	t.Run("git repo", func(t *testing.T) {
		executor := NewRealExecutor(initTestRepo(t))
		require.NoError(t, executor.SupportsWorktrees())
	})

	t.Run("plain directory", func(t *testing.T) {
		executor := NewRealExecutor(t.TempDir())
		require.Error(t, executor.SupportsWorktrees())
	})
}

func TestRealExecutor_BranchExists(t *testing.T) {
	executor := NewRealExecutor(initTestRepo(t))

	require.True(t, executor.BranchExists("main"))
	require.False(t, executor.BranchExists("no-such-branch"))
}

func TestRealExecutor_ValidateBranchName(t *testing.T) {
	executor := NewRealExecutor(initTestRepo(t))

	require.NoError(t, executor.ValidateBranchName("feature/auth"))
	require.ErrorIs(t, executor.ValidateBranchName("bad..name"), ErrInvalidBranchName)
	require.ErrorIs(t, executor.ValidateBranchName("-leading-dash"), ErrInvalidBranchName)
}

func TestRealExecutor_HasUncommittedChanges(t *testing.T) {
	executor := NewRealExecutor(initTestRepo(t))

	dirty, err := executor.HasUncommittedChanges()
	require.NoError(t, err)
	require.False(t, dirty)
}

// === Worktree lifecycle ===

func TestRealExecutor_CreateWorktree_Lifecycle(t *testing.T) {
	repo := initTestRepo(t)
	executor := NewRealExecutor(repo)

	worktreePath := filepath.Join(t.TempDir(), "child-worktree")
	branchName := "child-branch"

	err := executor.CreateWorktreeWithContext(context.Background(), worktreePath, branchName, "")
	require.NoError(t, err)

	worktrees, err := executor.ListWorktrees()
	require.NoError(t, err)

	// Resolve symlinks for comparison (macOS uses /var -> /private/var)
	wantReal, _ := filepath.EvalSymlinks(worktreePath)
	if wantReal == "" {
		wantReal = worktreePath
	}

	found := false
	for _, wt := range worktrees {
		gotReal, _ := filepath.EvalSymlinks(wt.Path)
		if gotReal == "" {
			gotReal = wt.Path
		}
		if gotReal == wantReal || wt.Path == worktreePath {
			found = true
			require.Equal(t, branchName, wt.Branch)
			break
		}
	}
	require.True(t, found, "new worktree not found in ListWorktrees(): %+v", worktrees)

	require.NoError(t, executor.RemoveWorktree(worktreePath))
	require.NoError(t, executor.PruneWorktrees())
}

func TestRealExecutor_CreateWorktree_BranchConflict(t *testing.T) {
	repo := initTestRepo(t)
	executor := NewRealExecutor(repo)

	base := t.TempDir()
	first := filepath.Join(base, "first")
	second := filepath.Join(base, "second")

	require.NoError(t, executor.CreateWorktreeWithContext(context.Background(), first, "shared-branch", ""))

	// Same branch name again: -b fails because the branch already exists.
	err := executor.CreateWorktreeWithContext(context.Background(), second, "shared-branch", "")
	require.Error(t, err)
}

func TestRealExecutor_CreateWorktree_CancelledContext(t *testing.T) {
	repo := initTestRepo(t)
	executor := NewRealExecutor(repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := executor.CreateWorktreeWithContext(ctx, filepath.Join(t.TempDir(), "wt"), "cancelled-branch", "")
	require.Error(t, err)
}

// === Parsers ===

func TestParseWorktreeList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []WorktreeInfo
	}{
		{
			name: "single worktree",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main

`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: "main"},
			},
		},
		{
			name: "multiple worktrees",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main

worktree /path/to/worktree
HEAD def456abc789
branch refs/heads/feature

`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: "main"},
				{Path: "/path/to/worktree", HEAD: "def456abc789", Branch: "feature"},
			},
		},
		{
			name: "detached head",
			input: `worktree /path/to/repo
HEAD abc123def456
detached

`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: ""},
			},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
		{
			name: "no trailing newline",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main`,
			want: []WorktreeInfo{
				{Path: "/path/to/repo", HEAD: "abc123def456", Branch: "main"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseWorktreeList(tc.input)

			require.Len(t, got, len(tc.want))
			for i := range got {
				require.Equal(t, tc.want[i], got[i], "worktree[%d]", i)
			}
		})
	}
}

func TestParseGitError(t *testing.T) {
	originalErr := errors.New("exit status 128")

	tests := []struct {
		name      string
		stderr    string
		wantError error
	}{
		{
			name:      "branch already checked out",
			stderr:    "fatal: 'feature' is already checked out at '/path/to/worktree'",
			wantError: ErrBranchAlreadyCheckedOut,
		},
		{
			name:      "path already exists",
			stderr:    "fatal: '/path/to/worktree' already exists",
			wantError: ErrPathAlreadyExists,
		},
		{
			name:      "worktree locked",
			stderr:    "fatal: '/path/to/worktree' is locked",
			wantError: ErrWorktreeLocked,
		},
		{
			name:      "not a git repository",
			stderr:    "fatal: not a git repository (or any of the parent directories): .git",
			wantError: ErrNotGitRepo,
		},
		{
			name:      "unknown error",
			stderr:    "fatal: some other error",
			wantError: nil, // Should not match any specific error
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := parseGitError(tc.stderr, originalErr)

			if tc.wantError != nil {
				require.ErrorIs(t, err, tc.wantError)
			} else {
				require.Contains(t, err.Error(), tc.stderr)
			}
		})
	}
}
