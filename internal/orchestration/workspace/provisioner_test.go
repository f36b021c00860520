package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conductor/internal/git"
	"github.com/zjrosen/conductor/internal/paths"
)

// fakeGit scripts git behavior for provisioning tests.
type fakeGit struct {
	supportErr    error
	supportsAfter int // SupportsWorktrees succeeds after this many failures
	supportCalls  int

	createErrs    []error // per-attempt errors; nil entry = success
	createCalls   []createCall
	removeErr     error
	removedPaths  []string
	prunedCount   int
	validateErr   error
	branchesExist map[string]bool
}

type createCall struct {
	path   string
	branch string
}

func (f *fakeGit) SupportsWorktrees() error {
	f.supportCalls++
	if f.supportsAfter > 0 && f.supportCalls > f.supportsAfter {
		return nil
	}
	return f.supportErr
}

func (f *fakeGit) CreateWorktreeWithContext(_ context.Context, path, newBranch, _ string) error {
	call := len(f.createCalls)
	f.createCalls = append(f.createCalls, createCall{path: path, branch: newBranch})
	if call < len(f.createErrs) {
		return f.createErrs[call]
	}
	return nil
}

func (f *fakeGit) RemoveWorktree(path string) error {
	f.removedPaths = append(f.removedPaths, path)
	return f.removeErr
}

func (f *fakeGit) PruneWorktrees() error {
	f.prunedCount++
	return nil
}

func (f *fakeGit) ListWorktrees() ([]git.WorktreeInfo, error) { return nil, nil }
func (f *fakeGit) BranchExists(name string) bool              { return f.branchesExist[name] }
func (f *fakeGit) ValidateBranchName(string) error            { return f.validateErr }
func (f *fakeGit) IsGitRepo() bool                            { return true }
func (f *fakeGit) GetRepoRoot() (string, error)               { return "/repo", nil }
func (f *fakeGit) GetCurrentBranch() (string, error)          { return "main", nil }
func (f *fakeGit) GetMainBranch() (string, error)             { return "main", nil }
func (f *fakeGit) HasUncommittedChanges() (bool, error)       { return false, nil }

var _ git.GitExecutor = (*fakeGit)(nil)

func fixedProvisioner(g *fakeGit) *Provisioner {
	counter := 0
	return NewProvisioner(Config{
		Git: g,
		Now: func() time.Time {
			return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		},
		RandomHex: func(bytes int) string {
			counter++
			return fmt.Sprintf("%0*d", bytes*2, counter)
		},
	})
}

// === Provisioning ===

func TestProvision_IsolatedWorkspace(t *testing.T) {
	repoRoot := t.TempDir()
	g := &fakeGit{}

	ws := fixedProvisioner(g).Provision(context.Background(), "ses_abc123", "Fix Flaky Tests!", "/orch", repoRoot)

	require.Equal(t, KindIsolated, ws.Kind)
	require.Equal(t, "wt_20260314092653_fix_flaky_tests_ses_abc123_00000001", filepath.Base(ws.Directory))
	require.Equal(t, paths.WorktreesDir(repoRoot), filepath.Dir(ws.Directory))
	require.Equal(t, filepath.Base(ws.Directory), ws.Branch)
}

// shortProbeBackoff collapses the probe schedule so failing probes don't
// sleep through the full backoff waits.
func shortProbeBackoff(t *testing.T) {
	t.Helper()
	old := probeBackoff
	probeBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() { probeBackoff = old })
}

func TestProvision_FallbackWhenWorktreesUnsupported(t *testing.T) {
	shortProbeBackoff(t)
	g := &fakeGit{supportErr: errors.New("not a git repository")}

	ws := fixedProvisioner(g).Provision(context.Background(), "ses_1", "title", "/orch", t.TempDir())

	require.Equal(t, KindFallback, ws.Kind)
	require.Equal(t, "/orch", ws.Directory)
	require.Empty(t, ws.Branch)
	require.Empty(t, g.createCalls, "no worktree attempts expected")
	require.Equal(t, len(probeBackoff)+1, g.supportCalls, "every backoff step is consumed")
}

func TestProvision_FallbackWhenRepoRootUnknown(t *testing.T) {
	g := &fakeGit{}

	ws := fixedProvisioner(g).Provision(context.Background(), "ses_1", "title", "/orch", "")

	require.Equal(t, KindFallback, ws.Kind)
	require.Zero(t, g.supportCalls)
}

func TestProvision_ProbeRetriesWithBackoff(t *testing.T) {
	shortProbeBackoff(t)
	g := &fakeGit{supportErr: errors.New("transient"), supportsAfter: 2}

	ws := fixedProvisioner(g).Provision(context.Background(), "ses_1", "t", "/orch", t.TempDir())

	require.Equal(t, KindIsolated, ws.Kind)
	require.Equal(t, 3, g.supportCalls)
}

func TestProvision_CollisionRetryVariesNames(t *testing.T) {
	g := &fakeGit{createErrs: []error{git.ErrPathAlreadyExists, git.ErrBranchAlreadyCheckedOut, nil}}

	ws := fixedProvisioner(g).Provision(context.Background(), "ses_1", "t", "/orch", t.TempDir())

	require.Equal(t, KindIsolated, ws.Kind)
	require.Len(t, g.createCalls, 3)

	first := g.createCalls[0]
	second := g.createCalls[1]
	third := g.createCalls[2]

	// Directory gains a counter suffix, branch gains fresh randomness.
	require.Equal(t, first.path+"_1", second.path)
	require.Equal(t, first.path+"_2", third.path)
	require.NotEqual(t, first.branch, second.branch)
	require.NotEqual(t, second.branch, third.branch)
}

func TestProvision_ExhaustedRetriesFallBack(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = git.ErrPathAlreadyExists
	}
	g := &fakeGit{createErrs: errs}

	ws := fixedProvisioner(g).Provision(context.Background(), "ses_1", "t", "/orch", t.TempDir())

	require.Equal(t, KindFallback, ws.Kind)
	require.Len(t, g.createCalls, 10)
}

func TestProvision_AbortedContextShortCircuits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := &fakeGit{}
	ws := fixedProvisioner(g).Provision(ctx, "ses_1", "t", "/orch", t.TempDir())

	require.Equal(t, KindFallback, ws.Kind)
	require.Empty(t, g.createCalls)
}

// === Cleanup ===

func TestCleanup_RemovesWorktree(t *testing.T) {
	g := &fakeGit{}
	p := fixedProvisioner(g)

	p.Cleanup(Workspace{Kind: KindIsolated, Directory: "/repo/.opencode/worktrees/wt_x", Branch: "wt_x"})

	require.Equal(t, []string{"/repo/.opencode/worktrees/wt_x"}, g.removedPaths)
	require.Equal(t, 1, g.prunedCount)
}

func TestCleanup_FallsBackToTreeDeletion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wt_x")
	g := &fakeGit{removeErr: errors.New("worktree is locked")}
	p := fixedProvisioner(g)

	// Must not panic and must not error even though the path is gone after RemoveAll.
	p.Cleanup(Workspace{Kind: KindIsolated, Directory: dir, Branch: "wt_x"})
	require.Equal(t, []string{dir}, g.removedPaths)
}

func TestCleanup_NeverTouchesFallbackWorkspace(t *testing.T) {
	g := &fakeGit{}
	p := fixedProvisioner(g)

	p.Cleanup(Workspace{Kind: KindFallback, Directory: "/orch"})

	require.Empty(t, g.removedPaths)
}

// === Slugs ===

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Fix Flaky Tests!", 40, "fix_flaky_tests"},
		{"  --weird--  ", 40, "weird"},
		{"UPPER case & symbols #42", 40, "upper_case_symbols_42"},
		{"abcdefghij", 5, "abcde"},
		{"a_b_", 3, "a_b"},
		{"", 40, ""},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, Slug(tc.in, tc.max))
		})
	}
}
