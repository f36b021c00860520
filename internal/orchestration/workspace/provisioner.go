// Package workspace provisions isolated per-child working directories.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zjrosen/conductor/internal/git"
	"github.com/zjrosen/conductor/internal/log"
	"github.com/zjrosen/conductor/internal/paths"
)

// Kind distinguishes isolated worktrees from the shared-directory fallback.
type Kind string

const (
	KindIsolated Kind = "isolated"
	KindFallback Kind = "fallback"
)

// Workspace is the provisioning result handed to the supervisor.
type Workspace struct {
	Kind      Kind
	Directory string
	// Branch is empty in fallback mode.
	Branch string
}

// DefaultPrefix is prepended to generated worktree names.
const DefaultPrefix = "wt"

const (
	maxTitleSlug   = 40
	maxSessionSlug = 20
	maxNameRetries = 10
)

// probeBackoff is the worktree-support retry schedule; total ≈ 2.75s.
var probeBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1200 * time.Millisecond,
}

// Provisioner creates and removes isolated workspaces, degrading to the
// orchestrator's own directory when the repository cannot host worktrees.
type Provisioner struct {
	git    git.GitExecutor
	prefix string
	now    func() time.Time
	// randomHex is injectable for deterministic tests.
	randomHex func(bytes int) string
}

// Config wires a Provisioner.
type Config struct {
	Git git.GitExecutor
	// Prefix overrides the worktree name prefix; empty means DefaultPrefix.
	Prefix string

	// Now and RandomHex exist for tests; nil selects real implementations.
	Now       func() time.Time
	RandomHex func(bytes int) string
}

// NewProvisioner creates a provisioner over the given git executor.
func NewProvisioner(cfg Config) *Provisioner {
	p := &Provisioner{
		git:       cfg.Git,
		prefix:    cfg.Prefix,
		now:       cfg.Now,
		randomHex: cfg.RandomHex,
	}
	if p.prefix == "" {
		p.prefix = DefaultPrefix
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.randomHex == nil {
		p.randomHex = randomHex
	}
	return p
}

// Provision returns a workspace for a child session. It never fails: any
// inability to create an isolated worktree degrades to the fallback, which
// reuses the orchestrator's directory.
func (p *Provisioner) Provision(ctx context.Context, sessionID, title, orchestratorDir, repoRoot string) Workspace {
	fallback := Workspace{Kind: KindFallback, Directory: orchestratorDir}

	if repoRoot == "" {
		return fallback
	}
	if err := p.probeSupport(ctx); err != nil {
		log.Info(log.CatWorkspace, "Worktrees unsupported, using fallback",
			"session", sessionID, "error", err.Error())
		return fallback
	}

	worktreesDir := paths.WorktreesDir(repoRoot)
	if err := os.MkdirAll(worktreesDir, 0o750); err != nil {
		log.ErrorErr(log.CatWorkspace, "Cannot create worktrees directory", err, "dir", worktreesDir)
		return fallback
	}

	name := p.workspaceName(sessionID, title)

	for attempt := 0; attempt < maxNameRetries; attempt++ {
		if ctx.Err() != nil {
			log.Info(log.CatWorkspace, "Provisioning aborted", "session", sessionID)
			return fallback
		}

		dirName := name
		branch := name
		if attempt > 0 {
			// Collision: vary the directory with a counter and the
			// branch with fresh randomness.
			dirName = fmt.Sprintf("%s_%d", name, attempt)
			branch = fmt.Sprintf("%s_%s", name, p.randomHex(2))
		}

		directory := filepath.Join(worktreesDir, dirName)
		err := p.git.CreateWorktreeWithContext(ctx, directory, branch, "")
		if err == nil {
			log.Info(log.CatWorkspace, "Provisioned isolated workspace",
				"session", sessionID, "dir", directory, "branch", branch)
			return Workspace{Kind: KindIsolated, Directory: directory, Branch: branch}
		}

		log.Warn(log.CatWorkspace, "Worktree attempt failed",
			"session", sessionID, "attempt", attempt, "error", err.Error())
	}

	log.Error(log.CatWorkspace, "Worktree creation exhausted retries, using fallback",
		"session", sessionID)
	return fallback
}

// Cleanup removes an isolated workspace, best-effort: a failed worktree
// removal falls back to deleting the directory tree. Fallback workspaces are
// the orchestrator's own directory and are never touched.
func (p *Provisioner) Cleanup(ws Workspace) {
	if ws.Kind != KindIsolated || ws.Directory == "" {
		return
	}

	if err := p.git.RemoveWorktree(ws.Directory); err != nil {
		log.Warn(log.CatWorkspace, "Worktree removal failed, deleting tree",
			"dir", ws.Directory, "error", err.Error())
		if err := os.RemoveAll(ws.Directory); err != nil {
			log.ErrorErr(log.CatWorkspace, "Failed to delete workspace tree", err, "dir", ws.Directory)
			return
		}
	}
	_ = p.git.PruneWorktrees()
}

// probeSupport retries the worktree capability check with bounded backoff,
// short-circuiting on context cancellation.
func (p *Provisioner) probeSupport(ctx context.Context) error {
	err := p.git.SupportsWorktrees()
	if err == nil {
		return nil
	}
	for _, wait := range probeBackoff {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err = p.git.SupportsWorktrees(); err == nil {
			return nil
		}
	}
	return err
}

// workspaceName joins prefix, local timestamp, title slug, session slug, and
// a 4-byte random token. Empty slugs (an untitled child, or an unknown
// session) are dropped from the name.
func (p *Provisioner) workspaceName(sessionID, title string) string {
	parts := make([]string, 0, 5)
	for _, part := range []string{
		p.prefix,
		p.now().Format("20060102150405"),
		Slug(title, maxTitleSlug),
		Slug(sessionID, maxSessionSlug),
		p.randomHex(4),
	} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "_")
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s, collapses non-alphanumeric runs to underscores, trims
// leading/trailing underscores, and caps the result at max characters.
func Slug(s string, max int) string {
	s = strings.ToLower(s)
	s = slugUnsafe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > max {
		s = strings.Trim(s[:max], "_")
	}
	return s
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived token; uniqueness is still
		// backed by the timestamp component of the name.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)[:n*2]
	}
	return hex.EncodeToString(buf)
}
