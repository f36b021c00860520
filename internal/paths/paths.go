// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
)

const (
	// MarkerDir is the directory that marks an opencode project root.
	MarkerDir = ".opencode"

	// ProductDir is conductor's subdirectory inside the marker directory.
	ProductDir = "conductor"

	// RegistryFileName is the default name of the durable session registry.
	RegistryFileName = "session-registry.json"

	// LegacyRegistryDirName is the pre-v2 per-child registry directory.
	// Its contents are folded into the single registry document on first load.
	LegacyRegistryDirName = "session-registry"

	// WorktreesDirName is the directory under the marker dir that holds
	// per-child isolated worktrees.
	WorktreesDirName = "worktrees"
)

// FindProjectRoot walks upward from start until it finds a directory
// containing the marker directory (.opencode). If no marker is found,
// start is returned unchanged.
//
// Input normalization:
//   - "" -> current working directory
//   - any path -> filepath.Clean'd before walking
func FindProjectRoot(start string) string {
	if start == "" {
		if wd, err := os.Getwd(); err == nil {
			start = wd
		} else {
			start = "."
		}
	}
	start = filepath.Clean(start)

	dir := start
	for {
		marker := filepath.Join(dir, MarkerDir)
		if info, err := os.Stat(marker); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding a marker.
			return start
		}
		dir = parent
	}
}

// ConfigDir returns the marker directory under the project root.
func ConfigDir(root string) string {
	return filepath.Join(root, MarkerDir)
}

// ConductorDir returns conductor's data directory under the project root.
func ConductorDir(root string) string {
	return filepath.Join(root, MarkerDir, ProductDir)
}

// RegistryFile returns the path of the session registry document.
// If name is empty, RegistryFileName is used.
func RegistryFile(root, name string) string {
	if name == "" {
		name = RegistryFileName
	}
	return filepath.Join(ConductorDir(root), name)
}

// LegacyRegistryDir returns the pre-v2 per-child registry directory.
func LegacyRegistryDir(root string) string {
	return filepath.Join(ConductorDir(root), LegacyRegistryDirName)
}

// WorktreesDir returns the directory that holds per-child worktrees.
func WorktreesDir(root string) string {
	return filepath.Join(root, MarkerDir, WorktreesDirName)
}
