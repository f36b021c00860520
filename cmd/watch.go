package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
	"github.com/zjrosen/conductor/internal/paths"
	"github.com/zjrosen/conductor/internal/ui/childlist"
	"github.com/zjrosen/conductor/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch tracked child sessions in a live table",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cleanup := initLogging()
	defer cleanup()

	root := paths.FindProjectRoot("")
	registryPath := paths.RegistryFile(root, cfg.Registry.File)

	// The watcher monitors the registry's parent directory, which may not
	// exist before the first child session is created.
	if err := os.MkdirAll(filepath.Dir(registryPath), 0o750); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	registry := controlplane.NewRegistry(controlplane.NewStore(
		registryPath,
		paths.LegacyRegistryDir(root),
	))

	w, err := watcher.New(watcher.DefaultConfig(registryPath))
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting registry watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	p := tea.NewProgram(
		childlist.New(registry),
		tea.WithAltScreen(),
	)

	go func() {
		for range changes {
			p.Send(childlist.RefreshMsg{})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}
