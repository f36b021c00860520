package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conductor/internal/config"
	"github.com/zjrosen/conductor/internal/git"
	"github.com/zjrosen/conductor/internal/host"
	"github.com/zjrosen/conductor/internal/log"
	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
	"github.com/zjrosen/conductor/internal/orchestration/mcp"
	"github.com/zjrosen/conductor/internal/orchestration/permission"
	"github.com/zjrosen/conductor/internal/orchestration/tracing"
	"github.com/zjrosen/conductor/internal/orchestration/workspace"
	"github.com/zjrosen/conductor/internal/paths"
)

var (
	serveSession   string
	serveDirectory string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server for one orchestrator session",
	Long: `Serve speaks MCP over stdio. The opencode host launches it with the
orchestrator session's identity; every session_* tool call is scoped to
that session.

Example opencode MCP configuration:

  {
    "mcp": {
      "conductor": {
        "type": "local",
        "command": ["conductor", "serve"],
        "environment": {
          "CONDUCTOR_SESSION_ID": "{session}",
          "CONDUCTOR_DIRECTORY": "{directory}"
        }
      }
    }
  }`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSession, "session", "",
		"orchestrator session ID (or CONDUCTOR_SESSION_ID)")
	serveCmd.Flags().StringVar(&serveDirectory, "directory", "",
		"orchestrator working directory (or CONDUCTOR_DIRECTORY)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cleanup := initLogging()
	defer cleanup()

	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	sessionID := serveSession
	if sessionID == "" {
		sessionID = os.Getenv("CONDUCTOR_SESSION_ID")
	}
	directory := serveDirectory
	if directory == "" {
		directory = os.Getenv("CONDUCTOR_DIRECTORY")
	}
	if directory == "" {
		directory, _ = os.Getwd()
	}

	root := paths.FindProjectRoot(directory)
	registry := controlplane.NewRegistry(controlplane.NewStore(
		paths.RegistryFile(root, cfg.Registry.File),
		paths.LegacyRegistryDir(root),
	))

	// Worktree isolation needs a git repository. Without one (or when
	// disabled) children share the orchestrator's directory.
	gitExec := git.NewRealExecutor(root)
	repoRoot := ""
	if !cfg.Worktree.Disabled {
		if r, rootErr := gitExec.GetRepoRoot(); rootErr == nil {
			repoRoot = r
		} else {
			log.Warn(log.CatWorkspace, "Not a git repository, children share the orchestrator directory",
				"root", root)
		}
	}

	timeout := time.Duration(cfg.Host.RequestTimeoutSeconds) * time.Second
	hostClient := host.NewHTTPClient(cfg.Host.BaseURL, timeout)

	supervisor := controlplane.NewSupervisor(controlplane.SupervisorConfig{
		Registry: registry,
		Host:     hostClient,
		Workspaces: workspace.NewProvisioner(workspace.Config{
			Git:    gitExec,
			Prefix: cfg.Worktree.Prefix,
		}),
		RepoRoot: repoRoot,
	})

	debouncer := controlplane.NewDebouncer(controlplane.DebouncerConfig{
		Delay:        time.Duration(cfg.Debounce.IdleMs) * time.Millisecond,
		HasPending:   registry.HasPendingForward,
		OnStableIdle: supervisor.HandleStableIdle,
		OnError:      supervisor.HandleSessionError,
	})
	defer debouncer.Stop()

	router := controlplane.NewEventRouter(registry, debouncer, permission.NewCache(), hostClient)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	events, err := hostClient.Events(ctx)
	if err != nil {
		// Tool calls still work without the stream; results are only
		// forwarded on explicit session_status refreshes.
		log.Warn(log.CatHost, "Event stream unavailable, idle detection disabled", "error", err.Error())
	} else {
		go router.Run(ctx, events)
	}

	orch := mcp.NewOrchestrator(mcp.OrchestratorConfig{
		Supervisor: supervisor,
		SessionID:  sessionID,
		Directory:  directory,
	})
	server := mcp.NewServer("conductor", version, mcp.WithInstructions(orch.Instructions()))
	orch.Register(server)

	log.Info(log.CatMCP, "Serving MCP over stdio", "session", sessionID, "root", root)
	return server.Serve(os.Stdin, os.Stdout)
}
