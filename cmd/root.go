package cmd

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/conductor/internal/config"
	"github.com/zjrosen/conductor/internal/log"
	"github.com/zjrosen/conductor/internal/paths"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Fan-out scheduler for opencode child sessions",
	Long: `Conductor turns one opencode session into an orchestrator: it creates
isolated child worker sessions, hands them prompts, and forwards each reply
back into the orchestrator once the child settles.

Run "conductor serve" from an MCP server configuration; run "conductor"
alone to watch the session registry in a live table.`,
	Version: version,
	RunE:    runWatch,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .opencode/conductor/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("host.base_url", defaults.Host.BaseURL)
	viper.SetDefault("host.request_timeout_seconds", defaults.Host.RequestTimeoutSeconds)
	viper.SetDefault("worktree.disabled", defaults.Worktree.Disabled)
	viper.SetDefault("worktree.prefix", defaults.Worktree.Prefix)
	viper.SetDefault("debounce.idle_ms", defaults.Debounce.IdleMs)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.enabled", defaults.Log.Enabled)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. <project>/.opencode/conductor/config.yaml
		// 2. ~/.config/conductor/config.yaml (user config)
		projectConfig := projectConfigPath()
		if _, err := os.Stat(projectConfig); err == nil {
			viper.SetConfigFile(projectConfig)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "conductor"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create the project-level default.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := projectConfigPath()
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// projectConfigPath is the config location inside the current project.
func projectConfigPath() string {
	return filepath.Join(paths.ConductorDir(paths.FindProjectRoot("")), "config.yaml")
}

// configFilePath returns the config file in use, falling back to the
// project-level default when none was loaded.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return projectConfigPath()
}

// initLogging applies the log config plus the --debug / CONDUCTOR_DEBUG
// overrides. Returns a cleanup that closes the log file.
func initLogging() func() {
	if debug || os.Getenv("CONDUCTOR_DEBUG") != "" {
		cfg.Log.Enabled = true
		cfg.Log.Level = "debug"
	}
	if !cfg.Log.Enabled {
		return func() {}
	}

	path := cfg.Log.Path
	if path == "" {
		path = config.DefaultLogPath()
	}
	cleanup, err := log.Init(path)
	if err != nil {
		return func() {}
	}
	log.SetEnabled(true)
	log.SetMinLevel(logLevel(cfg.Log.Level))
	return cleanup
}

func logLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
