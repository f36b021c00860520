package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit conductor configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFilePath()
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configSetHostCmd = &cobra.Command{
	Use:   "set-host <base-url>",
	Short: "Point conductor at a different opencode server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host := cfg.Host
		host.BaseURL = args[0]
		if err := config.ValidateHost(host); err != nil {
			return err
		}
		return config.SaveHost(configFilePath(), host)
	},
}

var configSetDebounceCmd = &cobra.Command{
	Use:   "set-debounce <idle-ms>",
	Short: "Set the idle window before a child result is forwarded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idleMs, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("idle-ms must be an integer: %w", err)
		}
		debounce := config.DebounceConfig{IdleMs: idleMs}
		if err := config.ValidateDebounce(debounce); err != nil {
			return err
		}
		return config.SaveDebounce(configFilePath(), debounce)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetHostCmd)
	configCmd.AddCommand(configSetDebounceCmd)
	rootCmd.AddCommand(configCmd)
}
