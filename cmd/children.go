package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/conductor/internal/orchestration/controlplane"
	"github.com/zjrosen/conductor/internal/paths"
	"github.com/zjrosen/conductor/internal/presentation"
)

var childrenOrchestrator string

var childrenCmd = &cobra.Command{
	Use:   "children",
	Short: "List tracked child sessions as JSON",
	Long: `List the child sessions recorded in the project's session registry.
Use --orchestrator to show only the children owned by one session.

Examples:
  # List every tracked child
  conductor children

  # Children of one orchestrator session
  conductor children --orchestrator ses_abc123

  # Parse specific fields with jq
  conductor children | jq '.[].state'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := paths.FindProjectRoot("")
		registry := controlplane.NewRegistry(controlplane.NewStore(
			paths.RegistryFile(root, cfg.Registry.File),
			paths.LegacyRegistryDir(root),
		))

		var records []*controlplane.ChildRecord
		if childrenOrchestrator != "" {
			records = registry.List(childrenOrchestrator)
		} else {
			records = registry.ListAll()
		}

		formatter := presentation.NewFormatter(cmd.OutOrStdout())
		return formatter.FormatChildren(presentation.FromChildRecords(records))
	},
}

func init() {
	childrenCmd.Flags().StringVarP(&childrenOrchestrator, "orchestrator", "o", "",
		"Filter by owning orchestrator session ID")
	rootCmd.AddCommand(childrenCmd)
}
