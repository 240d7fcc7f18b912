// Package cmd defines the steward command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command. Bare invocation serves.
func NewRootCmd(v string) *cobra.Command {
	if v != "" {
		version = v
	}

	root := &cobra.Command{
		Use:           "steward",
		Short:         "Steward — agent session orchestrator",
		Long:          "Steward supervises Claude CLI sessions and multiplexes them to WebSocket clients.",
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().String("listen", "", "listen address (overrides HTTP_LISTEN_ADDRESS)")
	root.PersistentFlags().String("projects-dir", "", "transcript root (overrides CLAUDE_PROJECTS_DIR)")

	return root
}
