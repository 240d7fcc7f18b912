package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the steward version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println("steward", version)
		},
	}
}
