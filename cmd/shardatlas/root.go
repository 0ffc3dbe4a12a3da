package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/shardatlas/atlas"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shardatlas",
		Short:         "Two-tier shard-page memory atlas workload tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the library version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shardatlas %s\n", atlas.Version)
		},
	})

	return root
}
