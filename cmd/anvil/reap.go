package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/backend/local"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Terminate agent processes left behind by an unclean shutdown",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := local.ReapStale(local.NewProcessLocator(), cfg.Local.InstancePrefix, logger)
		fmt.Fprintf(cmd.OutOrStdout(), "terminated %d stale process(es)\n", n)
		return err
	},
}
