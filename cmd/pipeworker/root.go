package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeworker",
		Short: "Operate worker loops and job-table maintenance for a pipeline database",
		Long: `pipeworker is the operator surface of the worker library: it inspects
job-reservation tables, reclaims reservations abandoned by crashed
processes, prunes worker logs, and runs a standalone maintenance loop.

Workers that execute pipeline units are built by embedding the library
and registering units in code; every command here works against the
database alone.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newStatusCmd())
	root.AddCommand(newReclaimCmd())
	root.AddCommand(newPruneCmd())
	root.AddCommand(newRunCmd())

	return root
}
