package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sciops/pipeworker"
)

func newStatusCmd() *cobra.Command {
	var configPath string
	var backtrack int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job-reservation tallies and recent worker activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			db, err := cfg.Database.open()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			store := pipeworker.NewMySQLStore(db, cfg.Worker.Schema)
			out := cmd.OutOrStdout()

			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCHEMA\tTABLE\tRESERVED\tERROR\tIGNORE")
			for _, schema := range cfg.Worker.PipelineSchemas {
				summary, err := store.JobStatusSummary(ctx, schema)
				if err != nil {
					return fmt.Errorf("job status for %s: %w", schema, err)
				}
				for _, t := range summary {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
						schema, t.TableName, t.Reserved, t.Errored, t.Ignored)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			recent, err := store.RecentActivity(ctx, backtrack)
			if err != nil {
				return fmt.Errorf("recent activity: %w", err)
			}
			fmt.Fprintf(out, "\nWorker activity in the last %d minutes:\n", backtrack)
			tw = tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROCESS\tWORKERS\tOLDEST(min)\tNEWEST(min)")
			for _, a := range recent {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n",
					a.Process, a.WorkerCount, a.MinutesSinceOldest, a.MinutesSinceNewest)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeworker.yaml", "path to the worker definition file")
	cmd.Flags().IntVar(&backtrack, "backtrack", 60, "activity window in minutes")

	return cmd
}
