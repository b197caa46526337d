package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sciops/pipeworker"
)

func newReclaimCmd() *cobra.Command {
	var configPath string
	var action string
	var timeoutFlag string

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Apply the stale-reservation policy once, outside any worker loop",
		Long: `Scans the configured pipeline schemas for reservations older than the
stale timeout whose owning connection is gone, and applies the action
(error, remove, or report). Reservations whose owner is still connected,
or whose liveness cannot be determined, are left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			timeout, err := parseDuration("worker.stale_timeout", cfg.Worker.StaleTimeout)
			if err != nil {
				return err
			}
			if timeoutFlag != "" {
				if timeout, err = time.ParseDuration(timeoutFlag); err != nil {
					return fmt.Errorf("--stale-timeout: %w", err)
				}
			}
			if timeout <= 0 {
				return fmt.Errorf("stale timeout must be positive (set worker.stale_timeout or --stale-timeout)")
			}
			staleAction := pipeworker.StaleAction(cfg.Worker.StaleAction)
			if action != "" {
				staleAction = pipeworker.StaleAction(action)
			}
			if staleAction == "" {
				staleAction = pipeworker.StaleMarkError
			}
			if !staleAction.Valid() {
				return fmt.Errorf("unknown action %q (want error, remove, or report)", staleAction)
			}

			db, err := cfg.Database.open()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			rc := &pipeworker.Reclaimer{
				Store:   pipeworker.NewMySQLStore(db, cfg.Worker.Schema),
				Timeout: timeout,
				Action:  staleAction,
			}

			out := cmd.OutOrStdout()
			for _, schema := range cfg.Worker.PipelineSchemas {
				affected, err := rc.Reclaim(ctx, schema)
				if err != nil {
					return fmt.Errorf("reclaim %s: %w", schema, err)
				}
				fmt.Fprintf(out, "%s: %d stale reservations (%s)\n", schema, len(affected), staleAction)
				for _, r := range affected {
					fmt.Fprintf(out, "  %s %s reserved %s\n",
						r.TableName, r.Key, r.ReservedAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeworker.yaml", "path to the worker definition file")
	cmd.Flags().StringVar(&action, "action", "", "override the configured action: error, remove, or report")
	cmd.Flags().StringVar(&timeoutFlag, "stale-timeout", "", "override the configured stale timeout, e.g. 24h")

	return cmd
}
