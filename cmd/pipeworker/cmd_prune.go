package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sciops/pipeworker"
)

func newPruneCmd() *cobra.Command {
	var configPath string
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete worker and error log rows past the retention cutoff",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			db, err := cfg.Database.open()
			if err != nil {
				return err
			}
			defer db.Close()

			store := pipeworker.NewMySQLStore(db, cfg.Worker.Schema)
			if err := store.PruneLogs(cmd.Context(), days); err != nil {
				return fmt.Errorf("prune logs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned log rows older than %d days from %s\n", days, cfg.Worker.Schema)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeworker.yaml", "path to the worker definition file")
	cmd.Flags().IntVar(&days, "days", 30, "retention cutoff in days")

	return cmd
}
