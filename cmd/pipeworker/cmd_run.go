package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sciops/pipeworker"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var durationFlag string
	var sleepFlag string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a maintenance worker loop from a definition file",
		Long: `Runs a worker loop with an empty unit registry: every cycle clears
generic and configured error patterns, reclaims stale reservations, and
prunes old logs across the configured pipeline schemas, then sleeps.

Workers that also execute pipeline units are built by embedding the
library and registering units in code.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Worker.Name == "" {
				return fmt.Errorf("config %s: worker.name is required for run", configPath)
			}
			wcfg, err := cfg.workerConfigFromFile()
			if err != nil {
				return err
			}
			if durationFlag != "" {
				if wcfg.RunDuration, err = time.ParseDuration(durationFlag); err != nil {
					return fmt.Errorf("--duration: %w", err)
				}
			}
			if sleepFlag != "" {
				if wcfg.SleepDuration, err = time.ParseDuration(sleepFlag); err != nil {
					return fmt.Errorf("--sleep: %w", err)
				}
			}

			db, err := cfg.Database.open()
			if err != nil {
				return err
			}
			defer db.Close()

			store := pipeworker.NewMySQLStore(db, cfg.Worker.Schema)
			w, err := pipeworker.New(cfg.Worker.Name, store, wcfg)
			if err != nil {
				return err
			}
			for _, schema := range cfg.Worker.PipelineSchemas {
				w.TrackSchema(schema)
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeworker.yaml", "path to the worker definition file")
	cmd.Flags().StringVarP(&durationFlag, "duration", "d", "", "override run duration, e.g. 8h")
	cmd.Flags().StringVarP(&sleepFlag, "sleep", "s", "", "override sleep between cycles, e.g. 60s")

	return cmd
}
