package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/target/jobflow/internal/bootstrap"
	"github.com/target/jobflow/internal/domain/model"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()

			db, err := bootstrap.ConnectDB(ctx, bootstrap.DatabaseConfig{
				DBConfig: a.cfg.Postgres,
				Logger:   a.logger,
			})
			if err != nil {
				return fmt.Errorf("connect db: %w", err)
			}
			defer func() {
				if closeErr := db.Close(); closeErr != nil {
					a.logger.Warn("db close failed", "error", closeErr)
				}
			}()

			a.logger.Info("running database migrations")
			return bootstrap.RunMigrations(ctx, db, a.logger)
		},
	}
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}

	var topic string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show ready, leased and dead message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				st, err := s.services.Backends.Queue.Stats(ctx, topic)
				if err != nil {
					return fmt.Errorf("queue stats: %w", err)
				}
				if a.asJSON {
					return writeJSON(a.out, st)
				}
				return printRows(a.out, "State\tCount", []row{
					{"ready", fmt.Sprint(st.Ready)},
					{"leased", fmt.Sprint(st.Leased)},
					{"dead", fmt.Sprint(st.Dead)},
				})
			})
		},
	}
	stats.Flags().StringVar(&topic, "topic", model.ProcessJobTopic, "queue topic")
	cmd.AddCommand(stats)
	return cmd
}

func newReaperCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Run job and dead-letter cleanup",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run a single cleanup pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				runner, err := bootstrap.NewReaperRunner(a.cfg.Reaper, s.services, a.logger)
				if err != nil {
					return err
				}
				if err := runner.RunOnce(ctx); err != nil {
					return err
				}
				return writef(a.out, "reaper pass completed\n")
			})
		},
	})
	return cmd
}
