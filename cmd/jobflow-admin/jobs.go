package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/target/jobflow/internal/domain/model"
	apperrors "github.com/target/jobflow/internal/errors"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and repair jobs",
	}
	cmd.AddCommand(
		newJobsListCmd(a),
		newJobsGetCmd(a),
		newJobsCancelCmd(a),
		newJobsSetStatusCmd(a),
		newJobsDeleteCmd(a),
		newJobsStatsCmd(a),
	)
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		user   string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := model.JobListOptions{Owner: strings.TrimSpace(user), Limit: limit}
			if status != "" {
				var st model.JobStatus
				if err := st.UnmarshalText([]byte(status)); err != nil {
					return err
				}
				opts.Status = &st
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				jobs, err := s.services.Jobs.ListAll(ctx, adminPrincipal, opts)
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(a.out, jobs)
				}
				return printJobs(a.out, jobs)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only jobs owned by this user")
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status (started, completed, terminatedWithError)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs; 0 lists all")
	return cmd
}

func newJobsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				job, err := s.services.Jobs.Get(ctx, adminPrincipal, args[0])
				if err != nil {
					return err
				}
				return writeJSON(a.out, job)
			})
		},
	}
}

func newJobsCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a started job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				job, err := s.services.Jobs.Cancel(ctx, adminPrincipal, args[0])
				if err != nil {
					return err
				}
				return writef(a.out, "job %s: status=%s cancelRequested=%t\n", job.ID, job.Status, job.CancelRequested)
			})
		},
	}
}

func newJobsSetStatusCmd(a *app) *cobra.Command {
	var (
		result  string
		lastErr string
	)
	cmd := &cobra.Command{
		Use:   "set-status <job-id> <completed|terminatedWithError>",
		Short: "Force a started job into a terminal status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st model.JobStatus
			if err := st.UnmarshalText([]byte(args[1])); err != nil {
				return err
			}
			params := model.UpdateStatusParams{ID: args[0], Status: st}
			if result != "" {
				if !json.Valid([]byte(result)) {
					return apperrors.ValidationField("result", "--result must be valid JSON")
				}
				params.ResultData = json.RawMessage(result)
			}
			if lastErr != "" {
				params.LastError = &lastErr
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				job, err := s.services.Jobs.UpdateStatus(ctx, params)
				if err != nil {
					return err
				}
				return writef(a.out, "job %s: status=%s\n", job.ID, job.Status)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "JSON stored as resultData")
	cmd.Flags().StringVar(&lastErr, "error", "", "message stored as lastError")
	return cmd
}

func newJobsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				if err := s.services.Jobs.Delete(ctx, args[0]); err != nil {
					return err
				}
				return writef(a.out, "job %s deleted\n", args[0])
			})
		},
	}
}

func newJobsStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				stats, err := s.services.Jobs.Stats(ctx)
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(a.out, stats)
				}
				return printRows(a.out, "Status\tCount", []row{
					{string(model.JobStatusStarted), fmt.Sprint(stats.Started)},
					{string(model.JobStatusCompleted), fmt.Sprint(stats.Completed)},
					{string(model.JobStatusTerminatedWithError), fmt.Sprint(stats.TerminatedWithError)},
				})
			})
		},
	}
}
