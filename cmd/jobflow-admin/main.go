// Command jobflow-admin is the operator CLI: migrations, job inspection and
// repair, queue depth and one-off reaper passes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/bootstrap"
	"github.com/target/jobflow/internal/service"
)

const defaultCommandTimeout = 5 * time.Minute

// adminPrincipal is the identity used for reads and cancellations from the CLI.
var adminPrincipal = service.Principal{ID: "jobflow-admin", Admin: true}

// app carries the state shared by every command.
type app struct {
	cfg    config.AppConfig
	logger *slog.Logger
	out    io.Writer

	// load reads configuration before a command runs; nil keeps cfg as is.
	load func() (config.AppConfig, error)
	// connect opens the services a command needs.
	connect func(ctx context.Context, a *app) (*session, error)

	timeout time.Duration
	asJSON  bool
}

// session is an open set of services plus the func that releases them.
type session struct {
	services *bootstrap.ServiceContainer
	close    func(ctx context.Context) error
}

func main() {
	logger := bootstrap.InitLogger(false)
	a := &app{
		logger:  logger,
		out:     os.Stdout,
		load:    bootstrap.LoadConfig,
		connect: connectServices,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobflow-admin",
		Short:         "Operator tooling for the jobflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if a.load == nil {
				return nil
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", defaultCommandTimeout, "overall command timeout")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(newMigrateCmd(a), newJobsCmd(a), newQueueCmd(a), newReaperCmd(a))
	return root
}

// withSession bounds the command by --timeout, opens a session and closes it afterwards.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	if a.connect == nil {
		return errors.New("no connector configured")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	s, err := a.connect(ctx, a)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s)
	if s.close != nil {
		if closeErr := s.close(context.WithoutCancel(ctx)); closeErr != nil {
			runErr = errors.Join(runErr, closeErr)
		}
	}
	return runErr
}

// connectServices opens the configured backends and wires the job service on them.
func connectServices(ctx context.Context, a *app) (*session, error) {
	infra, err := bootstrap.ConnectInfrastructure(ctx, &a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	backends, err := bootstrap.BuildBackends(infra.Deps)
	if err != nil {
		return nil, errors.Join(err, infra.Close(ctx))
	}
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            backends.Jobs,
		Queue:           backends.Queue,
		Logger:          a.logger,
		EnqueueAttempts: a.cfg.Queue.EnqueueAttempts,
		EnqueueBackoff:  a.cfg.Queue.EnqueueBackoff,
		MaxAttempts:     a.cfg.Queue.MaxAttempts,
	})
	if err != nil {
		backends.Close()
		return nil, errors.Join(fmt.Errorf("wire job service: %w", err), infra.Close(ctx))
	}

	return &session{
		services: &bootstrap.ServiceContainer{Jobs: jobs, Backends: backends},
		close: func(ctx context.Context) error {
			backends.Close()
			return infra.Close(ctx)
		},
	}, nil
}
