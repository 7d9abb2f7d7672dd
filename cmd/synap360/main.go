package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soaringjerry/Synap360/internal/config"
	"github.com/soaringjerry/Synap360/internal/db"
	"github.com/soaringjerry/Synap360/internal/services"
	"github.com/soaringjerry/Synap360/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

// serviceExit maps a service failure to a process exit code: 2 for caller
// errors (bad input, missing or inactive records), 3 for upstream failures.
func serviceExit(err error) error {
	if err == nil {
		return nil
	}
	se, ok := services.AsServiceError(err)
	if !ok {
		return err
	}
	switch se.Code {
	case services.ErrorBadGateway:
		return &exitErr{code: 3, err: err}
	default:
		return &exitErr{code: 2, err: err}
	}
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	cfg      *config.Config
	store    *db.SQLiteStore
	out      io.Writer
	shutdown func(context.Context) error
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "synap360",
		Endpoint:    cfg.OTelEndpoint,
		Enabled:     cfg.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	a.shutdown = shutdown
	store, err := db.Open(cfg.DBPath, cfg.MigrationsDir)
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}

// newRootCmd builds the command tree. The returned func releases whatever the
// executed command opened and must be called after Execute.
func newRootCmd(out io.Writer) (*cobra.Command, func(context.Context) error) {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "synap360",
		Short:         "Competency survey fan-out and credential aggregation",
		Long:          "synap360 creates 360-degree survey forms for a survey cycle and turns their scores into signed credential payloads.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	root.SetOut(out)

	root.AddCommand(
		newMigrateCmd(a),
		newImportCmd(a),
		newGenerateCmd(a),
		newAggregateCmd(a),
		newIssueCmd(a),
		newVerifyCmd(a),
		newPendingCmd(a),
		newCompletedCmd(a),
		newParticipantsCmd(a),
		newLatestScoreCmd(a),
		newFormsCmd(a),
		newTrackersCmd(a),
		newResponsesCmd(a),
		newCloseFormCmd(a),
		newCompleteTrackerCmd(a),
	)
	return root, a.close
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, closeApp := newRootCmd(os.Stdout)
	err := root.ExecuteContext(ctx)
	if cerr := closeApp(context.Background()); cerr != nil {
		fmt.Fprintf(os.Stderr, "warning: shutdown: %v\n", cerr)
	}
	if err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
			stop()
			os.Exit(ee.code)
		}
		stop()
		config.Exitf("Error: %v", err)
	}
}
