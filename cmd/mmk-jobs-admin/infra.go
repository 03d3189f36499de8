package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/reaper"
	"github.com/target/mmk-jobs/internal/bootstrap"
	"github.com/target/mmk-jobs/internal/domain/model"
)

// typeSelection is the --types flag shared by the queue commands.
type typeSelection struct {
	raw  string
	JSON bool
}

func (s *typeSelection) register(fs *flag.FlagSet) {
	fs.StringVar(&s.raw, "types", "", "Comma-separated job types (default: all)")
	fs.BoolVar(&s.JSON, "json", false, "Print the result as JSON")
}

func (s typeSelection) jobTypes() ([]model.JobType, error) {
	if s.raw == "" {
		return model.AllJobTypes(), nil
	}
	types, err := model.ParseJobTypes(s.raw)
	if err != nil {
		return nil, fmt.Errorf("--types: %w", err)
	}
	return types, nil
}

func parseTypeSelection(name string, args []string) (typeSelection, []model.JobType, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var sel typeSelection
	sel.register(fs)
	if err := fs.Parse(args); err != nil {
		return typeSelection{}, nil, err
	}
	types, err := sel.jobTypes()
	return sel, types, err
}

func runQueueStats(cmdCtx *commandContext, args []string) error {
	sel, types, err := parseTypeSelection("queue-stats", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		stats := make([]model.QueueCounts, 0, len(types))
		for _, jt := range types {
			counts, err := svc.Dispatcher.Counts(ctx, jt)
			if err != nil {
				return fmt.Errorf("queue stats %s: %w", jt, err)
			}
			stats = append(stats, counts)
		}
		if sel.JSON {
			return writeJSON(cmdCtx.Out, stats)
		}
		return printQueueStats(cmdCtx.Out, stats)
	})
}

func printQueueStats(out io.Writer, stats []model.QueueCounts) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	rows := [][]any{{"QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED"}}
	for _, c := range stats {
		rows = append(rows, []any{c.Queue, c.Waiting, c.Delayed, c.Active, c.Completed, c.Failed})
	}
	for _, r := range rows {
		if err := writef(w, "%v\t%v\t%v\t%v\t%v\t%v\n", r...); err != nil {
			return fmt.Errorf("write queue stats: %w", err)
		}
	}
	return w.Flush()
}

// runPrune applies the finished-item age limits once, outside the reaper loop.
func runPrune(cmdCtx *commandContext, args []string) error {
	sel, types, err := parseTypeSelection("prune", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		reaperCfg := cmdCtx.Config.Reaper
		reaperCfg.Sanitize()
		runner, err := reaper.NewRunner(reaper.RunnerOptions{
			Dispatcher: svc.Dispatcher,
			Config:     reaperCfg,
			Logger:     cmdCtx.Logger,
			Types:      types,
		})
		if err != nil {
			return err
		}

		res, err := runner.SweepOnce(ctx)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		if sel.JSON {
			return writeJSON(cmdCtx.Out, res)
		}
		return writef(cmdCtx.Out, "pruned %d completed and %d failed items\n", res.Completed, res.Failed)
	})
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be greater than zero")
	}
	if cmdCtx.Config.StoreDriver != config.StoreDriverPostgres {
		return fmt.Errorf("migrate requires STORE_DRIVER=postgres (got %q)", cmdCtx.Config.StoreDriver)
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	return migrateWith(ctx, cmdCtx, *timeout)
}

func migrateWith(ctx context.Context, cmdCtx *commandContext, timeout time.Duration) error {
	db, err := bootstrap.ConnectDB(ctx, cmdCtx.Config.Postgres, cmdCtx.Logger)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			cmdCtx.Logger.Warn("db close failed", "error", err)
		}
	}()

	cmdCtx.Logger.Info("running database migrations", "timeout", timeout)
	if err := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); err != nil {
		return err
	}
	return writef(cmdCtx.Out, "migrations completed\n")
}
