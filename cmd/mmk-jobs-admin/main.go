package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer

	// services is set by tests to run commands against an in-process container.
	services *bootstrap.ServiceContainer
}

const (
	defaultCommandTimeout   = 30 * time.Second
	defaultMigrationTimeout = 5 * time.Minute
)

func main() {
	logger := bootstrap.InitLogger(slog.LevelWarn)

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger = bootstrap.InitLogger(cfg.SlogLevel())

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"create-job": {
			name:        "create-job",
			description: "Create a job record and dispatch it",
			run:         runCreateJob,
		},
		"get-job": {
			name:        "get-job",
			description: "Show a job record, reconciled with the execution engine",
			run:         runGetJob,
		},
		"list-jobs": {
			name:        "list-jobs",
			description: "List job records by owner, status and type",
			run:         runListJobs,
		},
		"cancel-job": {
			name:        "cancel-job",
			description: "Cancel a job that has not reached a terminal status",
			run:         runCancelJob,
		},
		"requeue": {
			name:        "requeue",
			description: "Re-dispatch a job whose engine item is missing",
			run:         runRequeue,
		},
		"inspect-item": {
			name:        "inspect-item",
			description: "Show the raw engine item behind a job",
			run:         runInspectItem,
		},
		"queue-stats": {
			name:        "queue-stats",
			description: "Show engine item counts per queue and state",
			run:         runQueueStats,
		},
		"prune": {
			name:        "prune",
			description: "Drop finished engine items past their retention age",
			run:         runPrune,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: mmk-jobs-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	all := commands()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := writef(w, "  %-16s %s\n", name, all[name].description); err != nil {
			return err
		}
	}
	return nil
}

// withServices connects the configured backends, wires the services and runs
// f under a signal-aware timeout.
func withServices(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, bootstrap.ServiceContainer) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if cmdCtx.services != nil {
		return f(ctx, *cmdCtx.services)
	}

	// Admin commands never migrate implicitly; use the migrate command.
	cfg := cmdCtx.Config
	cfg.Postgres.RunMigrationsOnStart = false

	db, redisClient, cleanup, err := bootstrap.ConnectBackends(ctx, &cfg, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config: &cfg,
		DB:     db,
		Redis:  redisClient,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close services failed", "error", cerr)
		}
	}()

	return f(ctx, services)
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
