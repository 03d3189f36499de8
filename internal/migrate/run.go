// Package migrate applies the embedded SQL schema migrations for the job store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// advisoryLockKey serialises concurrent Run calls from several processes.
const advisoryLockKey int64 = 0x6d6d6b6a6f6273 // "mmkjobs"

// Run applies all SQL migrations embedded in this package and returns the
// versions it applied. It is safe to call multiple times and from several
// processes at once.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrations")

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire migration conn: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.WarnContext(ctx, "close migration conn", "error", closeErr)
		}
	}()

	if _, lockErr := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); lockErr != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", lockErr)
	}
	defer func() {
		if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); unlockErr != nil {
			logger.WarnContext(ctx, "release migration lock", "error", unlockErr)
		}
	}()

	if _, createErr := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); createErr != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", createErr)
	}

	files, err := Files()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, f := range files {
		info := migrationInfo{version: strings.TrimSuffix(f, ".sql"), file: f}
		ran, applyErr := applyMigration(ctx, conn, info, logger)
		if applyErr != nil {
			return applied, applyErr
		}
		if ran {
			applied = append(applied, info.version)
		}
	}
	return applied, nil
}

// Files lists the embedded migration files in apply order.
func Files() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

type migrationInfo struct {
	version string
	file    string
}

func applyMigration(ctx context.Context, conn *sql.Conn, info migrationInfo, logger *slog.Logger) (bool, error) {
	var exists bool
	if err := conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, info.version,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", info.file, err)
	}
	if exists {
		return false, nil
	}

	sqlBytes, err := migrationsFS.ReadFile("migrations/" + info.file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", info.file, err)
	}

	logger.InfoContext(ctx, "applying migration", "version", info.version)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			logger.ErrorContext(ctx, "failed to rollback migration", "error", rollbackErr, "migration_file", info.file)
		}
	}()

	if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
		return false, fmt.Errorf("exec migration %s: %w", info.file, execErr)
	}
	if _, insertErr := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, info.version,
	); insertErr != nil {
		return false, fmt.Errorf("record migration %s: %w", info.file, insertErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return false, fmt.Errorf("commit migration %s: %w", info.file, commitErr)
	}
	return true, nil
}
