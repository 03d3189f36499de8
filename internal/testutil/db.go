package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/target/mmk-jobs/internal/migrate"
)

// ConnConfig returns the driver config for the test database.
func (i Infra) ConnConfig() (*pgx.ConnConfig, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		i.DBHost, i.DBPort, i.DBUser, i.DBPassword, i.DBName, i.DBSSLMode)
	return pgx.ParseConfig(dsn)
}

// SetupEphemeralDB returns a pool confined to a fresh, migrated schema that is
// dropped on cleanup. The test is skipped when Postgres is unreachable.
func SetupEphemeralDB(t testing.TB) *sql.DB {
	t.Helper()
	infra := LoadInfra(t)
	required := infra.RequireDB || infra.RequireAll

	base, err := infra.ConnConfig()
	if err != nil {
		t.Fatalf("test database config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admin := stdlib.OpenDB(*base)
	if err := pingWithin(ctx, admin, 2*time.Second); err != nil {
		closeQuietly(t, "admin db", admin)
		unavailable(t, required, "postgres", err)
		return nil
	}

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeQuietly(t, "admin db", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	scoped := base.Copy()
	scoped.RuntimeParams["search_path"] = schema
	db := stdlib.OpenDB(*scoped)
	db.SetMaxOpenConns(10)

	t.Cleanup(func() {
		closeQuietly(t, "schema db", db)
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
		closeQuietly(t, "admin db", admin)
	})

	if _, err := migrate.Run(ctx, db, nil); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}
	t.Logf("using ephemeral schema %s", schema)
	return db
}

func pingWithin(ctx context.Context, db *sql.DB, d time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return db.PingContext(pctx)
}
