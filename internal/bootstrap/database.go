package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/migrate"
)

const applicationName = "mmk-jobs"

// ConnectDB opens a database/sql pool on the pgx driver and pings it.
func ConnectDB(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (*sql.DB, error) {
	connCfg, err := pgxConnConfig(cfg)
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(max(1, cfg.MaxConns/5))
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping database: %w", err), db.Close())
	}

	if logger != nil {
		logger.InfoContext(ctx, "database connected",
			"host", connCfg.Host,
			"port", connCfg.Port,
			"database", connCfg.Database,
			"max_conns", cfg.MaxConns,
		)
	}
	return db, nil
}

// pgxConnConfig builds the driver config from the keyword/value form, which
// needs no escaping of credentials beyond quoting.
func pgxConnConfig(cfg config.DBConfig) (*pgx.ConnConfig, error) {
	dsn := strings.Join([]string{
		"host=" + quoteDSN(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + quoteDSN(cfg.User),
		"password=" + quoteDSN(cfg.Password),
		"dbname=" + quoteDSN(cfg.Name),
		"sslmode=" + quoteDSN(cfg.SSLMode),
		fmt.Sprintf("connect_timeout=%d", max(1, int(cfg.ConnectTimeout.Seconds()))),
	}, " ")

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	connCfg.RuntimeParams["application_name"] = applicationName
	return connCfg, nil
}

func quoteDSN(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// ConnectRedis builds a direct, sentinel or cluster client and pings it.
//
//nolint:ireturn // the concrete client type depends on REDIS_USE_CLUSTER and REDIS_USE_SENTINEL.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (redis.UniversalClient, error) {
	opts, mode, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	switch mode {
	case "cluster":
		client = redis.NewClusterClient(opts.Cluster())
	case "sentinel":
		client = redis.NewFailoverClient(opts.Failover())
	default:
		client = redis.NewClient(opts.Simple())
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis (%s): %w", mode, err), client.Close())
	}

	if logger != nil {
		logger.InfoContext(ctx, "redis connected",
			"mode", mode,
			"addrs", opts.Addrs,
			"master", opts.MasterName,
		)
	}
	return client, nil
}

// redisOptions resolves REDIS_* settings into universal options and the
// topology they describe. Credentials embedded in a redis:// URI override
// REDIS_PASSWORD.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, string, error) {
	opts := &redis.UniversalOptions{Password: cfg.Password}

	switch {
	case cfg.UseCluster:
		opts.Addrs = compactAddrs(cfg.ClusterNodes)
		if len(opts.Addrs) == 0 && strings.TrimSpace(cfg.URI) != "" {
			if err := applyRedisURI(opts, cfg.URI); err != nil {
				return nil, "", err
			}
			opts.DB = 0
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster mode needs REDIS_CLUSTER_NODES or REDIS_URI")
		}
		return opts, "cluster", nil

	case cfg.UseSentinel:
		opts.Addrs = compactAddrs(cfg.SentinelNodes)
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis sentinel mode needs REDIS_SENTINEL_NODES")
		}
		opts.MasterName = strings.TrimSpace(cfg.SentinelMasterName)
		if opts.MasterName == "" {
			return nil, "", errors.New("redis sentinel mode needs REDIS_SENTINEL_MASTER_NAME")
		}
		opts.SentinelPassword = cfg.SentinelPassword
		return opts, "sentinel", nil

	default:
		if strings.TrimSpace(cfg.URI) == "" {
			return nil, "", errors.New("redis needs REDIS_URI")
		}
		if err := applyRedisURI(opts, cfg.URI); err != nil {
			return nil, "", err
		}
		return opts, "direct", nil
	}
}

// applyRedisURI accepts either host:port or a redis:// / rediss:// URL.
func applyRedisURI(opts *redis.UniversalOptions, raw string) error {
	uri := strings.TrimSpace(raw)
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		opts.Addrs = []string{uri}
		return nil
	}

	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return fmt.Errorf("parse REDIS_URI: %w", err)
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

func compactAddrs(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, addr := range raw {
		if a := strings.TrimSpace(addr); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// RunMigrations applies the embedded job store migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	applied, err := migrate.Run(ctx, db, logger)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "applied", len(applied))
	}
	return nil
}
