package config

import "time"

// StoreDriver selects the job record store.
type StoreDriver string

const (
	// StoreDriverPostgres keeps records in PostgreSQL.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverMemory keeps records in process memory.
	StoreDriverMemory StoreDriver = "memory"
)

// Valid returns true if the driver is known.
func (d StoreDriver) Valid() bool {
	return d == StoreDriverPostgres || d == StoreDriverMemory
}

// EngineDriver selects the execution engine.
type EngineDriver string

const (
	// EngineDriverRedis runs the engine on Redis.
	EngineDriverRedis EngineDriver = "redis"
	// EngineDriverMemory runs the engine in process memory.
	EngineDriverMemory EngineDriver = "memory"
)

// Valid returns true if the driver is known.
func (d EngineDriver) Valid() bool {
	return d == EngineDriverRedis || d == EngineDriverMemory
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"mmkjobs"`
	Password string `env:"PASSWORD"                envDefault:"mmkjobs"`
	Name     string `env:"NAME"                    envDefault:"mmkjobs"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	MaxConns int    `env:"MAX_CONNS"               envDefault:"25"`

	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT"   envDefault:"5s"`

	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// Sanitize restores pool defaults for zero or negative values.
func (c *DBConfig) Sanitize() {
	if c.MaxConns < 1 {
		c.MaxConns = 25
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// RedisConfig contains Redis configuration for the execution engine.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	// KeyPrefix namespaces engine keys so several deployments can share one Redis.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"mmk:"`
}
