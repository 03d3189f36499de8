// Package testutil provides env-gated Postgres and Redis fixtures for
// integration tests. Tests skip when the infrastructure is unreachable unless
// TEST_REQUIRE_DB, TEST_REQUIRE_REDIS or TEST_REQUIRE_INFRA is set.
package testutil

import (
	"testing"

	"github.com/caarlos0/env/v11"
)

// Infra is the TEST_* environment. The defaults match the docker-compose
// test profile; CI sets TEST_DB_PORT=5432 and TEST_REDIS_ADDR explicitly.
type Infra struct {
	DBHost     string `env:"TEST_DB_HOST"     envDefault:"localhost"`
	DBPort     uint16 `env:"TEST_DB_PORT"     envDefault:"55432"`
	DBUser     string `env:"TEST_DB_USER"     envDefault:"mmkjobs"`
	DBPassword string `env:"TEST_DB_PASSWORD" envDefault:"mmkjobs"`
	DBName     string `env:"TEST_DB_NAME"     envDefault:"mmkjobs"`
	DBSSLMode  string `env:"DB_SSL_MODE"      envDefault:"disable"`

	RedisAddr string `env:"TEST_REDIS_ADDR" envDefault:"localhost:56379"`
	// RedisDB pins the Redis database; -1 reserves a free one.
	RedisDB int `env:"TEST_REDIS_DB" envDefault:"-1"`

	RequireDB    bool `env:"TEST_REQUIRE_DB"`
	RequireRedis bool `env:"TEST_REQUIRE_REDIS"`
	RequireAll   bool `env:"TEST_REQUIRE_INFRA"`
}

// LoadInfra parses the TEST_* variables, failing the test on malformed values.
func LoadInfra(t testing.TB) Infra {
	t.Helper()
	infra, err := env.ParseAs[Infra]()
	if err != nil {
		t.Fatalf("parse test infra env: %v", err)
	}
	return infra
}

// unavailable skips, or fails when the environment demands the dependency.
func unavailable(t testing.TB, required bool, what string, err error) {
	t.Helper()
	if required {
		t.Fatalf("%s not available: %v", what, err)
	}
	t.Skipf("%s not available: %v", what, err)
}

func closeQuietly(t testing.TB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("warning: close %s: %v", name, err)
	}
}
