package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var infraKeys = []string{
	"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME", "DB_SSL_MODE",
	"TEST_REDIS_ADDR", "TEST_REDIS_DB", "TEST_REQUIRE_DB", "TEST_REQUIRE_REDIS", "TEST_REQUIRE_INFRA",
}

func clearInfraEnv(t *testing.T) {
	t.Helper()
	for _, k := range infraKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadInfra_Defaults(t *testing.T) {
	clearInfraEnv(t)

	infra := LoadInfra(t)
	assert.Equal(t, "localhost", infra.DBHost)
	assert.Equal(t, uint16(55432), infra.DBPort)
	assert.Equal(t, "mmkjobs", infra.DBName)
	assert.Equal(t, "disable", infra.DBSSLMode)
	assert.Equal(t, "localhost:56379", infra.RedisAddr)
	assert.Equal(t, -1, infra.RedisDB)
	assert.False(t, infra.RequireDB || infra.RequireRedis || infra.RequireAll)
}

func TestLoadInfra_Overrides(t *testing.T) {
	clearInfraEnv(t)
	t.Setenv("TEST_DB_HOST", "postgres")
	t.Setenv("TEST_DB_PORT", "5432")
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")
	t.Setenv("TEST_REDIS_DB", "4")
	t.Setenv("TEST_REQUIRE_INFRA", "true")

	infra := LoadInfra(t)
	assert.Equal(t, "postgres", infra.DBHost)
	assert.Equal(t, uint16(5432), infra.DBPort)
	assert.Equal(t, "redis:6379", infra.RedisAddr)
	assert.Equal(t, 4, infra.RedisDB)
	assert.True(t, infra.RequireAll)
}

func TestInfra_ConnConfig(t *testing.T) {
	infra := Infra{DBHost: "db", DBPort: 5432, DBUser: "u", DBPassword: "secret", DBName: "jobs", DBSSLMode: "disable"}

	cfg, err := infra.ConnConfig()
	require.NoError(t, err)
	assert.Equal(t, "db", cfg.Host)
	assert.Equal(t, uint16(5432), cfg.Port)
	assert.Equal(t, "u", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "jobs", cfg.Database)
	assert.Nil(t, cfg.TLSConfig)
}
