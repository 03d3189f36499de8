package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles_Ordered(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "0001_jobs.sql", files[0])
	assert.IsNonDecreasing(t, files)
}

func TestJobsMigration_Shape(t *testing.T) {
	raw, err := migrationsFS.ReadFile("migrations/0001_jobs.sql")
	require.NoError(t, err)
	sql := string(raw)

	assert.Contains(t, sql, "CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key_uniq")
	assert.Contains(t, sql, "WHERE idempotency_key IS NOT NULL")
	assert.Contains(t, sql, "(owner_id, status, type)")
	for _, status := range []string{"PENDING", "PROCESSING", "COMPLETED", "FAILED", "CANCELLED"} {
		assert.True(t, strings.Contains(sql, "'"+status+"'"), status)
	}
}
