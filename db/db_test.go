package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.db")

	conn, err := Open(path, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, nil))

	// Migrations are idempotent.
	require.NoError(t, Migrate(conn, nil))

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 3, count)

	// Tables exist and accept the expected shapes.
	_, err = conn.Exec("INSERT INTO adapter_state (source_id, state) VALUES (?, ?)", "slack-eng", []byte(`{"since":"100"}`))
	assert.NoError(t, err)

	_, err = conn.Exec("INSERT INTO known_threads (source_id, thread_id) VALUES (?, ?)", "slack-eng", "slack-1700000000.000100")
	assert.NoError(t, err)
}
