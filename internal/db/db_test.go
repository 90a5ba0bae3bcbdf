package db

import (
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMigrations = fstest.MapFS{
	"migrations/000001_create_items.up.sql":   {Data: []byte(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`)},
	"migrations/000001_create_items.down.sql": {Data: []byte(`DROP TABLE items;`)},
	"migrations/000002_add_score.up.sql":      {Data: []byte(`ALTER TABLE items ADD COLUMN score REAL;`)},
	"migrations/000002_add_score.down.sql":    {Data: []byte(`ALTER TABLE items DROP COLUMN score;`)},
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenAppliesPragmas(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)

	var mode string
	require.NoError(t, d.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, d.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateUp(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)

	version, dirty, err := d.MigrateVersion(testMigrations, "migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, d.MigrateUp(testMigrations, "migrations"))
	// second run is a no-op
	require.NoError(t, d.MigrateUp(testMigrations, "migrations"))

	version, dirty, err = d.MigrateVersion(testMigrations, "migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	ok, err := d.TableExists("items")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.Exec(`INSERT INTO items (name, score) VALUES ('a', 1.5)`)
	require.NoError(t, err)
}

func TestMigrateUpBadSource(t *testing.T) {
	t.Parallel()
	d := openTestDB(t)
	err := d.MigrateUp(fstest.MapFS{}, "missing")
	assert.Error(t, err)
}
