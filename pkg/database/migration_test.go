package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_init.up.sql",
		"000001_init.down.sql",
		"000003_effects.up.sql",
		"000002_events.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}

	latest, err := getLatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)
}

func TestGetLatestVersion_Empty(t *testing.T) {
	_, err := getLatestVersion(t.TempDir())
	assert.Error(t, err)
}

func TestMigrationFolderInRepo(t *testing.T) {
	// db/pg ships with the module; the newest migration must have a down file.
	latest, err := getLatestVersion(filepath.Join("..", "..", "db", "pg"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, 1)

	matches, err := filepath.Glob(filepath.Join("..", "..", "db", "pg", "*.down.sql"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}
