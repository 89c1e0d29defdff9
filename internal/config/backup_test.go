package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupConfigFile_NoConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".kbindex.yaml")

	backupPath, err := BackupConfigFile(path)

	require.NoError(t, err)
	assert.Empty(t, backupPath)
}

func TestBackupConfigFile_CopiesContent(t *testing.T) {
	// Given: an existing config
	path := filepath.Join(t.TempDir(), ".kbindex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	// When: backing it up
	backupPath, err := BackupConfigFile(path)
	require.NoError(t, err)

	// Then: the backup holds the same bytes
	data, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))
}

func TestBackupConfigFile_KeepsNewest(t *testing.T) {
	// Given: more backups than MaxBackups
	path := filepath.Join(t.TempDir(), ".kbindex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))

	var last string
	for i := 0; i < MaxBackups+2; i++ {
		p, err := BackupConfigFile(path)
		require.NoError(t, err)
		last = p
		time.Sleep(2 * time.Millisecond)
	}

	// Then: only MaxBackups remain and the newest is first
	backups, err := ListConfigBackups(path)
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
	assert.Equal(t, last, backups[0])
}

func TestRestoreConfigFile(t *testing.T) {
	// Given: a backup and a newer config
	path := filepath.Join(t.TempDir(), ".kbindex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))
	backupPath, err := BackupConfigFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("version: 2\n"), 0o644))

	// When: restoring
	require.NoError(t, RestoreConfigFile(path, backupPath))

	// Then: the old content is live again
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))
}
