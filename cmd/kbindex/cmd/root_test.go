package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKBDir returns a knowledge base directory isolated from the user's
// configuration and environment.
func newTestKBDir(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("KBINDEX_HOLDER_ID", "cli-test")
	t.Setenv("KBINDEX_MIGRATE_BACKUP", "false")
	t.Setenv("KBINDEX_STORAGE_BACKEND", "local")
	t.Setenv("KBINDEX_MIGRATE_WORKERS", "2")
	t.Setenv("KBINDEX_STORAGE_ROOT", "")
	return t.TempDir()
}

// runCLI executes the root command against dir and returns its output.
func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config-dir", dir}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	// Given: the root command
	cmd := NewRootCmd()

	// Then: every subcommand is reachable
	for _, name := range []string{"serve", "topic", "search", "stats", "rebuild", "citation", "log", "gc", "doctor", "validate", "config", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	cmd := NewRootCmd()

	for _, name := range []string{"config-dir", "json", "debug", "profile-cpu", "profile-mem", "profile-trace"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, ".", cmd.PersistentFlags().Lookup("config-dir").DefValue)
}

func TestRootCmd_UnknownCommandFails(t *testing.T) {
	dir := newTestKBDir(t)

	_, err := runCLI(t, dir, "frobnicate")

	assert.Error(t, err)
}

func TestRootCmd_ProfilingWritesFiles(t *testing.T) {
	// Given: profile paths for a short command
	dir := newTestKBDir(t)
	cpu := filepath.Join(dir, "cpu.prof")
	heap := filepath.Join(dir, "heap.prof")

	// When: running version with profiling enabled
	_, err := runCLI(t, dir, "--profile-cpu", cpu, "--profile-mem", heap, "version", "--short")
	require.NoError(t, err)

	// Then: both profiles exist
	for _, p := range []string{cpu, heap} {
		info, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.Greater(t, info.Size(), int64(0), p)
	}
	assert.Nil(t, profSession)
}

func TestRootCmd_InvalidProjectConfigFails(t *testing.T) {
	// Given: a project config with an unknown layout
	dir := newTestKBDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".kbindex.yaml"), []byte("index:\n  default_layout: v9\n"), 0o644))

	// When: opening the knowledge base
	_, err := runCLI(t, dir, "topic", "list")

	// Then: configuration validation fails
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_layout")
}
