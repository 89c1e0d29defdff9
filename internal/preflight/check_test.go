package preflight

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbindex/internal/config"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/shard"
)

type fakeStats struct {
	stats *kb.Stats
	err   error
}

func (f fakeStats) GetStats(context.Context) (*kb.Stats, error) {
	return f.stats, f.err
}

func indexStats(idx *shard.Stats) fakeStats {
	return fakeStats{stats: &kb.Stats{Backend: "local", Index: idx}}
}

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{"required pass is not critical", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail is critical", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail is not critical", CheckResult{Status: StatusFail, Required: false}, false},
		{"required warn is not critical", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestChecker_NewWithOptions(t *testing.T) {
	buf := &bytes.Buffer{}
	checker := New(WithVerbose(true), WithOutput(buf))

	assert.True(t, checker.verbose)
	assert.Equal(t, buf, checker.output)
}

func TestChecker_SummaryStatus(t *testing.T) {
	checker := New()

	assert.Equal(t, "ready", checker.SummaryStatus([]CheckResult{{Status: StatusPass, Required: true}}))
	assert.Equal(t, "ready_with_warnings", checker.SummaryStatus([]CheckResult{{Status: StatusWarn}}))
	assert.Equal(t, "ready_with_warnings", checker.SummaryStatus([]CheckResult{{Status: StatusFail, Required: false}}))
	assert.Equal(t, "failed", checker.SummaryStatus([]CheckResult{{Status: StatusFail, Required: true}}))
	assert.True(t, checker.HasCriticalFailures([]CheckResult{{Status: StatusFail, Required: true}}))
	assert.False(t, checker.HasCriticalFailures(nil))
}

func TestChecker_CheckWritePermissions_CreatesRoot(t *testing.T) {
	// Given: a storage root that does not exist yet
	root := filepath.Join(t.TempDir(), "kb")

	// When: checking write permissions
	result := New().CheckWritePermissions(root)

	// Then: the root is created and no probe file is left behind
	assert.Equal(t, StatusPass, result.Status)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecker_CheckWritePermissions_ReadOnly(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Skipping read-only test when running as root")
	}

	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0o555))
	defer func() { _ = os.Chmod(readOnlyDir, 0o755) }()

	result := New().CheckWritePermissions(readOnlyDir)

	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "permission denied")
}

func TestChecker_CheckDiskSpace(t *testing.T) {
	result := New().CheckDiskSpace(t.TempDir())

	assert.Equal(t, "disk_space", result.Name)
	assert.Contains(t, result.Message, "free")
}

func TestChecker_CheckDiskSpace_MissingPath(t *testing.T) {
	result := New().CheckDiskSpace(filepath.Join(t.TempDir(), "missing"))

	assert.Equal(t, StatusFail, result.Status)
}

func TestRequiredFileDescriptors(t *testing.T) {
	assert.Equal(t, uint64(MinFileDescriptors), RequiredFileDescriptors(0))
	assert.Equal(t, uint64(MinFileDescriptors), RequiredFileDescriptors(8))
	assert.Equal(t, uint64(128*descriptorsPerWorker), RequiredFileDescriptors(128))
}

func TestChecker_CheckLeaseTiming(t *testing.T) {
	checker := New()

	ok := checker.CheckLeaseTiming(config.NewConfig().Lock)
	assert.Equal(t, StatusPass, ok.Status)
	assert.False(t, ok.Required)

	short := checker.CheckLeaseTiming(config.LockConfig{LeaseTTL: 2 * time.Second, PollInterval: 100 * time.Millisecond, AcquireTimeout: time.Second})
	assert.Equal(t, StatusWarn, short.Status)
	assert.Contains(t, short.Message, "lease_ttl")

	noRetry := checker.CheckLeaseTiming(config.LockConfig{LeaseTTL: time.Minute, PollInterval: time.Second, AcquireTimeout: 100 * time.Millisecond})
	assert.Equal(t, StatusWarn, noRetry.Status)
	assert.Contains(t, noRetry.Message, "poll_interval")
}

func TestChecker_CheckIndex(t *testing.T) {
	ctx := context.Background()
	checker := New()

	tests := []struct {
		name    string
		src     fakeStats
		status  CheckStatus
		message string
	}{
		{
			name:    "missing index",
			src:     indexStats(&shard.Stats{Exists: false}),
			status:  StatusWarn,
			message: "no index yet",
		},
		{
			name:    "flagged objects",
			src:     indexStats(&shard.Stats{Exists: true, Layout: "v2", DirtyShards: []string{"_index/keywords/a-e.json"}}),
			status:  StatusWarn,
			message: "rebuild --repair",
		},
		{
			name:    "legacy layout",
			src:     indexStats(&shard.Stats{Exists: true, Layout: "v1", Legacy: true}),
			status:  StatusWarn,
			message: "legacy v1",
		},
		{
			name:    "healthy",
			src:     indexStats(&shard.Stats{Exists: true, Layout: "v3", Summary: &shard.Summary{TotalTopics: 42}}),
			status:  StatusPass,
			message: "v3, 42 topics",
		},
		{
			name:    "unreadable",
			src:     fakeStats{err: errors.New("boom")},
			status:  StatusFail,
			message: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checker.CheckIndex(ctx, tt.src)
			assert.Equal(t, tt.status, result.Status)
			assert.Contains(t, result.Message, tt.message)
		})
	}
}

func TestLocalRoot(t *testing.T) {
	dir, ok := LocalRoot(config.StorageConfig{Backend: config.BackendLocal, Root: "/data/kb"})
	assert.True(t, ok)
	assert.Equal(t, "/data/kb", dir)

	dir, ok = LocalRoot(config.StorageConfig{Backend: config.BackendSQLite, Root: "/data/kb.db"})
	assert.True(t, ok)
	assert.Equal(t, "/data", dir)

	_, ok = LocalRoot(config.StorageConfig{Backend: config.BackendS3})
	assert.False(t, ok)
	_, ok = LocalRoot(config.StorageConfig{Backend: config.BackendMemory})
	assert.False(t, ok)
}

func TestChecker_RunAll_Local(t *testing.T) {
	// Given: a local backend rooted in a temp dir
	cfg := config.NewConfig()
	cfg.Storage.Root = filepath.Join(t.TempDir(), "kb")
	cfg.Migrate.Workers = 2

	// When: running all checks with index statistics
	results := New().RunAll(context.Background(), cfg, indexStats(&shard.Stats{Exists: true, Layout: "v2", Summary: &shard.Summary{}}))

	// Then: every local check is present
	names := map[string]bool{}
	for _, r := range results {
		names[r.Name] = true
	}
	for _, want := range []string{"write_permissions", "disk_space", "file_descriptors", "lease_timing", "index"} {
		assert.True(t, names[want], want)
	}
}

func TestChecker_RunAll_RemoteWithoutIndex(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Storage.Backend = config.BackendS3
	cfg.Storage.S3.Bucket = "kb"
	cfg.Storage.S3.LeaseTable = "leases"

	results := New().RunAll(context.Background(), cfg, nil)

	require.NotEmpty(t, results)
	assert.Equal(t, "storage", results[0].Name)
	assert.Contains(t, results[0].Details, "lease table leases")
	for _, r := range results {
		assert.NotEqual(t, "index", r.Name)
		assert.NotEqual(t, "disk_space", r.Name)
	}
}

func TestChecker_PrintResults(t *testing.T) {
	// Given: one failure and one warning
	buf := &bytes.Buffer{}
	checker := New(WithOutput(buf), WithVerbose(true))
	results := []CheckResult{
		{Name: "disk_space", Status: StatusFail, Message: "5 MB free", Required: true},
		{Name: "index", Status: StatusWarn, Message: "no index yet", Details: "run rebuild"},
	}

	// When: printing
	checker.PrintResults(results)

	// Then: summary, details and both lists appear
	out := buf.String()
	assert.Contains(t, out, "kbindex Knowledge Base Check")
	assert.Contains(t, out, "[FAIL] disk_space: 5 MB free")
	assert.Contains(t, out, "      run rebuild")
	assert.Contains(t, out, "Status: FAILED")
	assert.Contains(t, out, "1 error(s):")
	assert.Contains(t, out, "1 warning(s):")
}
