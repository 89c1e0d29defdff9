package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Aman-CERP/kbindex/internal/config"
	"github.com/Aman-CERP/kbindex/internal/kb"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// StatsSource reports knowledge base statistics. *kb.Service satisfies it.
type StatsSource interface {
	GetStats(ctx context.Context) (*kb.Stats, error)
}

// MinLeaseTTL is the shortest lease that comfortably covers a rebuild of a
// few thousand topics. A migration holds the index lease throughout.
const MinLeaseTTL = 10 * time.Second

// Checker performs preflight validation checks.
type Checker struct {
	verbose bool
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose enables verbose output.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check for cfg. src may be nil when the knowledge base
// could not be opened; the index check is then skipped.
func (c *Checker) RunAll(ctx context.Context, cfg *config.Config, src StatsSource) []CheckResult {
	var results []CheckResult

	if dir, ok := LocalRoot(cfg.Storage); ok {
		results = append(results, c.CheckWritePermissions(dir))
		results = append(results, c.CheckDiskSpace(dir))
	} else {
		results = append(results, CheckResult{
			Name:     "storage",
			Status:   StatusPass,
			Message:  fmt.Sprintf("%s backend", cfg.Storage.Backend),
			Details:  remoteDetails(cfg.Storage),
			Required: true,
		})
	}

	results = append(results, c.CheckFileDescriptors(cfg.Migrate.Workers))
	results = append(results, c.CheckLeaseTiming(cfg.Lock))

	if src != nil {
		results = append(results, c.CheckIndex(ctx, src))
	}

	return results
}

// LocalRoot returns the directory that holds a local backend's data.
// Remote and in-memory backends have none.
func LocalRoot(s config.StorageConfig) (string, bool) {
	switch s.Backend {
	case config.BackendLocal, config.BackendBadger:
		return s.Root, true
	case config.BackendSQLite:
		return filepath.Dir(s.Root), true
	default:
		return "", false
	}
}

func remoteDetails(s config.StorageConfig) string {
	switch s.Backend {
	case config.BackendS3:
		return fmt.Sprintf("bucket %s, lease table %s", s.S3.Bucket, s.S3.LeaseTable)
	case config.BackendGCS:
		return fmt.Sprintf("bucket %s", s.GCS.Bucket)
	default:
		return "data is lost when the process exits"
	}
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "kbindex Knowledge Base Check")
	_, _ = fmt.Fprintln(c.output, "============================")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	status := c.SummaryStatus(results)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(status))

	var warnings, errors []string
	for _, r := range results {
		if r.IsCritical() {
			errors = append(errors, r.Name+": "+r.Message)
		} else if r.Status != StatusPass {
			warnings = append(warnings, r.Name+": "+r.Message)
		}
	}

	if len(errors) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d error(s):\n", len(errors))
		for _, e := range errors {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", e)
		}
	}

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d warning(s):\n", len(warnings))
		for _, w := range warnings {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", w)
		}
	}
}

// CheckWritePermissions checks that the storage root accepts new files.
func (c *Checker) CheckWritePermissions(path string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", path, err)
		return result
	}

	f, err := os.CreateTemp(path, ".kbindex-preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	result.Status = StatusPass
	result.Message = "OK"
	result.Details = path
	return result
}

// CheckLeaseTiming warns when leases are short enough that a rebuild or
// a slow writer could outlive its own lease.
func (c *Checker) CheckLeaseTiming(l config.LockConfig) CheckResult {
	result := CheckResult{
		Name:     "lease_timing",
		Required: false,
		Details:  fmt.Sprintf("lease_ttl %s, acquire_timeout %s, poll_interval %s", l.LeaseTTL, l.AcquireTimeout, l.PollInterval),
	}

	switch {
	case l.LeaseTTL < MinLeaseTTL:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("lease_ttl %s is shorter than %s; a long rebuild can lose the index lease", l.LeaseTTL, MinLeaseTTL)
	case l.AcquireTimeout < l.PollInterval:
		result.Status = StatusWarn
		result.Message = "acquire_timeout is shorter than poll_interval; contended writes fail after one attempt"
	default:
		result.Status = StatusPass
		result.Message = fmt.Sprintf("lease_ttl %s", l.LeaseTTL)
	}
	return result
}

// CheckIndex reports index health from the knowledge base statistics.
func (c *Checker) CheckIndex(ctx context.Context, src StatsSource) CheckResult {
	result := CheckResult{
		Name:     "index",
		Required: true,
	}

	st, err := src.GetStats(ctx)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to read index: %v", err)
		return result
	}

	idx := st.Index
	switch {
	case idx == nil || !idx.Exists:
		result.Status = StatusWarn
		result.Message = "no index yet; it is created by the first topic write or 'kbindex rebuild'"
	case len(idx.DirtyShards) > 0:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%d flagged objects; run 'kbindex rebuild --repair'", len(idx.DirtyShards))
		result.Details = strings.Join(idx.DirtyShards, ", ")
	case idx.Legacy:
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("legacy %s index without a summary; run 'kbindex rebuild'", idx.Layout)
	default:
		result.Status = StatusPass
		topics := 0
		if idx.Summary != nil {
			topics = idx.Summary.TotalTopics
		}
		result.Message = fmt.Sprintf("%s, %d topics", idx.Layout, topics)
	}
	return result
}
