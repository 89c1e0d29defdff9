// Package migrate rebuilds the topic index from topic metadata into a
// target layout and swaps it in atomically.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/lock"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// DefaultWorkers bounds parallel metadata reads during a scan.
const DefaultWorkers = 8

// backupTimeFormat names backup trees.
const backupTimeFormat = "20060102T150405Z"

// Source enumerates the authoritative topic metadata.
type Source interface {
	ListIDs(ctx context.Context, category string) ([]string, error)
	ReadMetadata(ctx context.Context, id string) (*topic.Metadata, error)
}

// Options configures a Migrator.
type Options struct {
	// Workers bounds parallel metadata reads. Defaults to DefaultWorkers.
	Workers int
	// Backup keeps the replaced live index under _index.backup-{timestamp}.
	Backup bool
	// Force skips the comparison against the live index, for rebuilding
	// an index known to be inconsistent.
	Force bool
	// LockTimeout bounds the wait for the index lease.
	LockTimeout time.Duration
	// OnState observes every state transition.
	OnState func(Transition)
	// OnProgress observes per-item progress. Scan workers call it
	// concurrently.
	OnProgress func(Progress)
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Result describes a completed migration.
type Result struct {
	Target     string        `json:"target_layout"`
	Previous   string        `json:"previous_layout,omitempty"`
	Topics     int           `json:"topics"`
	Keywords   int           `json:"keywords"`
	Categories int           `json:"categories"`
	Backup     string        `json:"backup,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Migrator runs one index migration at a time. Writes that land during a
// run go to the old layout and are lost at the swap, so runs belong in a
// quiescent window.
type Migrator struct {
	backend storage.Backend
	locks   *lock.Coordinator
	index   *shard.Manager
	source  Source
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu    sync.Mutex
	state State
}

// New creates a Migrator for index's live root.
func New(backend storage.Backend, locks *lock.Coordinator, index *shard.Manager, source Source, opts Options) *Migrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Migrator{
		backend: backend,
		locks:   locks,
		index:   index,
		source:  source,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateIdle,
	}
}

// State returns the current state.
func (m *Migrator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Migrator) stagingRoot() string { return m.index.Root() + ".staging" }

func (m *Migrator) backupRoot(at time.Time) string {
	return m.index.Root() + ".backup-" + at.Format(backupTimeFormat)
}

// transition moves to next and notifies the observer.
func (m *Migrator) transition(next State, topics int, cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	attrs := []any{
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Int("topics", topics),
	}
	if cause != nil {
		attrs = append(attrs, kberrors.LogAttrs(cause)...)
		m.logger.Warn("migration_state", attrs...)
	} else {
		m.logger.Info("migration_state", attrs...)
	}
	if m.opts.OnState != nil {
		m.opts.OnState(Transition{From: prev, To: next, At: m.now(), Topics: topics, Err: cause})
	}
}

// Run rebuilds the index in target under the index lease. It fails with
// kberrors.ErrLockTimeout when another migration holds the lease and with
// kberrors.ErrMigrationAborted when validation fails; the live index is
// untouched in both cases.
func (m *Migrator) Run(ctx context.Context, target shard.Layout) (*Result, error) {
	m.mu.Lock()
	if !m.state.canStart() {
		state := m.state
		m.mu.Unlock()
		return nil, kberrors.Newf(kberrors.ErrCodeInvalidInput, "migration cannot start from state %s", state)
	}
	m.mu.Unlock()

	if target.SummaryVersion() == "" {
		return nil, kberrors.Newf(kberrors.ErrCodeUnknownLayout, "unknown index layout %d", target)
	}

	start := time.Now()
	var result *Result
	err := m.locks.WithLease(ctx, m.index.Root(), m.opts.LockTimeout, func(ctx context.Context, lease *storage.Lease) error {
		var err error
		result, err = m.run(ctx, lease, target)
		return err
	})
	took := time.Since(start)
	m.metrics.Migration(target.String(), string(m.State()), took)
	if err != nil {
		return nil, err
	}
	result.Duration = took
	return result, nil
}

func (m *Migrator) run(ctx context.Context, lease *storage.Lease, target shard.Layout) (*Result, error) {
	result := &Result{Target: target.String()}
	if det, err := m.index.Detect(ctx); err == nil && det.Exists {
		result.Previous = det.Layout.String()
	}

	m.transition(StateScanning, 0, nil)
	entries, err := m.scan(ctx)
	if err != nil {
		return nil, m.fail(ctx, len(entries), fmt.Errorf("scan failed: %w", err))
	}

	m.transition(StateBuilding, len(entries), nil)
	staging := m.stagingRoot()
	if err := m.removeTree(ctx, staging); err != nil {
		return nil, m.fail(ctx, len(entries), fmt.Errorf("failed to clear staging: %w", err))
	}
	staged, err := m.index.WriteLayoutProgress(ctx, staging, target, entries, func(done, total int, rel string) {
		m.progress(StateBuilding, done, total, rel)
	})
	if err != nil {
		return nil, m.fail(ctx, len(entries), err)
	}

	m.transition(StateValidating, len(entries), nil)
	if err := m.validate(ctx, entries, staged); err != nil {
		return nil, m.fail(ctx, len(entries), err)
	}

	m.transition(StateSwapping, len(entries), nil)
	if lease.Expired(m.now()) {
		return nil, m.fail(ctx, len(entries), kberrors.New(kberrors.ErrCodeLeaseLost,
			"index lease expired before swap", nil).
			WithSuggestion("Increase lock.lease_ttl above the migration duration"))
	}
	backup := ""
	if m.opts.Backup {
		backup = m.backupRoot(m.now())
	}
	if err := m.backend.Swap(ctx, staging, m.index.Root(), backup); err != nil {
		return nil, m.fail(ctx, len(entries), fmt.Errorf("swap failed: %w", err))
	}
	m.index.InvalidateCache()

	result.Topics = staged.TotalTopics
	result.Keywords = staged.TotalKeywords
	result.Categories = staged.TotalCategories
	result.Backup = backup
	m.transition(StateDone, len(entries), nil)
	return result, nil
}

func (m *Migrator) progress(state State, done, total int, item string) {
	if m.opts.OnProgress != nil {
		m.opts.OnProgress(Progress{State: state, Done: done, Total: total, Item: item})
	}
}

// fail moves to StateFailed, removes the staging tree and returns cause.
func (m *Migrator) fail(ctx context.Context, topics int, cause error) error {
	if m.State().canFail() {
		m.transition(StateFailed, topics, cause)
	}
	// Cleanup must run even when ctx is what failed.
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := m.removeTree(cleanup, m.stagingRoot()); err != nil {
		m.logger.Warn("staging_cleanup_failed", slog.String("error", err.Error()))
	}
	return cause
}

// scan reads every topic's metadata with bounded parallelism. Topics
// deleted while scanning are skipped.
func (m *Migrator) scan(ctx context.Context) ([]shard.IndexEntry, error) {
	ids, err := m.source.ListIDs(ctx, "")
	if err != nil {
		return nil, err
	}

	metas := make([]*topic.Metadata, len(ids))
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i, id := range ids {
		g.Go(func() error {
			meta, err := m.source.ReadMetadata(gctx, id)
			if errors.Is(err, kberrors.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", id, err)
			}
			metas[i] = meta
			m.progress(StateScanning, int(done.Add(1)), len(ids), id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]shard.IndexEntry, 0, len(metas))
	for _, meta := range metas {
		if meta != nil {
			entries = append(entries, shard.EntryFromMetadata(meta))
		}
	}
	return entries, nil
}

// validate checks the staged summary against the scan and, unless forced
// or the live index is already flagged dirty, against the live summary.
func (m *Migrator) validate(ctx context.Context, entries []shard.IndexEntry, staged *shard.Summary) error {
	keywords := make(map[string]struct{})
	for i := range entries {
		for _, kw := range entries[i].IndexKeywords() {
			keywords[kw] = struct{}{}
		}
		m.progress(StateValidating, i+1, len(entries), entries[i].TopicID)
	}
	if staged.TotalTopics != len(entries) || staged.TotalKeywords != len(keywords) {
		return aborted("staged index does not match scanned topics",
			len(entries), len(keywords), staged)
	}

	if m.opts.Force {
		return nil
	}
	live, err := m.index.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read live index: %w", err)
	}
	if !live.Exists {
		return nil
	}
	if len(live.DirtyShards) > 0 {
		m.logger.Info("migration_live_check_skipped",
			slog.Int("dirty_shards", len(live.DirtyShards)))
		return nil
	}
	if live.Summary.TotalTopics != staged.TotalTopics ||
		(!live.Legacy && live.Summary.TotalKeywords != staged.TotalKeywords) {
		return aborted("staged index does not match live index",
			live.Summary.TotalTopics, live.Summary.TotalKeywords, staged)
	}
	return nil
}

func aborted(msg string, topics, keywords int, staged *shard.Summary) error {
	return kberrors.New(kberrors.ErrCodeMigrationAborted, msg, nil).
		WithDetail("expected_topics", strconv.Itoa(topics)).
		WithDetail("expected_keywords", strconv.Itoa(keywords)).
		WithDetail("staged_topics", strconv.Itoa(staged.TotalTopics)).
		WithDetail("staged_keywords", strconv.Itoa(staged.TotalKeywords)).
		WithSuggestion("Retry in a quiescent window, or rebuild with --force if the live index is inconsistent")
}

func (m *Migrator) removeTree(ctx context.Context, root string) error {
	paths, err := m.backend.List(ctx, root+"/")
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := m.backend.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
