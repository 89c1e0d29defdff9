// Package lock coordinates exclusive, time-bounded leases between
// independent writers.
//
// All coordination goes through the storage backend: a lease is a record
// with an expiry, so a holder that crashes blocks its resource for at most
// one lease TTL. Acquire never blocks indefinitely.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

// Default lease timings.
const (
	DefaultLeaseTTL     = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 10 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// HolderID identifies this writer in lease records.
	HolderID string
	// LeaseTTL is the maximum lifetime of a lease.
	LeaseTTL time.Duration
	// PollInterval is the wait between acquisition attempts.
	PollInterval time.Duration
	// DefaultTimeout applies when Acquire is called with a zero timeout.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Coordinator acquires and releases leases on named resources.
type Coordinator struct {
	backend storage.Backend
	holder  string
	ttl     time.Duration
	poll    time.Duration
	timeout time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Coordinator over backend.
func New(backend storage.Backend, opts Options) *Coordinator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.HolderID == "" {
		opts.HolderID = "kbindex"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		backend: backend,
		holder:  opts.HolderID,
		ttl:     opts.LeaseTTL,
		poll:    opts.PollInterval,
		timeout: opts.DefaultTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// HolderID returns the identity this coordinator acquires leases as.
func (c *Coordinator) HolderID() string {
	return c.holder
}

// LeaseTTL returns the configured lease lifetime.
func (c *Coordinator) LeaseTTL() time.Duration {
	return c.ttl
}

// Acquire takes the lease on resource, polling until timeout elapses.
// A zero timeout uses the coordinator default. It fails with
// kberrors.ErrLockTimeout when the lease stays held, and returns the
// context error if ctx is cancelled first.
func (c *Coordinator) Acquire(ctx context.Context, resource string, timeout time.Duration) (*storage.Lease, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	kind := resourceKind(resource)

	var lastHolder string
	for attempt := 1; ; attempt++ {
		lease, err := c.backend.TryAcquireLease(ctx, resource, c.holder, c.ttl)
		if err == nil {
			c.metrics.ObserveLock(kind, "acquired", time.Since(start))
			if attempt > 1 {
				c.logger.Debug("lease_acquired_after_wait",
					slog.String("resource", resource),
					slog.Int("attempts", attempt),
					slog.Duration("waited", time.Since(start)))
			}
			return lease, nil
		}
		if !errors.Is(err, kberrors.ErrLeaseHeld) {
			c.metrics.ObserveLock(kind, "error", time.Since(start))
			return nil, err
		}
		var ke *kberrors.KBError
		if errors.As(err, &ke) {
			lastHolder = ke.Details["holder"]
		}

		wait := c.poll
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.metrics.ObserveLock(kind, "timeout", time.Since(start))
			c.logger.Warn("lease_timeout",
				slog.String("resource", resource),
				slog.String("holder", lastHolder),
				slog.Duration("timeout", timeout))
			return nil, kberrors.Newf(kberrors.ErrCodeLockTimeout,
				"timed out after %s waiting for lease on %s", timeout, resource).
				WithDetail("resource", resource).
				WithDetail("holder", lastHolder).
				WithSuggestion("Retry later; the lease expires on its own within the lease TTL")
		}
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.metrics.ObserveLock(kind, "cancelled", time.Since(start))
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release gives up lease. Releasing a lease that already expired or was
// taken over is not an error: the work it protected has been committed or
// will be rejected by the version check. Release is idempotent.
func (c *Coordinator) Release(ctx context.Context, lease *storage.Lease) error {
	if lease == nil {
		return nil
	}
	// Release must still happen when the caller's context is cancelled.
	ctx = context.WithoutCancel(ctx)
	err := c.backend.ReleaseLease(ctx, lease)
	if err == nil {
		return nil
	}
	if errors.Is(err, kberrors.ErrLeaseLost) {
		c.logger.Warn("lease_already_released",
			slog.String("resource", lease.Path),
			slog.String("lock_id", lease.LockID),
			slog.Bool("expired", lease.Expired(time.Now())))
		return nil
	}
	return err
}

// WithLease runs fn while holding the lease on resource and always
// releases it afterwards. A release failure is logged; fn's error wins.
func (c *Coordinator) WithLease(ctx context.Context, resource string, timeout time.Duration, fn func(ctx context.Context, lease *storage.Lease) error) error {
	lease, err := c.Acquire(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.Release(ctx, lease); rerr != nil {
			c.logger.Error("lease_release_failed",
				slog.String("resource", resource),
				slog.String("error", rerr.Error()))
		}
	}()
	return fn(ctx, lease)
}

// CheckVersion is the optimistic concurrency guard: it fails with
// kberrors.ErrVersionConflict when expected is set and differs from the
// persisted version.
func CheckVersion(expected *int, current int) error {
	if expected == nil || *expected == current {
		return nil
	}
	return kberrors.Newf(kberrors.ErrCodeVersionConflict,
		"version conflict: expected %d, current %d", *expected, current).
		WithDetail("expected", strconv.Itoa(*expected)).
		WithDetail("current", strconv.Itoa(current)).
		WithSuggestion("Re-read the topic and retry with its current version")
}

// resourceKind maps a resource to a low-cardinality metrics label.
func resourceKind(resource string) string {
	switch {
	case strings.HasPrefix(resource, "topics/"):
		return "topic"
	case resource == "_index":
		return "migration"
	case resource == "_index/summary":
		return "summary"
	case strings.HasPrefix(resource, "_index"):
		return "shard"
	default:
		return "other"
	}
}
