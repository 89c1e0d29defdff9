package storage

import (
	"context"
	"log/slog"
	"time"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// Resilient wraps a remote Backend with retries for transient failures and
// a circuit breaker that fails fast while the backend is down. Only
// StorageIO errors are retried or counted; NotFound, held leases and lost
// leases are answers, not failures.
//
// Lease acquisition is retried like any other call: a retry after an
// ambiguous failure may find its own lease and report it held, which the
// lock coordinator treats as contention until the lease expires.
type Resilient struct {
	inner   Backend
	retry   kberrors.RetryConfig
	breaker *kberrors.CircuitBreaker
	logger  *slog.Logger
}

// NewResilient wraps inner. A zero retry config uses the defaults.
func NewResilient(inner Backend, retry kberrors.RetryConfig, breaker *kberrors.CircuitBreaker, logger *slog.Logger) *Resilient {
	if retry.Multiplier == 0 {
		retry = kberrors.DefaultRetryConfig()
	}
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = kberrors.IsTransient
	}
	if breaker == nil {
		breaker = kberrors.NewCircuitBreaker("storage")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{inner: inner, retry: retry, breaker: breaker, logger: logger}
}

// Breaker exposes the circuit breaker for status reporting.
func (r *Resilient) Breaker() *kberrors.CircuitBreaker {
	return r.breaker
}

func call[T any](ctx context.Context, r *Resilient, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	return kberrors.RetryWithResult(ctx, r.retry, func() (T, error) {
		attempt++
		v, err := kberrors.CircuitExecute(r.breaker, fn)
		if err != nil && attempt > 1 {
			r.logger.Debug("storage_retry",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
		return v, err
	})
}

func callErr(ctx context.Context, r *Resilient, op string, fn func() error) error {
	_, err := call(ctx, r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Read implements Backend.
func (r *Resilient) Read(ctx context.Context, p string) ([]byte, error) {
	return call(ctx, r, "read", func() ([]byte, error) { return r.inner.Read(ctx, p) })
}

// Write implements Backend.
func (r *Resilient) Write(ctx context.Context, p string, data []byte) error {
	return callErr(ctx, r, "write", func() error { return r.inner.Write(ctx, p, data) })
}

// Delete implements Backend.
func (r *Resilient) Delete(ctx context.Context, p string) error {
	return callErr(ctx, r, "delete", func() error { return r.inner.Delete(ctx, p) })
}

// List implements Backend.
func (r *Resilient) List(ctx context.Context, prefix string) ([]string, error) {
	return call(ctx, r, "list", func() ([]string, error) { return r.inner.List(ctx, prefix) })
}

// TryAcquireLease implements Backend.
func (r *Resilient) TryAcquireLease(ctx context.Context, resource, holder string, ttl time.Duration) (*Lease, error) {
	return call(ctx, r, "lease", func() (*Lease, error) {
		return r.inner.TryAcquireLease(ctx, resource, holder, ttl)
	})
}

// ReleaseLease implements Backend.
func (r *Resilient) ReleaseLease(ctx context.Context, lease *Lease) error {
	return callErr(ctx, r, "release", func() error { return r.inner.ReleaseLease(ctx, lease) })
}

// Swap implements Backend. Swap is not idempotent once it has started
// moving objects, so it runs once through the breaker without retries.
func (r *Resilient) Swap(ctx context.Context, staging, live, backup string) error {
	return r.breaker.Execute(func() error { return r.inner.Swap(ctx, staging, live, backup) })
}

// Close implements Backend.
func (r *Resilient) Close() error {
	return r.inner.Close()
}
