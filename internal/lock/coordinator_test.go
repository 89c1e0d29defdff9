package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/storage"
)

func newTestCoordinator(b storage.Backend, holder string) *Coordinator {
	return New(b, Options{
		HolderID:     holder,
		LeaseTTL:     time.Minute,
		PollInterval: 5 * time.Millisecond,
		Logger:       logging.Discard(),
	})
}

func TestAcquire_Uncontended(t *testing.T) {
	c := newTestCoordinator(storage.NewMemory(), "writer-a")

	lease, err := c.Acquire(context.Background(), "topics/python/gil", time.Second)

	require.NoError(t, err)
	assert.Equal(t, "writer-a", lease.HolderID)
	assert.WithinDuration(t, time.Now().Add(time.Minute), lease.ExpiresAt, 5*time.Second)
}

func TestAcquire_TimesOutWhileHeld(t *testing.T) {
	// Given: writer A holds the topic
	b := storage.NewMemory()
	a := newTestCoordinator(b, "writer-a")
	_, err := a.Acquire(context.Background(), "topics/python/gil", time.Second)
	require.NoError(t, err)

	// When: writer B waits 50ms
	bc := newTestCoordinator(b, "writer-b")
	start := time.Now()
	_, err = bc.Acquire(context.Background(), "topics/python/gil", 50*time.Millisecond)

	// Then: LockTimeout naming the holder, bounded by the timeout
	require.ErrorIs(t, err, kberrors.ErrLockTimeout)
	var ke *kberrors.KBError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "writer-a", ke.Details["holder"])
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	b := storage.NewMemory()
	a := newTestCoordinator(b, "writer-a")
	lease, err := a.Acquire(context.Background(), "topics/web/http", time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Release(context.Background(), lease)
	}()

	got, err := newTestCoordinator(b, "writer-b").Acquire(context.Background(), "topics/web/http", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "writer-b", got.HolderID)
}

func TestAcquire_TakesOverExpiredLease(t *testing.T) {
	// Given: a crashed holder whose lease has expired
	b := storage.NewMemory()
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	crashed := newTestCoordinator(b, "crashed")
	_, err := crashed.Acquire(context.Background(), "_index/summary", time.Second)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	// When: a new writer acquires
	lease, err := newTestCoordinator(b, "survivor").Acquire(context.Background(), "_index/summary", 50*time.Millisecond)

	// Then: it succeeds without waiting for a release
	require.NoError(t, err)
	assert.Equal(t, "survivor", lease.HolderID)
}

func TestAcquire_HonorsCancellation(t *testing.T) {
	b := storage.NewMemory()
	_, err := newTestCoordinator(b, "a").Acquire(context.Background(), "_index", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = newTestCoordinator(b, "b").Acquire(ctx, "_index", time.Minute)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_IdempotentAndIgnoresLostLease(t *testing.T) {
	b := storage.NewMemory()
	c := newTestCoordinator(b, "a")
	lease, err := c.Acquire(context.Background(), "topics/a/b", time.Second)
	require.NoError(t, err)

	assert.NoError(t, c.Release(context.Background(), lease))
	assert.NoError(t, c.Release(context.Background(), lease))
	assert.NoError(t, c.Release(context.Background(), nil))
}

func TestWithLease_ReleasesOnError(t *testing.T) {
	b := storage.NewMemory()
	c := newTestCoordinator(b, "a")
	boom := errors.New("boom")

	err := c.WithLease(context.Background(), "topics/a/b", time.Second, func(ctx context.Context, lease *storage.Lease) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Then: the lease is free again
	_, err = c.Acquire(context.Background(), "topics/a/b", 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestWithLease_SerialisesSameResource(t *testing.T) {
	// Given: many writers incrementing a shared counter under one lease
	b := storage.NewMemory()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestCoordinator(b, "w")
			err := c.WithLease(context.Background(), "topics/shared/x", 5*time.Second, func(ctx context.Context, _ *storage.Lease) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Then: never more than one holder at a time
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestWithLease_DisjointResourcesDoNotBlock(t *testing.T) {
	b := storage.NewMemory()
	a := newTestCoordinator(b, "a")
	_, err := a.Acquire(context.Background(), "topics/python/gil", time.Second)
	require.NoError(t, err)

	err = newTestCoordinator(b, "b").WithLease(context.Background(), "topics/python/asyncio", 10*time.Millisecond,
		func(ctx context.Context, _ *storage.Lease) error { return nil })
	assert.NoError(t, err)
}

func TestCheckVersion(t *testing.T) {
	one, two := 1, 2

	assert.NoError(t, CheckVersion(nil, 5))
	assert.NoError(t, CheckVersion(&one, 1))
	err := CheckVersion(&one, 2)
	assert.ErrorIs(t, err, kberrors.ErrVersionConflict)
	assert.True(t, kberrors.IsRetryable(err))
	assert.ErrorIs(t, CheckVersion(&two, 0), kberrors.ErrVersionConflict)
}

func TestResourceKind(t *testing.T) {
	assert.Equal(t, "topic", resourceKind("topics/python/gil"))
	assert.Equal(t, "migration", resourceKind("_index"))
	assert.Equal(t, "summary", resourceKind("_index/summary"))
	assert.Equal(t, "shard", resourceKind("_index/shards/keywords/a-e"))
}
