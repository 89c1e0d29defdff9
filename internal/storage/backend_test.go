package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// clockedBackend pairs a backend with a way to move its lease clock.
type clockedBackend struct {
	Backend
	setNow func(func() time.Time)
}

func backendsUnderTest(t *testing.T) map[string]func(t *testing.T) clockedBackend {
	t.Helper()
	return map[string]func(t *testing.T) clockedBackend{
		"memory": func(t *testing.T) clockedBackend {
			m := NewMemory()
			return clockedBackend{m, m.SetClock}
		},
		"local": func(t *testing.T) clockedBackend {
			l, err := NewLocal(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return clockedBackend{l, func(f func() time.Time) { l.now = f }}
		},
		"sqlite": func(t *testing.T) clockedBackend {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "kb.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return clockedBackend{s, func(f func() time.Time) { s.now = f }}
		},
		"badger": func(t *testing.T) clockedBackend {
			b, err := NewBadger("")
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return clockedBackend{b, func(f func() time.Time) { b.now = f }}
		},
	}
}

func TestBackends_ReadWriteDelete(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			// Given: an empty store, reads are NotFound
			_, err := b.Read(ctx, "topics/python/gil.json")
			assert.ErrorIs(t, err, kberrors.ErrNotFound)

			// When: writing then overwriting
			require.NoError(t, b.Write(ctx, "topics/python/gil.json", []byte(`{"v":1}`)))
			require.NoError(t, b.Write(ctx, "topics/python/gil.json", []byte(`{"v":2}`)))

			// Then: the last write wins
			data, err := b.Read(ctx, "topics/python/gil.json")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(data))

			// And: delete is idempotent
			require.NoError(t, b.Delete(ctx, "topics/python/gil.json"))
			require.NoError(t, b.Delete(ctx, "topics/python/gil.json"))
			_, err = b.Read(ctx, "topics/python/gil.json")
			assert.ErrorIs(t, err, kberrors.ErrNotFound)
		})
	}
}

func TestBackends_RejectInvalidPaths(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			for _, p := range []string{"", "/abs", "a/../b", "a//b", "./a"} {
				err := b.Write(context.Background(), p, []byte("x"))
				assert.ErrorIs(t, err, kberrors.ErrInvalidInput, p)
			}
		})
	}
}

func TestBackends_ListSortedByPrefix(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			for _, p := range []string{"topics/web/http.md", "topics/python/gil.md", "topics/python/asyncio.md", "_index/summary.json"} {
				require.NoError(t, b.Write(ctx, p, []byte("x")))
			}
			_, err := b.TryAcquireLease(ctx, "topics/python/gil", "w1", time.Minute)
			require.NoError(t, err)

			got, err := b.List(ctx, "topics/python/")
			require.NoError(t, err)
			assert.Equal(t, []string{"topics/python/asyncio.md", "topics/python/gil.md"}, got)

			all, err := b.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"_index/summary.json", "topics/python/asyncio.md", "topics/python/gil.md", "topics/web/http.md"}, all)

			none, err := b.List(ctx, "citations/")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestBackends_LeaseLifecycle(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			// Given: writer A holds the lease
			a, err := b.TryAcquireLease(ctx, "topics/python/gil", "writer-a", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "writer-a", a.HolderID)
			assert.Equal(t, "topics/python/gil", a.Path)
			assert.NotEmpty(t, a.LockID)

			// When: writer B tries
			_, err = b.TryAcquireLease(ctx, "topics/python/gil", "writer-b", time.Minute)

			// Then: it is held
			assert.ErrorIs(t, err, kberrors.ErrLeaseHeld)

			// And: other resources are independent
			other, err := b.TryAcquireLease(ctx, "topics/python/asyncio", "writer-b", time.Minute)
			require.NoError(t, err)
			require.NoError(t, b.ReleaseLease(ctx, other))

			// When: A releases, B succeeds
			require.NoError(t, b.ReleaseLease(ctx, a))
			bl, err := b.TryAcquireLease(ctx, "topics/python/gil", "writer-b", time.Minute)
			require.NoError(t, err)

			// And: A's stale release reports the lease lost without touching B's lease
			assert.ErrorIs(t, b.ReleaseLease(ctx, a), kberrors.ErrLeaseLost)
			_, err = b.TryAcquireLease(ctx, "topics/python/gil", "writer-c", time.Minute)
			assert.ErrorIs(t, err, kberrors.ErrLeaseHeld)
			require.NoError(t, b.ReleaseLease(ctx, bl))
		})
	}
}

func TestBackends_ExpiredLeaseIsTakenOver(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			now := time.Now()
			b.setNow(func() time.Time { return now })

			// Given: a crashed holder with a 30s lease
			crashed, err := b.TryAcquireLease(ctx, "_index/summary", "crashed", 30*time.Second)
			require.NoError(t, err)

			// When: the TTL has elapsed
			now = now.Add(31 * time.Second)
			taken, err := b.TryAcquireLease(ctx, "_index/summary", "survivor", 30*time.Second)

			// Then: the survivor owns it and the crashed holder's release is lost
			require.NoError(t, err)
			assert.Equal(t, "survivor", taken.HolderID)
			assert.ErrorIs(t, b.ReleaseLease(ctx, crashed), kberrors.ErrLeaseLost)
			require.NoError(t, b.ReleaseLease(ctx, taken))
		})
	}
}

func TestBackends_ConcurrentAcquireHasOneWinner(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := b.TryAcquireLease(ctx, "topics/web/http", "w", time.Minute); err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, kberrors.ErrLeaseHeld)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestBackends_Swap(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			// Given: a live v1 index and a staged v2 index
			require.NoError(t, b.Write(ctx, "_index/summary.json", []byte("v1")))
			require.NoError(t, b.Write(ctx, "_index/keywords.json", []byte("old")))
			require.NoError(t, b.Write(ctx, "_index.staging/summary.json", []byte("v2")))
			require.NoError(t, b.Write(ctx, "_index.staging/keywords/a-e.json", []byte("new")))

			// When: swapping with a backup
			require.NoError(t, b.Swap(ctx, "_index.staging", "_index", "_index.backup-1"))

			// Then: live is the staged tree only
			live, err := b.List(ctx, "_index/")
			require.NoError(t, err)
			assert.Equal(t, []string{"_index/keywords/a-e.json", "_index/summary.json"}, live)
			data, err := b.Read(ctx, "_index/summary.json")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(data))

			// And: staging is gone and the old tree is in the backup
			staged, err := b.List(ctx, "_index.staging/")
			require.NoError(t, err)
			assert.Empty(t, staged)
			old, err := b.Read(ctx, "_index.backup-1/keywords.json")
			require.NoError(t, err)
			assert.Equal(t, "old", string(old))
		})
	}
}

func TestBackends_SwapWithoutLiveOrStaging(t *testing.T) {
	for name, open := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)

			err := b.Swap(ctx, "_index.staging", "_index", "")
			assert.ErrorIs(t, err, kberrors.ErrNotFound)

			require.NoError(t, b.Write(ctx, "_index.staging/summary.json", []byte("v3")))
			require.NoError(t, b.Swap(ctx, "_index.staging", "_index", ""))

			data, err := b.Read(ctx, "_index/summary.json")
			require.NoError(t, err)
			assert.Equal(t, "v3", string(data))
		})
	}
}

func TestLocal_LeasesAcrossInstances(t *testing.T) {
	// Given: two processes sharing one directory
	root := t.TempDir()
	a, err := NewLocal(root)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewLocal(root)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	lease, err := a.TryAcquireLease(ctx, "topics/python/gil", "proc-a", time.Minute)
	require.NoError(t, err)

	// Then: the other instance sees the lease
	_, err = b.TryAcquireLease(ctx, "topics/python/gil", "proc-b", time.Minute)
	assert.ErrorIs(t, err, kberrors.ErrLeaseHeld)

	require.NoError(t, a.ReleaseLease(ctx, lease))
	_, err = b.TryAcquireLease(ctx, "topics/python/gil", "proc-b", time.Minute)
	assert.NoError(t, err)
}

func TestLockPath(t *testing.T) {
	assert.Equal(t, "_locks/topics__python__gil.lock", LockPath("topics/python/gil"))
	assert.Equal(t, "_locks/_index.lock", LockPath("_index"))
}
