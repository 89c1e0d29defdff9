package topic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/lock"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/storage"
)

// faultyBackend fails the next n writes to selected paths and can run a
// hook after each successful write.
type faultyBackend struct {
	storage.Backend

	mu         sync.Mutex
	failWrites map[string]int
	onWrite    func(ctx context.Context, p string)
}

func (f *faultyBackend) Write(ctx context.Context, p string, data []byte) error {
	f.mu.Lock()
	if f.failWrites[p] > 0 {
		f.failWrites[p]--
		f.mu.Unlock()
		return kberrors.StorageIO("write", p, errors.New("injected failure"))
	}
	hook := f.onWrite
	f.mu.Unlock()

	if err := f.Backend.Write(ctx, p, data); err != nil {
		return err
	}
	if hook != nil {
		hook(ctx, p)
	}
	return nil
}

func (f *faultyBackend) failNext(p string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites[p] = n
}

func (f *faultyBackend) setHook(h func(ctx context.Context, p string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite = h
}

func newFaultyStore(t *testing.T) (*Store, *faultyBackend) {
	t.Helper()
	fb := &faultyBackend{Backend: storage.NewMemory(), failWrites: map[string]int{}}
	locks := lock.New(fb, lock.Options{
		HolderID:     "test",
		PollInterval: time.Millisecond,
		Logger:       logging.Discard(),
	})
	return NewStore(fb, locks, StoreOptions{LockTimeout: 5 * time.Second, Logger: logging.Discard()}), fb
}

func TestMetadataOnlyUpdate_AfterFailedPromotion(t *testing.T) {
	// Given: a create whose promotion to the content object failed
	ctx := context.Background()
	s, fb := newFaultyStore(t)
	fb.failNext(ContentPath("python/gil"), 1)
	_, err := s.CreateOrUpdate(ctx, "python/gil", replace("body"), MetadataPatch{}, nil, "a")
	require.NoError(t, err)
	_, err = fb.Backend.Read(ctx, ContentPath("python/gil"))
	require.ErrorIs(t, err, kberrors.ErrNotFound)

	// When: updating only the keywords
	_, err = s.CreateOrUpdate(ctx, "python/gil", nil, MetadataPatch{Keywords: []string{"gil"}}, nil, "b")
	require.NoError(t, err)

	// Then: the content survives and now lives in the content object
	got, err := s.Read(ctx, "python/gil")
	require.NoError(t, err)
	assert.Equal(t, "body", got.Content)
	assert.Equal(t, 2, got.Version)
	main, err := fb.Backend.Read(ctx, ContentPath("python/gil"))
	require.NoError(t, err)
	assert.Equal(t, "body", string(main))

	// Then: no staged object is left behind
	paths, err := fb.Backend.List(ctx, "topics/")
	require.NoError(t, err)
	assert.Equal(t, []string{"topics/python/gil.md", "topics/python/gil.meta.json"}, paths)
}

func TestReclaim_PromotesContentCarriedByOlderStagedObject(t *testing.T) {
	// Given: two writes whose promotions both failed, the second metadata-only
	ctx := context.Background()
	s, fb := newFaultyStore(t)
	fb.failNext(ContentPath("python/gil"), 2)
	_, err := s.CreateOrUpdate(ctx, "python/gil", replace("body"), MetadataPatch{}, nil, "a")
	require.NoError(t, err)
	_, err = s.CreateOrUpdate(ctx, "python/gil", nil, MetadataPatch{Keywords: []string{"gil"}}, nil, "a")
	require.NoError(t, err)

	// When: reclaiming
	report, err := s.Reclaim(ctx, time.Second)
	require.NoError(t, err)

	// Then: the committed content is promoted once and every staged object removed
	assert.Equal(t, 2, report.Scanned)
	assert.Len(t, report.Promoted, 1)
	assert.Len(t, report.Removed, 2)
	got, err := s.Read(ctx, "python/gil")
	require.NoError(t, err)
	assert.Equal(t, "body", got.Content)
	paths, err := fb.Backend.List(ctx, "topics/")
	require.NoError(t, err)
	assert.Equal(t, []string{"topics/python/gil.md", "topics/python/gil.meta.json"}, paths)
}

func TestWrite_VersionMovedWhileStaging(t *testing.T) {
	// Given: a committed v1
	ctx := context.Background()
	s, fb := newFaultyStore(t)
	_, err := s.CreateOrUpdate(ctx, "python/gil", replace("mine-v1"), MetadataPatch{}, nil, "a")
	require.NoError(t, err)

	// Given: another holder commits v2 right after this write stages its content,
	// as happens when the lease expired mid-write
	theirs := PendingPath("python/gil", 2, "other-lease")
	var once sync.Once
	fb.setHook(func(ctx context.Context, p string) {
		if !strings.HasPrefix(p, pendingPrefix("python/gil")) || p == theirs {
			return
		}
		once.Do(func() {
			meta, err := s.ReadMetadata(ctx, "python/gil")
			require.NoError(t, err)
			meta.Version = 2
			meta.ContentSHA256 = Digest("theirs")
			meta.LastModifiedBy = "b"
			data, err := json.Marshal(meta)
			require.NoError(t, err)
			require.NoError(t, fb.Backend.Write(ctx, theirs, []byte("theirs")))
			require.NoError(t, fb.Backend.Write(ctx, MetadataPath("python/gil"), data))
		})
	})

	// When: the write reaches its commit point
	_, err = s.CreateOrUpdate(ctx, "python/gil", replace("mine-v2"), MetadataPatch{}, nil, "a")

	// Then: it conflicts and removes only its own staged object
	require.ErrorIs(t, err, kberrors.ErrVersionConflict)
	paths, err := fb.Backend.List(ctx, pendingPrefix("python/gil"))
	require.NoError(t, err)
	assert.Equal(t, []string{theirs}, paths)

	// Then: readers see the other holder's commit
	got, err := s.Read(ctx, "python/gil")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "theirs", got.Content)
}

func TestCreateOrUpdate_ConcurrentStaleExpectedVersion(t *testing.T) {
	// Given: a committed v1 and two writers both expecting it
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.CreateOrUpdate(ctx, "python/gil", replace("v1"), MetadataPatch{}, nil, "a")
	require.NoError(t, err)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.CreateOrUpdate(ctx, "python/gil", replace("writer"), MetadataPatch{}, intPtr(1), "w")
		}(i)
	}

	// When: both race for the topic
	close(start)
	wg.Wait()

	// Then: exactly one succeeds and the other gets VersionConflict
	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, kberrors.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	got, err := s.Read(ctx, "python/gil")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}
