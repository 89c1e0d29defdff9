package topic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/lock"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

// listConcurrency bounds parallel metadata reads in List.
const listConcurrency = 8

// IndexUpdater receives every committed topic change. before is nil for a
// new topic and after is nil for a deletion.
type IndexUpdater interface {
	ApplyChange(ctx context.Context, before, after *Metadata) error
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// LockTimeout bounds how long a write waits for the topic lease.
	// Zero uses the coordinator default.
	LockTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

// Store is the single source of truth for topic data.
type Store struct {
	backend storage.Backend
	locks   *lock.Coordinator
	timeout time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	indexer IndexUpdater
}

// NewStore creates a Store over backend, serialising writers through locks.
func NewStore(backend storage.Backend, locks *lock.Coordinator, opts StoreOptions) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		backend: backend,
		locks:   locks,
		timeout: opts.LockTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetIndexer registers the index that follows committed changes.
func (s *Store) SetIndexer(ix IndexUpdater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexer = ix
}

func (s *Store) currentIndexer() IndexUpdater {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexer
}

// CreateOrUpdate writes a topic under its lease. When expected is non-nil
// and differs from the persisted version (0 for a new topic) it fails with
// kberrors.ErrVersionConflict without writing anything. A nil content
// patch keeps the existing content.
//
// The new content is staged, the metadata is committed, and only then is
// the staged content promoted. An index failure after the commit is logged
// and does not fail the write.
func (s *Store) CreateOrUpdate(ctx context.Context, id string, content *ContentPatch, patch MetadataPatch, expected *int, writer string) (*Topic, error) {
	t, err := s.write(ctx, id, expected, writer, false, func(prev *Metadata, prevContent string) (Metadata, string) {
		return apply(id, prev, prevContent, content, patch)
	})
	op := "update"
	if err == nil && t.Version == 1 {
		op = "create"
	}
	s.metrics.TopicOp(op, err)
	return t, err
}

// Append adds text to an existing topic, separated by a blank line, and
// merges citationID into its citations when non-empty. It fails with
// kberrors.ErrNotFound when the topic does not exist.
func (s *Store) Append(ctx context.Context, id, text, citationID, writer string) (*Topic, error) {
	var citations []string
	if citationID != "" {
		citations = []string{citationID}
	}
	t, err := s.write(ctx, id, nil, writer, true, func(prev *Metadata, prevContent string) (Metadata, string) {
		return apply(id, prev, prevContent, &ContentPatch{Mode: ContentAppend, Text: text}, MetadataPatch{Citations: citations})
	})
	s.metrics.TopicOp("append", err)
	return t, err
}

type mergeFunc func(prev *Metadata, prevContent string) (Metadata, string)

func (s *Store) write(ctx context.Context, id string, expected *int, writer string, mustExist bool, merge mergeFunc) (*Topic, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if writer == "" {
		writer = "unknown"
	}

	var result *Topic
	err := s.locks.WithLease(ctx, LeaseResource(id), s.timeout, func(ctx context.Context, lease *storage.Lease) error {
		prev, err := s.readMetadata(ctx, id)
		if err != nil && !errors.Is(err, kberrors.ErrNotFound) {
			return err
		}
		current := 0
		if prev != nil {
			current = prev.Version
		} else if mustExist {
			return kberrors.NotFound("topic", id)
		}
		if err := lock.CheckVersion(expected, current); err != nil {
			return err
		}

		prevContent, inMain := "", false
		if prev != nil {
			if prevContent, inMain, err = s.resolveContent(ctx, prev); err != nil {
				return err
			}
		}

		next, text := merge(prev, prevContent)
		now := s.now()
		next.ID = id
		next.Version = current + 1
		next.ContentSHA256 = Digest(text)
		next.LastModified = now
		next.LastModifiedBy = writer
		if prev == nil || prev.CreatedAt.IsZero() {
			next.CreatedAt = now
		}

		// Content still living only in a staged object is re-staged for
		// this version so a metadata-only update cannot strand it.
		stage := prev == nil || prev.ContentSHA256 != next.ContentSHA256 || !inMain
		pending := PendingPath(id, next.Version, lease.LockID)
		if stage {
			if err := s.backend.Write(ctx, pending, []byte(text)); err != nil {
				return fmt.Errorf("failed to stage content: %w", err)
			}
		}

		// The lease may have expired while staging; the metadata decides.
		latest, err := s.readMetadata(ctx, id)
		if err != nil && !errors.Is(err, kberrors.ErrNotFound) {
			return err
		}
		latestVersion := 0
		if latest != nil {
			latestVersion = latest.Version
		}
		if latestVersion != current {
			if stage {
				_ = s.backend.Delete(ctx, pending)
			}
			s.logger.Warn("topic_version_moved",
				slog.String("topic_id", id),
				slog.Int("read_version", current),
				slog.Int("latest_version", latestVersion),
				slog.Bool("lease_expired", lease.Expired(time.Now())))
			return lock.CheckVersion(&current, latestVersion)
		}

		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if err := s.backend.Write(ctx, MetadataPath(id), data); err != nil {
			return fmt.Errorf("failed to commit metadata: %w", err)
		}

		if stage {
			s.promote(ctx, &next, pending, text)
		}

		s.notifyIndex(ctx, prev, &next)
		result = &Topic{Metadata: next, Content: text}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("topic_written",
		slog.String("topic_id", id),
		slog.Int("version", result.Version),
		slog.String("writer", writer))
	return result, nil
}

// promote copies committed staged content onto the content object and
// removes the staged copy along with staged objects of older versions,
// which the content object now supersedes. Failures leave the staged copy
// in place, where readers and Reclaim still find it.
func (s *Store) promote(ctx context.Context, meta *Metadata, pending, text string) {
	if err := s.backend.Write(ctx, ContentPath(meta.ID), []byte(text)); err != nil {
		s.logger.Warn("topic_promote_failed",
			slog.String("topic_id", meta.ID),
			slog.Int("version", meta.Version),
			slog.String("error", err.Error()))
		return
	}
	if err := s.backend.Delete(ctx, pending); err != nil {
		s.logger.Warn("topic_pending_cleanup_failed",
			slog.String("path", pending),
			slog.String("error", err.Error()))
	}
	s.removePending(ctx, meta.ID, func(version int) bool { return version < meta.Version })
}

func (s *Store) notifyIndex(ctx context.Context, before, after *Metadata) {
	ix := s.currentIndexer()
	if ix == nil {
		return
	}
	if err := ix.ApplyChange(ctx, before, after); err != nil {
		id := ""
		if after != nil {
			id = after.ID
		} else if before != nil {
			id = before.ID
		}
		s.logger.Error("index_update_failed",
			append([]any{slog.String("topic_id", id)}, kberrors.LogAttrs(err)...)...)
	}
}

// Read returns the committed topic. It takes no lease.
func (s *Store) Read(ctx context.Context, id string) (*Topic, error) {
	t, err := s.read(ctx, id)
	s.metrics.TopicOp("read", err)
	return t, err
}

func (s *Store) read(ctx context.Context, id string) (*Topic, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	meta, err := s.readMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	content, _, err := s.resolveContent(ctx, meta)
	if err != nil {
		return nil, err
	}
	return &Topic{Metadata: *meta, Content: content}, nil
}

// ReadMetadata returns the committed metadata of id.
func (s *Store) ReadMetadata(ctx context.Context, id string) (*Metadata, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return s.readMetadata(ctx, id)
}

func (s *Store) readMetadata(ctx context.Context, id string) (*Metadata, error) {
	data, err := s.backend.Read(ctx, MetadataPath(id))
	if err != nil {
		if errors.Is(err, kberrors.ErrNotFound) {
			return nil, kberrors.NotFound("topic", id)
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageIO, "topic metadata is unreadable", err).
			WithDetail("topic_id", id)
	}
	if meta.ID == "" {
		meta.ID = id
	}
	return &meta, nil
}

// resolveContent returns the content matching meta's committed digest and
// whether the content object holds it. It tries the content object, then
// every staged object of the topic, newest version first, then the content
// object again in case a promotion finished meanwhile.
func (s *Store) resolveContent(ctx context.Context, meta *Metadata) (string, bool, error) {
	main, err := s.backend.Read(ctx, ContentPath(meta.ID))
	if err != nil && !errors.Is(err, kberrors.ErrNotFound) {
		return "", false, err
	}
	if meta.ContentSHA256 == "" {
		// Written before digests were recorded.
		return string(main), err == nil, nil
	}
	if err == nil && Digest(string(main)) == meta.ContentSHA256 {
		return string(main), true, nil
	}

	staged, err := s.stagedContent(ctx, meta)
	if err != nil {
		return "", false, err
	}
	if staged != nil {
		return string(staged), false, nil
	}

	main, err = s.backend.Read(ctx, ContentPath(meta.ID))
	if err == nil && Digest(string(main)) == meta.ContentSHA256 {
		return string(main), true, nil
	}
	return "", false, kberrors.New(kberrors.ErrCodeStorageIO, "committed topic content is missing", err).
		WithDetail("topic_id", meta.ID).
		WithDetail("version", fmt.Sprint(meta.Version))
}

// stagedContent returns the staged object matching meta's digest, or nil.
func (s *Store) stagedContent(ctx context.Context, meta *Metadata) ([]byte, error) {
	paths, err := s.pendingPaths(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	for i := len(paths) - 1; i >= 0; i-- {
		data, err := s.backend.Read(ctx, paths[i].path)
		if errors.Is(err, kberrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if Digest(string(data)) == meta.ContentSHA256 {
			return data, nil
		}
	}
	return nil, nil
}

type pendingObject struct {
	path    string
	version int
}

// pendingPaths lists the staged objects of id ordered by version.
func (s *Store) pendingPaths(ctx context.Context, id string) ([]pendingObject, error) {
	paths, err := s.backend.List(ctx, pendingPrefix(id))
	if err != nil {
		return nil, err
	}
	out := make([]pendingObject, 0, len(paths))
	for _, p := range paths {
		if pid, version, ok := parsePendingPath(p); ok && pid == id {
			out = append(out, pendingObject{path: p, version: version})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Delete removes a topic under its lease. The metadata is removed first
// and is the commit point; index removal failures are logged only.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.delete(ctx, id)
	s.metrics.TopicOp("delete", err)
	return err
}

func (s *Store) delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return s.locks.WithLease(ctx, LeaseResource(id), s.timeout, func(ctx context.Context, _ *storage.Lease) error {
		prev, err := s.readMetadata(ctx, id)
		if err != nil {
			return err
		}
		if err := s.backend.Delete(ctx, MetadataPath(id)); err != nil {
			return fmt.Errorf("failed to delete metadata: %w", err)
		}
		if err := s.backend.Delete(ctx, ContentPath(id)); err != nil {
			s.logger.Warn("topic_content_delete_failed",
				slog.String("topic_id", id),
				slog.String("error", err.Error()))
		}
		s.removePending(ctx, id, func(int) bool { return true })
		s.notifyIndex(ctx, prev, nil)
		s.logger.Debug("topic_deleted", slog.String("topic_id", id), slog.Int("version", prev.Version))
		return nil
	})
}

// removePending deletes the staged objects of id whose version matches.
// The caller holds the topic lease.
func (s *Store) removePending(ctx context.Context, id string, match func(version int) bool) {
	paths, err := s.pendingPaths(ctx, id)
	if err != nil {
		return
	}
	for _, p := range paths {
		if match(p.version) {
			_ = s.backend.Delete(ctx, p.path)
		}
	}
}

// ListIDs returns the ids of every committed topic, optionally restricted
// to one category, in lexical order.
func (s *Store) ListIDs(ctx context.Context, category string) ([]string, error) {
	prefix := topicsDir + "/"
	if category != "" {
		prefix += category + "/"
	}
	paths, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		id, ok := idFromMetadataPath(p)
		if !ok || ValidateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	if category == Uncategorized {
		// Single-segment ids live directly under topics/.
		all, err := s.ListIDs(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, id := range all {
			if !strings.Contains(id, "/") {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	}
	return ids, nil
}

// List returns the metadata of every committed topic in a category, or of
// all topics when category is empty. Topics deleted while listing are
// skipped.
func (s *Store) List(ctx context.Context, category string) ([]Metadata, error) {
	ids, err := s.ListIDs(ctx, category)
	if err != nil {
		s.metrics.TopicOp("list", err)
		return nil, err
	}

	out := make([]*Metadata, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			meta, err := s.readMetadata(gctx, id)
			if errors.Is(err, kberrors.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.metrics.TopicOp("list", err)
		return nil, err
	}

	metas := make([]Metadata, 0, len(out))
	for _, m := range out {
		if m != nil {
			metas = append(metas, *m)
		}
	}
	s.metrics.TopicOp("list", nil)
	return metas, nil
}
