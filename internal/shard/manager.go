package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/kbindex/internal/bloom"
	"github.com/Aman-CERP/kbindex/internal/config"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/lock"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// DefaultRoot is the live index prefix.
const DefaultRoot = "_index"

// MetadataSource is the authoritative topic data the index is built from
// and falls back to.
type MetadataSource interface {
	ReadMetadata(ctx context.Context, id string) (*topic.Metadata, error)
	List(ctx context.Context, category string) ([]topic.Metadata, error)
}

// Options configures a Manager.
type Options struct {
	// Root is the live index prefix. Defaults to DefaultRoot.
	Root string
	// DefaultLayout initialises an empty index on first write.
	DefaultLayout  Layout
	KeywordRanges  []config.KeywordRange
	TopicShardsV2  int
	TopicShardsV3  int
	BloomFPRate    float64
	BloomHashCount uint
	CacheSize      int
	// LockTimeout bounds the wait for a shard or summary lease.
	LockTimeout time.Duration
	// BuildWorkers bounds parallel object writes when a layout is built.
	BuildWorkers int
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	Lookups      *telemetry.Lookups
}

// OptionsFromConfig maps the index configuration section onto Options.
func OptionsFromConfig(cfg config.IndexConfig) (Options, error) {
	layout, err := ParseLayout(cfg.DefaultLayout)
	if err != nil {
		return Options{}, err
	}
	return Options{
		DefaultLayout:  layout,
		KeywordRanges:  cfg.KeywordRanges,
		TopicShardsV2:  cfg.TopicShardsV2,
		TopicShardsV3:  cfg.TopicShardsV3,
		BloomFPRate:    cfg.BloomFPRate,
		BloomHashCount: uint(cfg.BloomHashCount),
		CacheSize:      cfg.CacheSize,
	}, nil
}

// Manager owns the index under one root.
type Manager struct {
	backend storage.Backend
	locks   *lock.Coordinator
	source  MetadataSource
	opts    Options
	cache   *shardCache
	logger  *slog.Logger
	metrics *telemetry.Metrics
	lookups *telemetry.Lookups
	now     func() time.Time
	dirty   dirtyCache
}

// NewManager creates a Manager.
func NewManager(backend storage.Backend, locks *lock.Coordinator, source MetadataSource, opts Options) *Manager {
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.DefaultLayout == 0 {
		opts.DefaultLayout = V2
	}
	if len(opts.KeywordRanges) == 0 {
		opts.KeywordRanges = config.DefaultKeywordRanges()
	}
	if opts.TopicShardsV2 <= 0 {
		opts.TopicShardsV2 = defaultTopicShards(V2)
	}
	if opts.TopicShardsV3 <= 0 {
		opts.TopicShardsV3 = defaultTopicShards(V3)
	}
	if opts.BloomFPRate <= 0 {
		opts.BloomFPRate = bloom.DefaultFPRate
	}
	if opts.BloomHashCount == 0 {
		opts.BloomHashCount = bloom.DefaultHashCount
	}
	if opts.BuildWorkers <= 0 {
		opts.BuildWorkers = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		locks:   locks,
		source:  source,
		opts:    opts,
		cache:   newShardCache(opts.CacheSize),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		lookups: opts.Lookups,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Root returns the live index prefix.
func (m *Manager) Root() string { return m.opts.Root }

// DefaultLayout returns the layout used for a fresh index.
func (m *Manager) DefaultLayout() Layout { return m.opts.DefaultLayout }

// keyspaceFor returns the configured partitioning for a new build.
func (m *Manager) keyspaceFor(l Layout) keyspace {
	n := m.opts.TopicShardsV2
	if l == V3 {
		n = m.opts.TopicShardsV3
	}
	return keyspace{layout: l, ranges: m.opts.KeywordRanges, topicShards: n}
}

// view is the active layout as declared by one read of the summary.
// degraded holds the decode error of a summary that exists but cannot be
// read; such a view answers every lookup from topic metadata.
type view struct {
	root      string
	summary   *Summary
	layout    Layout
	ks        keyspace
	cacheable bool
	degraded  error
}

func (v *view) path(rel string) string { return v.root + "/" + rel }

// currentView reads the summary. It returns (nil, nil) when no index
// exists. A legacy v1 index without a summary is described by a summary
// synthesised in memory and is read without caching. An unreadable
// summary is flagged for repair and yields a degraded view.
func (m *Manager) currentView(ctx context.Context) (*view, error) {
	return m.viewAt(ctx, m.opts.Root)
}

func (m *Manager) viewAt(ctx context.Context, root string) (*view, error) {
	sum, err := ReadSummary(ctx, m.backend, root)
	if err == nil {
		layout, err := sum.Layout()
		if err != nil {
			return nil, err
		}
		return &view{
			root:      root,
			summary:   sum,
			layout:    layout,
			ks:        newKeyspace(layout, sum.ShardConfig),
			cacheable: true,
		}, nil
	}
	if _, ok := corruptShard(err); ok {
		m.flagOnce(ctx, root, err)
		return &view{root: root, summary: &Summary{}, degraded: err}, nil
	}
	if !errors.Is(err, kberrors.ErrNotFound) {
		return nil, err
	}

	legacy, err := m.hasLegacyV1(ctx, root)
	if err != nil || !legacy {
		return nil, err
	}
	return &view{
		root:    root,
		summary: &Summary{Version: V1.SummaryVersion(), IndexType: V1.IndexType()},
		layout:  V1,
		ks:      newKeyspace(V1, ShardConfig{}),
	}, nil
}

func (m *Manager) hasLegacyV1(ctx context.Context, root string) (bool, error) {
	_, err := m.backend.Read(ctx, root+"/"+topicsIndexFile)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kberrors.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ReadSummary reads root/summary.json.
func ReadSummary(ctx context.Context, b storage.Backend, root string) (*Summary, error) {
	p := root + "/" + SummaryFile
	data, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, corrupt(SummaryFile, p, err)
	}
	return &sum, nil
}

// Detection is the result of Detect.
type Detection struct {
	Exists  bool   `json:"exists"`
	Layout  Layout `json:"layout"`
	Legacy  bool   `json:"legacy"`
	Summary *Summary
}

// Detect reports which layout the live index uses. Legacy is set for a v1
// index that predates summaries.
func (m *Manager) Detect(ctx context.Context) (*Detection, error) {
	v, err := m.currentView(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return &Detection{}, nil
	}
	if v.degraded != nil {
		return nil, v.degraded
	}
	return &Detection{Exists: true, Layout: v.layout, Legacy: !v.cacheable, Summary: v.summary}, nil
}

// Summary returns the live summary, or an error matching
// kberrors.ErrNotFound when no index exists.
func (m *Manager) Summary(ctx context.Context) (*Summary, error) {
	v, err := m.currentView(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, kberrors.NotFound("index", m.opts.Root)
	}
	if v.degraded != nil {
		return nil, v.degraded
	}
	return v.summary, nil
}

// loadShard reads and parses one object of v through the cache. A missing
// object yields (nil, nil); one that does not parse yields an error
// matching kberrors.ErrShardCorrupt.
func loadShard[T any](ctx context.Context, m *Manager, v *view, rel string) (*T, error) {
	res, err := m.cached(ctx, v, rel, func(ctx context.Context) (any, error) {
		return readShard[T](ctx, m.backend, v.path(rel), rel)
	})
	if err != nil {
		return nil, err
	}
	val, ok := res.(*T)
	if !ok {
		return nil, fmt.Errorf("unexpected shard type %T for %s", res, v.path(rel))
	}
	return val, nil
}

// loadBloom reads the view's bloom filter. A missing filter yields
// (nil, nil).
func (m *Manager) loadBloom(ctx context.Context, v *view) (*bloom.Multi, error) {
	res, err := m.cached(ctx, v, bloom.FileName, func(ctx context.Context) (any, error) {
		f, err := bloom.Load(ctx, m.backend, v.root)
		if errors.Is(err, kberrors.ErrNotFound) {
			return (*bloom.Multi)(nil), nil
		}
		return f, err
	})
	if err != nil {
		return nil, err
	}
	return res.(*bloom.Multi), nil
}

// cached returns the value for rel under the view's generation, calling
// load at most once per key across concurrent callers.
func (m *Manager) cached(ctx context.Context, v *view, rel string, load func(context.Context) (any, error)) (any, error) {
	if !v.cacheable {
		return load(ctx)
	}

	key := cacheKey{layout: v.layout, path: v.path(rel), generation: v.summary.LastUpdated.UnixNano()}
	if val, ok := m.cache.lru.Get(key); ok {
		m.cache.hits.Add(1)
		m.metrics.ShardCache(true)
		return val, nil
	}
	m.cache.misses.Add(1)
	m.metrics.ShardCache(false)

	flightKey := fmt.Sprintf("%d|%s|%d", key.layout, key.path, key.generation)
	val, err, _ := m.cache.group.Do(flightKey, func() (any, error) {
		if val, ok := m.cache.lru.Get(key); ok {
			return val, nil
		}
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m.cache.lru.Add(key, val)
		return val, nil
	})
	return val, err
}

func readShard[T any](ctx context.Context, b storage.Backend, p, rel string) (*T, error) {
	data, err := b.Read(ctx, p)
	if errors.Is(err, kberrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	val := new(T)
	if err := json.Unmarshal(data, val); err != nil {
		return nil, corrupt(rel, p, err)
	}
	return val, nil
}

// patchShard applies fn to root/rel under that object's lease. fn sees a
// zero value when the object does not exist and returns false to delete
// it.
func patchShard[T any](ctx context.Context, m *Manager, root, rel string, fn func(cur *T, exists bool) bool) error {
	p := root + "/" + rel
	return m.locks.WithLease(ctx, p, m.opts.LockTimeout, func(ctx context.Context, _ *storage.Lease) error {
		cur, err := readShard[T](ctx, m.backend, p, rel)
		if err != nil {
			return err
		}
		exists := cur != nil
		if !exists {
			cur = new(T)
		}
		if !fn(cur, exists) {
			if exists {
				return m.backend.Delete(ctx, p)
			}
			return nil
		}
		return writeJSON(ctx, m.backend, p, cur)
	})
}

func writeJSON(ctx context.Context, b storage.Backend, p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	return b.Write(ctx, p, data)
}

func corrupt(rel, p string, cause error) error {
	return kberrors.New(kberrors.ErrCodeShardCorrupt, "index shard is corrupt", cause).
		WithDetail("shard", rel).
		WithDetail("path", p)
}

// corruptShard returns the relative shard name carried by a corruption
// error.
func corruptShard(err error) (string, bool) {
	var ke *kberrors.KBError
	if errors.As(err, &ke) && ke.Code == kberrors.ErrCodeShardCorrupt {
		return ke.Details["shard"], true
	}
	return "", false
}

// WriteLayout builds layout from entries and writes every object under
// root. The summary is written last, so a reader that finds it finds a
// complete layout.
func (m *Manager) WriteLayout(ctx context.Context, root string, layout Layout, entries []IndexEntry) (*Summary, error) {
	return m.WriteLayoutProgress(ctx, root, layout, entries, nil)
}

// WriteLayoutProgress is WriteLayout reporting each object written to
// onObject, which may be called concurrently.
func (m *Manager) WriteLayoutProgress(ctx context.Context, root string, layout Layout, entries []IndexEntry, onObject func(done, total int, rel string)) (*Summary, error) {
	b := m.buildLayout(m.keyspaceFor(layout), entries, m.now())

	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.BuildWorkers)
	for rel, obj := range b.objects {
		g.Go(func() error {
			if err := writeJSON(gctx, m.backend, root+"/"+rel, obj); err != nil {
				return err
			}
			if onObject != nil {
				onObject(int(written.Add(1)), len(b.objects), rel)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to write %s layout: %w", layout, err)
	}
	if err := b.bloom.Save(ctx, m.backend, root); err != nil {
		return nil, fmt.Errorf("failed to write bloom filter: %w", err)
	}
	if err := writeJSON(ctx, m.backend, root+"/"+SummaryFile, b.summary); err != nil {
		return nil, fmt.Errorf("failed to write summary: %w", err)
	}

	m.logger.Info("index_layout_written",
		slog.String("root", root),
		slog.String("layout", layout.String()),
		slog.Int("topics", b.summary.TotalTopics),
		slog.Int("keywords", b.summary.TotalKeywords),
		slog.Int("objects", len(b.objects)+2))
	return b.summary, nil
}

// ShardContents returns every layout object under root except the
// summary, the bloom filter and dirty markers, decoded as generic JSON.
// It is used to compare two builds.
func (m *Manager) ShardContents(ctx context.Context, root string) (map[string]any, error) {
	paths, err := m.backend.List(ctx, root+"/")
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		rel := p[len(root)+1:]
		if rel == SummaryFile || rel == bloom.FileName || isDirtyMarker(rel) {
			continue
		}
		data, err := m.backend.Read(ctx, p)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, corrupt(rel, p, err)
		}
		out[rel] = v
	}
	return out, nil
}

// InvalidateCache drops every cached shard.
func (m *Manager) InvalidateCache() {
	m.cache.purge()
}

// CollectEntries projects topic metadata into index entries.
func CollectEntries(metas []topic.Metadata) []IndexEntry {
	entries := make([]IndexEntry, 0, len(metas))
	for i := range metas {
		entries = append(entries, EntryFromMetadata(&metas[i]))
	}
	return entries
}
