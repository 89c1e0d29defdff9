package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/kbindex/internal/bloom"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/storage"
)

const dirtyDir = "dirty"

// dirtySetTTL bounds how long one listing of markers is reused within a
// summary generation. Markers written by other processes are seen after
// it at the latest.
const dirtySetTTL = time.Second

// DirtyMarker flags one index object for rebuild from topic metadata.
type DirtyMarker struct {
	Path     string    `json:"path"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"marked_at"`
}

func dirtyMarkerPath(root, rel string) string {
	return root + "/" + dirtyDir + "/" + strings.ReplaceAll(rel, "/", "__") + ".json"
}

func isDirtyMarker(rel string) bool {
	return strings.HasPrefix(rel, dirtyDir+"/")
}

// markCorrupt records a corruption error raised while reading v.
func (m *Manager) markCorrupt(ctx context.Context, v *view, err error) {
	rel, _ := corruptShard(err)
	if rel == "" {
		return
	}
	m.metrics.ShardCorrupt()
	m.logger.Warn("index_shard_corrupt", append([]any{slog.String("shard", rel)}, kberrors.LogAttrs(err)...)...)
	m.markDirty(ctx, v.root, rel, err.Error())
}

// flagOnce records a corruption error unless its object is already
// flagged. It runs on every read of an unreadable summary.
func (m *Manager) flagOnce(ctx context.Context, root string, err error) {
	rel, _ := corruptShard(err)
	if rel == "" {
		return
	}
	if _, rerr := m.backend.Read(ctx, dirtyMarkerPath(root, rel)); rerr == nil {
		return
	}
	m.markCorrupt(ctx, &view{root: root}, err)
}

// markDirty writes a marker object. Markers are independent objects, so
// no lease is needed and a failure to write one is only logged.
func (m *Manager) markDirty(ctx context.Context, root, rel, reason string) {
	defer m.dirty.invalidate()
	marker := DirtyMarker{Path: rel, Reason: reason, MarkedAt: m.now()}
	if err := writeJSON(ctx, m.backend, dirtyMarkerPath(root, rel), marker); err != nil {
		m.logger.Warn("dirty_marker_failed",
			slog.String("shard", rel),
			slog.String("error", err.Error()))
	}
}

// dirtySet holds the flagged object names of one index root.
type dirtySet map[string]struct{}

// has reports whether any of rels is flagged.
func (s dirtySet) has(rels ...string) bool {
	for _, rel := range rels {
		if _, ok := s[rel]; ok {
			return true
		}
	}
	return false
}

// dirtyCache keeps the last marker listing of a root for one summary
// generation.
type dirtyCache struct {
	mu         sync.Mutex
	epoch      uint64
	root       string
	generation int64
	loadedAt   time.Time
	set        dirtySet
}

func (c *dirtyCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.set = nil
}

// flagged returns the objects of v flagged for rebuild. Lookups consult it
// before trusting a shard, so an object a failed update left stale is
// answered from metadata.
func (m *Manager) flagged(ctx context.Context, v *view) (dirtySet, error) {
	gen := v.summary.LastUpdated.UnixNano()
	c := &m.dirty
	c.mu.Lock()
	if c.set != nil && v.cacheable && c.root == v.root && c.generation == gen && time.Since(c.loadedAt) < dirtySetTTL {
		set := c.set
		c.mu.Unlock()
		return set, nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	markers, err := m.dirtyAt(ctx, v.root)
	if err != nil {
		return nil, err
	}
	set := make(dirtySet, len(markers))
	for _, mk := range markers {
		set[mk.Path] = struct{}{}
	}

	c.mu.Lock()
	if c.epoch == epoch && v.cacheable {
		c.root, c.generation, c.loadedAt, c.set = v.root, gen, time.Now(), set
	}
	c.mu.Unlock()
	return set, nil
}

// Dirty lists the objects flagged for rebuild in the live index.
func (m *Manager) Dirty(ctx context.Context) ([]DirtyMarker, error) {
	return m.dirtyAt(ctx, m.opts.Root)
}

func (m *Manager) dirtyAt(ctx context.Context, root string) ([]DirtyMarker, error) {
	paths, err := m.backend.List(ctx, root+"/"+dirtyDir+"/")
	if err != nil {
		return nil, err
	}
	markers := make([]DirtyMarker, 0, len(paths))
	for _, p := range paths {
		data, err := m.backend.Read(ctx, p)
		if errors.Is(err, kberrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var mk DirtyMarker
		if err := json.Unmarshal(data, &mk); err != nil || mk.Path == "" {
			// An unreadable marker still names its object.
			name := strings.TrimSuffix(p[len(root)+len(dirtyDir)+2:], ".json")
			mk = DirtyMarker{Path: strings.ReplaceAll(name, "__", "/"), Reason: "unreadable marker"}
		}
		markers = append(markers, mk)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].Path < markers[j].Path })
	return markers, nil
}

// RepairReport summarises a RepairDirty pass.
type RepairReport struct {
	Rewritten []string `json:"rewritten"`
	Removed   []string `json:"removed"`
}

// RepairDirty rebuilds every flagged object from topic metadata. Each
// object is recomputed under its own lease from a scan taken while the
// lease is held, so concurrent incremental updates are not lost. The bloom
// filter and summary counters are recomputed last under the summary lease.
// An unreadable summary cannot say how the index is partitioned, so the
// whole index is rebuilt instead.
func (m *Manager) RepairDirty(ctx context.Context) (*RepairReport, error) {
	v, err := m.currentView(ctx)
	if err != nil {
		return nil, err
	}
	markers, err := m.Dirty(ctx)
	if err != nil {
		return nil, err
	}
	report := &RepairReport{Rewritten: []string{}, Removed: []string{}}
	if len(markers) == 0 {
		return report, nil
	}
	if v == nil {
		return report, m.clearMarkers(ctx, m.opts.Root, markers)
	}
	if v.degraded != nil {
		if err := m.rebuildLive(ctx, report); err != nil {
			return report, err
		}
		return report, m.clearMarkers(ctx, v.root, markers)
	}

	for _, mk := range markers {
		if mk.Path == SummaryFile || mk.Path == bloom.FileName {
			continue
		}
		err := m.locks.WithLease(ctx, v.path(mk.Path), m.opts.LockTimeout, func(ctx context.Context, _ *storage.Lease) error {
			b, err := m.scanBuild(ctx, v)
			if err != nil {
				return err
			}
			obj, ok := b.objects[mk.Path]
			if !ok {
				report.Removed = append(report.Removed, mk.Path)
				return m.backend.Delete(ctx, v.path(mk.Path))
			}
			report.Rewritten = append(report.Rewritten, mk.Path)
			return writeJSON(ctx, m.backend, v.path(mk.Path), obj)
		})
		if err != nil {
			return report, err
		}
	}

	err = m.locks.WithLease(ctx, m.summaryResource(), m.opts.LockTimeout, func(ctx context.Context, _ *storage.Lease) error {
		b, err := m.scanBuild(ctx, v)
		if err != nil {
			return err
		}
		if err := b.bloom.Save(ctx, m.backend, v.root); err != nil {
			return err
		}
		sum := b.summary
		if prev, err := ReadSummary(ctx, m.backend, v.root); err == nil {
			sum.LastRebuilt = prev.LastRebuilt
			sum.ShardConfig = prev.ShardConfig
			sum.LastUpdated = m.nextGeneration(prev.LastUpdated)
		}
		report.Rewritten = append(report.Rewritten, bloom.FileName, SummaryFile)
		return writeJSON(ctx, m.backend, v.path(SummaryFile), sum)
	})
	if err != nil {
		return report, err
	}

	if err := m.clearMarkers(ctx, v.root, markers); err != nil {
		return report, err
	}
	m.logger.Info("index_repaired",
		slog.Int("rewritten", len(report.Rewritten)),
		slog.Int("removed", len(report.Removed)))
	return report, nil
}

// scanBuild computes the view's layout in memory from a metadata scan,
// partitioned the way the live summary declares.
func (m *Manager) scanBuild(ctx context.Context, v *view) (*built, error) {
	metas, err := m.source.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return m.buildLayout(v.ks, CollectEntries(metas), m.now()), nil
}

func (m *Manager) clearMarkers(ctx context.Context, root string, markers []DirtyMarker) error {
	defer m.dirty.invalidate()
	for _, mk := range markers {
		if err := m.backend.Delete(ctx, dirtyMarkerPath(root, mk.Path)); err != nil {
			return err
		}
	}
	return nil
}

// rebuildLive rewrites the live index from a metadata scan. Objects the
// new build does not produce are removed and the summary is written last,
// so lookups keep answering from metadata until the rebuild is complete.
func (m *Manager) rebuildLive(ctx context.Context, report *RepairReport) error {
	root := m.opts.Root
	return m.locks.WithLease(ctx, m.summaryResource(), m.opts.LockTimeout, func(ctx context.Context, _ *storage.Lease) error {
		layout, err := m.inferLayout(ctx, root)
		if err != nil {
			return err
		}
		metas, err := m.source.List(ctx, "")
		if err != nil {
			return err
		}
		b := m.buildLayout(m.keyspaceFor(layout), CollectEntries(metas), m.now())

		existing, err := m.backend.List(ctx, root+"/")
		if err != nil {
			return err
		}
		for rel, obj := range b.objects {
			if err := writeJSON(ctx, m.backend, root+"/"+rel, obj); err != nil {
				return err
			}
			report.Rewritten = append(report.Rewritten, rel)
		}
		for _, p := range existing {
			rel := p[len(root)+1:]
			if _, keep := b.objects[rel]; keep || rel == SummaryFile || rel == bloom.FileName || isDirtyMarker(rel) {
				continue
			}
			if err := m.backend.Delete(ctx, p); err != nil {
				return err
			}
			report.Removed = append(report.Removed, rel)
		}
		sort.Strings(report.Rewritten)
		sort.Strings(report.Removed)

		if err := b.bloom.Save(ctx, m.backend, root); err != nil {
			return err
		}
		if err := writeJSON(ctx, m.backend, root+"/"+SummaryFile, b.summary); err != nil {
			return err
		}
		report.Rewritten = append(report.Rewritten, bloom.FileName, SummaryFile)
		m.InvalidateCache()
		m.logger.Info("index_rebuilt",
			slog.String("layout", layout.String()),
			slog.Int("topics", len(metas)),
			slog.Int("removed", len(report.Removed)))
		return nil
	})
}

// inferLayout names the layout of the objects under root for an index
// whose summary cannot say. v3 is told apart from v2 by its leaf objects
// or by range summaries holding a keyword list. An index without objects
// gets the default layout.
func (m *Manager) inferLayout(ctx context.Context, root string) (Layout, error) {
	kwDir := root + "/" + keywordShardDir + "/"
	shards, err := m.backend.List(ctx, kwDir)
	if err != nil {
		return 0, err
	}
	for _, p := range shards {
		if strings.Contains(p[len(kwDir):], "/") {
			return V3, nil
		}
	}
	if len(shards) > 0 {
		var head struct {
			Keywords json.RawMessage `json:"keywords"`
		}
		data, err := m.backend.Read(ctx, shards[0])
		if err == nil && json.Unmarshal(data, &head) == nil && bytes.HasPrefix(bytes.TrimSpace(head.Keywords), []byte("[")) {
			return V3, nil
		}
		return V2, nil
	}

	topics, err := m.backend.List(ctx, root+"/"+topicShardDir+"/")
	if err != nil {
		return 0, err
	}
	if len(topics) > 0 {
		if len(topics) > m.opts.TopicShardsV2 {
			return V3, nil
		}
		return V2, nil
	}
	legacy, err := m.hasLegacyV1(ctx, root)
	if err != nil {
		return 0, err
	}
	if legacy {
		return V1, nil
	}
	return m.opts.DefaultLayout, nil
}
