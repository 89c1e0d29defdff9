package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/kbindex/internal/bloom"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// delta is the effect of one incremental update on the global counters.
type delta struct {
	topics         int
	newKeywords    []string
	goneKeywords   int
	newCategories  []string
	goneCategories []string
}

// change is the old and new projection of one topic. Either side may be
// nil for a create or a delete.
type change struct {
	id            string
	before, after *IndexEntry
	removedKw     []string
	addedKw       []string
}

func newChange(before, after *topic.Metadata) *change {
	c := &change{}
	if before != nil {
		e := EntryFromMetadata(before)
		c.before = &e
		c.id = e.TopicID
	}
	if after != nil {
		e := EntryFromMetadata(after)
		c.after = &e
		c.id = e.TopicID
	}
	c.removedKw, c.addedKw = diffSets(keywordsOf(c.before), keywordsOf(c.after))
	return c
}

func keywordsOf(e *IndexEntry) []string {
	if e == nil {
		return nil
	}
	return e.IndexKeywords()
}

func titleWordsOf(e *IndexEntry) []string {
	if e == nil {
		return nil
	}
	return titleWords(e.Title)
}

func categoryOf(e *IndexEntry) string {
	if e == nil {
		return ""
	}
	return e.Category
}

// diffSets returns the elements only in a and the elements only in b.
func diffSets(a, b []string) (onlyA, onlyB []string) {
	inA := make(map[string]struct{}, len(a))
	for _, s := range a {
		inA[s] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
		if _, ok := inA[s]; !ok {
			onlyB = append(onlyB, s)
		}
	}
	for _, s := range a {
		if _, ok := inB[s]; !ok {
			onlyA = append(onlyA, s)
		}
	}
	return onlyA, onlyB
}

// ApplyChange brings the index in line with one committed topic change.
// before is nil for a create and after is nil for a delete. Each touched
// shard is patched under its own lease, then the bloom filter and summary
// under the summary lease. On failure every shard the update planned to
// touch is marked dirty, so lookups keep answering from metadata until a
// repair.
func (m *Manager) ApplyChange(ctx context.Context, before, after *topic.Metadata) error {
	if before == nil && after == nil {
		return nil
	}
	c := newChange(before, after)

	v, fresh, err := m.ensureIndex(ctx)
	if err != nil {
		m.metrics.IndexUpdate(err)
		return fmt.Errorf("failed to initialise index for %s: %w", c.id, err)
	}
	if fresh {
		// Built from metadata that already includes this change.
		m.metrics.IndexUpdate(nil)
		return nil
	}
	if v.degraded != nil {
		// Lookups answer from metadata until RepairDirty rebuilds the index.
		m.metrics.IndexUpdate(nil)
		m.logger.Warn("index_update_deferred",
			slog.String("topic_id", c.id),
			slog.String("reason", v.degraded.Error()))
		return nil
	}

	planned := m.plan(v, c)
	d, err := m.applyLayout(ctx, v, c)
	if err == nil {
		err = m.commitDelta(ctx, v, d)
	}
	m.metrics.IndexUpdate(err)
	if err != nil {
		for _, rel := range append(planned, SummaryFile) {
			m.markDirty(ctx, v.root, rel, err.Error())
		}
		return fmt.Errorf("failed to update index for %s: %w", c.id, err)
	}
	return nil
}

// ensureIndex returns the live view, creating an index from the current
// topic metadata when none exists and adopting a legacy v1 index by
// rebuilding it with a summary. fresh reports that this call built it. A
// degraded view is returned as is; only RepairDirty rebuilds over it.
func (m *Manager) ensureIndex(ctx context.Context) (v *view, fresh bool, err error) {
	v, err = m.currentView(ctx)
	if err != nil {
		return nil, false, err
	}
	if v != nil && (v.cacheable || v.degraded != nil) {
		return v, false, nil
	}

	err = m.locks.WithLease(ctx, m.summaryResource(), m.opts.LockTimeout, func(ctx context.Context, _ *storage.Lease) error {
		v, err = m.currentView(ctx)
		if err != nil {
			return err
		}
		if v != nil && (v.cacheable || v.degraded != nil) {
			return nil
		}
		layout := m.opts.DefaultLayout
		if v != nil {
			layout = v.layout
		}
		metas, err := m.source.List(ctx, "")
		if err != nil {
			return err
		}
		if _, err := m.WriteLayout(ctx, m.opts.Root, layout, CollectEntries(metas)); err != nil {
			return err
		}
		fresh = true
		m.logger.Info("index_initialised",
			slog.String("layout", layout.String()),
			slog.Bool("adopted_legacy", v != nil),
			slog.Int("topics", len(metas)))
		v, err = m.currentView(ctx)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return v, fresh, nil
}

func (m *Manager) summaryResource() string {
	return m.opts.Root + "/summary"
}

// plan lists the objects an update will patch.
func (m *Manager) plan(v *view, c *change) []string {
	var rels []string
	if v.layout == V1 {
		return []string{topicsIndexFile, invertedIndexFile}
	}

	ranges := make(map[string]struct{})
	for _, kw := range append(append([]string{}, c.removedKw...), c.addedKw...) {
		ranges[v.ks.rangeFor(kw)] = struct{}{}
		if v.layout == V3 {
			rels = append(rels, v.ks.leafPath(kw))
		}
	}
	if v.layout == V2 {
		gone, added := diffSets(titleWordsOf(c.before), titleWordsOf(c.after))
		for _, w := range append(gone, added...) {
			ranges[v.ks.rangeFor(w)] = struct{}{}
		}
	}
	for r := range ranges {
		rels = append(rels, v.ks.keywordShardPath(r))
	}
	for _, cat := range []string{categoryOf(c.before), categoryOf(c.after)} {
		if cat != "" {
			rels = append(rels, categoryShardPath(cat))
		}
	}
	rels = append(rels, v.ks.topicShardPathFor(c.id))
	sort.Strings(rels)
	return rels
}

func (m *Manager) applyLayout(ctx context.Context, v *view, c *change) (*delta, error) {
	d := &delta{}
	switch v.layout {
	case V1:
		return d, m.applyV1(ctx, v, c, d)
	case V2:
		if err := m.applyV2Keywords(ctx, v, c, d); err != nil {
			return d, err
		}
	case V3:
		if err := m.applyV3Keywords(ctx, v, c, d); err != nil {
			return d, err
		}
	default:
		return d, kberrors.Newf(kberrors.ErrCodeUnknownLayout, "unknown index layout %d", v.layout)
	}
	if err := m.applyCategories(ctx, v, c, d); err != nil {
		return d, err
	}
	return d, m.applyTopicShard(ctx, v, c, d)
}

func (m *Manager) applyV1(ctx context.Context, v *view, c *change, d *delta) error {
	err := patchShard(ctx, m, v.root, topicsIndexFile, func(cur *TopicsIndexV1, _ bool) bool {
		if cur.Topics == nil {
			cur.Topics = make(map[string]IndexEntry)
		}
		oldCat, newCat := categoryOf(c.before), categoryOf(c.after)
		if newCat != "" && newCat != oldCat && !hasCategory(cur.Topics, newCat, c.id) {
			d.newCategories = append(d.newCategories, newCat)
		}
		d.topics = setEntry(cur.Topics, c)
		if oldCat != "" && oldCat != newCat && !hasCategory(cur.Topics, oldCat, "") {
			d.goneCategories = append(d.goneCategories, oldCat)
		}
		return true
	})
	if err != nil {
		return err
	}

	return patchShard(ctx, m, v.root, invertedIndexFile, func(cur *InvertedIndexV1, _ bool) bool {
		if cur.Keywords == nil {
			cur.Keywords = make(map[string][]string)
		}
		patchPostings(cur.Keywords, c, d)
		return true
	})
}

func hasCategory(topics map[string]IndexEntry, category, except string) bool {
	for id, e := range topics {
		if id != except && e.Category == category {
			return true
		}
	}
	return false
}

// patchPostings applies c's keyword changes to a keyword -> ids table
// holding every keyword the table is responsible for.
func patchPostings(table map[string][]string, c *change, d *delta) {
	for _, kw := range c.removedKw {
		if ids, ok := table[kw]; ok {
			ids = removeSorted(ids, c.id)
			if len(ids) == 0 {
				delete(table, kw)
				d.goneKeywords++
			} else {
				table[kw] = ids
			}
		}
	}
	for _, kw := range c.addedKw {
		ids, ok := table[kw]
		if !ok || len(ids) == 0 {
			d.newKeywords = append(d.newKeywords, kw)
		}
		table[kw] = insertSorted(ids, c.id)
	}
}

func (m *Manager) applyV2Keywords(ctx context.Context, v *view, c *change, d *delta) error {
	goneTitles, addedTitles := diffSets(titleWordsOf(c.before), titleWordsOf(c.after))

	byRange := make(map[string]*change)
	titleByRange := make(map[string][2][]string)
	rangeChange := func(r string) *change {
		if byRange[r] == nil {
			byRange[r] = &change{id: c.id}
		}
		return byRange[r]
	}
	for _, kw := range c.removedKw {
		rc := rangeChange(v.ks.rangeFor(kw))
		rc.removedKw = append(rc.removedKw, kw)
	}
	for _, kw := range c.addedKw {
		rc := rangeChange(v.ks.rangeFor(kw))
		rc.addedKw = append(rc.addedKw, kw)
	}
	for _, w := range goneTitles {
		r := v.ks.rangeFor(w)
		rangeChange(r)
		t := titleByRange[r]
		t[0] = append(t[0], w)
		titleByRange[r] = t
	}
	for _, w := range addedTitles {
		r := v.ks.rangeFor(w)
		rangeChange(r)
		t := titleByRange[r]
		t[1] = append(t[1], w)
		titleByRange[r] = t
	}

	for _, r := range sortedRanges(byRange) {
		rc := byRange[r]
		titles := titleByRange[r]
		err := patchShard(ctx, m, v.root, v.ks.keywordShardPath(r), func(cur *KeywordShard, _ bool) bool {
			cur.ShardID = r
			if cur.Keywords == nil {
				cur.Keywords = make(map[string][]string)
			}
			if cur.Titles == nil {
				cur.Titles = make(map[string][]string)
			}
			patchPostings(cur.Keywords, rc, d)
			patchPostings(cur.Titles, &change{id: c.id, removedKw: titles[0], addedKw: titles[1]}, &delta{})
			cur.KeywordCount = len(cur.Keywords)
			cur.TitleWordCount = len(cur.Titles)
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func sortedRanges(m map[string]*change) []string {
	out := make([]string, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// applyV3Keywords patches leaves first, then the range summaries of
// keywords that appeared or disappeared.
func (m *Manager) applyV3Keywords(ctx context.Context, v *view, c *change, d *delta) error {
	var gone []string
	for _, kw := range c.removedKw {
		err := patchShard(ctx, m, v.root, v.ks.leafPath(kw), func(cur *KeywordLeaf, exists bool) bool {
			if !exists {
				return false
			}
			cur.Topics = removeSorted(cur.Topics, c.id)
			cur.TopicCount = len(cur.Topics)
			if cur.TopicCount == 0 {
				gone = append(gone, kw)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	var added []string
	for _, kw := range c.addedKw {
		err := patchShard(ctx, m, v.root, v.ks.leafPath(kw), func(cur *KeywordLeaf, exists bool) bool {
			if !exists || len(cur.Topics) == 0 {
				added = append(added, kw)
			}
			cur.Keyword = kw
			cur.Topics = insertSorted(cur.Topics, c.id)
			cur.TopicCount = len(cur.Topics)
			return true
		})
		if err != nil {
			return err
		}
	}

	byRange := make(map[string]*change)
	for _, kw := range gone {
		r := v.ks.rangeFor(kw)
		if byRange[r] == nil {
			byRange[r] = &change{}
		}
		byRange[r].removedKw = append(byRange[r].removedKw, kw)
	}
	for _, kw := range added {
		r := v.ks.rangeFor(kw)
		if byRange[r] == nil {
			byRange[r] = &change{}
		}
		byRange[r].addedKw = append(byRange[r].addedKw, kw)
	}
	for _, r := range sortedRanges(byRange) {
		rc := byRange[r]
		err := patchShard(ctx, m, v.root, v.ks.keywordShardPath(r), func(cur *KeywordSummary, _ bool) bool {
			cur.ShardID = r
			for _, kw := range rc.removedKw {
				var ok bool
				if cur.Keywords, ok = removeSortedOK(cur.Keywords, kw); ok {
					d.goneKeywords++
				}
			}
			for _, kw := range rc.addedKw {
				var ok bool
				if cur.Keywords, ok = insertSortedOK(cur.Keywords, kw); ok {
					d.newKeywords = append(d.newKeywords, kw)
				}
			}
			if cur.Keywords == nil {
				cur.Keywords = []string{}
			}
			cur.KeywordCount = len(cur.Keywords)
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyCategories(ctx context.Context, v *view, c *change, d *delta) error {
	oldCat, newCat := categoryOf(c.before), categoryOf(c.after)
	if oldCat != "" && oldCat != newCat {
		err := patchShard(ctx, m, v.root, categoryShardPath(oldCat), func(cur *CategoryShard, exists bool) bool {
			if !exists {
				return false
			}
			delete(cur.Topics, c.id)
			cur.TopicCount = len(cur.Topics)
			if cur.TopicCount == 0 {
				d.goneCategories = append(d.goneCategories, oldCat)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	if newCat == "" {
		return nil
	}
	return patchShard(ctx, m, v.root, categoryShardPath(newCat), func(cur *CategoryShard, exists bool) bool {
		if !exists || len(cur.Topics) == 0 {
			d.newCategories = append(d.newCategories, newCat)
		}
		cur.Category = newCat
		if cur.Topics == nil {
			cur.Topics = make(map[string]IndexEntry)
		}
		cur.Topics[c.id] = *c.after
		cur.TopicCount = len(cur.Topics)
		return true
	})
}

func (m *Manager) applyTopicShard(ctx context.Context, v *view, c *change, d *delta) error {
	i := v.ks.topicShard(c.id)
	return patchShard(ctx, m, v.root, v.ks.topicShardPath(i), func(cur *TopicShard, _ bool) bool {
		cur.ShardID = i
		if cur.Topics == nil {
			cur.Topics = make(map[string]IndexEntry)
		}
		d.topics = setEntry(cur.Topics, c)
		cur.TopicCount = len(cur.Topics)
		return true
	})
}

// setEntry stores or removes c's entry in the authoritative entry table
// and returns the change in topic count.
func setEntry(topics map[string]IndexEntry, c *change) int {
	_, had := topics[c.id]
	if c.after != nil {
		topics[c.id] = *c.after
		if !had {
			return 1
		}
		return 0
	}
	delete(topics, c.id)
	if had {
		return -1
	}
	return 0
}

// commitDelta folds d into the bloom filter and the summary. The bloom
// filter is saved before the summary so a reader never sees a summary
// counting keywords the filter would reject.
func (m *Manager) commitDelta(ctx context.Context, v *view, d *delta) error {
	return m.locks.WithLease(ctx, m.summaryResource(), m.opts.LockTimeout, func(ctx context.Context, _ *storage.Lease) error {
		sum, err := ReadSummary(ctx, m.backend, v.root)
		if err != nil {
			return err
		}

		if len(d.newKeywords) > 0 || len(d.newCategories) > 0 {
			if err := m.extendBloom(ctx, v.root, d); err != nil {
				return err
			}
		}

		sum.TotalTopics = max(sum.TotalTopics+d.topics, 0)
		sum.TotalKeywords = max(sum.TotalKeywords+len(d.newKeywords)-d.goneKeywords, 0)
		cats := make(map[string]struct{}, len(sum.Categories))
		for _, c := range sum.Categories {
			cats[c] = struct{}{}
		}
		for _, c := range d.newCategories {
			cats[c] = struct{}{}
		}
		for _, c := range d.goneCategories {
			delete(cats, c)
		}
		sum.Categories = sortedKeys(cats)
		sum.TotalCategories = len(sum.Categories)
		sum.LastUpdated = m.nextGeneration(sum.LastUpdated)

		return writeJSON(ctx, m.backend, v.root+"/"+SummaryFile, sum)
	})
}

func (m *Manager) extendBloom(ctx context.Context, root string, d *delta) error {
	filter, err := bloom.Load(ctx, m.backend, root)
	if errors.Is(err, kberrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		if _, ok := corruptShard(err); ok {
			m.metrics.ShardCorrupt()
			m.markDirty(ctx, root, bloom.FileName, err.Error())
			return nil
		}
		return err
	}
	for _, kw := range d.newKeywords {
		filter.AddKeyword(kw)
	}
	for _, c := range d.newCategories {
		filter.AddCategory(c)
	}
	if filter.Saturated(m.opts.BloomFPRate) {
		resized, err := m.resizeBloom(ctx)
		if err != nil {
			m.logger.Warn("bloom_resize_failed", slog.String("error", err.Error()))
			m.markDirty(ctx, root, bloom.FileName, "bloom filter over capacity")
		} else {
			m.logger.Info("bloom_resized",
				slog.Uint64("from_bits", uint64(filter.Keywords.Size())),
				slog.Uint64("to_bits", uint64(resized.Keywords.Size())))
			filter = resized
		}
	}
	return filter.Save(ctx, m.backend, root)
}

// resizeBloom builds a filter with room for twice the keywords and
// categories the topic metadata holds now.
func (m *Manager) resizeBloom(ctx context.Context) (*bloom.Multi, error) {
	metas, err := m.source.List(ctx, "")
	if err != nil {
		return nil, err
	}
	keywords := make(map[string]struct{})
	categories := make(map[string]struct{})
	for _, e := range CollectEntries(metas) {
		for _, kw := range e.IndexKeywords() {
			keywords[kw] = struct{}{}
		}
		categories[e.Category] = struct{}{}
	}
	filter := bloom.NewMulti(
		uint(max(2*len(keywords), minBloomKeywords)),
		uint(max(2*len(categories), minBloomCategories)),
		m.opts.BloomFPRate, m.opts.BloomHashCount)
	for kw := range keywords {
		filter.AddKeyword(kw)
	}
	for c := range categories {
		filter.AddCategory(c)
	}
	return filter, nil
}

// nextGeneration returns a last_updated strictly after prev, so every
// update invalidates cached shards.
func (m *Manager) nextGeneration(prev time.Time) time.Time {
	now := m.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func insertSorted(list []string, s string) []string {
	list, _ = insertSortedOK(list, s)
	return list
}

func insertSortedOK(list []string, s string) ([]string, bool) {
	if indexOf(list, s) >= 0 {
		return list, false
	}
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list, true
}

func removeSorted(list []string, s string) []string {
	list, _ = removeSortedOK(list, s)
	return list
}

func removeSortedOK(list []string, s string) ([]string, bool) {
	i := indexOf(list, s)
	if i < 0 {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

// indexOf scans linearly; lists written by older tools are not always
// sorted.
func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
