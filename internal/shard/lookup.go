package shard

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/kbindex/internal/bloom"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// Lookup paths reported to metrics.
const (
	pathBloomNegative = "bloom_negative"
	pathShard         = "shard"
	pathFallback      = "fallback"
)

// maxSimilar bounds keyword_similarity results in Related.
const maxSimilar = 5

// Relations reported by Related.
const (
	RelationExplicit          = "explicit"
	RelationKeywordSimilarity = "keyword_similarity"
)

// RelatedTopic is one topic reachable from a source topic.
type RelatedTopic struct {
	TopicID  string `json:"topic_id"`
	Title    string `json:"title"`
	Relation string `json:"relation"`
}

// RelatedResult lists the topics related to Source. Dangling holds
// explicit references to topics that no longer exist.
type RelatedResult struct {
	Source   string         `json:"source_topic"`
	Related  []RelatedTopic `json:"related_topics"`
	Dangling []string       `json:"dangling,omitempty"`
}

// SearchKeyword returns the sorted ids of topics carrying any of the
// whitespace-separated keywords in query. Matching is exact after
// lower-casing.
func (m *Manager) SearchKeyword(ctx context.Context, query string) ([]string, error) {
	terms := normalizeKeywords(strings.Fields(query))
	if len(terms) == 0 {
		return nil, kberrors.New(kberrors.ErrCodeQueryEmpty, "keyword query is empty", nil).
			WithSuggestion("Provide at least one keyword")
	}

	start := time.Now()
	ids, path, err := m.searchTerms(ctx, terms)
	if err != nil {
		return nil, err
	}
	m.recordLookup(telemetry.LookupKeyword, query, path, len(ids), time.Since(start))
	return ids, nil
}

// searchTerms unions the topics of each term and reports the lookup path
// taken. Terms whose shards are flagged, or cannot be read, are answered
// from topic metadata.
func (m *Manager) searchTerms(ctx context.Context, terms []string) ([]string, string, error) {
	v, err := m.currentView(ctx)
	if err != nil {
		return nil, "", err
	}
	if v == nil {
		return []string{}, pathShard, nil
	}
	if v.degraded != nil {
		ids, err := m.scanKeywords(ctx, terms)
		return ids, pathFallback, err
	}

	dirty, err := m.flagged(ctx, v)
	if err != nil {
		return nil, "", err
	}
	filter, err := m.trustedBloom(ctx, v, dirty)
	if err != nil {
		return nil, "", err
	}

	found := make(map[string]struct{})
	path := pathBloomNegative
	for _, term := range terms {
		if filter != nil && !filter.MayContainKeyword(term) {
			continue
		}
		if path == pathBloomNegative {
			path = pathShard
		}

		var ids []string
		if dirty.has(keywordObjects(v, term)...) {
			path = pathFallback
			ids, err = m.scanKeywords(ctx, []string{term})
		} else {
			ids, err = m.keywordTopics(ctx, v, term)
			if _, ok := corruptShard(err); ok {
				m.markCorrupt(ctx, v, err)
				path = pathFallback
				ids, err = m.scanKeywords(ctx, []string{term})
			}
		}
		if err != nil {
			return nil, "", err
		}
		for _, id := range ids {
			found[id] = struct{}{}
		}
	}
	return sortedKeys(found), path, nil
}

// trustedBloom returns the bloom filter when its negatives can be relied
// on. A flagged filter or summary means an update may not have reached
// the filter, so lookups go without it.
func (m *Manager) trustedBloom(ctx context.Context, v *view, dirty dirtySet) (*bloom.Multi, error) {
	if dirty.has(bloom.FileName, SummaryFile) {
		return nil, nil
	}
	filter, err := m.loadBloom(ctx, v)
	if err != nil {
		if _, ok := corruptShard(err); !ok {
			return nil, err
		}
		m.markCorrupt(ctx, v, err)
		return nil, nil
	}
	return filter, nil
}

// keywordObjects names the objects a keyword lookup reads.
func keywordObjects(v *view, kw string) []string {
	switch v.layout {
	case V1:
		return []string{invertedIndexFile}
	case V3:
		return []string{v.ks.keywordShardPath(v.ks.rangeFor(kw)), v.ks.leafPath(kw)}
	default:
		return []string{v.ks.keywordShardPath(v.ks.rangeFor(kw))}
	}
}

// categoryObject names the object a category lookup reads.
func categoryObject(v *view, category string) string {
	if v.layout == V1 {
		return topicsIndexFile
	}
	return categoryShardPath(category)
}

// entryObject names the object holding the entry of id.
func entryObject(v *view, id string) string {
	if v.layout == V1 {
		return topicsIndexFile
	}
	return v.ks.topicShardPathFor(id)
}

// keywordTopics resolves one normalized keyword against the view's layout.
func (m *Manager) keywordTopics(ctx context.Context, v *view, kw string) ([]string, error) {
	switch v.layout {
	case V1:
		inv, err := loadShard[InvertedIndexV1](ctx, m, v, invertedIndexFile)
		if err != nil || inv == nil {
			return nil, err
		}
		return inv.Keywords[kw], nil
	case V2:
		s, err := loadShard[KeywordShard](ctx, m, v, v.ks.keywordShardPath(v.ks.rangeFor(kw)))
		if err != nil || s == nil {
			return nil, err
		}
		return s.Keywords[kw], nil
	case V3:
		sum, err := loadShard[KeywordSummary](ctx, m, v, v.ks.keywordShardPath(v.ks.rangeFor(kw)))
		if err != nil || sum == nil {
			return nil, err
		}
		i := sort.SearchStrings(sum.Keywords, kw)
		if i == len(sum.Keywords) || sum.Keywords[i] != kw {
			return nil, nil
		}
		leaf, err := loadShard[KeywordLeaf](ctx, m, v, v.ks.leafPath(kw))
		if err != nil || leaf == nil {
			return nil, err
		}
		return leaf.Topics, nil
	}
	return nil, kberrors.Newf(kberrors.ErrCodeUnknownLayout, "unknown index layout %d", v.layout)
}

// scanKeywords answers a keyword lookup from topic metadata, returning
// the sorted ids of topics carrying any of terms.
func (m *Manager) scanKeywords(ctx context.Context, terms []string) ([]string, error) {
	metas, err := m.source.List(ctx, "")
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}
	found := make(map[string]struct{})
	for _, meta := range metas {
		for _, k := range normalizeKeywords(meta.Keywords) {
			if _, ok := want[k]; ok {
				found[meta.ID] = struct{}{}
				break
			}
		}
	}
	return sortedKeys(found), nil
}

// SearchCategory returns the entries of every topic in category, sorted
// by id.
func (m *Manager) SearchCategory(ctx context.Context, category string) ([]IndexEntry, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, kberrors.New(kberrors.ErrCodeQueryEmpty, "category is empty", nil).
			WithSuggestion("Provide a category such as the first segment of a topic id")
	}

	start := time.Now()
	entries, path, err := m.searchCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TopicID < entries[j].TopicID })
	m.recordLookup(telemetry.LookupCategory, category, path, len(entries), time.Since(start))
	return entries, nil
}

func (m *Manager) searchCategory(ctx context.Context, category string) ([]IndexEntry, string, error) {
	// A category is a single id segment; anything else cannot match.
	if strings.Contains(category, "/") || topic.ValidateID(category) != nil {
		return []IndexEntry{}, pathShard, nil
	}

	v, err := m.currentView(ctx)
	if err != nil {
		return nil, "", err
	}
	if v == nil {
		return []IndexEntry{}, pathShard, nil
	}
	if v.degraded != nil {
		return m.scanCategory(ctx, category)
	}

	dirty, err := m.flagged(ctx, v)
	if err != nil {
		return nil, "", err
	}
	filter, err := m.trustedBloom(ctx, v, dirty)
	if err != nil {
		return nil, "", err
	}
	if filter != nil && !filter.MayContainCategory(category) {
		return []IndexEntry{}, pathBloomNegative, nil
	}
	if dirty.has(categoryObject(v, category)) {
		return m.scanCategory(ctx, category)
	}

	entries, err := m.categoryEntries(ctx, v, category)
	if err == nil {
		return entries, pathShard, nil
	}
	if _, ok := corruptShard(err); !ok {
		return nil, "", err
	}
	m.markCorrupt(ctx, v, err)
	return m.scanCategory(ctx, category)
}

func (m *Manager) scanCategory(ctx context.Context, category string) ([]IndexEntry, string, error) {
	metas, err := m.source.List(ctx, category)
	if err != nil {
		return nil, "", err
	}
	return CollectEntries(metas), pathFallback, nil
}

func (m *Manager) categoryEntries(ctx context.Context, v *view, category string) ([]IndexEntry, error) {
	var topics map[string]IndexEntry
	if v.layout == V1 {
		idx, err := loadShard[TopicsIndexV1](ctx, m, v, topicsIndexFile)
		if err != nil {
			return nil, err
		}
		if idx != nil {
			topics = idx.Topics
		}
	} else {
		s, err := loadShard[CategoryShard](ctx, m, v, categoryShardPath(category))
		if err != nil {
			return nil, err
		}
		if s != nil {
			topics = s.Topics
		}
	}

	entries := make([]IndexEntry, 0, len(topics))
	for _, e := range topics {
		if e.Category == category {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Entry returns the index entry of one topic. The index is consulted
// first; topics it does not know, or a shard that is flagged or cannot be
// read, are resolved from metadata. A topic that does not exist yields an
// error matching kberrors.ErrNotFound.
func (m *Manager) Entry(ctx context.Context, id string) (*IndexEntry, error) {
	v, err := m.currentView(ctx)
	if err != nil {
		return nil, err
	}
	if v != nil && v.degraded == nil {
		e, err := m.entryFromIndex(ctx, v, id)
		if err != nil || e != nil {
			return e, err
		}
	}

	meta, err := m.source.ReadMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	e := EntryFromMetadata(meta)
	return &e, nil
}

// entryFromIndex returns the indexed entry of id, or nil when the index
// cannot vouch for it.
func (m *Manager) entryFromIndex(ctx context.Context, v *view, id string) (*IndexEntry, error) {
	dirty, err := m.flagged(ctx, v)
	if err != nil {
		return nil, err
	}
	if dirty.has(entryObject(v, id)) {
		return nil, nil
	}
	e, err := m.indexedEntry(ctx, v, id)
	if _, ok := corruptShard(err); ok {
		m.markCorrupt(ctx, v, err)
		return nil, nil
	}
	return e, err
}

func (m *Manager) indexedEntry(ctx context.Context, v *view, id string) (*IndexEntry, error) {
	var topics map[string]IndexEntry
	if v.layout == V1 {
		idx, err := loadShard[TopicsIndexV1](ctx, m, v, topicsIndexFile)
		if err != nil || idx == nil {
			return nil, err
		}
		topics = idx.Topics
	} else {
		s, err := loadShard[TopicShard](ctx, m, v, v.ks.topicShardPathFor(id))
		if err != nil || s == nil {
			return nil, err
		}
		topics = s.Topics
	}
	e, ok := topics[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Entries resolves several ids, skipping topics that no longer exist.
func (m *Manager) Entries(ctx context.Context, ids []string) ([]IndexEntry, error) {
	out := make([]IndexEntry, 0, len(ids))
	for _, id := range ids {
		e, err := m.Entry(ctx, id)
		if errors.Is(err, kberrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// Related returns the explicit related topics of id followed by up to five
// topics sharing its first keyword. References to deleted topics are
// reported in Dangling rather than failing the call.
func (m *Manager) Related(ctx context.Context, id string) (*RelatedResult, error) {
	start := time.Now()
	src, err := m.Entry(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &RelatedResult{Source: id, Related: []RelatedTopic{}}
	seen := map[string]struct{}{id: {}}
	for _, rid := range src.RelatedTopics {
		if _, dup := seen[rid]; dup {
			continue
		}
		seen[rid] = struct{}{}
		e, err := m.Entry(ctx, rid)
		if errors.Is(err, kberrors.ErrNotFound) || errors.Is(err, kberrors.ErrInvalidTopicID) {
			res.Dangling = append(res.Dangling, rid)
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Related = append(res.Related, RelatedTopic{TopicID: e.TopicID, Title: e.Title, Relation: RelationExplicit})
	}

	path := pathShard
	if kws := src.IndexKeywords(); len(kws) > 0 {
		var ids []string
		ids, path, err = m.searchTerms(ctx, kws[:1])
		if err != nil {
			return nil, err
		}
		added := 0
		for _, sid := range ids {
			if added == maxSimilar {
				break
			}
			if _, dup := seen[sid]; dup {
				continue
			}
			seen[sid] = struct{}{}
			e, err := m.Entry(ctx, sid)
			if errors.Is(err, kberrors.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			res.Related = append(res.Related, RelatedTopic{TopicID: e.TopicID, Title: e.Title, Relation: RelationKeywordSimilarity})
			added++
		}
	}

	m.recordLookup(telemetry.LookupRelated, id, path, len(res.Related), time.Since(start))
	return res, nil
}

func (m *Manager) recordLookup(kind telemetry.LookupKind, query, path string, n int, took time.Duration) {
	m.metrics.Lookup(string(kind), path, took)
	m.lookups.Record(telemetry.LookupEvent{Kind: kind, Query: query, ResultCount: n, Latency: took})
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
