package shard

import (
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/kbindex/internal/bloom"
)

// Minimum bloom filter capacities for a fresh build, so incremental
// inserts after a small build do not saturate the filter.
const (
	minBloomKeywords   = 1000
	minBloomCategories = 100
)

// built is a complete layout held in memory: object name -> value.
type built struct {
	summary *Summary
	bloom   *bloom.Multi
	objects map[string]any
}

// buildLayout computes every object of layout ks for entries.
func (m *Manager) buildLayout(ks keyspace, entries []IndexEntry, now time.Time) *built {
	sort.Slice(entries, func(i, j int) bool { return entries[i].TopicID < entries[j].TopicID })

	keywordTopics := make(map[string][]string)
	categoryEntries := make(map[string]map[string]IndexEntry)
	for _, e := range entries {
		for _, kw := range e.IndexKeywords() {
			keywordTopics[kw] = append(keywordTopics[kw], e.TopicID)
		}
		if categoryEntries[e.Category] == nil {
			categoryEntries[e.Category] = make(map[string]IndexEntry)
		}
		categoryEntries[e.Category][e.TopicID] = e
	}
	categories := make([]string, 0, len(categoryEntries))
	for c := range categoryEntries {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	b := &built{objects: make(map[string]any)}
	switch ks.layout {
	case V1:
		buildV1(b, entries, keywordTopics, now)
	case V2:
		buildV2(b, ks, entries, keywordTopics)
		buildCategories(b, categoryEntries)
		buildTopicShards(b, ks, entries)
	case V3:
		buildV3(b, ks, keywordTopics)
		buildCategories(b, categoryEntries)
		buildTopicShards(b, ks, entries)
	}

	b.bloom = bloom.NewMulti(
		uint(max(len(keywordTopics), minBloomKeywords)),
		uint(max(len(categories), minBloomCategories)),
		m.opts.BloomFPRate, m.opts.BloomHashCount)
	for kw := range keywordTopics {
		b.bloom.AddKeyword(kw)
	}
	for _, c := range categories {
		b.bloom.AddCategory(c)
	}

	b.summary = &Summary{
		Version:         ks.layout.SummaryVersion(),
		IndexType:       ks.layout.IndexType(),
		TotalTopics:     len(entries),
		TotalKeywords:   len(keywordTopics),
		TotalCategories: len(categories),
		Categories:      categories,
		LastRebuilt:     now,
		LastUpdated:     now,
		ShardConfig:     ks.shardConfig(),
	}
	return b
}

func buildV1(b *built, entries []IndexEntry, keywordTopics map[string][]string, now time.Time) {
	topics := make(map[string]IndexEntry, len(entries))
	for _, e := range entries {
		topics[e.TopicID] = e
	}
	b.objects[topicsIndexFile] = &TopicsIndexV1{RebuiltAt: now, Topics: topics}
	b.objects[invertedIndexFile] = &InvertedIndexV1{Keywords: keywordTopics}
}

func buildV2(b *built, ks keyspace, entries []IndexEntry, keywordTopics map[string][]string) {
	shards := make(map[string]*KeywordShard, len(ks.ranges))
	for _, r := range ks.ranges {
		shards[r.Name] = &KeywordShard{
			ShardID:  r.Name,
			Keywords: make(map[string][]string),
			Titles:   make(map[string][]string),
		}
	}
	for kw, ids := range keywordTopics {
		shards[ks.rangeFor(kw)].Keywords[kw] = ids
	}
	for _, e := range entries {
		for _, w := range titleWords(e.Title) {
			s := shards[ks.rangeFor(w)]
			s.Titles[w] = append(s.Titles[w], e.TopicID)
		}
	}
	for name, s := range shards {
		s.KeywordCount = len(s.Keywords)
		s.TitleWordCount = len(s.Titles)
		b.objects[ks.keywordShardPath(name)] = s
	}
}

func buildV3(b *built, ks keyspace, keywordTopics map[string][]string) {
	summaries := make(map[string]*KeywordSummary, len(ks.ranges))
	for _, r := range ks.ranges {
		summaries[r.Name] = &KeywordSummary{ShardID: r.Name, Keywords: []string{}}
	}
	for kw, ids := range keywordTopics {
		s := summaries[ks.rangeFor(kw)]
		s.Keywords = append(s.Keywords, kw)
		b.objects[ks.leafPath(kw)] = &KeywordLeaf{Keyword: kw, TopicCount: len(ids), Topics: ids}
	}
	for name, s := range summaries {
		sort.Strings(s.Keywords)
		s.KeywordCount = len(s.Keywords)
		b.objects[ks.keywordShardPath(name)] = s
	}
}

func buildCategories(b *built, categoryEntries map[string]map[string]IndexEntry) {
	for c, topics := range categoryEntries {
		b.objects[categoryShardPath(c)] = &CategoryShard{Category: c, TopicCount: len(topics), Topics: topics}
	}
}

func buildTopicShards(b *built, ks keyspace, entries []IndexEntry) {
	shards := make([]*TopicShard, ks.topicShards)
	for i := range shards {
		shards[i] = &TopicShard{ShardID: i, Topics: make(map[string]IndexEntry)}
	}
	for _, e := range entries {
		shards[ks.topicShard(e.TopicID)].Topics[e.TopicID] = e
	}
	for i, s := range shards {
		s.TopicCount = len(s.Topics)
		b.objects[ks.topicShardPath(i)] = s
	}
}

// LayoutPlan describes what building a layout would write.
type LayoutPlan struct {
	Layout         string `json:"layout"`
	Topics         int    `json:"topics"`
	Keywords       int    `json:"keywords"`
	Categories     int    `json:"categories"`
	Objects        int    `json:"objects"`
	KeywordObjects int    `json:"keyword_objects"`
	CategoryShards int    `json:"category_shards"`
	TopicShards    int    `json:"topic_shards"`
}

// PlanLayout computes layout for entries in memory and reports its shape
// without writing anything. Summary and bloom filter are counted in
// Objects.
func (m *Manager) PlanLayout(layout Layout, entries []IndexEntry) LayoutPlan {
	b := m.buildLayout(m.keyspaceFor(layout), append([]IndexEntry(nil), entries...), m.now())
	p := LayoutPlan{
		Layout:     layout.String(),
		Topics:     b.summary.TotalTopics,
		Keywords:   b.summary.TotalKeywords,
		Categories: b.summary.TotalCategories,
		Objects:    len(b.objects) + 2,
	}
	for rel := range b.objects {
		switch {
		case strings.HasPrefix(rel, keywordShardDir+"/"), rel == invertedIndexFile:
			p.KeywordObjects++
		case strings.HasPrefix(rel, categoryShardDir+"/"):
			p.CategoryShards++
		case strings.HasPrefix(rel, topicShardDir+"/"):
			p.TopicShards++
		}
	}
	return p
}
