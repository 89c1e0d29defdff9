package shard

import (
	"context"
	"sort"

	"github.com/Aman-CERP/kbindex/internal/bloom"
)

// Stats describes the live index.
type Stats struct {
	Exists         bool           `json:"exists"`
	Layout         string         `json:"layout,omitempty"`
	Legacy         bool           `json:"legacy,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	Summary        *Summary       `json:"summary,omitempty"`
	CategoryCounts map[string]int `json:"category_counts,omitempty"`
	Bloom          *bloom.Stats   `json:"bloom,omitempty"`
	Cache          CacheStats     `json:"cache"`
	DirtyShards    []string       `json:"dirty_shards"`
}

// Stats reports summary counts, per-category topic counts, bloom filter
// sizing, cache effectiveness and flagged shards.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Cache: m.cache.stats(), DirtyShards: []string{}}

	v, err := m.currentView(ctx)
	if err != nil {
		return nil, err
	}

	markers, err := m.Dirty(ctx)
	if err != nil {
		return nil, err
	}
	for _, mk := range markers {
		st.DirtyShards = append(st.DirtyShards, mk.Path)
	}

	if v == nil {
		return st, nil
	}
	st.Exists = true
	if v.degraded != nil {
		st.Degraded = true
		return st, nil
	}
	st.Layout = v.layout.String()
	st.Legacy = !v.cacheable
	st.Summary = v.summary

	filter, err := m.loadBloom(ctx, v)
	if err == nil && filter != nil {
		bs := filter.Stats()
		st.Bloom = &bs
	}

	counts, err := m.categoryCounts(ctx, v)
	if err != nil {
		return nil, err
	}
	st.CategoryCounts = counts
	if st.Legacy {
		st.Summary.TotalTopics = sumCounts(counts)
		st.Summary.TotalCategories = len(counts)
		for c := range counts {
			st.Summary.Categories = append(st.Summary.Categories, c)
		}
		sort.Strings(st.Summary.Categories)
	}
	return st, nil
}

func (m *Manager) categoryCounts(ctx context.Context, v *view) (map[string]int, error) {
	counts := make(map[string]int)
	if v.layout == V1 {
		idx, err := loadShard[TopicsIndexV1](ctx, m, v, topicsIndexFile)
		if err != nil {
			if _, ok := corruptShard(err); ok {
				m.markCorrupt(ctx, v, err)
				return counts, nil
			}
			return nil, err
		}
		if idx != nil {
			for _, e := range idx.Topics {
				counts[e.Category]++
			}
		}
		return counts, nil
	}

	for _, c := range v.summary.Categories {
		s, err := loadShard[CategoryShard](ctx, m, v, categoryShardPath(c))
		if err != nil {
			if _, ok := corruptShard(err); ok {
				m.markCorrupt(ctx, v, err)
				continue
			}
			return nil, err
		}
		if s != nil {
			counts[c] = len(s.Topics)
		}
	}
	return counts, nil
}

func sumCounts(counts map[string]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
