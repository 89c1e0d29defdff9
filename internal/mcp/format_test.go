package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/kbindex/internal/bloom"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/migrate"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

func TestFormatSearchResults_Basic(t *testing.T) {
	// Given: one search hit
	out := SearchOutput{
		Query: "gil",
		Total: 1,
		Results: []TopicSummary{
			{TopicID: "python/gil", Title: "Global Interpreter Lock", Keywords: []string{"python", "gil"}, LastModified: "2026-01-02T03:04:05Z"},
		},
	}

	// When: formatting
	md := FormatSearchResults(out)

	// Then: markdown contains the expected elements
	assert.Contains(t, md, `## Topics for "gil"`)
	assert.Contains(t, md, "Found 1 topic\n")
	assert.Contains(t, md, "### 1. Global Interpreter Lock")
	assert.Contains(t, md, "`python/gil` · modified 2026-01-02T03:04:05Z")
	assert.Contains(t, md, "**Keywords:** python, gil")
}

func TestFormatSearchResults_Truncated(t *testing.T) {
	out := SearchOutput{
		Query:     "go",
		Total:     5,
		Truncated: true,
		Results:   []TopicSummary{{TopicID: "go/a"}, {TopicID: "go/b"}},
	}

	md := FormatSearchResults(out)

	assert.Contains(t, md, "Found 5 topics, showing 2")
	// Untitled topics fall back to their id
	assert.Contains(t, md, "### 2. go/b")
}

func TestFormatSearchResults_Empty(t *testing.T) {
	assert.Equal(t, `No topics found for "rust"`, FormatSearchResults(SearchOutput{Query: "rust"}))
}

func TestFormatRelated_NoneFound(t *testing.T) {
	md := FormatRelated(RelatedOutput{SourceTopic: "go/x"})

	assert.Contains(t, md, "No related topics found.")
	assert.NotContains(t, md, "Missing references")
}

func TestFormatRelated_OrderAndDangling(t *testing.T) {
	md := FormatRelated(RelatedOutput{
		SourceTopic: "python/gil",
		Related: []RelatedTopicOutput{
			{TopicID: "python/asyncio", Title: "Asyncio", Relation: shard.RelationExplicit},
			{TopicID: "python/threads", Title: "Threads", Relation: shard.RelationKeywordSimilarity},
		},
		Dangling: []string{"python/a", "python/b"},
	})

	first := strings.Index(md, "python/asyncio")
	second := strings.Index(md, "python/threads")
	assert.True(t, first >= 0 && first < second)
	assert.Contains(t, md, "2. **Threads** `python/threads` (keyword_similarity)")
	assert.Contains(t, md, "**Missing references:** `python/a`, `python/b`")
}

func TestFormatTopic(t *testing.T) {
	md := FormatTopic(TopicOutput{
		TopicID:        "go/channels",
		Title:          "Channels",
		Keywords:       []string{"go"},
		Citations:      []string{"cit-1"},
		Version:        3,
		LastModified:   "2026-01-02T03:04:05Z",
		LastModifiedBy: "writer-a",
		Content:        "Typed conduits.",
	})

	assert.True(t, strings.HasPrefix(md, "# Channels\n\n"))
	assert.Contains(t, md, "version 3 · modified 2026-01-02T03:04:05Z by writer-a")
	assert.Contains(t, md, "**Citations:** cit-1")
	assert.NotContains(t, md, "**Related:**")
	assert.True(t, strings.HasSuffix(md, "Typed conduits.\n"))
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, 50},
		{"negative uses default", -3, 50},
		{"in range", 7, 7},
		{"above max", 5000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampLimit(tt.limit, 50, 1, 1000))
		})
	}
}

func TestFormatTime(t *testing.T) {
	assert.Empty(t, formatTime(time.Time{}))

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-03-04T04:06:07Z", formatTime(ts))
}

func TestToStatsOutput_NoIndex(t *testing.T) {
	// Given: stats from an empty knowledge base
	st := &kb.Stats{
		Backend: "memory",
		Index:   &shard.Stats{Exists: false},
	}

	// When: converting
	out := ToStatsOutput(st)

	// Then: collections are empty rather than nil
	assert.False(t, out.IndexExists)
	assert.NotNil(t, out.Categories)
	assert.NotNil(t, out.DirtyShards)
	assert.NotNil(t, out.Lookups.Kinds)
	assert.Nil(t, out.Bloom)
	assert.Empty(t, out.LastRebuilt)
}

func TestToStatsOutput_Full(t *testing.T) {
	rebuilt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := &kb.Stats{
		Backend:  "local",
		HolderID: "h1",
		Index: &shard.Stats{
			Exists: true,
			Layout: "v3",
			Summary: &shard.Summary{
				IndexType:       "bloom_sharded",
				TotalTopics:     4,
				TotalKeywords:   9,
				TotalCategories: 2,
				LastRebuilt:     rebuilt,
			},
			CategoryCounts: map[string]int{"go": 3, "python": 1},
			Bloom:          &bloom.Stats{KeywordBits: 128, HashCount: 7},
			DirtyShards:    []string{"keywords/a.json"},
		},
		TotalCitations: 2,
		Lookups: &telemetry.LookupSnapshot{
			KindCounts:          map[telemetry.LookupKind]int64{telemetry.LookupKeyword: 3},
			TopTerms:            []telemetry.TermCount{{Term: "go", Count: 2}},
			LatencyDistribution: map[telemetry.LatencyBucket]int64{telemetry.BucketP10: 3},
			TotalLookups:        3,
		},
	}

	out := ToStatsOutput(st)

	assert.Equal(t, "v3", out.Layout)
	assert.Equal(t, "bloom_sharded", out.IndexType)
	assert.Equal(t, 4, out.TotalTopics)
	assert.Equal(t, "2026-01-01T00:00:00Z", out.LastRebuilt)
	assert.Equal(t, map[string]int{"go": 3, "python": 1}, out.Categories)
	assert.Equal(t, uint(7), out.Bloom.HashCount)
	assert.Equal(t, []string{"keywords/a.json"}, out.DirtyShards)
	assert.Equal(t, int64(3), out.Lookups.Total)
	assert.Equal(t, int64(3), out.Lookups.Kinds["keyword"])
	assert.Equal(t, []TermCount{{Term: "go", Count: 2}}, out.Lookups.TopTerms)
	assert.Equal(t, int64(3), out.Lookups.Latency[string(telemetry.BucketP10)])
}

func TestToRebuildOutput_Modes(t *testing.T) {
	repair := ToRebuildOutput(&kb.RebuildResult{Repair: &shard.RepairReport{Rewritten: []string{"summary"}}})
	assert.Equal(t, "repair", repair.Mode)
	assert.Equal(t, []string{"summary"}, repair.Rewritten)
	assert.Equal(t, []string{}, repair.Removed)

	plan := ToRebuildOutput(&kb.RebuildResult{Plan: &migrate.PlanReport{
		Current: "v1",
		Topics:  2,
		Layouts: []shard.LayoutPlan{{Layout: "v3"}, {Layout: "v1"}, {Layout: "v2"}},
	}})
	assert.Equal(t, "plan", plan.Mode)
	assert.Equal(t, "v1", plan.Plans[0].Layout)
	assert.Equal(t, "v3", plan.Plans[2].Layout)
	assert.Empty(t, plan.Warning)

	mig := ToRebuildOutput(&kb.RebuildResult{Migration: &migrate.Result{
		Target:   "v2",
		Previous: "v1",
		Topics:   2,
		Duration: 1500 * time.Millisecond,
	}})
	assert.Equal(t, "migrate", mig.Mode)
	assert.Equal(t, int64(1500), mig.DurationMS)
	assert.Equal(t, migrationWarning, mig.Warning)
}
