package shard

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbindex/internal/bloom"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

func relatedIDs(res *RelatedResult) []string {
	ids := make([]string, 0, len(res.Related))
	for _, r := range res.Related {
		ids = append(ids, r.TopicID)
	}
	return ids
}

func TestLookups_AfterFailedUpdate(t *testing.T) {
	for _, layout := range []Layout{V2, V3} {
		t.Run(layout.String(), func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, layout)
			env.seed(t)

			// Given: an update that fails halfway because its category shard is unreadable
			require.NoError(t, env.backend.Write(ctx, "_index/shards/categories/python.json", []byte("{")))
			env.mgr.InvalidateCache()
			env.put(t, "python/typing", "Typing", []string{"python", "types"})

			// When: looking up the new keyword the bloom filter never saw
			ids, err := env.mgr.SearchKeyword(ctx, "types")

			// Then: the topic is found from metadata
			require.NoError(t, err)
			assert.Equal(t, []string{"python/typing"}, ids)

			// And: every other lookup the update touched sees it too
			ids, err = env.mgr.SearchKeyword(ctx, "python")
			require.NoError(t, err)
			assert.Equal(t, []string{"python/asyncio", "python/gil", "python/typing"}, ids)

			entries, err := env.mgr.SearchCategory(ctx, "python")
			require.NoError(t, err)
			assert.Len(t, entries, 3)

			e, err := env.mgr.Entry(ctx, "python/typing")
			require.NoError(t, err)
			assert.Equal(t, "Typing", e.Title)

			res, err := env.mgr.Related(ctx, "python/typing")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"python/asyncio", "python/gil"}, relatedIDs(res))

			// And: untouched shards still serve from the index
			ids, err = env.mgr.SearchKeyword(ctx, "go")
			require.NoError(t, err)
			assert.Equal(t, []string{"go/channels", "go/select"}, ids)
		})
	}
}

func TestLookups_FlaggedTopicShardUsesMetadata(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, V2)
	env.seed(t)

	// Given: the topic shard of go/select is flagged and holds a stale title
	rel := env.mgr.keyspaceFor(V2).topicShardPathFor("go/select")
	stale := TopicShard{Topics: map[string]IndexEntry{"go/select": {TopicID: "go/select", Title: "Stale", Category: "go"}}}
	require.NoError(t, writeJSON(ctx, env.backend, "_index/"+rel, stale))
	env.mgr.markDirty(ctx, "_index", rel, "test")
	env.mgr.InvalidateCache()

	// When: resolving the entry
	e, err := env.mgr.Entry(ctx, "go/select")

	// Then: metadata wins over the flagged shard
	require.NoError(t, err)
	assert.Equal(t, "Select Statement", e.Title)
}

func TestCorruptSummary_LookupsAndWritesContinue(t *testing.T) {
	for _, layout := range allLayouts {
		t.Run(layout.String(), func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, layout)
			env.seed(t)

			// Given: the summary is unreadable
			require.NoError(t, env.backend.Write(ctx, "_index/summary.json", []byte("{oops")))
			env.mgr.InvalidateCache()

			// When: looking up
			ids, err := env.mgr.SearchKeyword(ctx, "python")
			require.NoError(t, err)
			assert.Equal(t, []string{"python/asyncio", "python/gil"}, ids)

			entries, err := env.mgr.SearchCategory(ctx, "go")
			require.NoError(t, err)
			assert.Len(t, entries, 2)

			e, err := env.mgr.Entry(ctx, "python/gil")
			require.NoError(t, err)
			assert.Equal(t, "Global Interpreter Lock", e.Title)

			// Then: the summary is flagged and reported as corrupt
			dirty, err := env.mgr.Dirty(ctx)
			require.NoError(t, err)
			require.Len(t, dirty, 1)
			assert.Equal(t, SummaryFile, dirty[0].Path)
			_, err = env.mgr.Detect(ctx)
			assert.ErrorIs(t, err, kberrors.ErrShardCorrupt)
			stats, err := env.mgr.Stats(ctx)
			require.NoError(t, err)
			assert.True(t, stats.Degraded)

			// When: a topic is written meanwhile
			env.put(t, "go/generics", "Generics", []string{"go", "generics"})
			meta, err := env.store.ReadMetadata(ctx, "go/generics")
			require.NoError(t, err)
			require.NoError(t, env.mgr.ApplyChange(ctx, nil, meta))

			// Then: it is visible right away
			ids, err = env.mgr.SearchKeyword(ctx, "generics")
			require.NoError(t, err)
			assert.Equal(t, []string{"go/generics"}, ids)

			// When: repairing
			report, err := env.mgr.RepairDirty(ctx)
			require.NoError(t, err)
			assert.Contains(t, report.Rewritten, SummaryFile)

			// Then: the index is rebuilt in its original layout
			det, err := env.mgr.Detect(ctx)
			require.NoError(t, err)
			assert.Equal(t, layout, det.Layout)
			sum, err := env.mgr.Summary(ctx)
			require.NoError(t, err)
			assert.Equal(t, 6, sum.TotalTopics)
			dirty, err = env.mgr.Dirty(ctx)
			require.NoError(t, err)
			assert.Empty(t, dirty)

			ids, err = env.mgr.SearchKeyword(ctx, "generics")
			require.NoError(t, err)
			assert.Equal(t, []string{"go/generics"}, ids)
			entries, err = env.mgr.SearchCategory(ctx, "go")
			require.NoError(t, err)
			assert.Len(t, entries, 3)
		})
	}
}

func TestBloom_ResizedPastCapacity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, V2)
	env.seed(t)

	// Given: an incremental update adding far more keywords than the filter was sized for
	keywords := make([]string, 1500)
	for i := range keywords {
		keywords[i] = fmt.Sprintf("kw%04d", i)
	}
	env.put(t, "misc/big", "Big", keywords)

	// Then: the filter was regrown instead of saturating
	stats, err := env.mgr.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.Bloom)
	assert.Equal(t, uint(1507), stats.Bloom.KeywordCount)
	assert.Greater(t, stats.Bloom.KeywordBits, bloom.OptimalBits(minBloomKeywords, bloom.DefaultFPRate))
	assert.LessOrEqual(t, stats.Bloom.KeywordFPRate, 2*bloom.DefaultFPRate)
	assert.Empty(t, stats.DirtyShards)

	ids, err := env.mgr.SearchKeyword(ctx, "kw0042 python")
	require.NoError(t, err)
	assert.Equal(t, []string{"misc/big", "python/asyncio", "python/gil"}, ids)
}
