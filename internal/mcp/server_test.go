package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbindex/internal/config"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

func newTestKB(t *testing.T, layout string) *kb.Service {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Lock.HolderID = "mcp-test"
	cfg.Lock.PollInterval = time.Millisecond
	cfg.Lock.AcquireTimeout = 5 * time.Second
	cfg.Index.DefaultLayout = layout
	cfg.Migrate.Backup = false

	svc, err := kb.Open(context.Background(), cfg, kb.Options{
		Logger:  logging.Discard(),
		Metrics: telemetry.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(newTestKB(t, "v2"), logging.Discard())
	require.NoError(t, err)
	return srv
}

func putTopic(t *testing.T, srv *Server, id, title string, keywords ...string) TopicOutput {
	t.Helper()
	kws := make([]any, len(keywords))
	for i, k := range keywords {
		kws[i] = k
	}
	out, err := srv.CallTool(context.Background(), "create_or_update_topic", map[string]any{
		"topic_id": id,
		"title":    title,
		"content":  "Notes on " + title,
		"keywords": kws,
	})
	require.NoError(t, err)
	topic, ok := out.(TopicOutput)
	require.True(t, ok, "expected TopicOutput, got %T", out)
	return topic
}

func requireMCPCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	mapped := MapError(err)
	require.NotNil(t, mapped)
	assert.Equal(t, code, mapped.Code, mapped.Message)
}

func TestNewServer_RequiresKnowledgeBase(t *testing.T) {
	srv, err := NewServer(nil, nil)

	assert.Error(t, err)
	assert.Nil(t, srv)
}

func TestServer_Info(t *testing.T) {
	srv := newTestServer(t)

	name, ver := srv.Info()

	assert.Equal(t, "kbindex", name)
	assert.NotEmpty(t, ver)
	assert.NotNil(t, srv.MCPServer())
}

func TestServer_ListTools(t *testing.T) {
	// Given: a new server
	srv := newTestServer(t)

	// When: listing tools
	list := srv.ListTools()

	// Then: every tool is registered with a description
	names := make([]string, 0, len(list))
	for _, tool := range list {
		assert.NotEmpty(t, tool.Description, tool.Name)
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"create_or_update_topic",
		"read_topic",
		"append_to_topic",
		"delete_topic",
		"list_topics",
		"search_by_keyword",
		"search_by_category",
		"get_related_topics",
		"get_stats",
		"rebuild_index",
		"record_citation",
		"get_citation",
		"record_log_entry",
	}, names)
}

func TestServer_CallTool_UnknownTool(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.CallTool(context.Background(), "semantic_search", nil)

	requireMCPCode(t, err, ErrCodeMethodNotFound)
}

func TestServer_CallTool_InvalidArguments(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.CallTool(context.Background(), "read_topic", map[string]any{"topic_id": 42})

	requireMCPCode(t, err, ErrCodeInvalidParams)
}

func TestServer_TopicLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	// Given: a created topic
	created := putTopic(t, srv, "python/gil", "Global Interpreter Lock", "python", "gil")
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, "python", created.Category)
	assert.Equal(t, "mcp-test", created.LastModifiedBy)
	assert.Empty(t, created.Content, "writes do not echo content")

	// When: appending with a writer and citation
	out, err := srv.CallTool(ctx, "append_to_topic", map[string]any{
		"topic_id":    "python/gil",
		"content":     "Released during blocking I/O.",
		"citation_id": "cit-1",
		"writer_id":   "ingest-agent",
	})
	require.NoError(t, err)
	appended := out.(TopicOutput)
	assert.Equal(t, 2, appended.Version)
	assert.Equal(t, "ingest-agent", appended.LastModifiedBy)
	assert.Equal(t, []string{"cit-1"}, appended.Citations)

	// Then: reading returns the joined content
	out, err = srv.CallTool(ctx, "read_topic", map[string]any{"topic_id": "python/gil"})
	require.NoError(t, err)
	read := out.(TopicOutput)
	assert.Equal(t, "Notes on Global Interpreter Lock\n\nReleased during blocking I/O.", read.Content)
	assert.NotEmpty(t, read.CreatedAt)

	// When: deleting it
	out, err = srv.CallTool(ctx, "delete_topic", map[string]any{"topic_id": "python/gil"})
	require.NoError(t, err)
	assert.Equal(t, DeleteTopicOutput{TopicID: "python/gil", Deleted: true}, out)

	// Then: it is gone
	_, err = srv.CallTool(ctx, "read_topic", map[string]any{"topic_id": "python/gil"})
	requireMCPCode(t, err, ErrCodeNotFound)
}

func TestServer_CreateOrUpdate_VersionConflict(t *testing.T) {
	srv := newTestServer(t)
	putTopic(t, srv, "go/channels", "Channels", "go")

	_, err := srv.CallTool(context.Background(), "create_or_update_topic", map[string]any{
		"topic_id":         "go/channels",
		"content":          "stale write",
		"expected_version": 0,
	})

	requireMCPCode(t, err, ErrCodeConflict)
}

func TestServer_RequiredFields(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		tool string
		args map[string]any
	}{
		{"create_or_update_topic", map[string]any{}},
		{"read_topic", map[string]any{"topic_id": "  "}},
		{"append_to_topic", map[string]any{"topic_id": "go/x"}},
		{"delete_topic", nil},
		{"search_by_keyword", map[string]any{"query": ""}},
		{"search_by_category", map[string]any{}},
		{"get_related_topics", map[string]any{}},
		{"record_citation", map[string]any{"summary": "no source"}},
		{"get_citation", map[string]any{}},
		{"record_log_entry", map[string]any{"writer_id": "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			_, err := srv.CallTool(ctx, tt.tool, tt.args)
			requireMCPCode(t, err, ErrCodeInvalidParams)
		})
	}
}

func TestServer_SearchTools_ReturnMarkdown(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	putTopic(t, srv, "python/gil", "GIL", "python", "concurrency")
	putTopic(t, srv, "go/channels", "Channels", "go", "concurrency")

	// When: searching by keyword
	out, err := srv.CallTool(ctx, "search_by_keyword", map[string]any{"query": "concurrency"})
	require.NoError(t, err)

	// Then: both topics are listed
	md, ok := out.(string)
	require.True(t, ok)
	assert.Contains(t, md, "Found 2 topics")
	assert.Contains(t, md, "`python/gil`")
	assert.Contains(t, md, "`go/channels`")

	// When: searching by category
	out, err = srv.CallTool(ctx, "search_by_category", map[string]any{"category": "go"})
	require.NoError(t, err)
	md = out.(string)
	assert.Contains(t, md, "Found 1 topic")
	assert.NotContains(t, md, "python/gil")

	// When: nothing matches
	out, err = srv.CallTool(ctx, "search_by_keyword", map[string]any{"query": "rust"})
	require.NoError(t, err)
	assert.Equal(t, `No topics found for "rust"`, out)
}

func TestServer_GetRelatedTopics(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	putTopic(t, srv, "python/asyncio", "Asyncio", "python")
	_, err := srv.CallTool(ctx, "create_or_update_topic", map[string]any{
		"topic_id":       "python/gil",
		"title":          "GIL",
		"content":        "x",
		"keywords":       []any{"python"},
		"related_topics": []any{"python/asyncio", "python/removed"},
	})
	require.NoError(t, err)

	out, err := srv.CallTool(ctx, "get_related_topics", map[string]any{"topic_id": "python/gil"})
	require.NoError(t, err)

	md := out.(string)
	assert.Contains(t, md, "## Related to `python/gil`")
	assert.Contains(t, md, "1. **Asyncio** `python/asyncio` (explicit)")
	assert.Contains(t, md, "**Missing references:** `python/removed`")
}

func TestServer_ListTopics_Truncates(t *testing.T) {
	srv := newTestServer(t)
	putTopic(t, srv, "python/gil", "GIL", "python")
	putTopic(t, srv, "python/asyncio", "Asyncio", "python")
	putTopic(t, srv, "go/channels", "Channels", "go")

	out, err := srv.CallTool(context.Background(), "list_topics", map[string]any{"category": "python", "limit": 1})
	require.NoError(t, err)

	list := out.(ListTopicsOutput)
	assert.Equal(t, 2, list.Total)
	assert.True(t, list.Truncated)
	require.Len(t, list.Topics, 1)
	assert.Equal(t, "python", list.Topics[0].Category)
}

func TestServer_GetStats(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	putTopic(t, srv, "python/gil", "GIL", "python", "gil")
	putTopic(t, srv, "go/channels", "Channels", "go")
	_, err := srv.CallTool(ctx, "search_by_keyword", map[string]any{"query": "gil"})
	require.NoError(t, err)

	out, err := srv.CallTool(ctx, "get_stats", nil)
	require.NoError(t, err)

	st := out.(StatsOutput)
	assert.Equal(t, config.BackendMemory, st.Backend)
	assert.True(t, st.IndexExists)
	assert.Equal(t, "v2", st.Layout)
	assert.Equal(t, 2, st.TotalTopics)
	assert.Equal(t, 3, st.TotalKeywords)
	assert.Equal(t, map[string]int{"python": 1, "go": 1}, st.Categories)
	assert.NotEmpty(t, st.LastUpdated)
	require.NotNil(t, st.Bloom)
	assert.Equal(t, int64(1), st.Lookups.Total)
	assert.Equal(t, int64(1), st.Lookups.Kinds["keyword"])
	assert.Empty(t, st.DirtyShards)
}

func TestServer_RebuildIndex(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	putTopic(t, srv, "python/gil", "GIL", "python")

	// When: planning
	out, err := srv.CallTool(ctx, "rebuild_index", map[string]any{"dry_run": true})
	require.NoError(t, err)
	plan := out.(RebuildIndexOutput)
	assert.Equal(t, "plan", plan.Mode)
	assert.Equal(t, "v2", plan.PreviousLayout)
	assert.Len(t, plan.Plans, 3)

	// When: migrating to v3
	out, err = srv.CallTool(ctx, "rebuild_index", map[string]any{"target_version": "v3"})
	require.NoError(t, err)
	res := out.(RebuildIndexOutput)
	assert.Equal(t, "migrate", res.Mode)
	assert.Equal(t, "v3", res.Layout)
	assert.Equal(t, "v2", res.PreviousLayout)
	assert.Equal(t, 1, res.Topics)
	assert.NotEmpty(t, res.Warning)

	// Then: lookups still work on the new layout
	md, err := srv.CallTool(ctx, "search_by_keyword", map[string]any{"query": "python"})
	require.NoError(t, err)
	assert.Contains(t, md, "`python/gil`")

	// When: repairing with nothing flagged
	out, err = srv.CallTool(ctx, "rebuild_index", map[string]any{"repair": true})
	require.NoError(t, err)
	repair := out.(RebuildIndexOutput)
	assert.Equal(t, "repair", repair.Mode)
	assert.Empty(t, repair.Rewritten)

	// And: an unknown layout is rejected
	_, err = srv.CallTool(ctx, "rebuild_index", map[string]any{"target_version": "v9"})
	requireMCPCode(t, err, ErrCodeInvalidParams)
}

func TestServer_Provenance(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	out, err := srv.CallTool(ctx, "record_citation", map[string]any{
		"source_document":    "papers/gil.pdf",
		"summary":            "GIL internals",
		"contributed_topics": []any{"python/gil"},
		"writer_id":          "reader",
	})
	require.NoError(t, err)
	rec := out.(CitationOutput)
	require.NotEmpty(t, rec.CitationID)
	assert.Equal(t, "reader", rec.ProcessedBy)

	out, err = srv.CallTool(ctx, "get_citation", map[string]any{"citation_id": rec.CitationID})
	require.NoError(t, err)
	assert.Equal(t, rec, out)

	_, err = srv.CallTool(ctx, "get_citation", map[string]any{"citation_id": "missing"})
	requireMCPCode(t, err, ErrCodeNotFound)

	out, err = srv.CallTool(ctx, "record_log_entry", map[string]any{
		"operation": "ingest",
		"details":   map[string]any{"topics": 1},
	})
	require.NoError(t, err)
	entry := out.(LogEntryOutput)
	assert.NotEmpty(t, entry.LogID)
	assert.Equal(t, "mcp-test", entry.WriterID)
	assert.Equal(t, "ingest", entry.Operation)
}

func TestServer_Serve_UnknownTransport(t *testing.T) {
	srv := newTestServer(t)

	err := srv.Serve(context.Background(), "sse")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestGenerateRequestID(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()

	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
