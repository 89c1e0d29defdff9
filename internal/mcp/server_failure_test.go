package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// failingKB fails every call it overrides. Calls it does not override
// panic through the nil embedded interface.
type failingKB struct {
	KnowledgeBase
	err error
}

func (f *failingKB) ReadTopic(context.Context, string) (*topic.Topic, error) {
	return nil, f.err
}

func (f *failingKB) SearchByKeyword(context.Context, string) ([]shard.IndexEntry, error) {
	return nil, f.err
}

func (f *failingKB) GetStats(context.Context) (*kb.Stats, error) {
	return nil, f.err
}

func newFailingServer(t *testing.T, err error) *Server {
	t.Helper()
	srv, serr := NewServer(&failingKB{err: err}, logging.Discard())
	require.NoError(t, serr)
	return srv
}

func TestServer_BackendFailure_MapsToStorage(t *testing.T) {
	// Given: a knowledge base whose storage is failing
	srv := newFailingServer(t, kberrors.StorageIO("read", "index/summary.json", errors.New("disk gone")))

	// When: calling a read tool
	_, err := srv.CallTool(context.Background(), "read_topic", map[string]any{"topic_id": "python/gil"})

	// Then: the error maps to the storage code
	requireMCPCode(t, err, ErrCodeStorage)
}

func TestServer_LockTimeout_MapsToTimeout(t *testing.T) {
	srv := newFailingServer(t, kberrors.New(kberrors.ErrCodeLockTimeout, "lease busy", nil))

	_, err := srv.CallTool(context.Background(), "search_by_keyword", map[string]any{"query": "python"})

	requireMCPCode(t, err, ErrCodeTimeout)
}

func TestServer_StructuredHandler_MapsErrors(t *testing.T) {
	// Given: the SDK adapter for get_stats over a failing knowledge base
	srv := newFailingServer(t, kberrors.NotFound("index", "summary"))
	handler := structured(srv, "get_stats", srv.handleGetStats)

	// When: invoking it the way the SDK does
	result, out, err := handler(context.Background(), nil, StatsInput{})

	// Then: the error is an MCP error and no output is produced
	assert.Nil(t, result)
	assert.Equal(t, StatsOutput{}, out)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeNotFound, mcpErr.Code)
}

func TestServer_MarkdownHandler_MapsErrors(t *testing.T) {
	srv := newFailingServer(t, context.DeadlineExceeded)
	handler := markdown(srv, "search_by_keyword", srv.handleSearchByKeyword, FormatSearchResults)

	result, _, err := handler(context.Background(), nil, SearchByKeywordInput{Query: "python"})

	assert.Nil(t, result)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeTimeout, mcpErr.Code)
}

func TestServer_ReadTopicHandler_MapsErrors(t *testing.T) {
	srv := newFailingServer(t, errors.New("unexpected"))

	result, out, err := srv.mcpReadTopicHandler(context.Background(), nil, TopicIDInput{TopicID: "python/gil"})

	assert.Nil(t, result)
	assert.Equal(t, TopicOutput{}, out)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInternalError, mcpErr.Code)
	assert.NotContains(t, mcpErr.Message, "unexpected")
}

func TestServer_Resources_PropagateErrors(t *testing.T) {
	srv := newFailingServer(t, kberrors.StorageIO("list", "citations/", errors.New("denied")))

	_, err := srv.readJSONResource(context.Background(), srv.indexStats)

	requireMCPCode(t, err, ErrCodeStorage)
}

func TestServer_CanceledContext(t *testing.T) {
	srv := newFailingServer(t, context.Canceled)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := srv.CallTool(ctx, "get_stats", nil)

	requireMCPCode(t, err, ErrCodeTimeout)
}
