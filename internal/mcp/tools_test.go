package mcp

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTopicHandler_ReturnsMarkdownAndMetadata(t *testing.T) {
	// Given: a stored topic
	srv := newTestServer(t)
	putTopic(t, srv, "python/gil", "Global Interpreter Lock", "python", "gil")

	// When: reading it through the SDK handler
	result, out, err := srv.mcpReadTopicHandler(context.Background(), nil, TopicIDInput{TopicID: "python/gil"})
	require.NoError(t, err)

	// Then: content is rendered as markdown and metadata is structured
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "# Global Interpreter Lock")
	assert.Contains(t, text.Text, "**Keywords:** python, gil")
	assert.Contains(t, text.Text, "Notes on Global Interpreter Lock")
	assert.Equal(t, "python/gil", out.TopicID)
	assert.Equal(t, 1, out.Version)
}

func TestSearchHandler_ReturnsMarkdownContent(t *testing.T) {
	srv := newTestServer(t)
	putTopic(t, srv, "go/channels", "Channels", "go", "concurrency")
	handler := markdown(srv, "search_by_keyword", srv.handleSearchByKeyword, FormatSearchResults)

	result, out, err := handler(context.Background(), nil, SearchByKeywordInput{Query: "Concurrency"})
	require.NoError(t, err)

	require.NotNil(t, result)
	text := result.Content[0].(*mcp.TextContent)
	assert.Contains(t, text.Text, "### 1. Channels")
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, "go/channels", out.Results[0].TopicID)
}

func TestStructuredHandler_LeavesContentToSDK(t *testing.T) {
	srv := newTestServer(t)
	handler := structured(srv, "create_or_update_topic", srv.handleCreateOrUpdateTopic)
	title := "Goroutines"
	content := "Lightweight threads."

	result, out, err := handler(context.Background(), nil, CreateOrUpdateTopicInput{
		TopicID:  "go/goroutines",
		Title:    &title,
		Content:  &content,
		Keywords: []string{"go"},
		WriterID: "writer-a",
	})
	require.NoError(t, err)

	assert.Nil(t, result)
	assert.Equal(t, "go/goroutines", out.TopicID)
	assert.Equal(t, "writer-a", out.LastModifiedBy)
	assert.Equal(t, []string{"go"}, out.Keywords)
}

func TestSearchOutput_Limits(t *testing.T) {
	srv := newTestServer(t)
	for _, id := range []string{"go/a", "go/b", "go/c"} {
		putTopic(t, srv, id, id, "go")
	}

	out, err := srv.handleSearchByKeyword(context.Background(), SearchByKeywordInput{Query: "go", Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Total)
	assert.True(t, out.Truncated)
	assert.Len(t, out.Results, 2)
}
