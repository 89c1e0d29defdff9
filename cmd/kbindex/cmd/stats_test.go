package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbindex/internal/ui"
)

func TestStats_EmptyKnowledgeBase(t *testing.T) {
	dir := newTestKBDir(t)

	out, err := runCLI(t, dir, "stats")

	require.NoError(t, err)
	assert.Contains(t, out, "Knowledge Base Status")
	assert.Contains(t, out, "missing (run rebuild)")
	assert.Contains(t, out, "cli-test")
}

func TestStats_JSONCountsTopicsAndProvenance(t *testing.T) {
	// Given: topics, a citation and a log entry
	dir := newTestKBDir(t)
	seedTopics(t, dir)
	_, err := runCLI(t, dir, "citation", "add", "docs/a.md")
	require.NoError(t, err)
	_, err = runCLI(t, dir, "log", "add", "ingest")
	require.NoError(t, err)

	// When: reading stats as JSON
	out, err := runCLI(t, dir, "--json", "stats")
	require.NoError(t, err)

	var info ui.StatusInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))

	// Then: totals reflect every record
	assert.True(t, info.IndexExists)
	assert.Equal(t, "v2", info.Layout)
	assert.Equal(t, 3, info.Topics)
	assert.Equal(t, map[string]int{"python": 2, "go": 1}, info.Categories)
	assert.Equal(t, 1, info.Citations)
	assert.Equal(t, 1, info.Logs)
	assert.Empty(t, info.DirtyShards)
}

func TestStats_BloomFillOnV3(t *testing.T) {
	dir := newTestKBDir(t)
	seedTopics(t, dir)
	_, err := runCLI(t, dir, "rebuild", "--target", "v3", "--plain")
	require.NoError(t, err)

	out, err := runCLI(t, dir, "stats", "--no-color")

	require.NoError(t, err)
	assert.Contains(t, out, "Bloom filters:")
}
