package provenance

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/logging"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

func newTestLog(t *testing.T) (*Log, *storage.Memory) {
	t.Helper()
	b := storage.NewMemory()
	l := New(b, logging.Discard(), telemetry.NewMetrics(prometheus.NewRegistry()))
	return l, b
}

func TestRecordCitation_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLog(t)

	// When: recording a citation
	c, err := l.RecordCitation(ctx, " papers/gil.pdf ", "GIL internals",
		[]string{"python/gil", "python/gil", " "}, "ingest-1")
	require.NoError(t, err)

	// Then: it is stored under its id and reads back unchanged
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "papers/gil.pdf", c.SourceDocument)
	assert.Equal(t, []string{"python/gil"}, c.ContributedTopics)
	assert.Equal(t, "ingest-1", c.ProcessedBy)

	got, err := l.GetCitation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Summary, got.Summary)
	assert.True(t, c.ProcessedAt.Equal(got.ProcessedAt))

	data, err := b.Read(ctx, "citations/"+c.ID+".json")
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"citation_id", "source_document", "processed_at", "processed_by", "contributed_topics", "summary"} {
		assert.Contains(t, raw, field)
	}
}

func TestRecordCitation_IDIsContentHashAndTimestamp(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	l.now = func() time.Time { return at }

	// When: the same source is recorded twice in the same second
	a, err := l.RecordCitation(ctx, "papers/gil.pdf", "GIL internals", nil, "ingest")
	require.NoError(t, err)
	b, err := l.RecordCitation(ctx, "papers/gil.pdf", "GIL internals", nil, "ingest")
	require.NoError(t, err)

	// Then: both ids carry a content hash and the processing time, and differ
	assert.Regexp(t, `^[0-9a-f]{16}_20260506T070809Z$`, a.ID)
	assert.Regexp(t, `^[0-9a-f]{16}_20260506T070809Z$`, b.ID)
	assert.NotEqual(t, a.ID, b.ID)

	// And: the hash prefix alone resolves the citation
	hash, _, _ := strings.Cut(a.ID, "_")
	got, err := l.GetCitation(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestRecordLogEntry_SameSecondDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLog(t)
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	l.now = func() time.Time { return at }

	// When: one writer logs many operations within the same second
	for i := 0; i < 50; i++ {
		_, err := l.RecordLogEntry(ctx, "ingest", "op", map[string]any{"i": i})
		require.NoError(t, err)
	}

	// Then: every entry is kept
	paths, err := b.List(ctx, "logs/")
	require.NoError(t, err)
	assert.Len(t, paths, 50)
	entries, err := l.ListLogEntries(ctx, "ingest")
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestRecordCitation_RequiresSource(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.RecordCitation(context.Background(), "  ", "s", nil, "w")
	assert.ErrorIs(t, err, kberrors.ErrInvalidInput)
}

func TestGetCitation_DatedName(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLog(t)

	// Given: a citation stored as {id}_{date}.json
	require.NoError(t, b.Write(ctx, "citations/ab12cd34_2025-01-15.json",
		[]byte(`{"citation_id":"ab12cd34","source_document":"doc.md","processed_by":"a","contributed_topics":[],"summary":"s"}`)))

	c, err := l.GetCitation(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, "doc.md", c.SourceDocument)
}

func TestGetCitation_Errors(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	_, err := l.GetCitation(ctx, "missing")
	assert.ErrorIs(t, err, kberrors.ErrNotFound)

	for _, id := range []string{"", "../x", "a/b"} {
		_, err = l.GetCitation(ctx, id)
		assert.ErrorIs(t, err, kberrors.ErrInvalidInput, id)
	}
}

func TestRecordLogEntry_PathAndList(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLog(t)
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	l.now = func() time.Time { return at }

	// When: two writers log operations
	first, err := l.RecordLogEntry(ctx, "ingest", "ingest", map[string]any{"topics": 2})
	require.NoError(t, err)
	at = at.Add(time.Second)
	second, err := l.RecordLogEntry(ctx, "ingest", "query", nil)
	require.NoError(t, err)
	_, err = l.RecordLogEntry(ctx, "ingest-2", "ingest", nil)
	require.NoError(t, err)

	// Then: objects are named by writer, timestamp and a full uuid
	_, err = uuid.Parse(first.ID)
	require.NoError(t, err)
	_, err = b.Read(ctx, "logs/ingest_20260506_070809_"+first.ID+".json")
	require.NoError(t, err)

	// And: listing returns only that writer's entries, oldest first
	entries, err := l.ListLogEntries(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, second.ID, entries[1].ID)
	assert.Equal(t, "query", entries[1].Operation)
	assert.Equal(t, float64(2), entries[0].Details["topics"])
}

func TestRecordLogEntry_SanitisesWriter(t *testing.T) {
	ctx := context.Background()
	l, b := newTestLog(t)

	e, err := l.RecordLogEntry(ctx, "team/agent_1", "op", nil)
	require.NoError(t, err)
	assert.Equal(t, "team-agent-1", e.WriterID)

	e2, err := l.RecordLogEntry(ctx, "", "op", nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", e2.WriterID)

	paths, err := b.List(ctx, "logs/")
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	entries, err := l.ListLogEntries(ctx, "team/agent_1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordLogEntry_RequiresOperation(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.RecordLogEntry(context.Background(), "w", " ", nil)
	assert.ErrorIs(t, err, kberrors.ErrInvalidInput)
}

func TestLogOwner(t *testing.T) {
	owner, ok := logOwner("logs/ingest-2_20260506_070809_abcd1234.json")
	assert.True(t, ok)
	assert.Equal(t, "ingest-2", owner)

	_, ok = logOwner("logs/garbage.json")
	assert.False(t, ok)
}
