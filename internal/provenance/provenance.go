// Package provenance records where knowledge came from (citations) and
// what writers did (operation log entries). Records are written once and
// never updated or deleted.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/storage"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

const (
	citationsDir = "citations"
	logsDir      = "logs"

	logTimeFormat      = "20060102_150405"
	citationTimeFormat = "20060102T150405Z"
	citationHashLen    = 8
	unknownWriter      = "unknown"
)

// unsafeWriterChars matches characters not allowed in a log object name.
var unsafeWriterChars = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// Citation records one processed source document.
type Citation struct {
	ID                string    `json:"citation_id"`
	SourceDocument    string    `json:"source_document"`
	ProcessedAt       time.Time `json:"processed_at"`
	ProcessedBy       string    `json:"processed_by"`
	ContributedTopics []string  `json:"contributed_topics"`
	Summary           string    `json:"summary"`
}

// LogEntry records one writer operation.
type LogEntry struct {
	ID        string         `json:"log_id"`
	Timestamp time.Time      `json:"timestamp"`
	WriterID  string         `json:"agent_id"`
	Operation string         `json:"operation"`
	Details   map[string]any `json:"details"`
}

// Log writes and reads provenance records.
type Log struct {
	backend storage.Backend
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string
}

// New creates a Log over backend.
func New(backend storage.Backend, logger *slog.Logger, metrics *telemetry.Metrics) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		backend: backend,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// RecordCitation stores a citation for source and returns it with its
// generated id.
func (l *Log) RecordCitation(ctx context.Context, source, summary string, topics []string, writer string) (*Citation, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, kberrors.ValidationError("source document is required", nil)
	}
	if writer == "" {
		writer = unknownWriter
	}

	at := l.now()
	c := &Citation{
		ID:                citationID(source, summary, at, l.newID()),
		SourceDocument:    source,
		ProcessedAt:       at,
		ProcessedBy:       writer,
		ContributedTopics: cleanTopics(topics),
		Summary:           summary,
	}
	if err := l.write(ctx, citationPath(c.ID), c); err != nil {
		return nil, err
	}
	l.metrics.Provenance("citation")
	l.logger.Info("citation_recorded",
		slog.String("citation_id", c.ID),
		slog.String("source", source),
		slog.Int("topics", len(c.ContributedTopics)))
	return c, nil
}

// GetCitation returns a citation by id. Citations written with a date
// suffix, {id}_{date}.json, are found as well.
func (l *Log) GetCitation(ctx context.Context, id string) (*Citation, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return nil, kberrors.ValidationError(fmt.Sprintf("invalid citation id %q", id), nil)
	}

	data, err := l.backend.Read(ctx, citationPath(id))
	if errors.Is(err, kberrors.ErrNotFound) {
		data, err = l.readDated(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	var c Citation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, kberrors.StorageIO("decode", citationPath(id), err)
	}
	return &c, nil
}

func (l *Log) readDated(ctx context.Context, id string) ([]byte, error) {
	paths, err := l.backend.List(ctx, citationsDir+"/"+id+"_")
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, kberrors.NotFound("citation", id)
	}
	return l.backend.Read(ctx, paths[0])
}

// RecordLogEntry stores one operation record for writer.
func (l *Log) RecordLogEntry(ctx context.Context, writer, operation string, details map[string]any) (*LogEntry, error) {
	operation = strings.TrimSpace(operation)
	if operation == "" {
		return nil, kberrors.ValidationError("operation is required", nil)
	}
	if details == nil {
		details = map[string]any{}
	}

	e := &LogEntry{
		ID:        l.newID(),
		Timestamp: l.now(),
		WriterID:  writerSegment(writer),
		Operation: operation,
		Details:   details,
	}
	if err := l.write(ctx, logPath(e), e); err != nil {
		return nil, err
	}
	l.metrics.Provenance("log")
	l.logger.Debug("log_entry_recorded",
		slog.String("log_id", e.ID),
		slog.String("writer", e.WriterID),
		slog.String("operation", operation))
	return e, nil
}

// ListLogEntries returns writer's log entries, oldest first.
func (l *Log) ListLogEntries(ctx context.Context, writer string) ([]LogEntry, error) {
	w := writerSegment(writer)
	paths, err := l.backend.List(ctx, logsDir+"/"+w+"_")
	if err != nil {
		return nil, err
	}

	entries := make([]LogEntry, 0, len(paths))
	for _, p := range paths {
		if owner, ok := logOwner(p); !ok || owner != w {
			continue
		}
		data, err := l.backend.Read(ctx, p)
		if errors.Is(err, kberrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e LogEntry
		if err := json.Unmarshal(data, &e); err != nil {
			l.logger.Warn("log_entry_unreadable", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (l *Log) write(ctx context.Context, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p, err)
	}
	return l.backend.Write(ctx, p, data)
}

// citationID is {content hash}_{processed at}. The nonce is hashed with the
// content so the same source recorded twice in one second gets two ids.
func citationID(source, summary string, at time.Time, nonce string) string {
	h := sha256.New()
	for _, s := range []string{source, summary, nonce} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:citationHashLen]) + "_" + at.UTC().Format(citationTimeFormat)
}

func citationPath(id string) string {
	return citationsDir + "/" + id + ".json"
}

func logPath(e *LogEntry) string {
	return fmt.Sprintf("%s/%s_%s_%s.json", logsDir, e.WriterID, e.Timestamp.Format(logTimeFormat), e.ID)
}

// logOwner extracts the writer from logs/{writer}_{date}_{time}_{id}.json.
func logOwner(p string) (string, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(p, logsDir+"/"), ".json")
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return "", false
	}
	return strings.Join(parts[:len(parts)-3], "_"), true
}

// writerSegment makes writer safe for use in an object name.
func writerSegment(writer string) string {
	writer = strings.TrimSpace(writer)
	if writer == "" {
		return unknownWriter
	}
	return unsafeWriterChars.ReplaceAllString(writer, "-")
}

func cleanTopics(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
