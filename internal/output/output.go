// Package output provides consistent CLI output formatting for topics,
// lookups and status messages.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Aman-CERP/kbindex/internal/provenance"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// Writer provides formatted output for CLI.
type Writer struct {
	out  io.Writer
	json bool
}

// New creates a new output Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// NewJSON creates a Writer whose record methods emit indented JSON.
func NewJSON(out io.Writer) *Writer {
	return &Writer{out: out, json: true}
}

// IsJSON reports whether records are emitted as JSON.
func (w *Writer) IsJSON() bool {
	return w.json
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Code prints a block with indentation.
func (w *Writer) Code(content string) {
	_, _ = fmt.Fprintln(w.out)
	for _, line := range strings.Split(content, "\n") {
		_, _ = fmt.Fprintf(w.out, "  %s\n", line)
	}
	_, _ = fmt.Fprintln(w.out)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Topic prints a topic's metadata header followed by its content.
func (w *Writer) Topic(t *topic.Topic) error {
	if w.json {
		return w.JSON(t)
	}
	_, _ = fmt.Fprintf(w.out, "%s  (v%d, %s by %s)\n", t.ID, t.Version, stamp(t.LastModified), t.LastModifiedBy)
	if t.Title != "" {
		_, _ = fmt.Fprintf(w.out, "Title:    %s\n", t.Title)
	}
	if len(t.Keywords) > 0 {
		_, _ = fmt.Fprintf(w.out, "Keywords: %s\n", strings.Join(t.Keywords, ", "))
	}
	if len(t.RelatedTopics) > 0 {
		_, _ = fmt.Fprintf(w.out, "Related:  %s\n", strings.Join(t.RelatedTopics, ", "))
	}
	if len(t.Citations) > 0 {
		_, _ = fmt.Fprintf(w.out, "Cites:    %s\n", strings.Join(t.Citations, ", "))
	}
	if t.Content != "" {
		_, _ = fmt.Fprintf(w.out, "\n%s\n", strings.TrimRight(t.Content, "\n"))
	}
	return nil
}

// Entries prints index entries as an aligned table.
func (w *Writer) Entries(entries []shard.IndexEntry) error {
	if w.json {
		if entries == nil {
			entries = []shard.IndexEntry{}
		}
		return w.JSON(entries)
	}
	if len(entries) == 0 {
		w.Status("", "no topics found")
		return nil
	}
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TOPIC\tTITLE\tKEYWORDS\tMODIFIED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.TopicID, e.Title, strings.Join(e.Keywords, ","), stamp(e.LastModified))
	}
	return tw.Flush()
}

// Topics prints topic metadata as an aligned table.
func (w *Writer) Topics(metas []topic.Metadata) error {
	entries := make([]shard.IndexEntry, 0, len(metas))
	for i := range metas {
		entries = append(entries, shard.EntryFromMetadata(&metas[i]))
	}
	return w.Entries(entries)
}

// Related prints related topics, explicit relations first.
func (w *Writer) Related(res *shard.RelatedResult) error {
	if w.json {
		return w.JSON(res)
	}
	if len(res.Related) == 0 {
		w.Statusf("", "no topics related to %s", res.Source)
	} else {
		tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TOPIC\tTITLE\tRELATION")
		for _, r := range res.Related {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.TopicID, r.Title, r.Relation)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(res.Dangling) > 0 {
		w.Warningf("missing references: %s", strings.Join(res.Dangling, ", "))
	}
	return nil
}

// Citation prints one citation.
func (w *Writer) Citation(c *provenance.Citation) error {
	if w.json {
		return w.JSON(c)
	}
	_, _ = fmt.Fprintf(w.out, "%s\n", c.ID)
	_, _ = fmt.Fprintf(w.out, "Source:    %s\n", c.SourceDocument)
	_, _ = fmt.Fprintf(w.out, "Processed: %s by %s\n", stamp(c.ProcessedAt), c.ProcessedBy)
	if len(c.ContributedTopics) > 0 {
		_, _ = fmt.Fprintf(w.out, "Topics:    %s\n", strings.Join(c.ContributedTopics, ", "))
	}
	if c.Summary != "" {
		_, _ = fmt.Fprintf(w.out, "\n%s\n", c.Summary)
	}
	return nil
}

// LogEntries prints provenance log entries oldest first.
func (w *Writer) LogEntries(entries []provenance.LogEntry) error {
	if w.json {
		if entries == nil {
			entries = []provenance.LogEntry{}
		}
		return w.JSON(entries)
	}
	if len(entries) == 0 {
		w.Status("", "no log entries")
		return nil
	}
	tw := tabwriter.NewWriter(w.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tWRITER\tOPERATION\tDETAILS")
	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			b, err := json.Marshal(e.Details)
			if err == nil {
				details = string(b)
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", stamp(e.Timestamp), e.WriterID, e.Operation, details)
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
