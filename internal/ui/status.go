package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/telemetry"
)

// latencyOrder lists the lookup latency buckets from fastest to slowest.
var latencyOrder = []telemetry.LatencyBucket{
	telemetry.BucketP10,
	telemetry.BucketP50,
	telemetry.BucketP100,
	telemetry.BucketP500,
	telemetry.BucketP1000,
}

// StatusInfo contains knowledge base health information.
type StatusInfo struct {
	Backend  string `json:"backend"`
	HolderID string `json:"holder_id"`

	// Index
	IndexExists bool           `json:"index_exists"`
	Layout      string         `json:"layout,omitempty"`
	IndexType   string         `json:"index_type,omitempty"`
	Legacy      bool           `json:"legacy,omitempty"`
	Topics      int            `json:"topics"`
	Keywords    int            `json:"keywords"`
	Categories  map[string]int `json:"categories"`
	LastRebuilt time.Time      `json:"last_rebuilt,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitempty"`
	DirtyShards []string       `json:"dirty_shards"`

	// Bloom filter fill ratios, 0 when the layout has none.
	KeywordFill  float64 `json:"keyword_fill"`
	CategoryFill float64 `json:"category_fill"`

	// Provenance
	Citations int `json:"citations"`
	Logs      int `json:"logs"`

	// Lookups served by this process
	Lookups       int64   `json:"lookups"`
	ZeroResultPct float64 `json:"zero_result_pct"`
	Latency       []int64 `json:"latency"`
}

// StatusFromStats flattens knowledge base statistics for display.
func StatusFromStats(st *kb.Stats) StatusInfo {
	info := StatusInfo{
		Backend:     st.Backend,
		HolderID:    st.HolderID,
		Categories:  map[string]int{},
		DirtyShards: []string{},
		Citations:   st.TotalCitations,
		Logs:        st.TotalLogs,
		Latency:     make([]int64, len(latencyOrder)),
	}
	if idx := st.Index; idx != nil {
		info.IndexExists = idx.Exists
		info.Layout = idx.Layout
		info.Legacy = idx.Legacy
		for k, v := range idx.CategoryCounts {
			info.Categories[k] = v
		}
		if idx.DirtyShards != nil {
			info.DirtyShards = idx.DirtyShards
		}
		if s := idx.Summary; s != nil {
			info.IndexType = s.IndexType
			info.Topics = s.TotalTopics
			info.Keywords = s.TotalKeywords
			info.LastRebuilt = s.LastRebuilt
			info.LastUpdated = s.LastUpdated
		}
		if b := idx.Bloom; b != nil {
			info.KeywordFill = b.KeywordFillRatio
			info.CategoryFill = b.CategoryFillRatio
		}
	}
	if l := st.Lookups; l != nil {
		info.Lookups = l.TotalLookups
		info.ZeroResultPct = l.ZeroResultPercentage()
		for i, b := range latencyOrder {
			info.Latency[i] = l.LatencyDistribution[b]
		}
	}
	return info
}

// StatusRenderer displays knowledge base status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
	}
}

// Render displays status info to terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Knowledge Base Status"))
	_, _ = fmt.Fprintf(r.out, "  Backend:      %s\n", info.Backend)
	_, _ = fmt.Fprintf(r.out, "  Holder:       %s\n", info.HolderID)
	_, _ = fmt.Fprintln(r.out)

	if !info.IndexExists {
		_, _ = fmt.Fprintf(r.out, "  Index:        %s\n\n", r.styles.Warning.Render("missing (run rebuild)"))
	} else {
		layout := info.Layout
		if info.IndexType != "" {
			layout += " (" + info.IndexType + ")"
		}
		if info.Legacy {
			layout += " " + r.styles.Warning.Render("legacy")
		}
		_, _ = fmt.Fprintf(r.out, "  Index:        %s\n", layout)
		_, _ = fmt.Fprintf(r.out, "  Topics:       %d\n", info.Topics)
		_, _ = fmt.Fprintf(r.out, "  Keywords:     %d\n", info.Keywords)
		_, _ = fmt.Fprintf(r.out, "  Categories:   %d\n", len(info.Categories))
		if !info.LastRebuilt.IsZero() {
			_, _ = fmt.Fprintf(r.out, "  Rebuilt:      %s\n", formatTime(info.LastRebuilt))
		}
		if !info.LastUpdated.IsZero() {
			_, _ = fmt.Fprintf(r.out, "  Updated:      %s\n", formatTime(info.LastUpdated))
		}
		_, _ = fmt.Fprintln(r.out)

		if len(info.Categories) > 0 {
			_, _ = fmt.Fprintln(r.out, "  By category:")
			for _, name := range sortedCategories(info.Categories) {
				_, _ = fmt.Fprintf(r.out, "    %-16s %d\n", name, info.Categories[name])
			}
			_, _ = fmt.Fprintln(r.out)
		}

		if info.KeywordFill > 0 || info.CategoryFill > 0 {
			_, _ = fmt.Fprintln(r.out, "  Bloom filters:")
			_, _ = fmt.Fprintf(r.out, "    Keywords:   %s %.1f%%\n", r.styles.Chart.Render(FillBar(info.KeywordFill, 20)), info.KeywordFill*100)
			_, _ = fmt.Fprintf(r.out, "    Categories: %s %.1f%%\n", r.styles.Chart.Render(FillBar(info.CategoryFill, 20)), info.CategoryFill*100)
			_, _ = fmt.Fprintln(r.out)
		}

		if len(info.DirtyShards) > 0 {
			_, _ = fmt.Fprintf(r.out, "  Flagged:      %s\n", r.styles.Error.Render(fmt.Sprintf("%d objects (run rebuild --repair)", len(info.DirtyShards))))
		} else {
			_, _ = fmt.Fprintf(r.out, "  Flagged:      %s\n", r.styles.Success.Render("none"))
		}
		_, _ = fmt.Fprintln(r.out)
	}

	_, _ = fmt.Fprintf(r.out, "  Citations:    %d\n", info.Citations)
	_, _ = fmt.Fprintf(r.out, "  Log entries:  %d\n", info.Logs)

	if info.Lookups > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "  Lookups:      %d (%.1f%% empty)\n", info.Lookups, info.ZeroResultPct)
		_, _ = fmt.Fprintf(r.out, "  Latency:      %s  <10ms … ≥500ms\n", r.styles.Chart.Render(Sparkline(info.Latency)))
	}

	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func sortedCategories(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if m[names[i]] != m[names[j]] {
			return m[names[i]] > m[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// formatTime formats a time for display.
func formatTime(t time.Time) string {
	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}
