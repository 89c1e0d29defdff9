package mcp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/kbindex/internal/kb"
	"github.com/Aman-CERP/kbindex/internal/provenance"
	"github.com/Aman-CERP/kbindex/internal/shard"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// FormatSearchResults formats keyword or category results as markdown.
func FormatSearchResults(out SearchOutput) string {
	if len(out.Results) == 0 {
		return fmt.Sprintf("No topics found for \"%s\"", out.Query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Topics for \"%s\"\n\n", out.Query)
	fmt.Fprintf(&sb, "Found %d topic", out.Total)
	if out.Total != 1 {
		sb.WriteString("s")
	}
	if out.Truncated {
		fmt.Fprintf(&sb, ", showing %d", len(out.Results))
	}
	sb.WriteString("\n\n")

	for i, r := range out.Results {
		formatSummary(&sb, i+1, r)
	}

	return sb.String()
}

// FormatRelated formats related topics as markdown, explicit relations first.
func FormatRelated(out RelatedOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Related to `%s`\n\n", out.SourceTopic)

	if len(out.Related) == 0 {
		sb.WriteString("No related topics found.\n")
	}
	for i, r := range out.Related {
		title := r.Title
		if title == "" {
			title = r.TopicID
		}
		fmt.Fprintf(&sb, "%d. **%s** `%s` (%s)\n", i+1, title, r.TopicID, r.Relation)
	}

	if len(out.Dangling) > 0 {
		sb.WriteString("\n**Missing references:** ")
		names := make([]string, len(out.Dangling))
		for i, d := range out.Dangling {
			names[i] = fmt.Sprintf("`%s`", d)
		}
		sb.WriteString(strings.Join(names, ", "))
		sb.WriteString("\n")
	}

	return sb.String()
}

// FormatTopic renders a topic as a markdown document with a metadata header.
func FormatTopic(out TopicOutput) string {
	var sb strings.Builder
	title := out.Title
	if title == "" {
		title = out.TopicID
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "`%s` · version %d · modified %s by %s\n", out.TopicID, out.Version, out.LastModified, out.LastModifiedBy)
	if len(out.Keywords) > 0 {
		fmt.Fprintf(&sb, "**Keywords:** %s\n", strings.Join(out.Keywords, ", "))
	}
	if len(out.RelatedTopics) > 0 {
		fmt.Fprintf(&sb, "**Related:** %s\n", strings.Join(out.RelatedTopics, ", "))
	}
	if len(out.Citations) > 0 {
		fmt.Fprintf(&sb, "**Citations:** %s\n", strings.Join(out.Citations, ", "))
	}
	sb.WriteString("\n")
	sb.WriteString(out.Content)
	if !strings.HasSuffix(out.Content, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatSummary formats a single search hit.
func formatSummary(sb *strings.Builder, num int, r TopicSummary) {
	title := r.Title
	if title == "" {
		title = r.TopicID
	}
	fmt.Fprintf(sb, "### %d. %s\n", num, title)
	fmt.Fprintf(sb, "`%s`", r.TopicID)
	if r.LastModified != "" {
		fmt.Fprintf(sb, " · modified %s", r.LastModified)
	}
	sb.WriteString("\n")
	if len(r.Keywords) > 0 {
		fmt.Fprintf(sb, "**Keywords:** %s\n", strings.Join(r.Keywords, ", "))
	}
	sb.WriteString("\n")
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// formatTime renders t as RFC3339, or empty for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// nonNil keeps empty lists as [] in JSON output.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ToTopicOutput converts a stored topic to tool output.
func ToTopicOutput(t *topic.Topic) TopicOutput {
	if t == nil {
		return TopicOutput{}
	}
	return TopicOutput{
		TopicID:        t.ID,
		Title:          t.Title,
		Category:       t.Category(),
		Keywords:       nonNil(t.Keywords),
		RelatedTopics:  nonNil(t.RelatedTopics),
		Citations:      nonNil(t.Citations),
		Version:        t.Version,
		CreatedAt:      formatTime(t.CreatedAt),
		LastModified:   formatTime(t.LastModified),
		LastModifiedBy: t.LastModifiedBy,
		Content:        t.Content,
	}
}

func summaryFromMetadata(m *topic.Metadata) TopicSummary {
	return TopicSummary{
		TopicID:      m.ID,
		Title:        m.Title,
		Category:     m.Category(),
		Keywords:     nonNil(m.Keywords),
		LastModified: formatTime(m.LastModified),
	}
}

func summaryFromEntry(e *shard.IndexEntry) TopicSummary {
	return TopicSummary{
		TopicID:      e.TopicID,
		Title:        e.Title,
		Category:     e.Category,
		Keywords:     nonNil(e.Keywords),
		LastModified: formatTime(e.LastModified),
	}
}

// searchOutput truncates entries to limit, keeping the full total.
func searchOutput(query string, entries []shard.IndexEntry, limit int) SearchOutput {
	limit = clampLimit(limit, defaultSearchLimit, 1, maxResultLimit)
	out := SearchOutput{
		Query:   query,
		Total:   len(entries),
		Results: make([]TopicSummary, 0, min(limit, len(entries))),
	}
	for i := range entries {
		if len(out.Results) == limit {
			out.Truncated = true
			break
		}
		out.Results = append(out.Results, summaryFromEntry(&entries[i]))
	}
	return out
}

// ToStatsOutput flattens knowledge base statistics for tool output.
func ToStatsOutput(st *kb.Stats) StatsOutput {
	out := StatsOutput{
		Backend:        st.Backend,
		HolderID:       st.HolderID,
		Categories:     map[string]int{},
		TotalCitations: st.TotalCitations,
		TotalLogs:      st.TotalLogs,
		DirtyShards:    []string{},
		Lookups:        toLookupStats(st),
	}
	if idx := st.Index; idx != nil {
		out.IndexExists = idx.Exists
		out.Layout = idx.Layout
		out.Legacy = idx.Legacy
		out.Cache = idx.Cache
		out.DirtyShards = nonNil(idx.DirtyShards)
		for cat, n := range idx.CategoryCounts {
			out.Categories[cat] = n
		}
		if sum := idx.Summary; sum != nil {
			out.IndexType = sum.IndexType
			out.TotalTopics = sum.TotalTopics
			out.TotalKeywords = sum.TotalKeywords
			out.TotalCategories = sum.TotalCategories
			out.LastRebuilt = formatTime(sum.LastRebuilt)
			out.LastUpdated = formatTime(sum.LastUpdated)
		}
		if b := idx.Bloom; b != nil {
			out.Bloom = &BloomOutput{
				KeywordBits:    b.KeywordBits,
				KeywordCount:   b.KeywordCount,
				KeywordFPRate:  b.KeywordFPRate,
				CategoryBits:   b.CategoryBits,
				CategoryCount:  b.CategoryCount,
				CategoryFPRate: b.CategoryFPRate,
				HashCount:      b.HashCount,
			}
		}
	}
	return out
}

func toLookupStats(st *kb.Stats) LookupStatsOutput {
	out := LookupStatsOutput{
		Kinds:             map[string]int64{},
		TopTerms:          []TermCount{},
		ZeroResultQueries: []string{},
		Latency:           map[string]int64{},
	}
	snap := st.Lookups
	if snap == nil {
		return out
	}
	out.Total = snap.TotalLookups
	out.ZeroResultPct = snap.ZeroResultPercentage()
	for kind, n := range snap.KindCounts {
		out.Kinds[string(kind)] = n
	}
	for _, tc := range snap.TopTerms {
		out.TopTerms = append(out.TopTerms, TermCount{Term: tc.Term, Count: tc.Count})
	}
	out.ZeroResultQueries = nonNil(snap.ZeroResultQueries)
	for bucket, n := range snap.LatencyDistribution {
		out.Latency[string(bucket)] = n
	}
	return out
}

// ToRebuildOutput converts whichever rebuild mode ran into tool output.
func ToRebuildOutput(res *kb.RebuildResult) RebuildIndexOutput {
	switch {
	case res.Repair != nil:
		return RebuildIndexOutput{
			Mode:      "repair",
			Rewritten: nonNil(res.Repair.Rewritten),
			Removed:   nonNil(res.Repair.Removed),
		}
	case res.Plan != nil:
		plans := append([]shard.LayoutPlan(nil), res.Plan.Layouts...)
		sort.SliceStable(plans, func(i, j int) bool { return plans[i].Layout < plans[j].Layout })
		return RebuildIndexOutput{
			Mode:           "plan",
			PreviousLayout: res.Plan.Current,
			Topics:         res.Plan.Topics,
			Plans:          plans,
		}
	case res.Migration != nil:
		m := res.Migration
		return RebuildIndexOutput{
			Mode:           "migrate",
			Layout:         m.Target,
			PreviousLayout: m.Previous,
			Topics:         m.Topics,
			Keywords:       m.Keywords,
			Categories:     m.Categories,
			Backup:         m.Backup,
			DurationMS:     m.Duration.Milliseconds(),
			Warning:        migrationWarning,
		}
	default:
		return RebuildIndexOutput{}
	}
}

// ToCitationOutput converts a citation to tool output.
func ToCitationOutput(c *provenance.Citation) CitationOutput {
	return CitationOutput{
		CitationID:        c.ID,
		SourceDocument:    c.SourceDocument,
		ProcessedAt:       formatTime(c.ProcessedAt),
		ProcessedBy:       c.ProcessedBy,
		ContributedTopics: nonNil(c.ContributedTopics),
		Summary:           c.Summary,
	}
}
