package mcp

import "github.com/Aman-CERP/kbindex/internal/shard"

// TopicIDInput identifies one topic.
type TopicIDInput struct {
	TopicID string `json:"topic_id" jsonschema:"topic id such as python/gil"`
}

// CreateOrUpdateTopicInput defines the input schema for the create_or_update_topic tool.
type CreateOrUpdateTopicInput struct {
	TopicID         string   `json:"topic_id" jsonschema:"topic id such as python/gil; the first segment is the category"`
	Title           *string  `json:"title,omitempty" jsonschema:"topic title; omitted keeps the current title"`
	Content         *string  `json:"content,omitempty" jsonschema:"markdown content replacing the current content; omitted keeps it"`
	Keywords        []string `json:"keywords,omitempty" jsonschema:"keywords used by search_by_keyword; omitted keeps the current set"`
	RelatedTopics   []string `json:"related_topics,omitempty" jsonschema:"ids of explicitly related topics; omitted keeps the current set"`
	Citations       []string `json:"citations,omitempty" jsonschema:"citation ids merged into the topic's citations"`
	ExpectedVersion *int     `json:"expected_version,omitempty" jsonschema:"fail with a conflict unless the stored version equals this; 0 means the topic must not exist"`
	WriterID        string   `json:"writer_id,omitempty" jsonschema:"identifies the writer in metadata and logs"`
}

// AppendToTopicInput defines the input schema for the append_to_topic tool.
type AppendToTopicInput struct {
	TopicID    string `json:"topic_id" jsonschema:"id of an existing topic"`
	Content    string `json:"content" jsonschema:"markdown appended after a blank line"`
	CitationID string `json:"citation_id,omitempty" jsonschema:"citation backing the appended content"`
	WriterID   string `json:"writer_id,omitempty" jsonschema:"identifies the writer in metadata and logs"`
}

// TopicOutput is a topic's metadata and, when read, its content.
type TopicOutput struct {
	TopicID        string   `json:"topic_id"`
	Title          string   `json:"title"`
	Category       string   `json:"category"`
	Keywords       []string `json:"keywords"`
	RelatedTopics  []string `json:"related_topics"`
	Citations      []string `json:"citations"`
	Version        int      `json:"version"`
	CreatedAt      string   `json:"created_at,omitempty"`
	LastModified   string   `json:"last_modified"`
	LastModifiedBy string   `json:"last_modified_by"`
	Content        string   `json:"content,omitempty"`
}

// DeleteTopicOutput confirms a deletion.
type DeleteTopicOutput struct {
	TopicID string `json:"topic_id"`
	Deleted bool   `json:"deleted"`
}

// ListTopicsInput defines the input schema for the list_topics tool.
type ListTopicsInput struct {
	Category string `json:"category,omitempty" jsonschema:"restrict to one category; empty lists every topic"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of topics, default 100"`
}

// TopicSummary is one topic in a listing or search result.
type TopicSummary struct {
	TopicID      string   `json:"topic_id"`
	Title        string   `json:"title"`
	Category     string   `json:"category"`
	Keywords     []string `json:"keywords"`
	LastModified string   `json:"last_modified,omitempty"`
}

// ListTopicsOutput defines the output schema for the list_topics tool.
type ListTopicsOutput struct {
	Category  string         `json:"category,omitempty"`
	Total     int            `json:"total"`
	Truncated bool           `json:"truncated,omitempty"`
	Topics    []TopicSummary `json:"topics"`
}

// SearchByKeywordInput defines the input schema for the search_by_keyword tool.
type SearchByKeywordInput struct {
	Query string `json:"query" jsonschema:"one or more whitespace-separated keywords; topics matching any keyword are returned"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 50"`
}

// SearchByCategoryInput defines the input schema for the search_by_category tool.
type SearchByCategoryInput struct {
	Category string `json:"category" jsonschema:"category name, the first segment of topic ids"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 50"`
}

// SearchOutput defines the output schema for the search tools.
type SearchOutput struct {
	Query     string         `json:"query"`
	Total     int            `json:"total"`
	Truncated bool           `json:"truncated,omitempty"`
	Results   []TopicSummary `json:"results"`
}

// RelatedTopicOutput is one related topic.
type RelatedTopicOutput struct {
	TopicID  string `json:"topic_id"`
	Title    string `json:"title"`
	Relation string `json:"relation" jsonschema:"explicit or keyword_similarity"`
}

// RelatedOutput defines the output schema for the get_related_topics tool.
type RelatedOutput struct {
	SourceTopic string               `json:"source_topic"`
	Related     []RelatedTopicOutput `json:"related_topics"`
	Dangling    []string             `json:"dangling,omitempty" jsonschema:"explicit references to topics that no longer exist"`
}

// StatsInput defines the input schema for the get_stats tool (no parameters).
type StatsInput struct{}

// StatsOutput defines the output schema for the get_stats tool.
type StatsOutput struct {
	Backend         string            `json:"backend"`
	HolderID        string            `json:"holder_id"`
	IndexExists     bool              `json:"index_exists"`
	Layout          string            `json:"layout,omitempty"`
	IndexType       string            `json:"index_type,omitempty"`
	Legacy          bool              `json:"legacy,omitempty"`
	TotalTopics     int               `json:"total_topics"`
	TotalKeywords   int               `json:"total_keywords"`
	TotalCategories int               `json:"total_categories"`
	Categories      map[string]int    `json:"categories"`
	LastRebuilt     string            `json:"last_rebuilt,omitempty"`
	LastUpdated     string            `json:"last_updated,omitempty"`
	TotalCitations  int               `json:"total_citations"`
	TotalLogs       int               `json:"total_logs"`
	DirtyShards     []string          `json:"dirty_shards"`
	Bloom           *BloomOutput      `json:"bloom,omitempty"`
	Cache           shard.CacheStats  `json:"cache"`
	Lookups         LookupStatsOutput `json:"lookups"`
}

// BloomOutput reports bloom filter sizing.
type BloomOutput struct {
	KeywordBits    uint    `json:"keyword_bits"`
	KeywordCount   uint    `json:"keyword_count"`
	KeywordFPRate  float64 `json:"keyword_fp_rate"`
	CategoryBits   uint    `json:"category_bits"`
	CategoryCount  uint    `json:"category_count"`
	CategoryFPRate float64 `json:"category_fp_rate"`
	HashCount      uint    `json:"hash_count"`
}

// LookupStatsOutput summarises the lookups served by this process.
type LookupStatsOutput struct {
	Total             int64            `json:"total"`
	ZeroResultPct     float64          `json:"zero_result_pct"`
	Kinds             map[string]int64 `json:"kinds"`
	TopTerms          []TermCount      `json:"top_terms"`
	ZeroResultQueries []string         `json:"zero_result_queries"`
	Latency           map[string]int64 `json:"latency_distribution"`
}

// TermCount represents a term and its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// RebuildIndexInput defines the input schema for the rebuild_index tool.
type RebuildIndexInput struct {
	TargetVersion string `json:"target_version,omitempty" jsonschema:"v1, v2 or v3; empty keeps the current layout"`
	Force         bool   `json:"force,omitempty" jsonschema:"skip the comparison with the live index"`
	Repair        bool   `json:"repair,omitempty" jsonschema:"only rewrite index objects flagged as corrupt"`
	DryRun        bool   `json:"dry_run,omitempty" jsonschema:"report what each layout would contain without writing"`
}

// RebuildIndexOutput defines the output schema for the rebuild_index tool.
type RebuildIndexOutput struct {
	Mode           string             `json:"mode" jsonschema:"migrate, repair or plan"`
	Layout         string             `json:"layout,omitempty"`
	PreviousLayout string             `json:"previous_layout,omitempty"`
	Topics         int                `json:"topics"`
	Keywords       int                `json:"keywords"`
	Categories     int                `json:"categories"`
	Backup         string             `json:"backup,omitempty"`
	DurationMS     int64              `json:"duration_ms,omitempty"`
	Rewritten      []string           `json:"rewritten,omitempty"`
	Removed        []string           `json:"removed,omitempty"`
	Plans          []shard.LayoutPlan `json:"plans,omitempty"`
	Warning        string             `json:"warning,omitempty"`
}

// RecordCitationInput defines the input schema for the record_citation tool.
type RecordCitationInput struct {
	SourceDocument    string   `json:"source_document" jsonschema:"path or URL of the processed document"`
	Summary           string   `json:"summary,omitempty" jsonschema:"what the document contributed"`
	ContributedTopics []string `json:"contributed_topics,omitempty" jsonschema:"ids of topics the document contributed to"`
	WriterID          string   `json:"writer_id,omitempty" jsonschema:"identifies the writer that processed the document"`
}

// GetCitationInput defines the input schema for the get_citation tool.
type GetCitationInput struct {
	CitationID string `json:"citation_id" jsonschema:"id returned by record_citation"`
}

// CitationOutput is one citation.
type CitationOutput struct {
	CitationID        string   `json:"citation_id"`
	SourceDocument    string   `json:"source_document"`
	ProcessedAt       string   `json:"processed_at"`
	ProcessedBy       string   `json:"processed_by"`
	ContributedTopics []string `json:"contributed_topics"`
	Summary           string   `json:"summary"`
}

// RecordLogEntryInput defines the input schema for the record_log_entry tool.
type RecordLogEntryInput struct {
	WriterID  string         `json:"writer_id,omitempty" jsonschema:"identifies the writer"`
	Operation string         `json:"operation" jsonschema:"operation name such as ingest or query"`
	Details   map[string]any `json:"details,omitempty" jsonschema:"free-form operation details"`
}

// LogEntryOutput confirms a recorded log entry.
type LogEntryOutput struct {
	LogID     string `json:"log_id"`
	Timestamp string `json:"timestamp"`
	WriterID  string `json:"agent_id"`
	Operation string `json:"operation"`
}
