// Package shard maintains the topic index and answers keyword, category
// and topic lookups from it.
//
// Three on-storage layouts exist. v1 keeps everything in two monolithic
// objects. v2 splits keywords by first-letter range, topics by category
// and by hash. v3 adds a second keyword tier with one object per keyword
// and uses one hundred topic shards. The summary object names the active
// layout; every lookup reads it first and routes by its version, so two
// layouts are never consulted together.
package shard

import (
	"strconv"
	"strings"
	"time"

	"github.com/Aman-CERP/kbindex/internal/config"
	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/topic"
)

// Layout identifies an index format version.
type Layout int

// Index layouts.
const (
	V1 Layout = 1
	V2 Layout = 2
	V3 Layout = 3
)

// String returns "v1", "v2" or "v3".
func (l Layout) String() string {
	switch l {
	case V1, V2, V3:
		return "v" + strconv.Itoa(int(l))
	default:
		return "unknown"
	}
}

// SummaryVersion returns the version string written to summary.json.
func (l Layout) SummaryVersion() string {
	switch l {
	case V1:
		return "1.0.0"
	case V2:
		return "2.0.0"
	case V3:
		return "3.0.0"
	default:
		return ""
	}
}

// IndexType returns the index_type string written to summary.json.
func (l Layout) IndexType() string {
	switch l {
	case V1:
		return "monolithic"
	case V2:
		return "sharded"
	case V3:
		return "2-tier-sharded"
	default:
		return ""
	}
}

// ParseLayout accepts "v2", "2", "2.0.0" or an index type such as
// "sharded".
func ParseLayout(s string) (Layout, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, l := range []Layout{V1, V2, V3} {
		if s == l.String() || s == l.String()[1:] || s == l.SummaryVersion() || s == l.IndexType() {
			return l, nil
		}
	}
	if s == "1.0" {
		return V1, nil
	}
	return 0, kberrors.Newf(kberrors.ErrCodeUnknownLayout, "unknown index layout %q", s).
		WithSuggestion("Use v1, v2 or v3")
}

// Object names relative to an index root.
const (
	SummaryFile       = "summary.json"
	topicsIndexFile   = "topics_index.json"
	invertedIndexFile = "inverted_index.json"
	keywordShardDir   = "shards/keywords"
	categoryShardDir  = "shards/categories"
	topicShardDir     = "shards/topics"
)

// ShardConfig records how the layout partitions its data, so readers
// resolve shards the way the writer built them.
type ShardConfig struct {
	KeywordShards  []string              `json:"keyword_shards,omitempty"`
	KeywordRanges  []config.KeywordRange `json:"keyword_ranges,omitempty"`
	KeywordTier    string                `json:"keyword_tier,omitempty"`
	TopicShards    int                   `json:"topic_shards,omitempty"`
	CategoryShards string                `json:"category_shards,omitempty"`
}

// Summary is the small global snapshot read before every lookup.
type Summary struct {
	Version         string      `json:"version"`
	IndexType       string      `json:"index_type"`
	TotalTopics     int         `json:"total_topics"`
	TotalKeywords   int         `json:"total_keywords"`
	TotalCategories int         `json:"total_categories"`
	Categories      []string    `json:"categories"`
	LastRebuilt     time.Time   `json:"last_rebuilt"`
	LastUpdated     time.Time   `json:"last_updated"`
	ShardConfig     ShardConfig `json:"shard_config"`
}

// Layout returns the layout the summary declares.
func (s *Summary) Layout() (Layout, error) {
	l, err := ParseLayout(s.Version)
	if err != nil {
		return ParseLayout(s.IndexType)
	}
	return l, nil
}

// IndexEntry is the projection of a topic stored in index shards. It is
// never authoritative and can always be rebuilt from topic metadata.
type IndexEntry struct {
	TopicID        string    `json:"topic_id"`
	Title          string    `json:"title"`
	Keywords       []string  `json:"keywords"`
	Category       string    `json:"category"`
	RelatedTopics  []string  `json:"related_topics"`
	LastModified   time.Time `json:"last_modified"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
	Version        int       `json:"version,omitempty"`
}

// EntryFromMetadata projects topic metadata into an index entry.
func EntryFromMetadata(m *topic.Metadata) IndexEntry {
	return IndexEntry{
		TopicID:        m.ID,
		Title:          m.Title,
		Keywords:       append([]string{}, m.Keywords...),
		Category:       topic.CategoryOf(m.ID),
		RelatedTopics:  append([]string{}, m.RelatedTopics...),
		LastModified:   m.LastModified,
		LastModifiedBy: m.LastModifiedBy,
		Version:        m.Version,
	}
}

// IndexKeywords returns the entry's lookup keys: lower-cased, trimmed and
// de-duplicated keywords.
func (e *IndexEntry) IndexKeywords() []string {
	return normalizeKeywords(e.Keywords)
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// titleWords returns the lower-cased title words of at least two
// characters.
func titleWords(title string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		if len(w) >= 2 {
			words = append(words, w)
		}
	}
	return normalizeKeywords(words)
}

// TopicsIndexV1 is the v1 monolithic entry table.
type TopicsIndexV1 struct {
	RebuiltAt time.Time             `json:"rebuilt_at"`
	Topics    map[string]IndexEntry `json:"topics"`
}

// InvertedIndexV1 is the v1 monolithic keyword table.
type InvertedIndexV1 struct {
	Keywords map[string][]string `json:"keywords"`
}

// KeywordShard is a v2 keyword range shard.
type KeywordShard struct {
	ShardID        string              `json:"shard_id"`
	KeywordCount   int                 `json:"keyword_count"`
	TitleWordCount int                 `json:"title_word_count"`
	Keywords       map[string][]string `json:"keywords"`
	Titles         map[string][]string `json:"titles"`
}

// KeywordSummary is the first tier of a v3 keyword range.
type KeywordSummary struct {
	ShardID      string   `json:"shard_id"`
	KeywordCount int      `json:"keyword_count"`
	Keywords     []string `json:"keywords"`
}

// KeywordLeaf is the second tier of a v3 keyword range: one keyword.
type KeywordLeaf struct {
	Keyword    string   `json:"keyword"`
	TopicCount int      `json:"topic_count"`
	Topics     []string `json:"topics"`
}

// CategoryShard holds every entry of one category.
type CategoryShard struct {
	Category   string                `json:"category"`
	TopicCount int                   `json:"topic_count"`
	Topics     map[string]IndexEntry `json:"topics"`
}

// TopicShard holds the entries whose id hashes to ShardID.
type TopicShard struct {
	ShardID    int                   `json:"shard_id"`
	TopicCount int                   `json:"topic_count"`
	Topics     map[string]IndexEntry `json:"topics"`
}
