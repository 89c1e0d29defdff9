package shard

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/Aman-CERP/kbindex/internal/config"
)

// keyspace resolves keys to shard object names for one layout.
type keyspace struct {
	layout      Layout
	ranges      []config.KeywordRange
	topicShards int
}

func newKeyspace(layout Layout, cfg ShardConfig) keyspace {
	ranges := cfg.KeywordRanges
	if len(ranges) == 0 {
		ranges = config.DefaultKeywordRanges()
	}
	n := cfg.TopicShards
	if n <= 0 {
		n = defaultTopicShards(layout)
	}
	return keyspace{layout: layout, ranges: ranges, topicShards: n}
}

func defaultTopicShards(l Layout) int {
	if l == V3 {
		return 100
	}
	return 10
}

func (k keyspace) shardConfig() ShardConfig {
	names := make([]string, len(k.ranges))
	for i, r := range k.ranges {
		names[i] = r.Name
	}
	cfg := ShardConfig{}
	if k.layout == V1 {
		return cfg
	}
	cfg.KeywordShards = names
	cfg.KeywordRanges = k.ranges
	cfg.TopicShards = k.topicShards
	cfg.CategoryShards = "dynamic"
	if k.layout == V3 {
		cfg.KeywordTier = "2-tier (summary + individual files)"
	}
	return cfg
}

// rangeFor returns the keyword range holding keyword. Keywords that do not
// start with a character inside any range go to the last range.
func (k keyspace) rangeFor(keyword string) string {
	r, _ := utf8.DecodeRuneInString(keyword)
	if r != utf8.RuneError && r < utf8.RuneSelf {
		c := strings.ToLower(string(r))
		for _, kr := range k.ranges {
			if c >= kr.Start && c <= kr.End {
				return kr.Name
			}
		}
	}
	return k.ranges[len(k.ranges)-1].Name
}

// topicShard returns xxhash64(topicID) mod N.
func (k keyspace) topicShard(topicID string) int {
	return int(xxhash.Sum64String(topicID) % uint64(k.topicShards))
}

func (k keyspace) topicShardPath(i int) string {
	if k.layout == V3 {
		return fmt.Sprintf("%s/shard_%02d.json", topicShardDir, i)
	}
	return fmt.Sprintf("%s/shard_%d.json", topicShardDir, i)
}

func (k keyspace) topicShardPathFor(topicID string) string {
	return k.topicShardPath(k.topicShard(topicID))
}

// keywordShardPath is the v2 range shard, or the v3 range summary.
func (k keyspace) keywordShardPath(rangeName string) string {
	if k.layout == V3 {
		return keywordShardDir + "/" + rangeName + ".summary.json"
	}
	return keywordShardDir + "/" + rangeName + ".json"
}

// leafPath is the v3 per-keyword object. The keyword is path-escaped so
// any keyword maps to a single safe path segment. A leading dot is escaped
// too: backends hide dot-prefixed names as temporary files.
func (k keyspace) leafPath(keyword string) string {
	name := url.PathEscape(keyword)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return keywordShardDir + "/" + k.rangeFor(keyword) + "/" + name + ".json"
}

func categoryShardPath(category string) string {
	return categoryShardDir + "/" + category + ".json"
}
