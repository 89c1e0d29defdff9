// Package topic stores knowledge topics: a markdown content object and a
// JSON metadata object per topic.
//
// The metadata object is the commit record. It carries the topic version,
// which increases by exactly one per successful write, and the SHA-256 of
// the committed content so a reader can tell committed content apart from
// an interrupted write.
package topic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
)

// Uncategorized is the category of a topic whose id has a single segment.
const Uncategorized = "uncategorized"

const (
	topicsDir       = "topics"
	contentSuffix   = ".md"
	metadataSuffix  = ".meta.json"
	pendingInfix    = ".md.pending-"
	maxTopicIDLen   = 256
	appendSeparator = "\n\n"
)

var validSegment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Metadata is the persisted, authoritative description of a topic.
type Metadata struct {
	ID             string    `json:"topic_id"`
	Title          string    `json:"title"`
	Keywords       []string  `json:"keywords"`
	RelatedTopics  []string  `json:"related_topics"`
	Citations      []string  `json:"citations"`
	Version        int       `json:"version"`
	ContentSHA256  string    `json:"content_sha256,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastModified   time.Time `json:"last_modified"`
	LastModifiedBy string    `json:"last_modified_by"`
}

// Category returns the topic's category.
func (m *Metadata) Category() string {
	return CategoryOf(m.ID)
}

// Topic is a topic's metadata together with its content.
type Topic struct {
	Metadata
	Content string `json:"content"`
}

// ContentMode selects how a ContentPatch applies.
type ContentMode string

// Content modes.
const (
	ContentReplace ContentMode = "replace"
	ContentAppend  ContentMode = "append"
)

// ContentPatch changes a topic's content.
type ContentPatch struct {
	Mode ContentMode
	Text string
}

// MetadataPatch changes a topic's metadata. A nil field leaves the stored
// value unchanged; a non-nil empty slice clears it. Citations are always
// merged into the existing set.
type MetadataPatch struct {
	Title         *string
	Keywords      []string
	RelatedTopics []string
	Citations     []string
}

// ValidateID checks that id is a "category/name" style identifier made of
// one or more path segments.
func ValidateID(id string) error {
	if id == "" {
		return invalidID(id, "topic id cannot be empty")
	}
	if len(id) > maxTopicIDLen {
		return invalidID(id, fmt.Sprintf("topic id too long (max %d chars)", maxTopicIDLen))
	}
	for _, seg := range strings.Split(id, "/") {
		if !validSegment.MatchString(seg) {
			return invalidID(id, "topic id segments may only contain letters, numbers, '.', '-' and '_' and must not start with a symbol")
		}
		if strings.Contains(seg, pendingInfix) {
			return invalidID(id, "topic id uses a reserved suffix")
		}
	}
	return nil
}

func invalidID(id, msg string) error {
	return kberrors.New(kberrors.ErrCodeInvalidTopicID, msg, nil).
		WithDetail("topic_id", id).
		WithSuggestion("Use ids like 'python/gil'")
}

// CategoryOf returns the first segment of id, or Uncategorized when id
// has a single segment.
func CategoryOf(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return Uncategorized
}

// ContentPath returns the committed content object path for id.
func ContentPath(id string) string {
	return topicsDir + "/" + id + contentSuffix
}

// MetadataPath returns the metadata object path for id.
func MetadataPath(id string) string {
	return topicsDir + "/" + id + metadataSuffix
}

// PendingPath returns the staged content path for version of id written
// under the lease token. Writers racing from the same base version hold
// different leases and so never share a staged object.
func PendingPath(id string, version int, token string) string {
	return fmt.Sprintf("%s/%s%s%d-%s", topicsDir, id, pendingInfix, version, token)
}

// pendingPrefix is the listing prefix of every staged object of id.
func pendingPrefix(id string) string {
	return topicsDir + "/" + id + pendingInfix
}

// LeaseResource returns the lock resource guarding id.
func LeaseResource(id string) string {
	return topicsDir + "/" + id
}

// idFromMetadataPath reverses MetadataPath.
func idFromMetadataPath(p string) (string, bool) {
	if !strings.HasPrefix(p, topicsDir+"/") || !strings.HasSuffix(p, metadataSuffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(p, topicsDir+"/"), metadataSuffix), true
}

// parsePendingPath splits a staged content path into topic id and the
// version it was staged for.
func parsePendingPath(p string) (string, int, bool) {
	if !strings.HasPrefix(p, topicsDir+"/") {
		return "", 0, false
	}
	i := strings.LastIndex(p, pendingInfix)
	if i < 0 {
		return "", 0, false
	}
	rest := p[i+len(pendingInfix):]
	if j := strings.IndexByte(rest, '-'); j >= 0 {
		rest = rest[:j]
	}
	version, err := strconv.Atoi(rest)
	if err != nil || version < 1 {
		return "", 0, false
	}
	return p[len(topicsDir)+1 : i], version, true
}

// Digest returns the hex SHA-256 of content.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// apply merges patches into a copy of prev (nil for a fresh topic) and
// returns the new metadata and content. Version and timestamps are left
// for the caller.
func apply(id string, prev *Metadata, prevContent string, content *ContentPatch, patch MetadataPatch) (Metadata, string) {
	var next Metadata
	if prev != nil {
		next = *prev
	} else {
		next = Metadata{ID: id, Title: lastSegment(id)}
	}

	text := prevContent
	if content != nil {
		switch content.Mode {
		case ContentAppend:
			if text == "" {
				text = content.Text
			} else {
				text = text + appendSeparator + content.Text
			}
		default:
			text = content.Text
		}
	}

	if patch.Title != nil && strings.TrimSpace(*patch.Title) != "" {
		next.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Keywords != nil {
		next.Keywords = normalizeSet(patch.Keywords, "")
	}
	if patch.RelatedTopics != nil {
		next.RelatedTopics = normalizeSet(patch.RelatedTopics, id)
	}
	next.Citations = normalizeSet(append(append([]string(nil), next.Citations...), patch.Citations...), "")

	if next.Keywords == nil {
		next.Keywords = []string{}
	}
	if next.RelatedTopics == nil {
		next.RelatedTopics = []string{}
	}
	return next, text
}

// normalizeSet trims, drops empties and exclude, and removes duplicates
// while keeping first-seen order.
func normalizeSet(in []string, exclude string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || s == exclude {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func lastSegment(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}
