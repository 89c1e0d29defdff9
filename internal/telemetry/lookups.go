// Package telemetry records how the knowledge base index is used.
//
// Metrics exports Prometheus collectors; Lookups keeps an in-process
// summary of recent searches (top terms, zero-result queries, latency
// buckets) that get_stats reports. Nothing leaves the process unless the
// metrics endpoint is enabled.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LookupKind classifies a search.
type LookupKind string

const (
	LookupKeyword  LookupKind = "keyword"
	LookupCategory LookupKind = "category"
	LookupRelated  LookupKind = "related"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// LookupEvent is one search against the index.
type LookupEvent struct {
	Kind        LookupKind
	Query       string
	ResultCount int
	Latency     time.Duration
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// TermCount represents a search term and how often it was looked up.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// LookupSnapshot is an immutable copy of the lookup statistics.
type LookupSnapshot struct {
	KindCounts          map[LookupKind]int64    `json:"kind_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalLookups        int64                   `json:"total_lookups"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the percentage of lookups with no results.
func (s *LookupSnapshot) ZeroResultPercentage() float64 {
	if s.TotalLookups == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalLookups) * 100
}

// Lookups collects search statistics. Safe for concurrent use.
type Lookups struct {
	mu sync.Mutex

	kinds           map[LookupKind]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	total           int64
	zeroResultCount int64
	since           time.Time
}

// NewLookups creates a collector tracking up to termCapacity distinct
// terms and the last zeroCapacity zero-result queries.
func NewLookups(termCapacity, zeroCapacity int) *Lookups {
	if termCapacity <= 0 {
		termCapacity = 100
	}
	topTerms, _ := lru.New[string, int64](termCapacity)
	return &Lookups{
		kinds:       make(map[LookupKind]int64),
		topTerms:    topTerms,
		zeroResults: NewCircularBuffer[string](zeroCapacity),
		latencies:   make(map[LatencyBucket]int64),
		since:       time.Now(),
	}
}

// Record captures one lookup. A nil collector ignores it.
func (l *Lookups) Record(event LookupEvent) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.kinds[event.Kind]++
	l.total++
	for _, term := range strings.Fields(strings.ToLower(event.Query)) {
		count, _ := l.topTerms.Get(term)
		l.topTerms.Add(term, count+1)
	}
	if event.ResultCount == 0 {
		l.zeroResults.Add(string(event.Kind) + ":" + event.Query)
		l.zeroResultCount++
	}
	l.latencies[LatencyToBucket(event.Latency)]++
}

// Snapshot returns the current statistics.
func (l *Lookups) Snapshot() *LookupSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	kinds := make(map[LookupKind]int64, len(l.kinds))
	for k, v := range l.kinds {
		kinds[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(l.latencies))
	for k, v := range l.latencies {
		latencies[k] = v
	}

	var top []TermCount
	for _, key := range l.topTerms.Keys() {
		if count, ok := l.topTerms.Peek(key); ok {
			top = append(top, TermCount{Term: key, Count: count})
		}
	}
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Term < top[j].Term
	})

	return &LookupSnapshot{
		KindCounts:          kinds,
		TopTerms:            top,
		ZeroResultQueries:   l.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalLookups:        l.total,
		ZeroResultCount:     l.zeroResultCount,
		Since:               l.since,
	}
}
