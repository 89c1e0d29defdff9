// Package bloom provides the probabilistic existence filter the index
// consults before reading a shard.
//
// A Filter can answer "definitely absent" or "maybe present". A negative
// answer lets a lookup return an empty result without any shard I/O; a
// positive answer still requires the shard read. Keys are case-folded on
// insert and on query. Filters only grow: deleted keys stay set until the
// filter is rebuilt.
package bloom

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// Sizing defaults.
const (
	DefaultFPRate    = 0.01
	DefaultHashCount = 7
	minBits          = 64
)

// OptimalBits returns m = ceil(-n ln p / (ln 2)^2), at least 64.
func OptimalBits(expected uint, fpRate float64) uint {
	if expected == 0 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFPRate
	}
	m := math.Ceil(-float64(expected) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if m < minBits {
		return minBits
	}
	return uint(m)
}

// Filter is a fixed-size Bloom filter with double hashing over xxhash64.
type Filter struct {
	bits  *bitset.BitSet
	m     uint
	k     uint
	count uint
}

// New creates a filter sized for expected keys at fpRate, using k hash
// positions per key (DefaultHashCount when zero).
func New(expected uint, fpRate float64, k uint) *Filter {
	return NewWithSize(OptimalBits(expected, fpRate), k)
}

// NewWithSize creates a filter with exactly m bits.
func NewWithSize(m, k uint) *Filter {
	if m < minBits {
		m = minBits
	}
	if k == 0 {
		k = DefaultHashCount
	}
	return &Filter{bits: bitset.New(m), m: m, k: k}
}

// Add inserts key. After Add(key), MayContain(key) is always true.
func (f *Filter) Add(key string) {
	h1, h2 := hashes(key)
	for i := uint(0); i < f.k; i++ {
		f.bits.Set(f.position(h1, h2, i))
	}
	f.count++
}

// MayContain reports false only when key was never added.
func (f *Filter) MayContain(key string) bool {
	h1, h2 := hashes(key)
	for i := uint(0); i < f.k; i++ {
		if !f.bits.Test(f.position(h1, h2, i)) {
			return false
		}
	}
	return true
}

// Size returns the number of bits.
func (f *Filter) Size() uint { return f.m }

// HashCount returns the number of bit positions per key.
func (f *Filter) HashCount() uint { return f.k }

// Count returns the number of Add calls.
func (f *Filter) Count() uint { return f.count }

// FillRatio returns the fraction of bits set.
func (f *Filter) FillRatio() float64 {
	return float64(f.bits.Count()) / float64(f.m)
}

// EstimatedFPRate returns (1 - e^(-kn/m))^k for the keys added so far.
func (f *Filter) EstimatedFPRate() float64 {
	if f.count == 0 {
		return 0
	}
	kn := float64(f.k) * float64(f.count)
	return math.Pow(1-math.Exp(-kn/float64(f.m)), float64(f.k))
}

func (f *Filter) position(h1, h2 uint64, i uint) uint {
	return uint((h1 + uint64(i)*h2) % uint64(f.m))
}

// hashes derives the two double-hashing seeds from one xxhash64 digest.
// h2 is forced odd so successive positions never collapse onto h1.
func hashes(key string) (h1, h2 uint64) {
	h1 = xxhash.Sum64String(strings.ToLower(key))
	h2 = (h1>>32 | h1<<32) ^ 0x9e3779b97f4a7c15
	return h1, h2 | 1
}

type filterJSON struct {
	Size      uint           `json:"size"`
	HashCount uint           `json:"hash_count"`
	Count     uint           `json:"items_added"`
	Bits      *bitset.BitSet `json:"bits"`
}

// MarshalJSON implements json.Marshaler.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(filterJSON{Size: f.m, HashCount: f.k, Count: f.count, Bits: f.bits})
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var w filterJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Size < minBits || w.HashCount == 0 || w.Bits == nil {
		return fmt.Errorf("bloom: invalid filter (size=%d hash_count=%d)", w.Size, w.HashCount)
	}
	if w.Bits.Len() < w.Size {
		return fmt.Errorf("bloom: bit array shorter than declared size %d", w.Size)
	}
	f.bits, f.m, f.k, f.count = w.Bits, w.Size, w.HashCount, w.Count
	return nil
}
