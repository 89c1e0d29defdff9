package bloom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kberrors "github.com/Aman-CERP/kbindex/internal/errors"
	"github.com/Aman-CERP/kbindex/internal/storage"
)

// FileName is the object name of a persisted Multi under an index root.
const FileName = "bloom.json"

// Multi pairs a keyword filter with a category filter.
type Multi struct {
	Keywords   *Filter   `json:"keywords"`
	Categories *Filter   `json:"categories"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMulti sizes each filter for its expected key count.
func NewMulti(keywords, categories uint, fpRate float64, k uint) *Multi {
	return &Multi{
		Keywords:   New(keywords, fpRate, k),
		Categories: New(categories, fpRate, k),
		CreatedAt:  time.Now().UTC(),
	}
}

// AddKeyword inserts a keyword.
func (m *Multi) AddKeyword(keyword string) { m.Keywords.Add(keyword) }

// AddCategory inserts a category.
func (m *Multi) AddCategory(category string) { m.Categories.Add(category) }

// MayContainKeyword reports whether keyword may have been added.
func (m *Multi) MayContainKeyword(keyword string) bool { return m.Keywords.MayContain(keyword) }

// MayContainCategory reports whether category may have been added.
func (m *Multi) MayContainCategory(category string) bool {
	return m.Categories.MayContain(category)
}

// Saturated reports whether either filter has taken so many keys that its
// estimated false-positive rate exceeds twice target.
func (m *Multi) Saturated(target float64) bool {
	if target <= 0 || target >= 1 {
		target = DefaultFPRate
	}
	return m.Keywords.EstimatedFPRate() > 2*target || m.Categories.EstimatedFPRate() > 2*target
}

// Stats describes a Multi for reporting.
type Stats struct {
	KeywordBits       uint    `json:"keyword_bits"`
	KeywordCount      uint    `json:"keyword_count"`
	KeywordFPRate     float64 `json:"keyword_fp_rate"`
	CategoryBits      uint    `json:"category_bits"`
	CategoryCount     uint    `json:"category_count"`
	CategoryFPRate    float64 `json:"category_fp_rate"`
	HashCount         uint    `json:"hash_count"`
	KeywordFillRatio  float64 `json:"keyword_fill_ratio"`
	CategoryFillRatio float64 `json:"category_fill_ratio"`
}

// Stats returns the sizes and estimated false-positive rates.
func (m *Multi) Stats() Stats {
	return Stats{
		KeywordBits:       m.Keywords.Size(),
		KeywordCount:      m.Keywords.Count(),
		KeywordFPRate:     m.Keywords.EstimatedFPRate(),
		CategoryBits:      m.Categories.Size(),
		CategoryCount:     m.Categories.Count(),
		CategoryFPRate:    m.Categories.EstimatedFPRate(),
		HashCount:         m.Keywords.HashCount(),
		KeywordFillRatio:  m.Keywords.FillRatio(),
		CategoryFillRatio: m.Categories.FillRatio(),
	}
}

// Save writes m to root/bloom.json.
func (m *Multi) Save(ctx context.Context, b storage.Backend, root string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode bloom filter: %w", err)
	}
	return b.Write(ctx, root+"/"+FileName, data)
}

// Load reads root/bloom.json. A missing file yields an error matching
// kberrors.ErrNotFound; an unreadable one matches kberrors.ErrShardCorrupt.
func Load(ctx context.Context, b storage.Backend, root string) (*Multi, error) {
	p := root + "/" + FileName
	data, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	var m Multi
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeShardCorrupt, "bloom filter is corrupt", err).
			WithDetail("shard", FileName).
			WithDetail("path", p)
	}
	if m.Keywords == nil || m.Categories == nil {
		return nil, kberrors.Newf(kberrors.ErrCodeShardCorrupt, "bloom filter is incomplete").
			WithDetail("shard", FileName).
			WithDetail("path", p)
	}
	return &m, nil
}
