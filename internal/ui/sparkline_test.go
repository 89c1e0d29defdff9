package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSparkline(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		want   string
	}{
		{"empty", nil, ""},
		{"all zero", []int64{0, 0, 0}, "▁▁▁"},
		{"scaled to max", []int64{0, 7, 14}, "▁▄█"},
		{"small non-zero is visible", []int64{1, 100}, "▂█"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sparkline(tt.values))
		})
	}
}

func TestFillBar(t *testing.T) {
	assert.Equal(t, "", FillBar(0.5, 0))
	assert.Equal(t, "░░░░", FillBar(0, 4))
	assert.Equal(t, "██░░", FillBar(0.5, 4))
	assert.Equal(t, "████", FillBar(3, 4))
	assert.Equal(t, "░░░░", FillBar(-1, 4))
}
