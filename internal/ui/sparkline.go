package ui

import (
	"strings"
)

// SparklineChars are the block characters for rendering sparklines,
// eight levels from empty to full.
var SparklineChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline renders counts as one block character each, scaled to the
// largest value. Zero counts render as the lowest block.
func Sparkline(values []int64) string {
	var max int64
	for _, v := range values {
		if v > max {
			max = v
		}
	}

	var sb strings.Builder
	sb.Grow(len(values) * 3)
	for _, v := range values {
		idx := 0
		if max > 0 && v > 0 {
			idx = int(float64(v) / float64(max) * float64(len(SparklineChars)-1))
			if idx < 1 {
				idx = 1
			}
		}
		sb.WriteRune(SparklineChars[idx])
	}
	return sb.String()
}

// FillBar renders ratio in [0,1] as a bar of width cells.
func FillBar(ratio float64, width int) string {
	if width <= 0 {
		return ""
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio*float64(width) + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
