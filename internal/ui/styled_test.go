package ui

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlainStyled(buf *bytes.Buffer) *StyledRenderer {
	return NewStyledRenderer(NewConfig(buf, WithNoColor(true), WithTitle("/srv/kb")))
}

func TestStyledRenderer_StartPrintsHeader(t *testing.T) {
	buf := &bytes.Buffer{}
	r := newPlainStyled(buf)

	require.NoError(t, r.Start(context.Background()))

	assert.Equal(t, "Rebuilding index /srv/kb\n", buf.String())
}

func TestStyledRenderer_StageStrip(t *testing.T) {
	// Given: a styled renderer without colors
	buf := &bytes.Buffer{}
	r := newPlainStyled(buf)

	// When: reporting the validating stage
	r.UpdateProgress(ProgressEvent{Stage: StageValidating, Topics: 8})

	// Then: earlier stages are ticked and later ones open
	assert.Equal(t, "✓ Scanning › ✓ Building › ● Validating › ○ Swapping  8 topics\n", buf.String())
}

func TestStyledRenderer_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	r := newPlainStyled(buf)

	r.Fail(errors.New("lease lost"))

	assert.Contains(t, buf.String(), "Rebuild failed: lease lost")
}

func TestStyledRenderer_Complete(t *testing.T) {
	buf := &bytes.Buffer{}
	r := newPlainStyled(buf)

	r.Complete(CompletionStats{
		Target:     "v3",
		Previous:   "v1",
		Topics:     7,
		Keywords:   11,
		Categories: 2,
		Duration:   time.Second,
		Stages:     StageTimings{Scan: time.Millisecond},
	})
	require.NoError(t, r.Stop())

	out := buf.String()
	assert.Contains(t, out, "Index rebuilt")
	assert.Contains(t, out, "v1 → v3")
	assert.Contains(t, out, "Keywords")
	assert.Contains(t, out, "Scan:")
}

func TestStyledRenderer_SkipsStepEvents(t *testing.T) {
	buf := &bytes.Buffer{}
	r := newPlainStyled(buf)

	r.UpdateProgress(ProgressEvent{Stage: StageBuilding, Current: 4, Total: 9})

	assert.Empty(t, buf.String())
}
