package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer outputs plain text progress (for CI/pipes).
type PlainRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	if event.IsStep() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// Format: [STAGE] n topics - message
	switch {
	case event.Message != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
	case event.Topics > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d topics\n", event.Stage.Icon(), event.Topics)
	default:
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Stage)
	}
}

// Fail implements Renderer.
func (r *PlainRenderer) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "ERROR: %v\n", err)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d topics, %d keywords, %d categories indexed as %s in %s",
		stats.Topics, stats.Keywords, stats.Categories, stats.Target, stats.Duration.Round(100*time.Millisecond))
	if stats.Previous != "" && stats.Previous != stats.Target {
		_, _ = fmt.Fprintf(r.out, " (was %s)", stats.Previous)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.Stages.Scan > 0 || stats.Stages.Build > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "Stage Breakdown:")
		for _, line := range stageLines(stats.Stages) {
			_, _ = fmt.Fprintf(r.out, "  %s\n", line)
		}
	}

	if stats.Backup != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "Backup: %s\n", stats.Backup)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

func stageLines(t StageTimings) []string {
	round := func(d time.Duration) time.Duration { return d.Round(time.Millisecond) }
	return []string{
		fmt.Sprintf("Scan:     %s", round(t.Scan)),
		fmt.Sprintf("Build:    %s", round(t.Build)),
		fmt.Sprintf("Validate: %s", round(t.Validate)),
		fmt.Sprintf("Swap:     %s", round(t.Swap)),
	}
}
