package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// stageOrder is the sequence shown in the styled stage strip.
var stageOrder = []Stage{StageScanning, StageBuilding, StageValidating, StageSwapping}

// StyledRenderer prints colored, line-oriented progress for terminals.
type StyledRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	styles Styles
	title  string
}

// NewStyledRenderer creates a styled renderer.
func NewStyledRenderer(cfg Config) *StyledRenderer {
	return &StyledRenderer{
		out:    cfg.Output,
		styles: GetStyles(cfg.NoColor),
		title:  cfg.Title,
	}
}

// Start implements Renderer.
func (r *StyledRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := "Rebuilding index"
	if r.title != "" {
		header += " " + r.styles.Dim.Render(r.title)
	}
	_, _ = fmt.Fprintln(r.out, r.styles.Header.Render(header))
	return nil
}

// UpdateProgress implements Renderer.
func (r *StyledRenderer) UpdateProgress(event ProgressEvent) {
	if event.IsStep() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	line := r.stageStrip(event.Stage)
	if event.Topics > 0 {
		line += "  " + r.styles.Label.Render(fmt.Sprintf("%d topics", event.Topics))
	}
	if event.Message != "" {
		line += "  " + event.Message
	}
	_, _ = fmt.Fprintln(r.out, line)
}

// stageStrip renders every stage with the current one highlighted and
// finished ones marked.
func (r *StyledRenderer) stageStrip(current Stage) string {
	parts := make([]string, 0, len(stageOrder))
	for _, s := range stageOrder {
		switch {
		case s == current:
			parts = append(parts, r.styles.Active.Render("● "+s.String()))
		case s < current:
			parts = append(parts, r.styles.Success.Render("✓ "+s.String()))
		default:
			parts = append(parts, r.styles.Stage.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, r.styles.Dim.Render(" › "))
}

// Fail implements Renderer.
func (r *StyledRenderer) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintln(r.out, r.styles.Error.Render("✗ Rebuild failed: ")+err.Error())
}

// Complete implements Renderer.
func (r *StyledRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	layout := stats.Target
	if stats.Previous != "" && stats.Previous != stats.Target {
		layout = stats.Previous + " → " + stats.Target
	}

	rows := [][2]string{
		{"Layout", layout},
		{"Topics", fmt.Sprintf("%d", stats.Topics)},
		{"Keywords", fmt.Sprintf("%d", stats.Keywords)},
		{"Categories", fmt.Sprintf("%d", stats.Categories)},
		{"Duration", stats.Duration.Round(10 * time.Millisecond).String()},
	}
	if stats.Backup != "" {
		rows = append(rows, [2]string{"Backup", stats.Backup})
	}

	lines := make([]string, 0, len(rows)+5)
	lines = append(lines, r.styles.Success.Render("✓ Index rebuilt"))
	for _, row := range rows {
		lines = append(lines, r.styles.Label.Render(fmt.Sprintf("%-11s", row[0]))+r.styles.Value.Render(row[1]))
	}
	if stats.Stages.Scan > 0 || stats.Stages.Build > 0 {
		lines = append(lines, "")
		for _, l := range stageLines(stats.Stages) {
			lines = append(lines, r.styles.Dim.Render(l))
		}
	}

	_, _ = fmt.Fprintln(r.out, r.styles.Panel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

// Stop implements Renderer.
func (r *StyledRenderer) Stop() error {
	return nil
}
