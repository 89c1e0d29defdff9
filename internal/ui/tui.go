package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUIRenderer shows rebuild progress as a live bubbletea view with a
// spinner on the active stage and a progress bar for the stage's items.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *rebuildModel
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer.
// Returns an error if the output is not a terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a TTY")
	}

	model := newRebuildModel(cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	model.interrupt = cfg.OnInterrupt

	return &TUIRenderer{
		cfg:   cfg,
		model: model,
		done:  make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	// No alternate screen: the final view stays on the terminal.
	var opts []tea.ProgramOption
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()

	return nil
}

// UpdateProgress implements Renderer. Scan workers call it concurrently.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	if p := r.prog(); p != nil {
		p.Send(progressUpdateMsg(event))
	}
}

// Fail implements Renderer.
func (r *TUIRenderer) Fail(err error) {
	if p := r.prog(); p != nil {
		p.Send(failedMsg{err: err})
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	if p := r.prog(); p != nil {
		p.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	p := r.prog()
	if p == nil {
		return nil
	}

	p.Quit()
	// An unresponsive terminal must not hang the command.
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (r *TUIRenderer) prog() *tea.Program {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.program
}

// Message types for bubbletea
type progressUpdateMsg ProgressEvent
type completeMsg CompletionStats
type failedMsg struct{ err error }

// rebuildModel is the bubbletea model for rebuild progress.
type rebuildModel struct {
	title       string
	width       int
	stage       Stage
	topics      int
	current     int
	total       int
	item        string
	started     bool
	cancelling  bool
	complete    bool
	failure     error
	stats       CompletionStats
	spinner     spinner.Model
	progressBar progress.Model
	styles      Styles
	interrupt   func()
}

func newRebuildModel(title string) *rebuildModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	p := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)

	return &rebuildModel{
		title:       title,
		width:       80,
		spinner:     s,
		progressBar: p,
		styles:      DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m *rebuildModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m *rebuildModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// The migration aborts and reports through failedMsg.
			if m.interrupt != nil && !m.cancelling {
				m.cancelling = true
				m.interrupt()
				return m, nil
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = msg.Width - 24
		if m.progressBar.Width < 20 {
			m.progressBar.Width = 20
		}

	case progressUpdateMsg:
		m.apply(ProgressEvent(msg))
		return m, nil

	case failedMsg:
		m.failure = msg.err
		if m.failure == nil {
			m.failure = errors.New("rebuild failed")
		}
		return m, tea.Quit

	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds an event into the model. Step events from a stage already
// left are dropped.
func (m *rebuildModel) apply(e ProgressEvent) {
	if e.Topics > 0 {
		m.topics = e.Topics
	}
	if !e.IsStep() {
		m.started = true
		m.stage = e.Stage
		m.current, m.total, m.item = 0, 0, ""
		return
	}
	if m.started && e.Stage != m.stage {
		return
	}
	m.started = true
	m.stage = e.Stage
	if e.Current > m.current {
		m.current = e.Current
		m.item = e.Item
	}
	m.total = e.Total
}

// View implements tea.Model.
func (m *rebuildModel) View() string {
	switch {
	case m.failure != nil:
		return m.styles.Error.Render("✗ Rebuild failed: ") + m.failure.Error() + "\n"
	case m.complete:
		return m.renderComplete()
	}

	header := "Rebuilding index"
	if m.title != "" {
		header += " " + m.styles.Dim.Render(m.title)
	}

	sections := []string{
		m.styles.Header.Render(header),
		m.renderStages(),
		m.renderProgress(),
	}
	if m.item != "" {
		sections = append(sections, m.styles.Dim.Render(truncateItem(m.item, m.width-2)))
	}
	if m.cancelling {
		sections = append(sections, m.styles.Warning.Render("Cancelling..."))
	} else {
		sections = append(sections, m.styles.Dim.Render("q to cancel"))
	}
	return strings.Join(sections, "\n") + "\n"
}

// renderStages renders the stage strip with a spinner on the active stage.
func (m *rebuildModel) renderStages() string {
	parts := make([]string, 0, len(stageOrder))
	for _, s := range stageOrder {
		switch {
		case m.started && s < m.stage:
			parts = append(parts, m.styles.Success.Render("✓ "+s.String()))
		case m.started && s == m.stage:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Stage.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" › "))
}

// renderProgress renders the bar for the active stage, or a spinner while
// the total is unknown.
func (m *rebuildModel) renderProgress() string {
	if m.total == 0 {
		if m.topics > 0 {
			return fmt.Sprintf("%s %s %d topics...", m.spinner.View(), m.stage, m.topics)
		}
		return fmt.Sprintf("%s %s...", m.spinner.View(), m.stage)
	}

	percent := float64(m.current) / float64(m.total)
	if percent > 1 {
		percent = 1
	}
	unit := "topics"
	if m.stage == StageBuilding {
		unit = "objects"
	}
	return fmt.Sprintf("%s  %s  %s",
		m.progressBar.ViewAs(percent),
		m.styles.Active.Render(fmt.Sprintf("%3.0f%%", percent*100)),
		m.styles.Label.Render(fmt.Sprintf("%d / %d %s", m.current, m.total, unit)))
}

func (m *rebuildModel) renderComplete() string {
	layout := m.stats.Target
	if m.stats.Previous != "" && m.stats.Previous != m.stats.Target {
		layout = m.stats.Previous + " → " + m.stats.Target
	}

	lines := []string{
		m.styles.Success.Render("✓ Index rebuilt"),
		m.styles.Label.Render(fmt.Sprintf("%-11s", "Layout")) + m.styles.Value.Render(layout),
		m.styles.Label.Render(fmt.Sprintf("%-11s", "Topics")) + m.styles.Value.Render(fmt.Sprintf("%d", m.stats.Topics)),
		m.styles.Label.Render(fmt.Sprintf("%-11s", "Keywords")) + m.styles.Value.Render(fmt.Sprintf("%d", m.stats.Keywords)),
		m.styles.Label.Render(fmt.Sprintf("%-11s", "Categories")) + m.styles.Value.Render(fmt.Sprintf("%d", m.stats.Categories)),
		m.styles.Label.Render(fmt.Sprintf("%-11s", "Duration")) + m.styles.Value.Render(m.stats.Duration.Round(10*time.Millisecond).String()),
	}
	if m.stats.Backup != "" {
		lines = append(lines, m.styles.Label.Render(fmt.Sprintf("%-11s", "Backup"))+m.styles.Value.Render(m.stats.Backup))
	}
	return m.styles.Panel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)) + "\n"
}

// truncateItem keeps the tail of an item name, which carries the topic or
// shard name.
func truncateItem(item string, maxLen int) string {
	if maxLen < 4 || len(item) <= maxLen {
		return item
	}
	return "..." + item[len(item)-maxLen+3:]
}

var _ Renderer = (*TUIRenderer)(nil)
