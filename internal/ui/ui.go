// Package ui provides terminal rendering for index rebuild progress and
// knowledge base status.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/kbindex/internal/migrate"
)

// Stage represents a rebuild stage.
type Stage int

const (
	// StageScanning reads every topic's metadata.
	StageScanning Stage = iota
	// StageBuilding writes the staged layout.
	StageBuilding
	// StageValidating compares staged counts with the scan.
	StageValidating
	// StageSwapping exchanges the staged and live trees.
	StageSwapping
	// StageComplete indicates the rebuild finished.
	StageComplete
	// StageFailed indicates the rebuild aborted.
	StageFailed
)

// StageFor maps a migrator state to its display stage. Idle has none.
func StageFor(s migrate.State) (Stage, bool) {
	switch s {
	case migrate.StateScanning:
		return StageScanning, true
	case migrate.StateBuilding:
		return StageBuilding, true
	case migrate.StateValidating:
		return StageValidating, true
	case migrate.StateSwapping:
		return StageSwapping, true
	case migrate.StateDone:
		return StageComplete, true
	case migrate.StateFailed:
		return StageFailed, true
	default:
		return 0, false
	}
}

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageScanning:
		return "Scanning"
	case StageBuilding:
		return "Building"
	case StageValidating:
		return "Validating"
	case StageSwapping:
		return "Swapping"
	case StageComplete:
		return "Complete"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage icon for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StageScanning:
		return "SCAN"
	case StageBuilding:
		return "BUILD"
	case StageValidating:
		return "CHECK"
	case StageSwapping:
		return "SWAP"
	case StageComplete:
		return "DONE"
	case StageFailed:
		return "FAIL"
	default:
		return "???"
	}
}

// ProgressEvent represents a stage change, or progress within a stage
// when Current is set.
type ProgressEvent struct {
	Stage   Stage
	Topics  int
	Message string
	// Previous is how long the stage before this one took.
	Previous time.Duration

	Current int
	Total   int
	// Item is the topic id or index object last processed.
	Item string
}

// IsStep reports whether the event is progress within a stage rather than
// a stage change.
func (e ProgressEvent) IsStep() bool {
	return e.Current > 0
}

// StageTimings tracks duration for each rebuild stage.
type StageTimings struct {
	Scan     time.Duration
	Build    time.Duration
	Validate time.Duration
	Swap     time.Duration
}

// CompletionStats contains the final rebuild summary.
type CompletionStats struct {
	Target     string
	Previous   string
	Topics     int
	Keywords   int
	Categories int
	Backup     string
	Duration   time.Duration
	Stages     StageTimings
}

// Renderer defines the interface for rebuild progress display.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress reports a stage change.
	UpdateProgress(event ProgressEvent)

	// Fail reports that the rebuild aborted.
	Fail(err error)

	// Complete marks rendering as complete with summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title is shown in the styled header, typically the storage root.
	Title string
	// OnInterrupt is called when the user cancels from the TUI, which
	// holds the terminal in raw mode so ctrl+c raises no signal.
	OnInterrupt func()
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithTitle sets the header title.
func WithTitle(title string) ConfigOption {
	return func(c *Config) {
		c.Title = title
	}
}

// WithInterrupt sets the TUI cancel callback.
func WithInterrupt(fn func()) ConfigOption {
	return func(c *Config) {
		c.OnInterrupt = fn
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{
		Output: output,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// NewRenderer creates an appropriate renderer based on config and environment.
// It returns the TUI for interactive terminals, and a plain text renderer for
// CI environments, pipes, or when --plain is specified. The styled renderer
// is used when the TUI cannot start.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	if DetectNoColor() {
		cfg.NoColor = true
	}
	if r, err := NewTUIRenderer(cfg); err == nil {
		return r
	}
	return NewStyledRenderer(cfg)
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}

	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
