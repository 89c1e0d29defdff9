package ui

import (
	"errors"
	"sync"
	"time"

	"github.com/Aman-CERP/kbindex/internal/migrate"
)

// ProgressTracker turns migrator transitions into renderer events and
// records how long each stage took. It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.Mutex
	renderer   Renderer
	stage      Stage
	started    bool
	startTime  time.Time
	stageStart time.Time
	timings    StageTimings
	topics     int
	failure    error
}

// NewProgressTracker creates a tracker reporting to r.
func NewProgressTracker(r Renderer) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		renderer:   r,
		startTime:  now,
		stageStart: now,
	}
}

// Observe records a transition. Pass it as migrate.Options.OnState.
func (p *ProgressTracker) Observe(tr migrate.Transition) {
	stage, ok := StageFor(tr.To)
	if !ok {
		return
	}

	p.mu.Lock()
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	var prev time.Duration
	if p.started {
		prev = at.Sub(p.stageStart)
		p.addTiming(p.stage, prev)
	}
	p.started = true
	p.stage = stage
	p.stageStart = at
	if tr.Topics > 0 {
		p.topics = tr.Topics
	}
	if tr.Err != nil {
		p.failure = tr.Err
	}
	event := ProgressEvent{Stage: stage, Topics: p.topics, Previous: prev}
	r := p.renderer
	p.mu.Unlock()

	if r == nil {
		return
	}
	if stage == StageFailed {
		err := tr.Err
		if err == nil {
			err = errors.New("rebuild failed")
		}
		r.Fail(err)
		return
	}
	r.UpdateProgress(event)
}

// ObserveProgress forwards progress within a stage. Pass it as
// migrate.Options.OnProgress.
func (p *ProgressTracker) ObserveProgress(pr migrate.Progress) {
	stage, ok := StageFor(pr.State)
	if !ok || pr.Done <= 0 {
		return
	}

	p.mu.Lock()
	event := ProgressEvent{Stage: stage, Topics: p.topics, Current: pr.Done, Total: pr.Total, Item: pr.Item}
	r := p.renderer
	p.mu.Unlock()

	if r != nil {
		r.UpdateProgress(event)
	}
}

// addTiming must be called with the lock held.
func (p *ProgressTracker) addTiming(s Stage, d time.Duration) {
	switch s {
	case StageScanning:
		p.timings.Scan += d
	case StageBuilding:
		p.timings.Build += d
	case StageValidating:
		p.timings.Validate += d
	case StageSwapping:
		p.timings.Swap += d
	}
}

// Stage returns the current stage.
func (p *ProgressTracker) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Timings returns the per-stage durations recorded so far.
func (p *ProgressTracker) Timings() StageTimings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timings
}

// Err returns the error carried by a failed transition, if any.
func (p *ProgressTracker) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// Elapsed returns time since tracker creation.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.startTime)
}

// Completion builds the summary for a finished migration.
func (p *ProgressTracker) Completion(res *migrate.Result) CompletionStats {
	stats := CompletionStats{Stages: p.Timings()}
	if res == nil {
		stats.Duration = p.Elapsed()
		return stats
	}
	stats.Target = res.Target
	stats.Previous = res.Previous
	stats.Topics = res.Topics
	stats.Keywords = res.Keywords
	stats.Categories = res.Categories
	stats.Backup = res.Backup
	stats.Duration = res.Duration
	return stats
}
