package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbindex/internal/migrate"
)

// recordingRenderer captures renderer calls.
type recordingRenderer struct {
	mu     sync.Mutex
	events []ProgressEvent
	failed []error
	done   []CompletionStats
}

func (r *recordingRenderer) Start(context.Context) error { return nil }
func (r *recordingRenderer) Stop() error                 { return nil }

func (r *recordingRenderer) UpdateProgress(e ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRenderer) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recordingRenderer) Complete(s CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, s)
}

func TestProgressTracker_RecordsStageTimings(t *testing.T) {
	// Given: a tracker and a sequence of timed transitions
	rec := &recordingRenderer{}
	p := NewProgressTracker(rec)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// When: observing a full successful run
	p.Observe(migrate.Transition{From: migrate.StateIdle, To: migrate.StateScanning, At: base})
	p.Observe(migrate.Transition{From: migrate.StateScanning, To: migrate.StateBuilding, At: base.Add(2 * time.Second), Topics: 40})
	p.Observe(migrate.Transition{From: migrate.StateBuilding, To: migrate.StateValidating, At: base.Add(5 * time.Second)})
	p.Observe(migrate.Transition{From: migrate.StateValidating, To: migrate.StateSwapping, At: base.Add(6 * time.Second)})
	p.Observe(migrate.Transition{From: migrate.StateSwapping, To: migrate.StateDone, At: base.Add(6500 * time.Millisecond)})

	// Then: each stage's duration is recorded
	assert.Equal(t, StageTimings{
		Scan:     2 * time.Second,
		Build:    3 * time.Second,
		Validate: time.Second,
		Swap:     500 * time.Millisecond,
	}, p.Timings())
	assert.Equal(t, StageComplete, p.Stage())
	assert.NoError(t, p.Err())

	// And: the renderer saw every stage, with the topic count carried forward
	require.Len(t, rec.events, 5)
	assert.Equal(t, StageScanning, rec.events[0].Stage)
	assert.Equal(t, 40, rec.events[1].Topics)
	assert.Equal(t, 40, rec.events[4].Topics)
	assert.Equal(t, 3*time.Second, rec.events[2].Previous)
}

func TestProgressTracker_IgnoresIdle(t *testing.T) {
	rec := &recordingRenderer{}
	p := NewProgressTracker(rec)

	p.Observe(migrate.Transition{To: migrate.StateIdle})

	assert.Empty(t, rec.events)
}

func TestProgressTracker_Failure(t *testing.T) {
	// Given: a run that fails validation
	rec := &recordingRenderer{}
	p := NewProgressTracker(rec)
	cause := errors.New("count mismatch")

	// When: observing the failure
	p.Observe(migrate.Transition{To: migrate.StateScanning})
	p.Observe(migrate.Transition{To: migrate.StateFailed, Err: cause})

	// Then: the renderer is told and the error retained
	require.Len(t, rec.failed, 1)
	assert.Same(t, cause, rec.failed[0])
	assert.Same(t, cause, p.Err())
	assert.Equal(t, StageFailed, p.Stage())
}

func TestProgressTracker_FailureWithoutError(t *testing.T) {
	rec := &recordingRenderer{}
	p := NewProgressTracker(rec)

	p.Observe(migrate.Transition{To: migrate.StateFailed})

	require.Len(t, rec.failed, 1)
	assert.EqualError(t, rec.failed[0], "rebuild failed")
}

func TestProgressTracker_NilRenderer(t *testing.T) {
	p := NewProgressTracker(nil)

	assert.NotPanics(t, func() {
		p.Observe(migrate.Transition{To: migrate.StateScanning})
		p.Observe(migrate.Transition{To: migrate.StateFailed})
	})
}

func TestProgressTracker_Completion(t *testing.T) {
	p := NewProgressTracker(nil)

	stats := p.Completion(&migrate.Result{
		Target:     "v3",
		Previous:   "v2",
		Topics:     12,
		Keywords:   30,
		Categories: 4,
		Duration:   time.Second,
	})

	assert.Equal(t, "v3", stats.Target)
	assert.Equal(t, "v2", stats.Previous)
	assert.Equal(t, 12, stats.Topics)
	assert.Equal(t, time.Second, stats.Duration)

	empty := p.Completion(nil)
	assert.Empty(t, empty.Target)
}

func TestProgressTracker_ConcurrentObserve(t *testing.T) {
	rec := &recordingRenderer{}
	p := NewProgressTracker(rec)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Observe(migrate.Transition{To: migrate.StateBuilding})
			_ = p.Timings()
		}()
	}
	wg.Wait()

	assert.Len(t, rec.events, 20)
}

func TestProgressTracker_ObserveProgress(t *testing.T) {
	// Given: a tracker that has seen the build start
	rec := &recordingRenderer{}
	p := NewProgressTracker(rec)
	p.Observe(migrate.Transition{To: migrate.StateBuilding, Topics: 7})

	// When: the migrator reports objects written, plus idle noise
	p.ObserveProgress(migrate.Progress{State: migrate.StateBuilding, Done: 2, Total: 5, Item: "summary.json"})
	p.ObserveProgress(migrate.Progress{State: migrate.StateIdle, Done: 1, Total: 1})
	p.ObserveProgress(migrate.Progress{State: migrate.StateBuilding, Total: 5})

	// Then: only the real step reaches the renderer, with the topic count
	require.Len(t, rec.events, 2)
	step := rec.events[1]
	assert.True(t, step.IsStep())
	assert.Equal(t, ProgressEvent{Stage: StageBuilding, Topics: 7, Current: 2, Total: 5, Item: "summary.json"}, step)
	assert.Equal(t, StageBuilding, p.Stage())
}
