package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel() *rebuildModel {
	m := newRebuildModel("/srv/kb")
	m.styles = NoColorStyles()
	return m
}

func TestNewTUIRenderer_RejectsNonTTY(t *testing.T) {
	_, err := NewTUIRenderer(NewConfig(&bytes.Buffer{}))

	assert.Error(t, err)
}

func TestRebuildModel_PreparingBeforeTotals(t *testing.T) {
	// Given: a model that has only seen the scan start
	m := newTestModel()
	m.Update(progressUpdateMsg{Stage: StageScanning})

	// Then: the active stage is shown without a bar
	view := m.View()
	assert.Contains(t, view, "Rebuilding index")
	assert.Contains(t, view, "/srv/kb")
	assert.Contains(t, view, "Scanning...")
	assert.Contains(t, view, "○ Building")
	assert.NotContains(t, view, "%")
}

func TestRebuildModel_ShowsStepProgress(t *testing.T) {
	// Given: a model in the building stage
	m := newTestModel()
	m.Update(progressUpdateMsg{Stage: StageScanning})
	m.Update(progressUpdateMsg{Stage: StageBuilding, Topics: 12})

	// When: objects are written
	m.Update(progressUpdateMsg{Stage: StageBuilding, Current: 3, Total: 10, Item: "shards/keywords/a-f.json"})
	m.Update(progressUpdateMsg{Stage: StageBuilding, Current: 2, Total: 10, Item: "shards/keywords/g-m.json"})

	// Then: the bar reflects the highest count seen and its item
	view := m.View()
	assert.Contains(t, view, "✓ Scanning")
	assert.Contains(t, view, "Building")
	assert.Contains(t, view, "○ Swapping")
	assert.Contains(t, view, "30%")
	assert.Contains(t, view, "3 / 10 objects")
	assert.Contains(t, view, "shards/keywords/a-f.json")
}

func TestRebuildModel_StageChangeResetsProgress(t *testing.T) {
	m := newTestModel()
	m.Update(progressUpdateMsg{Stage: StageScanning, Current: 5, Total: 5, Item: "go/select"})

	m.Update(progressUpdateMsg{Stage: StageBuilding, Topics: 5})
	// A late scan step must not move the bar back.
	m.Update(progressUpdateMsg{Stage: StageScanning, Current: 4, Total: 5, Item: "go/channels"})

	assert.Equal(t, StageBuilding, m.stage)
	assert.Zero(t, m.current)
	assert.Empty(t, m.item)
	assert.Contains(t, m.View(), "Building 5 topics...")
}

func TestRebuildModel_CompleteQuits(t *testing.T) {
	m := newTestModel()

	_, cmd := m.Update(completeMsg(CompletionStats{Target: "v3", Previous: "v2", Topics: 4, Duration: time.Second}))

	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	view := m.View()
	assert.Contains(t, view, "Index rebuilt")
	assert.Contains(t, view, "v2 → v3")
}

func TestRebuildModel_FailureQuits(t *testing.T) {
	m := newTestModel()

	_, cmd := m.Update(failedMsg{err: errors.New("lease lost")})

	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Contains(t, m.View(), "Rebuild failed: lease lost")
}

func TestRebuildModel_QuitKeyInterrupts(t *testing.T) {
	// Given: a model wired to cancel the rebuild
	m := newTestModel()
	var interrupted int
	m.interrupt = func() { interrupted++ }
	q := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}

	// When: pressing q once
	_, cmd := m.Update(q)

	// Then: the rebuild is cancelled and the view waits for it to stop
	assert.Nil(t, cmd)
	assert.Equal(t, 1, interrupted)
	assert.Contains(t, m.View(), "Cancelling...")

	// When: pressing q again
	_, cmd = m.Update(q)

	// Then: the view quits without cancelling twice
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 1, interrupted)
}

func TestTruncateItem(t *testing.T) {
	assert.Equal(t, "go/select", truncateItem("go/select", 20))
	assert.Equal(t, "...ywords/a-f.json", truncateItem("shards/keywords/a-f.json", 18))
}
