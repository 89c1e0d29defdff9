package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoctor_FreshKnowledgeBase(t *testing.T) {
	// Given: a knowledge base with no topics
	dir := newTestKBDir(t)

	// When: running diagnostics
	out, err := runCLI(t, dir, "doctor")

	// Then: local checks pass and the missing index is only a warning
	require.NoError(t, err)
	assert.Contains(t, out, "[PASS] write_permissions")
	assert.Contains(t, out, "[WARN] index: no index yet")
	assert.Contains(t, out, "Status: READY_WITH_WARNINGS")
}

func TestDoctor_JSONAfterWrites(t *testing.T) {
	// Given: an indexed knowledge base
	dir := newTestKBDir(t)
	seedTopics(t, dir)

	// When: running diagnostics as JSON
	out, err := runCLI(t, dir, "--json", "doctor")
	require.NoError(t, err)

	var report DoctorOutput
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	// Then: the index check reports the layout and topic count
	assert.NotEqual(t, "failed", report.Status)
	assert.Empty(t, report.Errors)
	var found bool
	for _, c := range report.Checks {
		if c.Name == "index" {
			found = true
			assert.Equal(t, "v2, 3 topics", c.Message)
		}
	}
	assert.True(t, found)
}
