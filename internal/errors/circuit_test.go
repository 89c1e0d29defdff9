package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientErr() error {
	return StorageIO("read", "x", errors.New("unreachable"))
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a circuit breaker with max 3 failures
	cb := NewCircuitBreaker("s3", WithMaxFailures(3), WithResetTimeout(time.Second))

	// When: recording 3 transient failures
	for i := 0; i < 3; i++ {
		_ = cb.Execute(transientErr)
	}

	// Then: circuit is open and requests are rejected
	assert.Equal(t, StateOpen, cb.State())
	err := cb.Execute(func() error { return nil })
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestCircuitBreaker_IgnoresNonTransientErrors(t *testing.T) {
	// Given: a breaker and a stream of NotFound answers
	cb := NewCircuitBreaker("s3", WithMaxFailures(2))

	for i := 0; i < 5; i++ {
		err := cb.Execute(func() error { return NotFound("object", "k") })
		assert.True(t, errors.Is(err, ErrNotFound))
	}

	// Then: the circuit stays closed
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_RecoversAfterTimeout(t *testing.T) {
	// Given: an open circuit breaker with a controllable clock
	now := time.Now()
	cb := NewCircuitBreaker("gcs", WithMaxFailures(1), WithResetTimeout(50*time.Millisecond))
	cb.now = func() time.Time { return now }

	_ = cb.Execute(transientErr)
	require.Equal(t, StateOpen, cb.State())

	// When: the reset timeout elapses
	now = now.Add(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Then: a successful probe closes the circuit
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("gcs", WithMaxFailures(3), WithResetTimeout(10*time.Millisecond))
	cb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(transientErr)
	}
	now = now.Add(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(transientErr)

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitExecute_ReturnsResult(t *testing.T) {
	cb := NewCircuitBreaker("sqlite")

	v, err := CircuitExecute(cb, func() ([]byte, error) { return []byte("ok"), nil })

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), v)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
