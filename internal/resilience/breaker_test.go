package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBoom = errors.New("boom")

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 3, 60*time.Second, WithClock(clock))

	for i := 0; i < 2; i++ {
		err := cb.Execute(func() error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, string(StateClosed), cb.State())
	}

	err := cb.Execute(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, string(StateOpen), cb.State())
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, 60*time.Second, WithClock(clock))

	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, string(StateOpen), cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "function must not run while open")
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, 10*time.Second, WithClock(clock))

	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Equal(t, string(StateOpen), cb.State())

	clock.now = clock.now.Add(11 * time.Second)
	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, 10*time.Second, WithClock(clock))

	require.Error(t, cb.Execute(func() error { return errBoom }))

	clock.now = clock.now.Add(11 * time.Second)
	err := cb.Execute(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, string(StateOpen), cb.State())

	// The failed probe re-arms the reset timer from now.
	err = cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 1, 10*time.Second, WithClock(clock))

	require.Error(t, cb.Execute(func() error { return errBoom }))
	clock.now = clock.now.Add(11 * time.Second)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// Second caller while the probe is still in flight.
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrProbeInFlight)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("test", 3, 60*time.Second, WithClock(clock))

	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.NoError(t, cb.Execute(func() error { return nil }))

	snap := cb.Snapshot()
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, string(StateClosed), snap.State)

	// Two more failures must not trip after the reset.
	require.Error(t, cb.Execute(func() error { return errBoom }))
	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, string(StateClosed), cb.State())
}
