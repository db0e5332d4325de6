package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats_Counters(t *testing.T) {
	s := NewStats()
	s.Detected()
	s.Detected()
	s.Duplicate()
	s.Processed()
	s.Stable()
	s.Hashed()
	s.Failed()
	s.Skipped()
	s.Unstable()
	s.Succeeded(2 * time.Second)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.Detected)
	assert.Equal(t, int64(1), snap.Duplicates)
	assert.Equal(t, int64(1), snap.Processed)
	assert.Equal(t, int64(1), snap.Stable)
	assert.Equal(t, int64(1), snap.Hashed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(1), snap.Unstable)
	assert.Equal(t, int64(1), snap.Succeeded)
	assert.Equal(t, 2*time.Second, snap.AvgDuration)
}

func TestStats_AverageOverWindow(t *testing.T) {
	s := NewStats()
	s.Succeeded(1 * time.Second)
	s.Succeeded(3 * time.Second)
	assert.Equal(t, 2*time.Second, s.Snapshot().AvgDuration)
}

func TestStats_WindowWrapsAround(t *testing.T) {
	s := NewStats()
	// Fill the whole window with 1s, then push it out with 2s samples.
	for i := 0; i < durationWindow; i++ {
		s.Succeeded(1 * time.Second)
	}
	for i := 0; i < durationWindow; i++ {
		s.Succeeded(2 * time.Second)
	}
	snap := s.Snapshot()
	assert.Equal(t, int64(2*durationWindow), snap.Succeeded)
	assert.Equal(t, 2*time.Second, snap.AvgDuration)
}

func TestStats_EmptyAverage(t *testing.T) {
	s := NewStats()
	assert.Equal(t, time.Duration(0), s.Snapshot().AvgDuration)
}
