package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPendingRegistry_RejectsDuplicates(t *testing.T) {
	r := NewPendingRegistry(10, nil)

	assert.True(t, r.TryAdd("/m/a.mkv"))
	assert.False(t, r.TryAdd("/m/a.mkv"))
	assert.Equal(t, 1, r.Len())

	r.Remove("/m/a.mkv")
	assert.True(t, r.TryAdd("/m/a.mkv"), "re-admittable after removal")
}

func TestPendingRegistry_Capacity(t *testing.T) {
	r := NewPendingRegistry(2, nil)

	assert.True(t, r.TryAdd("/m/a.mkv"))
	assert.True(t, r.TryAdd("/m/b.mkv"))
	assert.False(t, r.TryAdd("/m/c.mkv"))

	r.Remove("/m/a.mkv")
	assert.True(t, r.TryAdd("/m/c.mkv"))
}

func TestPendingRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := NewPendingRegistry(2, nil)
	r.Remove("/never/added.mkv")
	assert.Equal(t, 0, r.Len())
}

func TestPendingRegistry_SweepsExpiredEntries(t *testing.T) {
	now := time.Now()
	r := NewPendingRegistry(10, func() time.Time { return now })

	assert.True(t, r.TryAdd("/m/stuck.mkv"))

	// A crashed worker never removed the entry; past the TTL the next
	// admission sweeps it out.
	now = now.Add(pendingTTL + time.Minute)
	assert.True(t, r.TryAdd("/m/fresh.mkv"))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.TryAdd("/m/stuck.mkv"))
}
