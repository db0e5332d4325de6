package pipeline

import (
	"sync"
	"time"

	"github.com/mediasort/mediasort/internal/metrics"
)

// pendingTTL bounds how long a path may sit in the registry. Entries older
// than this are presumed leaked by a crashed worker and are swept on the next
// admission.
const pendingTTL = 2 * time.Hour

// PendingRegistry tracks file paths currently inside the pipeline so the
// same path is never admitted twice concurrently.
type PendingRegistry struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	capacity int
	now      func() time.Time
}

// NewPendingRegistry creates a registry bounded at capacity entries.
func NewPendingRegistry(capacity int, now func() time.Time) *PendingRegistry {
	if now == nil {
		now = time.Now
	}
	return &PendingRegistry{
		entries:  make(map[string]time.Time),
		capacity: capacity,
		now:      now,
	}
}

// TryAdd registers path. It returns false when the path is already in flight
// or the registry is full.
func (r *PendingRegistry) TryAdd(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	if _, ok := r.entries[path]; ok {
		return false
	}
	if r.capacity > 0 && len(r.entries) >= r.capacity {
		return false
	}
	r.entries[path] = r.now()
	metrics.PendingFiles.Set(float64(len(r.entries)))
	return true
}

// Remove unregisters path. Safe to call for paths never added.
func (r *PendingRegistry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, path)
	metrics.PendingFiles.Set(float64(len(r.entries)))
}

// Len returns the number of in-flight paths.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweepLocked drops entries past the TTL. Caller must hold the lock.
func (r *PendingRegistry) sweepLocked() {
	cutoff := r.now().Add(-pendingTTL)
	for path, added := range r.entries {
		if added.Before(cutoff) {
			delete(r.entries, path)
		}
	}
}
