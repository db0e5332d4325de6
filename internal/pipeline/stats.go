package pipeline

import (
	"sync"
	"time"
)

const durationWindow = 100

// Stats accumulates pipeline counters and a sliding window of processing
// durations for the periodic status summary.
type Stats struct {
	mu         sync.Mutex
	detected   int64
	duplicates int64
	processed  int64
	stable     int64
	unstable   int64
	hashed     int64
	succeeded  int64
	failed     int64
	skipped    int64
	durations  []time.Duration
	next       int
	filled     bool
	startedAt  time.Time
}

// NewStats starts a counter set.
func NewStats() *Stats {
	return &Stats{
		durations: make([]time.Duration, durationWindow),
		startedAt: time.Now(),
	}
}

func (s *Stats) Detected()  { s.mu.Lock(); s.detected++; s.mu.Unlock() }
func (s *Stats) Duplicate() { s.mu.Lock(); s.duplicates++; s.mu.Unlock() }
func (s *Stats) Processed() { s.mu.Lock(); s.processed++; s.mu.Unlock() }
func (s *Stats) Stable()    { s.mu.Lock(); s.stable++; s.mu.Unlock() }
func (s *Stats) Unstable()  { s.mu.Lock(); s.unstable++; s.mu.Unlock() }
func (s *Stats) Hashed()    { s.mu.Lock(); s.hashed++; s.mu.Unlock() }
func (s *Stats) Failed()    { s.mu.Lock(); s.failed++; s.mu.Unlock() }
func (s *Stats) Skipped()   { s.mu.Lock(); s.skipped++; s.mu.Unlock() }

// Succeeded records one completed file and its end-to-end duration.
func (s *Stats) Succeeded(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
	s.durations[s.next] = d
	s.next = (s.next + 1) % durationWindow
	if s.next == 0 {
		s.filled = true
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Detected    int64
	Duplicates  int64
	Processed   int64
	Stable      int64
	Unstable    int64
	Hashed      int64
	Succeeded   int64
	Failed      int64
	Skipped     int64
	AvgDuration time.Duration
	Uptime      time.Duration
}

// Snapshot returns the current counters and the average duration over the
// last up-to-100 completed files.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.filled {
		n = durationWindow
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += s.durations[i]
	}
	var avg time.Duration
	if n > 0 {
		avg = total / time.Duration(n)
	}

	return Snapshot{
		Detected:    s.detected,
		Duplicates:  s.duplicates,
		Processed:   s.processed,
		Stable:      s.stable,
		Unstable:    s.unstable,
		Hashed:      s.hashed,
		Succeeded:   s.succeeded,
		Failed:      s.failed,
		Skipped:     s.skipped,
		AvgDuration: avg,
		Uptime:      time.Since(s.startedAt),
	}
}
