package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. Counters are atomic; size tracking is
// guarded by a mutex so current and max stay consistent with each other.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	peeks     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) Write()    { s.writes.Add(1) }
func (s *Statistics) Read()     { s.reads.Add(1) }
func (s *Statistics) Peek()     { s.peeks.Add(1) }
func (s *Statistics) Overflow() { s.overflows.Add(1) }
func (s *Statistics) Drop()     { s.drops.Add(1) }

// UpdateSize records the current buffer size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

func (s *Statistics) Writes() int64    { return s.writes.Load() }
func (s *Statistics) Reads() int64     { return s.reads.Load() }
func (s *Statistics) Peeks() int64     { return s.peeks.Load() }
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }
func (s *Statistics) Drops() int64     { return s.drops.Load() }

// CurrentSize returns the current number of items in the buffer.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the maximum number of items the buffer has held.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// DropRate returns drops as a fraction of all write attempts (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	attempts := s.Writes() + s.Drops()
	if attempts == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(attempts)
}

// Throughput returns the average number of accepted writes per second.
func (s *Statistics) Throughput() float64 {
	elapsed := s.Uptime()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Writes()) / elapsed.Seconds()
}

// Uptime returns how long the buffer has been running.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// StatsSummary is a point-in-time copy of the statistics.
type StatsSummary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Overflows   int64         `json:"overflows"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	DropRate    float64       `json:"drop_rate"`
	Throughput  float64       `json:"throughput"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
		Throughput:  s.Throughput(),
		Uptime:      s.Uptime(),
	}
}
