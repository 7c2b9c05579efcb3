package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProgressBar represents a simple progress bar
type ProgressBar struct {
	mu          sync.RWMutex
	total       int64
	current     int64
	width       int
	startTime   time.Time
	lastUpdate  time.Time
	description string
	finished    bool
	now         func() time.Time
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total int64, description string) *ProgressBar {
	return newProgressBar(total, description, time.Now)
}

func newProgressBar(total int64, description string, now func() time.Time) *ProgressBar {
	start := now()
	return &ProgressBar{
		total:       total,
		width:       30,
		startTime:   start,
		lastUpdate:  start,
		description: description,
		now:         now,
	}
}

// Add increments the progress
func (pb *ProgressBar) Add(n int64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current += n
	if pb.current > pb.total {
		pb.current = pb.total
	}
	pb.lastUpdate = pb.now()
}

// Finish marks the progress as complete
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.current = pb.total
	pb.finished = true
	pb.lastUpdate = pb.now()
}

// String returns the progress bar as a string
func (pb *ProgressBar) String() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	percent := 100.0
	if pb.total > 0 {
		percent = float64(pb.current) / float64(pb.total) * 100
	}
	filled := int(float64(pb.width) * percent / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)

	result := fmt.Sprintf("%s [%s] %d/%d (%.0f%%)", pb.description, bar, pb.current, pb.total, percent)
	if pb.finished {
		result += fmt.Sprintf(" [DONE in %v]", pb.lastUpdate.Sub(pb.startTime).Round(time.Millisecond))
	}
	return result
}

// Stats counts feed outcomes during one ingestion cycle.
type Stats struct {
	mu        sync.RWMutex
	feeds     int64
	failed    int64
	documents int64
	startTime time.Time
	now       func() time.Time
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now(), now: time.Now}
}

// Record adds the outcome of one feed.
func (s *Stats) Record(documents int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds++
	if err != nil {
		s.failed++
		return
	}
	s.documents += int64(documents)
}

// Summary returns a final summary
func (s *Stats) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elapsed := s.now().Sub(s.startTime).Round(time.Millisecond)
	return fmt.Sprintf("%d documents from %d feeds in %v, %d feeds failed",
		s.documents, s.feeds-s.failed, elapsed, s.failed)
}
