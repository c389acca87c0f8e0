package harvest

import (
	"sync"
	"time"
)

// HarvestStatistics records how a harvest went, including partial progress
// when the harvest fails.
type HarvestStatistics struct {
	mu             sync.Mutex
	startTime      time.Time
	duration       time.Duration
	candidateCount int
	completed      bool
}

// StartTiming marks the beginning of a harvest.
func (s *HarvestStatistics) StartTiming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = time.Now()
	s.completed = false
}

// StopTiming marks the end of a harvest and records the number of harvested
// candidates.
func (s *HarvestStatistics) StopTiming(candidateCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = time.Since(s.startTime)
	s.candidateCount = candidateCount
	s.completed = true
}

// Duration returns how long the harvest took, or the elapsed time while it
// is still running.
func (s *HarvestStatistics) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.completed {
		return time.Since(s.startTime)
	}
	return s.duration
}

// CandidateCount returns the number of candidates from the last harvest.
func (s *HarvestStatistics) CandidateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidateCount
}
