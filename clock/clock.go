// Package clock implements the per-diagram Lamport clock service. The clock
// is process-local and not persisted: after a restart the next merge with an
// inbound operation re-establishes monotonicity.
package clock

import "sync"

// Service tracks one Lamport counter per diagram.
type Service struct {
	mu     sync.Mutex
	clocks map[string]int64
}

// New creates an empty clock service.
func New() *Service {
	return &Service{clocks: make(map[string]int64)}
}

// Next advances the diagram's clock by one and returns the new value.
func (s *Service) Next(diagramID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clocks[diagramID]++
	return s.clocks[diagramID]
}

// Merge folds a received clock value into the diagram's clock:
// clock = max(clock, received) + 1.
func (s *Service) Merge(diagramID string, received int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clocks[diagramID]
	if received > c {
		c = received
	}
	c++
	s.clocks[diagramID] = c
	return c
}

// Current returns the diagram's clock without advancing it.
func (s *Service) Current(diagramID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clocks[diagramID]
}

// Reset clears the diagram's clock. Used when a pipeline worker is
// restarted after a panic.
func (s *Service) Reset(diagramID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clocks, diagramID)
}
