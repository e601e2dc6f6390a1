package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/poacher/internal/poacher"
)

// CheckpointStore keeps the session marker in memory.
type CheckpointStore struct {
	mu     sync.RWMutex
	marker poacher.Marker
	saves  int
	err    error
}

// NewCheckpointStore returns a store seeded with initial.
func NewCheckpointStore(initial poacher.Marker) *CheckpointStore {
	return &CheckpointStore{marker: initial}
}

// Load returns the stored marker.
func (s *CheckpointStore) Load(_ context.Context) (poacher.Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return poacher.Marker{}, s.err
	}
	return s.marker, nil
}

// Save replaces the stored marker.
func (s *CheckpointStore) Save(_ context.Context, marker poacher.Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.marker = marker
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *CheckpointStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// FailWith makes every later Load and Save return err. A nil err restores
// normal operation.
func (s *CheckpointStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
