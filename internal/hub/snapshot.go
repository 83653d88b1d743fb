package hub

import (
	"sync"

	"github.com/whatsthattune/clipworks/internal/progress"
)

// SnapshotStore keeps the most recent event per owner so a client arriving
// after a publish, or polling while disconnected, can still observe the
// latest state. One slot per owner, overwritten on each write.
type SnapshotStore struct {
	mu    sync.RWMutex
	slots map[string]progress.Event
}

// NewSnapshotStore constructs an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{slots: make(map[string]progress.Event)}
}

// Set overwrites the owner's slot.
func (s *SnapshotStore) Set(ownerID string, evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[ownerID] = evt
}

// Get returns the owner's last event, if any.
func (s *SnapshotStore) Get(ownerID string) (progress.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.slots[ownerID]
	return evt, ok
}

// Delete clears the owner's slot.
func (s *SnapshotStore) Delete(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, ownerID)
}

// Len reports the number of owners with a stored snapshot.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}
