package state

import (
	"context"
	"sync"

	"nocwatch/internal/domain"
)

// MemoryStore keeps device state in process memory for single-instance mode.
// Params: in-memory entry map guarded by RW mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	deviceState domain.DeviceState
	revision    uint64
}

// NewMemoryStore creates in-memory device state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get returns device state and revision.
// Params: device id key.
// Returns: stored state, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (domain.DeviceState, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[deviceID]
	if !ok {
		return domain.DeviceState{}, 0, ErrNotFound
	}
	return entry.deviceState.Clone(), entry.revision, nil
}

// Put writes device state unconditionally.
// Params: device id key and state payload.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, deviceID string, deviceState domain.DeviceState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.entries[deviceID].revision + 1
	s.entries[deviceID] = memoryEntry{deviceState: deviceState.Clone(), revision: rev}
	return rev, nil
}

// Update writes device state using expected revision CAS.
// Params: device id key, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, deviceID string, expectedRevision uint64, deviceState domain.DeviceState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[deviceID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.entries[deviceID] = memoryEntry{deviceState: deviceState.Clone(), revision: rev}
	return rev, nil
}

// Delete removes one device state entry.
// Params: device id key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, deviceID)
	return nil
}

// List returns all device states keyed by device id.
// Params: none.
// Returns: detached state copies.
func (s *MemoryStore) List(_ context.Context) (map[string]domain.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.DeviceState, len(s.entries))
	for deviceID, entry := range s.entries {
		out[deviceID] = entry.deviceState.Clone()
	}
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
