package state

import (
	"context"
	"errors"

	"nocwatch/internal/domain"
)

var (
	// ErrNotFound indicates absent device state entry.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store provides device state persistence with optimistic versioning.
// Params: per-device CRUD operations keyed by device id.
// Returns: backend persistence behavior shared by concurrent cycles.
type Store interface {
	Get(ctx context.Context, deviceID string) (domain.DeviceState, uint64, error)
	Put(ctx context.Context, deviceID string, deviceState domain.DeviceState) (uint64, error)
	Update(ctx context.Context, deviceID string, expectedRevision uint64, deviceState domain.DeviceState) (uint64, error)
	Delete(ctx context.Context, deviceID string) error
	List(ctx context.Context) (map[string]domain.DeviceState, error)
	Close() error
}
