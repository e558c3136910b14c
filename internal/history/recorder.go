package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Row is one per-cycle metric sample for one device.
// Params: device identity and overview metrics at one timestamp.
// Returns: stored history entry.
type Row struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	CPU       *float64  `json:"cpu"`
	RAM       *float64  `json:"ram"`
	Temp      *float64  `json:"temp"`
	LatencyMS *float64  `json:"latency"`
	Online    bool      `json:"online"`
}

// Recorder stores per-cycle metric rows and prunes old samples.
// Params: write, probe-write, prune, and read operations.
// Returns: time-series collaborator boundary for the engine.
type Recorder interface {
	RecordDevice(ctx context.Context, row Row) error
	RecordProbe(ctx context.Context, deviceID, name string, latencyMS *float64, at time.Time) error
	Prune(ctx context.Context, olderThan time.Time) error
	History(ctx context.Context, deviceID string, limit int) ([]Row, error)
	Close() error
}

// MemoryRecorder keeps history rows in process memory.
// Params: row slice guarded by mutex.
// Returns: recorder for single-instance mode and tests.
type MemoryRecorder struct {
	mu   sync.Mutex
	rows []Row
}

// NewMemoryRecorder creates in-memory history recorder.
// Params: none.
// Returns: initialized recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// RecordDevice appends one backbone metric row.
// Params: context and metric row.
// Returns: nil (in-memory append).
func (r *MemoryRecorder) RecordDevice(_ context.Context, row Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}

// RecordProbe appends one probe latency row.
// Params: context, device identity, nullable latency, and probe time.
// Returns: nil (in-memory append).
func (r *MemoryRecorder) RecordProbe(_ context.Context, deviceID, name string, latencyMS *float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, Row{
		DeviceID:  deviceID,
		Name:      name,
		Timestamp: at,
		LatencyMS: latencyMS,
		Online:    latencyMS != nil,
	})
	return nil
}

// Prune drops rows older than the retention cutoff.
// Params: context and cutoff timestamp.
// Returns: nil (in-memory filter).
func (r *MemoryRecorder) Prune(_ context.Context, olderThan time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	for _, row := range r.rows {
		if !row.Timestamp.Before(olderThan) {
			kept = append(kept, row)
		}
	}
	r.rows = kept
	return nil
}

// History returns most recent rows for one device in ascending time order.
// Params: context, device id, and row limit.
// Returns: matching rows.
func (r *MemoryRecorder) History(_ context.Context, deviceID string, limit int) ([]Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]Row, 0)
	for _, row := range r.rows {
		if row.DeviceID == deviceID {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// Close releases memory recorder resources.
// Params: none.
// Returns: nil.
func (r *MemoryRecorder) Close() error {
	return nil
}
