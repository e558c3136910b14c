package history

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRecorderHistoryOrderAndLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder := NewMemoryRecorder()
	base := time.Now().UTC()

	// Insert out of order to verify the read-side sort.
	for _, offset := range []int{3, 1, 4, 0, 2} {
		cpu := float64(offset)
		row := Row{
			DeviceID:  "sw-1",
			Name:      "agg-sw",
			Timestamp: base.Add(time.Duration(offset) * time.Minute),
			CPU:       &cpu,
			Online:    true,
		}
		if err := recorder.RecordDevice(ctx, row); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := recorder.RecordDevice(ctx, Row{DeviceID: "sw-2", Timestamp: base, Online: true}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := recorder.History(ctx, "sw-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected five rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Timestamp.Before(rows[i-1].Timestamp) {
			t.Fatalf("expected ascending order at %d", i)
		}
	}

	limited, err := recorder.History(ctx, "sw-1", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("expected three rows, got %d", len(limited))
	}
	if !limited[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("expected most recent rows kept, got first at %v", limited[0].Timestamp)
	}
}

func TestMemoryRecorderProbeRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder := NewMemoryRecorder()
	now := time.Now().UTC()
	latency := 42.0

	if err := recorder.RecordProbe(ctx, "cpe-1", "sub-1", &latency, now); err != nil {
		t.Fatalf("record probe: %v", err)
	}
	if err := recorder.RecordProbe(ctx, "cpe-1", "sub-1", nil, now.Add(time.Minute)); err != nil {
		t.Fatalf("record probe: %v", err)
	}

	rows, err := recorder.History(ctx, "cpe-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(rows))
	}
	if rows[0].LatencyMS == nil || *rows[0].LatencyMS != latency || !rows[0].Online {
		t.Fatalf("unexpected answered probe row %+v", rows[0])
	}
	if rows[1].LatencyMS != nil || rows[1].Online {
		t.Fatalf("expected timed-out probe row marked offline, got %+v", rows[1])
	}
}

func TestMemoryRecorderPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	recorder := NewMemoryRecorder()
	now := time.Now().UTC()

	old := Row{DeviceID: "sw-1", Timestamp: now.Add(-31 * 24 * time.Hour), Online: true}
	fresh := Row{DeviceID: "sw-1", Timestamp: now, Online: true}
	if err := recorder.RecordDevice(ctx, old); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := recorder.RecordDevice(ctx, fresh); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := recorder.Prune(ctx, now.Add(-30*24*time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	rows, err := recorder.History(ctx, "sw-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || !rows[0].Timestamp.Equal(fresh.Timestamp) {
		t.Fatalf("expected only fresh row kept, got %+v", rows)
	}
}
