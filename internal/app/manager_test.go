package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"
	"nocwatch/internal/history"
	"nocwatch/internal/inventory"
	"nocwatch/internal/notify"
	"nocwatch/internal/probe"
	"nocwatch/internal/state"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePuller struct {
	mu     sync.Mutex
	result inventory.PullResult
	err    error
}

func (p *fakePuller) Pull(context.Context) (inventory.PullResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

func (p *fakePuller) set(result inventory.PullResult, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = result
	p.err = err
}

type eventSink struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (s *eventSink) add(event domain.AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *eventSink) take() []domain.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func testConfig() config.Config {
	return config.Config{
		Thresholds: config.ThresholdConfig{
			GatewayOfflineSec:  60,
			BackboneOfflineSec: 900,
			OfflineRepeatSec:   900,
			FlapWindowSec:      900,
			FlapThreshold:      3,
			FlapSuppressSec:    1800,
			LatencyThresholdMS: 200,
			LatencyStreak:      3,
			LatencySuppressSec: 900,
		},
		Probe: config.ProbeConfig{
			WindowSec:      180,
			MaxPerWindow:   10,
			MinIntervalSec: 3600,
			TimeoutMS:      1000,
		},
		History: config.HistoryConfig{Enabled: true, RetentionDays: 30, ReadLimit: 1440},
		Service: config.ServiceConfig{StaleStateTTLDays: 30},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager wires a manager against a webhook sink capturing delivered events.
func newTestManager(t *testing.T, cfg config.Config, puller Puller, clk *stepClock) (*Manager, *eventSink, state.Store, history.Recorder) {
	t.Helper()
	sink := &eventSink{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var event domain.AlertEvent
		if err := json.NewDecoder(request.Body).Decode(&event); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		sink.add(event)
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	dispatcher := notify.NewDispatcher(config.NotifyConfig{
		Webhook: config.WebhookNotifier{Enabled: true, URL: server.URL, TimeoutSec: 5},
	}, testLogger())
	store := state.NewMemoryStore()
	recorder := history.NewMemoryRecorder()
	manager := NewManager(cfg, testLogger(), store, dispatcher, puller, recorder, probe.NoopProber{}, clk)
	return manager, sink, store, recorder
}

func gatewayResult(online bool) inventory.PullResult {
	latency := 5.0
	return inventory.PullResult{
		Devices: []domain.DeviceSnapshot{
			{ID: "gw-1", Name: "core-gw", Role: domain.RoleGateway, Online: online, LatencyMS: &latency},
		},
		APILatency: 12 * time.Millisecond,
	}
}

func classesOf(events []domain.AlertEvent) []domain.AlertClass {
	classes := make([]domain.AlertClass, 0, len(events))
	for _, event := range events {
		classes = append(classes, event.Class)
	}
	return classes
}

func TestReconcileOutageLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(gatewayResult(false), nil)
	manager, sink, _, _ := newTestManager(t, testConfig(), puller, clk)

	summary, err := manager.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(summary.Devices) != 1 || summary.Devices[0].Online {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if events := sink.take(); len(events) != 0 {
		t.Fatalf("expected silence at transition, got %v", classesOf(events))
	}

	clk.Advance(61 * time.Second)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events := sink.take()
	if len(events) != 1 || events[0].Class != domain.AlertClassOutage {
		t.Fatalf("expected one outage, got %v", classesOf(events))
	}
	if events[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected critical severity, got %q", events[0].Severity)
	}

	// Repeat interval not reached: silent.
	clk.Advance(5 * time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if events := sink.take(); len(events) != 0 {
		t.Fatalf("expected repeat suppressed, got %v", classesOf(events))
	}

	// Repeat interval elapsed: still-offline alert.
	clk.Advance(11 * time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events = sink.take()
	if len(events) != 1 || events[0].Class != domain.AlertClassOutage {
		t.Fatalf("expected repeat outage, got %v", classesOf(events))
	}

	// Back online: exactly one recovery.
	puller.set(gatewayResult(true), nil)
	clk.Advance(time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events = sink.take()
	if len(events) != 1 || events[0].Class != domain.AlertClassRecovery {
		t.Fatalf("expected one recovery, got %v", classesOf(events))
	}

	// Confirmed recovery is not repeated.
	clk.Advance(time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if events := sink.take(); len(events) != 0 {
		t.Fatalf("expected silence after recovery, got %v", classesOf(events))
	}
}

func TestReconcileServesLastKnownWhenSourceDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(gatewayResult(true), nil)
	manager, _, _, _ := newTestManager(t, testConfig(), puller, clk)

	fresh, err := manager.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if fresh.Stale {
		t.Fatalf("expected fresh summary")
	}

	puller.set(inventory.PullResult{}, errors.New("connection refused"))
	clk.Advance(time.Minute)
	stale, err := manager.Reconcile(ctx)
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if !stale.Stale {
		t.Fatalf("expected stale flag set")
	}
	if len(stale.Devices) != 1 || stale.Devices[0].ID != "gw-1" {
		t.Fatalf("expected last known devices, got %+v", stale.Devices)
	}
}

func TestReconcileFailsWithoutAnySummary(t *testing.T) {
	t.Parallel()

	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(inventory.PullResult{}, errors.New("connection refused"))
	manager, _, _, _ := newTestManager(t, testConfig(), puller, clk)

	summary, err := manager.Reconcile(context.Background())
	if err == nil {
		t.Fatalf("expected error when no summary was ever built")
	}
	if !summary.Stale {
		t.Fatalf("expected stale marker on empty summary")
	}
}

func TestAcknowledgeControlFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(gatewayResult(false), nil)
	manager, sink, store, _ := newTestManager(t, testConfig(), puller, clk)

	// Acknowledging a device with no state yet creates its entry, so the
	// suppression is in place when the device first appears offline.
	ackUntil, err := manager.Acknowledge(ctx, "gw-1", "1h")
	if err != nil {
		t.Fatalf("acknowledge before first cycle: %v", err)
	}
	if want := clk.Now().Add(time.Hour); !ackUntil.Equal(want) {
		t.Fatalf("expected ack until %v, got %v", want, ackUntil)
	}
	created, _, err := store.Get(ctx, "gw-1")
	if err != nil {
		t.Fatalf("expected state entry created by ack, got %v", err)
	}
	if created.AckUntil == nil || !created.AckUntil.Equal(ackUntil) {
		t.Fatalf("expected created entry to carry the deadline, got %+v", created)
	}

	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	sink.take()

	// Unknown label falls back to 30 minutes.
	fallbackUntil, err := manager.Acknowledge(ctx, "gw-1", "2d")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if want := clk.Now().Add(30 * time.Minute); !fallbackUntil.Equal(want) {
		t.Fatalf("expected 30m fallback, got %v", fallbackUntil)
	}

	// Suppressed well past the outage threshold.
	clk.Advance(10 * time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if events := sink.take(); len(events) != 0 {
		t.Fatalf("expected suppression under ack, got %v", classesOf(events))
	}

	if err := manager.ClearAcknowledgement(ctx, "gw-1"); err != nil {
		t.Fatalf("clear ack: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events := sink.take()
	if len(events) != 1 || events[0].Class != domain.AlertClassOutage {
		t.Fatalf("expected outage after ack cleared, got %v", classesOf(events))
	}

	// Only acknowledge creates entries; the other overrides reject unknown ids.
	if err := manager.ClearAcknowledgement(ctx, "ghost"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected unknown id rejected for ack clear, got %v", err)
	}
	if err := manager.SimulateOutage(ctx, "ghost"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected unknown id rejected for simulation, got %v", err)
	}
}

func TestClearAllAcknowledgements(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(inventory.PullResult{Devices: []domain.DeviceSnapshot{
		{ID: "gw-1", Name: "core-gw", Role: domain.RoleGateway, Online: true},
		{ID: "sw-1", Name: "agg-sw", Role: domain.RoleSwitch, Online: true},
	}}, nil)
	manager, _, _, _ := newTestManager(t, testConfig(), puller, clk)

	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := manager.Acknowledge(ctx, "gw-1", "1h"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := manager.Acknowledge(ctx, "sw-1", "6h"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	cleared, err := manager.ClearAllAcknowledgements(ctx)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected two cleared, got %d", cleared)
	}
}

func TestSimulatedOutageLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(gatewayResult(true), nil)
	manager, sink, _, _ := newTestManager(t, testConfig(), puller, clk)

	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := manager.SimulateOutage(ctx, "gw-1"); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	clk.Advance(time.Minute)
	summary, err := manager.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Devices[0].Online {
		t.Fatalf("expected simulated device shown offline")
	}

	clk.Advance(time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events := sink.take()
	if len(events) != 1 || events[0].Class != domain.AlertClassOutage {
		t.Fatalf("expected outage under simulation, got %v", classesOf(events))
	}

	if err := manager.ClearSimulatedOutage(ctx, "gw-1"); err != nil {
		t.Fatalf("clear simulate: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events = sink.take()
	if len(events) != 1 || events[0].Class != domain.AlertClassRecovery {
		t.Fatalf("expected recovery after simulation cleared, got %v", classesOf(events))
	}
}

func TestReconcileRecordsBackboneHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	cpu := 20.0
	puller.set(inventory.PullResult{Devices: []domain.DeviceSnapshot{
		{ID: "sw-1", Name: "agg-sw", Role: domain.RoleSwitch, Online: true, CPU: &cpu},
		{ID: "cpe-1", Name: "sub-1", Role: domain.RoleCPE, Online: true},
	}}, nil)
	manager, _, _, _ := newTestManager(t, testConfig(), puller, clk)

	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rows, err := manager.History(ctx, "sw-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].CPU == nil || *rows[0].CPU != cpu {
		t.Fatalf("expected one backbone row, got %+v", rows)
	}

	rows, err = manager.History(ctx, "cpe-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows for subscriber device, got %+v", rows)
	}
}

func TestOutageMarkerNotAdvancedOnDeliveryFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &stepClock{now: time.Now().UTC()}
	puller := &fakePuller{}
	puller.set(gatewayResult(false), nil)

	// Webhook endpoint always fails, so delivery never succeeds.
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	dispatcher := notify.NewDispatcher(config.NotifyConfig{
		Webhook: config.WebhookNotifier{
			Enabled:    true,
			URL:        server.URL,
			TimeoutSec: 5,
			Retry:      config.NotifyRetry{Enabled: true, MaxAttempts: 1, InitialMS: 1, MaxMS: 1},
		},
	}, testLogger())
	store := state.NewMemoryStore()
	manager := NewManager(testConfig(), testLogger(), store, dispatcher, puller, history.NewMemoryRecorder(), probe.NoopProber{}, clk)

	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	clk.Advance(61 * time.Second)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	stored, _, err := store.Get(ctx, "gw-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if stored.LastOfflineNotifiedAt != nil {
		t.Fatalf("expected marker untouched after failed delivery")
	}
}

type fakeProber struct {
	mu     sync.Mutex
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, address string) (*float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, address)
	latency := 12.0
	return &latency, nil
}

func (p *fakeProber) take() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.probed
	p.probed = nil
	return out
}

func TestReconcileProbesOncePerWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	windowStart := time.Unix(1_700_000_000-(1_700_000_000%180), 0).UTC()
	clk := &stepClock{now: windowStart.Add(10 * time.Second)}

	devices := make([]domain.DeviceSnapshot, 0, 10)
	for i := 0; i < 8; i++ {
		devices = append(devices, domain.DeviceSnapshot{
			ID: fmt.Sprintf("cpe-%d", i), Name: fmt.Sprintf("sub-%d", i),
			Role: domain.RoleCPE, Online: true, IPAddress: fmt.Sprintf("10.0.0.%d", i+1),
		})
	}
	devices = append(devices,
		domain.DeviceSnapshot{ID: "ap-1", Name: "sector-ap", Role: domain.RoleAP, Online: true, IPAddress: "10.0.1.1"},
		domain.DeviceSnapshot{ID: "sw-1", Name: "agg-sw", Role: domain.RoleSwitch, Online: true, IPAddress: "10.0.2.1"},
	)
	puller := &fakePuller{}
	puller.set(inventory.PullResult{Devices: devices}, nil)

	cfg := testConfig()
	cfg.Probe.Enabled = true
	prober := &fakeProber{}
	manager := NewManager(cfg, testLogger(), state.NewMemoryStore(),
		notify.NewDispatcher(config.NotifyConfig{}, testLogger()),
		puller, history.NewMemoryRecorder(), prober, clk)

	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	first := prober.take()
	if len(first) != 9 {
		t.Fatalf("expected all 9 non-backbone devices probed, got %d", len(first))
	}
	probedSet := make(map[string]struct{}, len(first))
	for _, address := range first {
		probedSet[address] = struct{}{}
	}
	if _, ok := probedSet["10.0.1.1"]; !ok {
		t.Fatalf("expected access point among probe targets, got %v", first)
	}
	if _, ok := probedSet["10.0.2.1"]; ok {
		t.Fatalf("expected backbone device excluded from probing")
	}

	// A second cycle inside the same window repeats the selection, not the probes.
	clk.Advance(30 * time.Second)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if again := prober.take(); len(again) != 0 {
		t.Fatalf("expected no re-probing within the window, got %v", again)
	}

	// The next window starts while every device is still inside the cooldown.
	clk.Advance(180 * time.Second)
	if _, err := manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if next := prober.take(); len(next) != 0 {
		t.Fatalf("expected cooldown to hold in the next window, got %v", next)
	}
}
