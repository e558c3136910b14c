package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nocwatch/internal/clock"
	"nocwatch/internal/config"
	"nocwatch/internal/domain"
	"nocwatch/internal/engine"
	"nocwatch/internal/history"
	"nocwatch/internal/inventory"
	"nocwatch/internal/notify"
	"nocwatch/internal/probe"
	"nocwatch/internal/state"
)

// Puller fetches the current device inventory.
// Params: request context.
// Returns: normalized pull result or source-unreachable error.
type Puller interface {
	Pull(ctx context.Context) (inventory.PullResult, error)
}

// DeviceSummary is one device row in the reconciliation summary.
// Params: identity, live status, and suppression/probe markers.
// Returns: API-facing device view.
type DeviceSummary struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Role             string     `json:"role"`
	RoleLabel        string     `json:"role_label"`
	Online           bool       `json:"online"`
	IPAddress        string     `json:"ip_address,omitempty"`
	OfflineSince     *time.Time `json:"offline_since,omitempty"`
	AckUntil         *time.Time `json:"ack_until,omitempty"`
	FlapCount        int        `json:"flap_count,omitempty"`
	CPU              *float64   `json:"cpu,omitempty"`
	RAM              *float64   `json:"ram,omitempty"`
	Temp             *float64   `json:"temperature,omitempty"`
	LatencyMS        *float64   `json:"latency_ms,omitempty"`
	LastProbeAt      *time.Time `json:"last_probe_at,omitempty"`
	LastProbeLatency *float64   `json:"last_probe_latency,omitempty"`
	SimulateOutage   bool       `json:"simulate_outage,omitempty"`
}

// Summary is one full reconciliation cycle outcome.
// Params: device rows, freshness markers, and source health metadata.
// Returns: API-facing cycle view.
type Summary struct {
	Devices      []DeviceSummary `json:"devices"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Stale        bool            `json:"stale"`
	Skipped      int             `json:"skipped,omitempty"`
	APILatencyMS float64         `json:"api_latency_ms"`
}

// Manager coordinates inventory pulls, detector evaluation, persistence, and delivery.
// Params: runtime config, state backend, dispatcher, recorder, sampler, prober, logger, and clock.
// Returns: reconciliation entrypoint and control operations.
type Manager struct {
	mu          sync.Mutex
	cfg         config.Config
	logger      *slog.Logger
	store       state.Store
	dispatcher  *notify.Dispatcher
	puller      Puller
	recorder    history.Recorder
	sampler     *probe.Sampler
	prober      probe.Prober
	clock       clock.Clock
	lastSummary *Summary
	lastPruneAt time.Time
}

// NewManager creates manager with initial configuration.
// Params: config snapshot and runtime dependencies.
// Returns: initialized manager.
func NewManager(
	cfg config.Config,
	logger *slog.Logger,
	store state.Store,
	dispatcher *notify.Dispatcher,
	puller Puller,
	recorder history.Recorder,
	prober probe.Prober,
	clk clock.Clock,
) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		puller:     puller,
		recorder:   recorder,
		sampler:    probe.NewSampler(cfg.Probe),
		prober:     prober,
		clock:      clk,
	}
}

// Reconcile runs one full cycle: pull, evaluate, notify, persist, probe, prune.
// Params: request context.
// Returns: fresh summary, or last known summary marked stale when the source is unreachable.
func (m *Manager) Reconcile(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	pull, err := m.puller.Pull(ctx)
	if err != nil {
		m.logger.Warn("inventory pull failed, serving last known summary", "error", err.Error())
		if m.lastSummary != nil {
			stale := *m.lastSummary
			stale.Stale = true
			return stale, nil
		}
		return Summary{GeneratedAt: now, Stale: true}, fmt.Errorf("inventory pull: %w", err)
	}
	if pull.Skipped > 0 {
		m.logger.Warn("inventory records skipped", "skipped", pull.Skipped)
	}

	summary := Summary{
		Devices:      make([]DeviceSummary, 0, len(pull.Devices)),
		GeneratedAt:  now,
		Skipped:      pull.Skipped,
		APILatencyMS: float64(pull.APILatency.Milliseconds()),
	}

	candidates := make([]probe.Candidate, 0)
	for _, snapshot := range pull.Devices {
		deviceState, revision, found, err := m.loadState(ctx, snapshot.ID)
		if err != nil {
			return Summary{}, err
		}

		decisions := engine.Evaluate(&deviceState, snapshot, m.cfg.Thresholds, now)
		for _, decision := range decisions {
			m.deliverDecision(ctx, &deviceState, snapshot, decision, now)
		}

		if err := m.persistState(ctx, snapshot.ID, deviceState, revision, found); err != nil {
			return Summary{}, err
		}

		if m.cfg.History.Enabled && snapshot.Role.IsBackbone() {
			row := history.Row{
				DeviceID:  snapshot.ID,
				Name:      snapshot.Name,
				Timestamp: now,
				CPU:       snapshot.CPU,
				RAM:       snapshot.RAM,
				Temp:      snapshot.Temp,
				LatencyMS: snapshot.LatencyMS,
				Online:    snapshot.Online && !deviceState.SimulateOutage,
			}
			if err := m.recorder.RecordDevice(ctx, row); err != nil {
				m.logger.Error("history record failed", "device", snapshot.ID, "error", err.Error())
			}
		}

		if m.cfg.Probe.Enabled && !snapshot.Role.IsBackbone() && snapshot.Online &&
			snapshot.IPAddress != "" && m.sampler.Eligible(deviceState, now) {
			candidates = append(candidates, probe.Candidate{
				DeviceID: snapshot.ID,
				Name:     snapshot.Name,
				Address:  snapshot.IPAddress,
			})
		}

		summary.Devices = append(summary.Devices, buildDeviceSummary(snapshot, deviceState))
	}

	sort.Slice(summary.Devices, func(i, j int) bool {
		return summary.Devices[i].Name < summary.Devices[j].Name
	})

	m.runProbes(ctx, candidates, now)
	m.maybePrune(ctx, now)

	m.lastSummary = &summary
	return summary, nil
}

// deliverDecision broadcasts one alert and records delivery on success.
// Params: mutable state, device snapshot, engine decision, and cycle time.
// Returns: notify markers advanced only after transport success.
func (m *Manager) deliverDecision(ctx context.Context, deviceState *domain.DeviceState, snapshot domain.DeviceSnapshot, decision engine.Decision, now time.Time) {
	event := domain.AlertEvent{
		DeviceID:   snapshot.ID,
		DeviceName: snapshot.Name,
		RoleLabel:  snapshot.Role.Label(),
		Class:      decision.Class,
		Message:    decision.Message,
		Severity:   decision.Severity,
		Timestamp:  now,
	}
	if err := m.dispatcher.Broadcast(ctx, event); err != nil {
		m.logger.Error("alert delivery failed", "device", snapshot.ID, "class", decision.Class, "error", err.Error())
		return
	}
	engine.MarkNotified(deviceState, decision.Class, now)
	m.logger.Info("alert delivered", "device", snapshot.ID, "class", decision.Class, "repeat", decision.Repeat)
}

// loadState reads one device state with its revision.
// Params: context and device id.
// Returns: state, revision, existence flag, and backend error.
func (m *Manager) loadState(ctx context.Context, deviceID string) (domain.DeviceState, uint64, bool, error) {
	deviceState, revision, err := m.store.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.DeviceState{ID: deviceID}, 0, false, nil
		}
		return domain.DeviceState{}, 0, false, err
	}
	return deviceState, revision, true, nil
}

// persistState writes one device state with a single conflict retry.
// Params: context, device id, state value, expected revision, and existence flag.
// Returns: backend error after retry.
func (m *Manager) persistState(ctx context.Context, deviceID string, deviceState domain.DeviceState, revision uint64, found bool) error {
	if !found {
		if _, err := m.store.Put(ctx, deviceID, deviceState); err != nil {
			return fmt.Errorf("persist state %s: %w", deviceID, err)
		}
		return nil
	}
	_, err := m.store.Update(ctx, deviceID, revision, deviceState)
	if err == nil {
		return nil
	}
	if !errors.Is(err, state.ErrConflict) {
		return fmt.Errorf("persist state %s: %w", deviceID, err)
	}

	// Concurrent writer won the race; refresh the revision and retry once.
	_, freshRevision, getErr := m.store.Get(ctx, deviceID)
	if getErr != nil {
		return fmt.Errorf("persist state %s: %w", deviceID, getErr)
	}
	if _, err := m.store.Update(ctx, deviceID, freshRevision, deviceState); err != nil {
		return fmt.Errorf("persist state %s: %w", deviceID, err)
	}
	return nil
}

// runProbes executes the per-window probe selection and records results.
// Params: context, eligible candidates, and cycle time.
// Returns: probe markers and history rows written best-effort.
func (m *Manager) runProbes(ctx context.Context, candidates []probe.Candidate, now time.Time) {
	if !m.cfg.Probe.Enabled || m.prober == nil || len(candidates) == 0 {
		return
	}
	selected := m.sampler.Select(candidates, now)
	for _, candidate := range selected {
		// A prior cycle in this window may have already probed it. The
		// selection stays identical, only the probe itself is not repeated.
		if deviceState, _, err := m.store.Get(ctx, candidate.DeviceID); err == nil &&
			m.sampler.ProbedThisWindow(deviceState, now) {
			continue
		}
		latency, err := m.prober.Probe(ctx, candidate.Address)
		if err != nil {
			m.logger.Warn("probe failed", "device", candidate.DeviceID, "address", candidate.Address, "error", err.Error())
			continue
		}

		probedAt := m.clock.Now()
		mutateErr := m.mutateState(ctx, candidate.DeviceID, false, func(deviceState *domain.DeviceState) {
			at := probedAt
			deviceState.LastProbeAt = &at
			deviceState.LastProbeLatency = latency
		})
		if mutateErr != nil {
			m.logger.Error("probe state update failed", "device", candidate.DeviceID, "error", mutateErr.Error())
			continue
		}

		if m.cfg.History.Enabled {
			if err := m.recorder.RecordProbe(ctx, candidate.DeviceID, candidate.Name, latency, probedAt); err != nil {
				m.logger.Error("probe history record failed", "device", candidate.DeviceID, "error", err.Error())
			}
		}
	}
}

// maybePrune runs retention cleanup at most once per hour.
// Params: context and cycle time.
// Returns: history rows and stale state entries removed best-effort.
func (m *Manager) maybePrune(ctx context.Context, now time.Time) {
	if !m.lastPruneAt.IsZero() && now.Sub(m.lastPruneAt) < time.Hour {
		return
	}
	m.lastPruneAt = now

	if m.cfg.History.Enabled {
		cutoff := now.Add(-m.cfg.History.Retention())
		if err := m.recorder.Prune(ctx, cutoff); err != nil {
			m.logger.Error("history prune failed", "error", err.Error())
		}
	}
	if evicted, err := m.compactStale(ctx, now); err != nil {
		m.logger.Error("state compaction failed", "error", err.Error())
	} else if evicted > 0 {
		m.logger.Warn("stale device states evicted", "evicted", evicted)
	}
}

// compactStale deletes state entries not seen within the configured TTL.
// Params: context and cycle time.
// Returns: evicted entry count and backend error.
func (m *Manager) compactStale(ctx context.Context, now time.Time) (int, error) {
	ttl := m.cfg.Service.StaleStateTTL()
	if ttl <= 0 {
		return 0, nil
	}
	entries, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for deviceID, deviceState := range entries {
		if deviceState.LastSeenAt.IsZero() || now.Sub(deviceState.LastSeenAt) < ttl {
			continue
		}
		if err := m.store.Delete(ctx, deviceID); err != nil && !errors.Is(err, state.ErrNotFound) {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// Acknowledge suppresses alerts for one device for a labeled duration.
// Params: context, device id, and duration label (unknown labels fall back to 30m).
// Returns: resolved suppression deadline or backend error.
func (m *Manager) Acknowledge(ctx context.Context, deviceID, durationLabel string) (time.Time, error) {
	now := m.clock.Now()
	duration := domain.AckDuration(durationLabel)
	// An entry is created for ids with no state yet: the device may only
	// appear (offline) in a later cycle and must already be suppressed.
	err := m.mutateState(ctx, deviceID, true, func(deviceState *domain.DeviceState) {
		engine.Acknowledge(deviceState, now, duration)
	})
	if err != nil {
		return time.Time{}, err
	}
	m.logger.Info("device acknowledged", "device", deviceID, "duration", durationLabel)
	return now.Add(duration), nil
}

// ClearAcknowledgement removes the suppression override for one device.
// Params: context and device id.
// Returns: backend error.
func (m *Manager) ClearAcknowledgement(ctx context.Context, deviceID string) error {
	err := m.mutateState(ctx, deviceID, false, func(deviceState *domain.DeviceState) {
		engine.ClearAck(deviceState)
	})
	if err != nil {
		return err
	}
	m.logger.Info("device acknowledgement cleared", "device", deviceID)
	return nil
}

// ClearAllAcknowledgements removes suppression overrides for every device.
// Params: context.
// Returns: cleared entry count and first backend error.
func (m *Manager) ClearAllAcknowledgements(ctx context.Context) (int, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for deviceID, deviceState := range entries {
		if deviceState.AckUntil == nil {
			continue
		}
		if err := m.mutateState(ctx, deviceID, false, func(deviceState *domain.DeviceState) {
			engine.ClearAck(deviceState)
		}); err != nil {
			return cleared, err
		}
		cleared++
	}
	m.logger.Info("all acknowledgements cleared", "count", cleared)
	return cleared, nil
}

// SimulateOutage forces one device to evaluate as offline until cleared.
// Params: context and device id.
// Returns: backend error.
func (m *Manager) SimulateOutage(ctx context.Context, deviceID string) error {
	err := m.mutateState(ctx, deviceID, false, func(deviceState *domain.DeviceState) {
		deviceState.SimulateOutage = true
	})
	if err != nil {
		return err
	}
	m.logger.Warn("simulated outage enabled", "device", deviceID)
	return nil
}

// ClearSimulatedOutage removes the forced-offline override for one device.
// Params: context and device id.
// Returns: backend error.
func (m *Manager) ClearSimulatedOutage(ctx context.Context, deviceID string) error {
	err := m.mutateState(ctx, deviceID, false, func(deviceState *domain.DeviceState) {
		deviceState.SimulateOutage = false
	})
	if err != nil {
		return err
	}
	m.logger.Info("simulated outage cleared", "device", deviceID)
	return nil
}

// History returns recent metric rows for one device.
// Params: context and device id.
// Returns: rows bounded by configured read limit.
func (m *Manager) History(ctx context.Context, deviceID string) ([]history.Row, error) {
	limit := m.cfg.History.ReadLimit
	if limit <= 0 {
		limit = 1440
	}
	return m.recorder.History(ctx, deviceID, limit)
}

// LastSummary returns the most recent reconciliation summary.
// Params: none.
// Returns: cached summary and availability flag.
func (m *Manager) LastSummary() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSummary == nil {
		return Summary{}, false
	}
	return *m.lastSummary, true
}

// mutateState applies one mutation to stored device state with a conflict retry.
// Params: context, device id, create-on-missing flag, and mutation callback.
// Returns: state.ErrNotFound for unknown devices unless created, or backend error.
func (m *Manager) mutateState(ctx context.Context, deviceID string, createMissing bool, mutate func(*domain.DeviceState)) error {
	for attempt := 0; attempt < 2; attempt++ {
		deviceState, revision, err := m.store.Get(ctx, deviceID)
		if errors.Is(err, state.ErrNotFound) && createMissing {
			// Device not seen by any cycle yet: start from an empty entry so
			// the override is already in place when it first appears.
			deviceState = domain.DeviceState{ID: deviceID}
			mutate(&deviceState)
			if _, putErr := m.store.Put(ctx, deviceID, deviceState); putErr != nil {
				return putErr
			}
			return nil
		}
		if err != nil {
			return err
		}
		mutate(&deviceState)
		_, err = m.store.Update(ctx, deviceID, revision, deviceState)
		if err == nil {
			return nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return err
		}
	}
	return state.ErrConflict
}

// buildDeviceSummary maps snapshot+state pair into one API row.
// Params: normalized snapshot and evaluated state.
// Returns: device summary row.
func buildDeviceSummary(snapshot domain.DeviceSnapshot, deviceState domain.DeviceState) DeviceSummary {
	return DeviceSummary{
		ID:               snapshot.ID,
		Name:             snapshot.Name,
		Role:             string(snapshot.Role),
		RoleLabel:        snapshot.Role.Label(),
		Online:           snapshot.Online && !deviceState.SimulateOutage,
		IPAddress:        snapshot.IPAddress,
		OfflineSince:     deviceState.OfflineSince,
		AckUntil:         deviceState.AckUntil,
		FlapCount:        len(deviceState.FlapHistory),
		CPU:              snapshot.CPU,
		RAM:              snapshot.RAM,
		Temp:             snapshot.Temp,
		LatencyMS:        snapshot.LatencyMS,
		LastProbeAt:      deviceState.LastProbeAt,
		LastProbeLatency: deviceState.LastProbeLatency,
		SimulateOutage:   deviceState.SimulateOutage,
	}
}
