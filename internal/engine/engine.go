package engine

import (
	"fmt"
	"time"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"
)

// Decision is one notification decision for one device and alert class.
// Params: alert class, repeat marker, and rendered message parts.
// Returns: deterministic evaluation output for the manager.
type Decision struct {
	Class    domain.AlertClass
	Repeat   bool
	Message  string
	Severity string
}

// Evaluate runs outage, flap, and latency detectors for one device observation.
// Params: mutable device state, normalized snapshot, thresholds, and current time.
// Returns: notification decisions; state mutated in place, notify markers untouched.
func Evaluate(deviceState *domain.DeviceState, snapshot domain.DeviceSnapshot, thresholds config.ThresholdConfig, now time.Time) []Decision {
	deviceState.ID = snapshot.ID
	deviceState.Name = snapshot.Name
	deviceState.Role = snapshot.Role
	deviceState.LastSeenAt = now

	online := snapshot.Online && !deviceState.SimulateOutage
	observeTransition(deviceState, online, now)
	pruneFlapHistory(deviceState, thresholds.FlapWindow(), now)
	observeLatency(deviceState, snapshot, thresholds)

	acked := IsAcknowledged(deviceState, now)

	decisions := make([]Decision, 0, 2)
	if decision, ok := outageDecision(deviceState, snapshot, thresholds, now, online, acked); ok {
		decisions = append(decisions, decision)
	}
	if decision, ok := flapDecision(deviceState, snapshot, thresholds, now, acked); ok {
		decisions = append(decisions, decision)
	}
	if decision, ok := latencyDecision(deviceState, snapshot, thresholds, now, acked); ok {
		decisions = append(decisions, decision)
	}
	return decisions
}

// observeTransition tracks the outage window and records backbone recoveries.
// Params: mutable state, effective online flag, and current time.
// Returns: offline_since and flap_history mutated in place.
func observeTransition(deviceState *domain.DeviceState, online bool, now time.Time) {
	if !online {
		if deviceState.OfflineSince == nil {
			offlineSince := now
			deviceState.OfflineSince = &offlineSince
		}
		return
	}
	if deviceState.OfflineSince == nil {
		return
	}

	deviceState.OfflineSince = nil
	if deviceState.Role.IsBackbone() {
		deviceState.FlapHistory = append(deviceState.FlapHistory, now)
	}
}

// pruneFlapHistory drops recovery timestamps older than the flap window.
// Params: mutable state, window width, and current time.
// Returns: flap_history filtered in place.
func pruneFlapHistory(deviceState *domain.DeviceState, window time.Duration, now time.Time) {
	if len(deviceState.FlapHistory) == 0 {
		return
	}
	cutoff := now.Add(-window)
	drop := 0
	for ; drop < len(deviceState.FlapHistory); drop++ {
		if !deviceState.FlapHistory[drop].Before(cutoff) {
			break
		}
	}
	if drop == 0 {
		return
	}
	deviceState.FlapHistory = append([]time.Time(nil), deviceState.FlapHistory[drop:]...)
}

// observeLatency advances or resets the consecutive high-latency streak.
// Params: mutable state, snapshot with optional latency sample, thresholds.
// Returns: latency_high_streak mutated in place.
func observeLatency(deviceState *domain.DeviceState, snapshot domain.DeviceSnapshot, thresholds config.ThresholdConfig) {
	if !snapshot.Role.IsBackbone() {
		deviceState.LatencyHighStreak = 0
		return
	}
	// A missing measurement is not treated as still bad.
	if snapshot.LatencyMS == nil || *snapshot.LatencyMS < thresholds.LatencyThresholdMS {
		deviceState.LatencyHighStreak = 0
		return
	}
	deviceState.LatencyHighStreak++
}

// outageDecision applies class-specific offline thresholds and repeat policy.
// Params: state, snapshot, thresholds, current time, online and ack flags.
// Returns: outage or recovery decision when one is due.
func outageDecision(deviceState *domain.DeviceState, snapshot domain.DeviceSnapshot, thresholds config.ThresholdConfig, now time.Time, online, acked bool) (Decision, bool) {
	if online {
		// A recovery stays pending until the transport confirms delivery.
		if deviceState.LastOfflineNotifiedAt == nil || acked {
			return Decision{}, false
		}
		return Decision{
			Class:    domain.AlertClassRecovery,
			Message:  fmt.Sprintf("%s (%s) is back online", snapshot.Name, snapshot.Role.Label()),
			Severity: domain.SeverityInfo,
		}, true
	}

	if snapshot.Role == domain.RoleCPE || acked {
		return Decision{}, false
	}

	threshold := thresholds.BackboneOffline()
	if snapshot.Role == domain.RoleGateway {
		threshold = thresholds.GatewayOffline()
	}
	offlineFor := now.Sub(*deviceState.OfflineSince)
	if offlineFor < threshold {
		return Decision{}, false
	}

	if deviceState.LastOfflineNotifiedAt == nil {
		return Decision{
			Class:    domain.AlertClassOutage,
			Message:  fmt.Sprintf("%s (%s) is offline for %s", snapshot.Name, snapshot.Role.Label(), formatDuration(offlineFor)),
			Severity: outageSeverity(snapshot.Role),
		}, true
	}
	if now.Sub(*deviceState.LastOfflineNotifiedAt) < thresholds.OfflineRepeat() {
		return Decision{}, false
	}
	return Decision{
		Class:    domain.AlertClassOutage,
		Repeat:   true,
		Message:  fmt.Sprintf("%s (%s) is still offline for %s", snapshot.Name, snapshot.Role.Label(), formatDuration(offlineFor)),
		Severity: outageSeverity(snapshot.Role),
	}, true
}

// flapDecision flags repeated recoveries inside the flap window.
// Params: state, snapshot, thresholds, current time, and ack flag.
// Returns: flap decision when flapping persists past suppression.
func flapDecision(deviceState *domain.DeviceState, snapshot domain.DeviceSnapshot, thresholds config.ThresholdConfig, now time.Time, acked bool) (Decision, bool) {
	if !snapshot.Role.IsBackbone() {
		return Decision{}, false
	}

	flapping := len(deviceState.FlapHistory) >= thresholds.FlapThreshold
	if !flapping {
		// Clear promptly so the next flap episode alerts without a stale cooldown.
		deviceState.LastFlapNotifiedAt = nil
		return Decision{}, false
	}
	if acked {
		return Decision{}, false
	}
	if deviceState.LastFlapNotifiedAt != nil && now.Sub(*deviceState.LastFlapNotifiedAt) < thresholds.FlapSuppress() {
		return Decision{}, false
	}
	return Decision{
		Class:    domain.AlertClassFlapping,
		Repeat:   deviceState.LastFlapNotifiedAt != nil,
		Message:  fmt.Sprintf("%s (%s) is flapping: %d recoveries in the last %s", snapshot.Name, snapshot.Role.Label(), len(deviceState.FlapHistory), formatDuration(thresholds.FlapWindow())),
		Severity: outageSeverity(snapshot.Role),
	}, true
}

// latencyDecision flags sustained high latency streaks.
// Params: state, snapshot, thresholds, current time, and ack flag.
// Returns: latency decision when the streak persists past suppression.
func latencyDecision(deviceState *domain.DeviceState, snapshot domain.DeviceSnapshot, thresholds config.ThresholdConfig, now time.Time, acked bool) (Decision, bool) {
	active := deviceState.LatencyHighStreak >= thresholds.LatencyStreak
	if !active {
		// The stale cooldown is kept until the suppression window naturally elapses.
		if deviceState.LastLatencyNotifiedAt != nil && now.Sub(*deviceState.LastLatencyNotifiedAt) >= thresholds.LatencySuppress() {
			deviceState.LastLatencyNotifiedAt = nil
		}
		return Decision{}, false
	}
	if acked {
		return Decision{}, false
	}
	if deviceState.LastLatencyNotifiedAt != nil && now.Sub(*deviceState.LastLatencyNotifiedAt) < thresholds.LatencySuppress() {
		return Decision{}, false
	}
	latency := 0.0
	if snapshot.LatencyMS != nil {
		latency = *snapshot.LatencyMS
	}
	return Decision{
		Class:    domain.AlertClassHighLatency,
		Repeat:   deviceState.LastLatencyNotifiedAt != nil,
		Message:  fmt.Sprintf("%s (%s) latency is high: %.0fms for %d consecutive cycles", snapshot.Name, snapshot.Role.Label(), latency, deviceState.LatencyHighStreak),
		Severity: domain.SeverityWarning,
	}, true
}

// MarkNotified records successful delivery for one alert class.
// Params: mutable state, alert class, and delivery time.
// Returns: per-class last-notified marker mutated in place.
func MarkNotified(deviceState *domain.DeviceState, class domain.AlertClass, now time.Time) {
	switch class {
	case domain.AlertClassOutage:
		notifiedAt := now
		deviceState.LastOfflineNotifiedAt = &notifiedAt
	case domain.AlertClassRecovery:
		deviceState.LastOfflineNotifiedAt = nil
	case domain.AlertClassFlapping:
		notifiedAt := now
		deviceState.LastFlapNotifiedAt = &notifiedAt
	case domain.AlertClassHighLatency:
		notifiedAt := now
		deviceState.LastLatencyNotifiedAt = &notifiedAt
	}
}

// Acknowledge sets the time-bounded suppression override for one device.
// Params: mutable state, current time, and suppression duration.
// Returns: ack_until mutated in place.
func Acknowledge(deviceState *domain.DeviceState, now time.Time, duration time.Duration) {
	ackUntil := now.Add(duration)
	deviceState.AckUntil = &ackUntil
}

// ClearAck removes the suppression override immediately.
// Params: mutable state.
// Returns: ack_until cleared in place.
func ClearAck(deviceState *domain.DeviceState) {
	deviceState.AckUntil = nil
}

// IsAcknowledged reports whether a suppression override is in effect.
// Params: mutable state and current time.
// Returns: true when ack_until is set and in the future; expired entries are lazily cleared.
func IsAcknowledged(deviceState *domain.DeviceState, now time.Time) bool {
	if deviceState.AckUntil == nil {
		return false
	}
	if now.Before(*deviceState.AckUntil) {
		return true
	}
	deviceState.AckUntil = nil
	return false
}

// outageSeverity maps device role to notification severity hint.
// Params: device role.
// Returns: critical for gateways, warning otherwise.
func outageSeverity(role domain.DeviceRole) string {
	if role == domain.RoleGateway {
		return domain.SeverityCritical
	}
	return domain.SeverityWarning
}

// formatDuration renders duration in compact human form.
// Params: duration value.
// Returns: formatted string with one decimal precision.
func formatDuration(duration time.Duration) string {
	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.0fs", seconds)
	}
}
