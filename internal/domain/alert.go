package domain

import "time"

// AlertClass identifies one notification class per device condition.
// Params: outage/recovery/flapping/high-latency class constants.
// Returns: class tag for suppression bookkeeping and transport routing.
type AlertClass string

const (
	// AlertClassOutage indicates device offline past its class threshold.
	AlertClassOutage AlertClass = "outage"
	// AlertClassRecovery indicates device returned online after an alerted outage.
	AlertClassRecovery AlertClass = "recovery"
	// AlertClassFlapping indicates repeated recover/fail cycles inside the flap window.
	AlertClassFlapping AlertClass = "flapping"
	// AlertClassHighLatency indicates sustained latency above threshold.
	AlertClassHighLatency AlertClass = "high-latency"
)

// Severity hints for the notification transport.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// AlertEvent is one outbound notification decision for the transport boundary.
// Params: device identity, alert class, human message, and severity hint.
// Returns: payload consumed by the notify dispatcher.
type AlertEvent struct {
	DeviceID   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	RoleLabel  string     `json:"device_role_label"`
	Class      AlertClass `json:"alert_class"`
	Message    string     `json:"message"`
	Severity   string     `json:"severity_hint"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ackDurations maps operator duration labels to suppression windows.
// Unknown labels fall back to 30 minutes, matching the legacy dashboard.
var ackDurations = map[string]time.Duration{
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
}

// AckDuration resolves one acknowledge duration label.
// Params: operator-facing duration label.
// Returns: suppression duration with 30m fallback for unknown labels.
func AckDuration(label string) time.Duration {
	if duration, ok := ackDurations[label]; ok {
		return duration
	}
	return 30 * time.Minute
}

// AckDurationLabels returns supported duration labels in ascending order.
// Params: none.
// Returns: label list for control surface validation messages.
func AckDurationLabels() []string {
	return []string{"30m", "1h", "6h", "8h", "12h"}
}
