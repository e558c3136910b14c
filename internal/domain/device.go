package domain

import "time"

// DeviceRole is the closed device classification decided by the normalizer.
// Params: gateway/ap/router/switch/cpe role constants.
// Returns: role tag consumed by detectors and policy.
type DeviceRole string

const (
	// RoleGateway indicates core uplink gateway.
	RoleGateway DeviceRole = "gateway"
	// RoleAP indicates wireless access point.
	RoleAP DeviceRole = "ap"
	// RoleRouter indicates backbone router.
	RoleRouter DeviceRole = "router"
	// RoleSwitch indicates backbone switch.
	RoleSwitch DeviceRole = "switch"
	// RoleCPE indicates customer endpoint.
	RoleCPE DeviceRole = "cpe"
)

// IsBackbone reports whether role belongs to core network infrastructure.
// Params: none.
// Returns: true for gateway, router, and switch.
func (r DeviceRole) IsBackbone() bool {
	return r == RoleGateway || r == RoleRouter || r == RoleSwitch
}

// Label returns human role label for notification payloads.
// Params: none.
// Returns: display label for the role.
func (r DeviceRole) Label() string {
	switch r {
	case RoleGateway:
		return "Gateway"
	case RoleAP:
		return "Access Point"
	case RoleRouter:
		return "Router"
	case RoleSwitch:
		return "Switch"
	case RoleCPE:
		return "CPE"
	default:
		return "Device"
	}
}

// DeviceSnapshot is one normalized inventory observation for one device.
// Params: identity, role, online flag, optional overview metrics.
// Returns: ephemeral per-cycle record consumed by the detectors.
type DeviceSnapshot struct {
	ID        string
	Name      string
	Role      DeviceRole
	Online    bool
	IPAddress string
	CPU       *float64
	RAM       *float64
	Temp      *float64
	LatencyMS *float64
}

// DeviceState is the persistent per-device blob owned by the state store.
// Params: outage timer, ack override, flap history, latency streak, notify and probe markers.
// Returns: mutable state read-modify-written once per reconciliation cycle.
type DeviceState struct {
	ID                    string      `json:"id,omitempty"`
	Name                  string      `json:"name,omitempty"`
	Role                  DeviceRole  `json:"role,omitempty"`
	OfflineSince          *time.Time  `json:"offline_since,omitempty"`
	AckUntil              *time.Time  `json:"ack_until,omitempty"`
	FlapHistory           []time.Time `json:"flap_history,omitempty"`
	LatencyHighStreak     int         `json:"latency_high_streak,omitempty"`
	LastOfflineNotifiedAt *time.Time  `json:"last_offline_notified_at,omitempty"`
	LastFlapNotifiedAt    *time.Time  `json:"last_flap_notified_at,omitempty"`
	LastLatencyNotifiedAt *time.Time  `json:"last_latency_notified_at,omitempty"`
	LastProbeAt           *time.Time  `json:"last_probe_at,omitempty"`
	LastProbeLatency      *float64    `json:"last_probe_latency,omitempty"`
	SimulateOutage        bool        `json:"simulate_outage,omitempty"`
	LastSeenAt            time.Time   `json:"last_seen_at"`
}

// Clone duplicates mutable slices from device state.
// Params: none.
// Returns: detached state copy safe for concurrent readers.
func (s DeviceState) Clone() DeviceState {
	out := s
	if len(s.FlapHistory) > 0 {
		out.FlapHistory = append([]time.Time(nil), s.FlapHistory...)
	}
	return out
}
