package inventory

import (
	"encoding/json"
	"fmt"
	"strings"

	"nocwatch/internal/domain"
)

// onlineStatuses is the known online vocabulary; anything else means offline.
var onlineStatuses = map[string]struct{}{
	"ok":        {},
	"online":    {},
	"active":    {},
	"connected": {},
	"reachable": {},
	"enabled":   {},
}

// rawDevice models one untrusted inventory record; any field may be absent.
// Params: identification and overview sub-objects from the source payload.
// Returns: decode target for normalization.
type rawDevice struct {
	Identification struct {
		ID   string `json:"id"`
		MAC  string `json:"mac"`
		Name string `json:"name"`
		Role string `json:"role"`
	} `json:"identification"`
	Overview struct {
		Status      string   `json:"status"`
		CPU         *float64 `json:"cpu"`
		RAM         *float64 `json:"ram"`
		Temperature *float64 `json:"temperature"`
		Latency     *float64 `json:"latency"`
	} `json:"overview"`
	IPAddress string `json:"ipAddress"`
}

// Normalize converts one raw inventory payload into uniform device snapshots.
// Params: raw JSON array of heterogeneous device objects.
// Returns: snapshot list, skipped malformed record count, or decode error.
func Normalize(payload []byte) ([]domain.DeviceSnapshot, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode inventory payload: %w", err)
	}

	devices := make([]domain.DeviceSnapshot, 0, len(raw))
	skipped := 0
	for _, body := range raw {
		var record rawDevice
		if err := json.Unmarshal(body, &record); err != nil {
			skipped++
			continue
		}
		devices = append(devices, normalizeRecord(record))
	}
	return devices, skipped, nil
}

// normalizeRecord maps one raw record onto a device snapshot.
// Params: decoded raw device record.
// Returns: snapshot with classified role and id fallback applied.
func normalizeRecord(record rawDevice) domain.DeviceSnapshot {
	id := DeviceKey(record.Identification.MAC, record.Identification.ID, record.Identification.Name)
	name := strings.TrimSpace(record.Identification.Name)
	if name == "" {
		name = id
	}
	return domain.DeviceSnapshot{
		ID:        id,
		Name:      name,
		Role:      ClassifyRole(record.Identification.Role),
		Online:    IsOnlineStatus(record.Overview.Status),
		IPAddress: stripPrefixLength(record.IPAddress),
		CPU:       record.Overview.CPU,
		RAM:       record.Overview.RAM,
		Temp:      record.Overview.Temperature,
		LatencyMS: record.Overview.Latency,
	}
}

// DeviceKey resolves the stable device key with degenerate fallbacks.
// Params: mac, id, and name identification fields.
// Returns: mac, then id, then name, then the "unknown" sentinel.
func DeviceKey(mac, id, name string) string {
	if key := strings.TrimSpace(mac); key != "" {
		return key
	}
	if key := strings.TrimSpace(id); key != "" {
		return key
	}
	if key := strings.TrimSpace(name); key != "" {
		return key
	}
	return "unknown"
}

// ClassifyRole folds raw role strings into the closed role set.
// Params: raw role string from identification.
// Returns: classified role; unrecognized roles become cpe.
func ClassifyRole(raw string) domain.DeviceRole {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gateway":
		return domain.RoleGateway
	case "ap", "access-point", "accesspoint", "base-station", "basestation":
		return domain.RoleAP
	case "router":
		return domain.RoleRouter
	case "switch":
		return domain.RoleSwitch
	default:
		return domain.RoleCPE
	}
}

// IsOnlineStatus reports whether raw status belongs to the online vocabulary.
// Params: raw status string from overview.
// Returns: true for known online statuses; unknown or missing means offline.
func IsOnlineStatus(raw string) bool {
	_, ok := onlineStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return ok
}

// stripPrefixLength drops a CIDR suffix from reported addresses.
// Params: raw address string, possibly "a.b.c.d/24".
// Returns: bare host address.
func stripPrefixLength(address string) string {
	address = strings.TrimSpace(address)
	if slash := strings.IndexByte(address, '/'); slash >= 0 {
		return address[:slash]
	}
	return address
}
