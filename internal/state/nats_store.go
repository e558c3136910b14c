package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists device state in one JetStream KV bucket.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: KV-backed state store shared by concurrent reconcilers.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	kv       nats.KeyValue
	settings config.StateConfig
}

// NewNATSStore opens the device state bucket and returns NATS backend.
// Params: state backend settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.StateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open state bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: settings.Bucket,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create state bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{
		nc:       nc,
		js:       js,
		kv:       kv,
		settings: settings,
	}, nil
}

// Get reads one device state and its KV revision.
// Params: device id key.
// Returns: state payload, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, deviceID string) (domain.DeviceState, uint64, error) {
	entry, err := s.kv.Get(encodeKey(deviceID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.DeviceState{}, 0, ErrNotFound
		}
		return domain.DeviceState{}, 0, fmt.Errorf("get device state: %w", err)
	}

	var deviceState domain.DeviceState
	if err := json.Unmarshal(entry.Value(), &deviceState); err != nil {
		return domain.DeviceState{}, 0, fmt.Errorf("decode device state: %w", err)
	}
	return deviceState, entry.Revision(), nil
}

// Put writes device state unconditionally.
// Params: device id key and state payload.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, deviceID string, deviceState domain.DeviceState) (uint64, error) {
	body, err := json.Marshal(deviceState)
	if err != nil {
		return 0, fmt.Errorf("encode device state: %w", err)
	}
	rev, err := s.kv.Put(encodeKey(deviceID), body)
	if err != nil {
		return 0, fmt.Errorf("put device state: %w", err)
	}
	return rev, nil
}

// Update writes device state using expected revision CAS.
// Params: device id key, expected revision, and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, deviceID string, expectedRevision uint64, deviceState domain.DeviceState) (uint64, error) {
	body, err := json.Marshal(deviceState)
	if err != nil {
		return 0, fmt.Errorf("encode device state: %w", err)
	}
	rev, err := s.kv.Update(encodeKey(deviceID), body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update device state: %w", err)
	}
	return rev, nil
}

// Delete removes one device state key.
// Params: device id key.
// Returns: delete error.
func (s *NATSStore) Delete(_ context.Context, deviceID string) error {
	if err := s.kv.Delete(encodeKey(deviceID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete device state: %w", err)
	}
	return nil
}

// List reads all device states from the bucket.
// Params: none.
// Returns: state map keyed by decoded device id.
func (s *NATSStore) List(_ context.Context) (map[string]domain.DeviceState, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return map[string]domain.DeviceState{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make(map[string]domain.DeviceState, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get device state %q: %w", key, err)
		}
		var deviceState domain.DeviceState
		if err := json.Unmarshal(entry.Value(), &deviceState); err != nil {
			return nil, fmt.Errorf("decode device state %q: %w", key, err)
		}
		deviceID := deviceState.ID
		if deviceID == "" {
			deviceID = key
		}
		out[deviceID] = deviceState
	}
	return out, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// encodeKey maps device ids (MAC addresses included) onto the KV key charset.
// Params: raw device id.
// Returns: KV-safe key with colons folded to dashes.
func encodeKey(deviceID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		case r == ':':
			return '-'
		default:
			return '_'
		}
	}, deviceID)
}
