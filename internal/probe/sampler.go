package probe

import (
	"math/rand"
	"sort"
	"time"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"
)

// Candidate is one device eligible for active probing.
// Params: device identity and reachable address.
// Returns: sampler selection input.
type Candidate struct {
	DeviceID string
	Name     string
	Address  string
}

// Sampler selects a bounded random subset of probe candidates per time window.
// Params: probe cadence and selection bound settings.
// Returns: deterministic per-window selection shared by concurrent cycles.
type Sampler struct {
	cfg config.ProbeConfig
}

// NewSampler creates probe sampler from config.
// Params: probe section config.
// Returns: initialized sampler.
func NewSampler(cfg config.ProbeConfig) *Sampler {
	return &Sampler{cfg: cfg}
}

// WindowKey returns the selection window identifier for one timestamp.
// Params: current time.
// Returns: floor(unix seconds / window width).
func (s *Sampler) WindowKey(now time.Time) int64 {
	return now.Unix() / int64(s.cfg.WindowSec)
}

// WindowStart returns the opening instant of the window containing one timestamp.
// Params: current time.
// Returns: window key multiplied back into a UTC timestamp.
func (s *Sampler) WindowStart(now time.Time) time.Time {
	return time.Unix(s.WindowKey(now)*int64(s.cfg.WindowSec), 0).UTC()
}

// Eligible reports whether one device belongs in this window's candidate set.
// Params: device state and current time.
// Returns: true when the last probe predates the cooldown as of window start.
func (s *Sampler) Eligible(deviceState domain.DeviceState, now time.Time) bool {
	if deviceState.LastProbeAt == nil {
		return true
	}
	// Eligibility is judged against the window start, and a device already
	// probed inside this window stays a candidate. The candidate set is then
	// identical for every cycle in the window, so the seeded shuffle lands on
	// the same selection no matter how often the window is re-evaluated.
	if s.ProbedThisWindow(deviceState, now) {
		return true
	}
	return s.WindowStart(now).Sub(*deviceState.LastProbeAt) >= s.cfg.MinInterval()
}

// ProbedThisWindow reports whether one device was already probed in the current window.
// Params: device state and current time.
// Returns: true when the last probe falls at or after the window start.
func (s *Sampler) ProbedThisWindow(deviceState domain.DeviceState, now time.Time) bool {
	return deviceState.LastProbeAt != nil && !deviceState.LastProbeAt.Before(s.WindowStart(now))
}

// Select picks up to the configured bound of candidates for one window.
// Params: candidate list and current time.
// Returns: selected subset; identical for every call inside the same window.
func (s *Sampler) Select(candidates []Candidate, now time.Time) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	// All concurrent cycles in one window must agree without re-rolling:
	// sort for a stable base order, then shuffle with the window key as seed.
	ordered := append([]Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].DeviceID < ordered[j].DeviceID
	})

	rng := rand.New(rand.NewSource(s.WindowKey(now)))
	rng.Shuffle(len(ordered), func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})

	limit := s.cfg.MaxPerWindow
	if limit > len(ordered) {
		limit = len(ordered)
	}
	return ordered[:limit]
}
