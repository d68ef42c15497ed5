package watchdog

import (
	"time"

	"github.com/talgya/logistics-twin/internal/world"
)

// Health levels, most severe first.
const (
	LevelCritical = "CRITICAL"
	LevelWarning  = "WARNING"
	LevelHealthy  = "HEALTHY"
)

// Health holds derived diagnostic signals computed from an Observation.
type Health struct {
	Level       string
	FaultUnits  int // units in ERROR
	LowUnits    int // units under the battery threshold but still running
	NewFailures uint64
	ErrorFor    time.Duration // how long the active ERROR event has run, 0 if none
}

// Triage computes Health from an observation. prevFailed is the failed tick
// count seen on the previous cycle.
func Triage(obs *Observation, prevFailed uint64) *Health {
	h := &Health{}
	for _, u := range obs.Context.Issues {
		if u.Status == world.UnitError {
			h.FaultUnits++
		} else {
			h.LowUnits++
		}
	}
	// A restarted engine resets its counters.
	if obs.Status.FailedTicks > prevFailed {
		h.NewFailures = obs.Status.FailedTicks - prevFailed
	}
	if a := obs.Status.Active; a != nil && a.Type == world.EventError {
		h.ErrorFor = obs.At.Sub(a.Started)
	}

	switch {
	case h.FaultUnits > 0 || h.NewFailures > 0:
		h.Level = LevelCritical
	case h.LowUnits > 0 || h.ErrorFor > 0:
		h.Level = LevelWarning
	default:
		h.Level = LevelHealthy
	}
	return h
}

// ShouldResolve reports whether the active disruption has outlived maxError.
// A zero maxError never resolves.
func (h *Health) ShouldResolve(maxError time.Duration) bool {
	return maxError > 0 && h.ErrorFor >= maxError
}
