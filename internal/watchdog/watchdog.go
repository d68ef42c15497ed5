package watchdog

import (
	"context"
	"log/slog"
	"time"
)

// Watchdog runs observe, triage and act cycles on an interval.
type Watchdog struct {
	Observer *Observer
	Actor    *Actor // nil = observe only
	Interval time.Duration
	MaxError time.Duration

	prevFailed uint64
	observed   bool // prevFailed holds a real baseline
}

// Cycle executes one observe → triage → act pass and returns the health seen.
func (w *Watchdog) Cycle(ctx context.Context) (*Health, error) {
	obs, err := w.Observer.Observe(ctx)
	if err != nil {
		return nil, err
	}
	// Failures from before the first look are history, not news.
	if !w.observed {
		w.prevFailed = obs.Status.FailedTicks
		w.observed = true
	}
	h := Triage(obs, w.prevFailed)
	w.prevFailed = obs.Status.FailedTicks

	slog.Info("facility observed",
		"tick", obs.Status.Tick,
		"level", h.Level,
		"fault_units", h.FaultUnits,
		"low_units", h.LowUnits,
		"new_failures", h.NewFailures,
	)
	if !h.ShouldResolve(w.MaxError) {
		return h, nil
	}
	if w.Actor == nil {
		slog.Warn("disruption outlived limit, no admin key to resolve it", "running", h.ErrorFor)
		return h, nil
	}
	if err := w.Actor.Resolve(ctx); err != nil {
		return h, err
	}
	slog.Info("disruption resolve requested", "running", h.ErrorFor.Round(time.Second))
	return h, nil
}

// WaitReady polls the API with exponential backoff until it answers or ctx ends.
func (w *Watchdog) WaitReady(ctx context.Context) error {
	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second
	for {
		if w.Observer.Ready(ctx) {
			slog.Info("facility API is ready")
			return nil
		}
		slog.Info("facility API not ready, retrying", "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Run cycles until ctx is cancelled. Cycle errors are logged, not fatal.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.WaitReady(ctx); err != nil {
		return err
	}
	cycle := func() {
		if _, err := w.Cycle(ctx); err != nil {
			slog.Error("watchdog cycle failed", "err", err)
		}
	}
	cycle()

	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("watchdog stopped")
			return nil
		case <-ticker.C:
			cycle()
		}
	}
}
