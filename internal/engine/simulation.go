package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/logistics-twin/internal/world"
)

// Status reports the engine's progress.
type Status struct {
	Tick          uint64       `json:"tick"`
	LastTick      time.Time    `json:"last_tick"`
	Seed          int64        `json:"seed"`
	Active        *ActiveEvent `json:"active_event,omitempty"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`
	FailedTicks   uint64       `json:"failed_ticks"`
	LastError     string       `json:"last_error,omitempty"`

	// Running totals.
	Spawned   uint64 `json:"spawned"`
	Delivered uint64 `json:"delivered"` // transport hops that unloaded an item
	Loaded    uint64 `json:"loaded"`    // items taken away by the truck
}

type tickCounts struct {
	spawned   int
	delivered int
	loaded    int
}

// runStages executes the pipeline in fixed order: event lifecycle, spawner,
// transport, truck. Each stage sees the effects of the ones before it.
func (e *Engine) runStages(ctx context.Context, tick uint64, now time.Time) (tickCounts, error) {
	var c tickCounts

	if err := e.events.step(ctx, tick, now); err != nil {
		return c, fmt.Errorf("events: %w", err)
	}
	active := e.events.activeType()

	n, err := e.spawner.step(ctx, now, active)
	c.spawned = n
	if err != nil {
		return c, fmt.Errorf("spawn: %w", err)
	}

	res, err := e.transport.step(ctx, now, active == world.EventError)
	c.delivered = res.Deliveries
	if err != nil {
		return c, fmt.Errorf("transport: %w", err)
	}

	c.loaded, err = e.truck.step(ctx, tick, now)
	if err != nil {
		return c, fmt.Errorf("truck: %w", err)
	}

	slog.Debug("tick", "tick", tick, "event", active, "spawned", n,
		"arrivals", res.Arrivals, "assignments", res.Assignments, "loaded", c.loaded)
	return c, nil
}
