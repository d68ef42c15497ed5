package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

// truckController cycles the truck WAITING → INBOUND → IDLE → WAITING.
// Each tick advances it by at most one transition.
type truckController struct {
	id      world.TruckID
	cfg     config.TruckConfig
	st      store.Store
	journal *Journal
}

// step returns the number of items loaded onto the truck this tick.
func (c *truckController) step(ctx context.Context, tick uint64, now time.Time) (int, error) {
	tr, err := c.st.Truck(ctx, c.id)
	if err != nil {
		return 0, fmt.Errorf("load truck: %w", err)
	}

	switch tr.Status {
	case world.TruckWaiting:
		n, err := c.st.CountStoredIn(ctx, c.cfg.OutboundZone)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", c.cfg.OutboundZone, err)
		}
		if n < c.cfg.Threshold {
			return 0, nil
		}
		ok, err := c.st.DispatchTruck(ctx, c.id, c.cfg.OutboundZone, now, c.cfg.TravelDuration)
		if err != nil {
			return 0, fmt.Errorf("dispatch truck: %w", err)
		}
		if ok {
			slog.Info("truck dispatched", "truck", c.id, "zone", c.cfg.OutboundZone, "waiting_items", n, "tick", tick)
			c.note(tick, now, "Truck inbound", fmt.Sprintf("%s heading to %s for %d items", tr.Name, c.cfg.OutboundZone, n))
		}

	case world.TruckInbound:
		if tr.Location == nil || !tr.Location.Arrived(now) {
			return 0, nil
		}
		loaded, ok, err := c.st.DockTruck(ctx, c.id, now, c.cfg.UnloadBatch)
		if err != nil {
			return 0, fmt.Errorf("dock truck: %w", err)
		}
		if ok {
			slog.Info("truck docked", "truck", c.id, "loaded", loaded, "tick", tick)
			c.note(tick, now, "Truck docked", fmt.Sprintf("%s loaded %d items at %s", tr.Name, loaded, c.cfg.OutboundZone))
			return loaded, nil
		}

	case world.TruckIdle:
		ok, err := c.st.DepartTruck(ctx, c.id)
		if err != nil {
			return 0, fmt.Errorf("depart truck: %w", err)
		}
		if ok {
			slog.Info("truck departed", "truck", c.id, "tick", tick)
			c.note(tick, now, "Truck departed", tr.Name+" left the outbound dock")
		}
	}
	return 0, nil
}

func (c *truckController) note(tick uint64, now time.Time, title, desc string) {
	c.journal.Add(Notice{Tick: tick, Time: now, Title: title, Description: desc, Category: CategoryTruck})
}
