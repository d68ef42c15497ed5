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

// transportController moves items along fixed route segments.
type transportController struct {
	cfg config.TransportConfig
	st  store.Store
}

// transportResult counts one tick's transport activity.
type transportResult struct {
	Arrivals    int
	Deliveries  int // arrivals that unloaded an item
	Assignments int
}

// step runs completion, then assignment, then battery drain. While the
// line is stalled only the drain runs.
func (c *transportController) step(ctx context.Context, now time.Time, stalled bool) (transportResult, error) {
	var res transportResult
	if !stalled {
		units, err := c.st.Transports(ctx)
		if err != nil {
			return res, fmt.Errorf("list transports: %w", err)
		}
		if err := c.complete(ctx, now, units, &res); err != nil {
			return res, err
		}
		if err := c.assign(ctx, now, &res); err != nil {
			return res, err
		}
	}

	drain := store.BatteryDrain{
		Idle:         c.cfg.IdleDrain,
		Moving:       c.cfg.MovingDrain,
		LowThreshold: c.cfg.LowBatteryThreshold,
	}
	if err := c.st.DrainBatteries(ctx, drain); err != nil {
		return res, fmt.Errorf("drain batteries: %w", err)
	}
	return res, nil
}

// complete parks every unit whose movement has elapsed. The store rechecks
// the condition, so a unit that already arrived is skipped.
func (c *transportController) complete(ctx context.Context, now time.Time, units []world.Transport, res *transportResult) error {
	for _, u := range units {
		if !u.Location.Arrived(now) {
			continue
		}
		arr, ok, err := c.st.CompleteTransit(ctx, u.ID, now)
		if err != nil {
			return fmt.Errorf("complete %s: %w", u.ID, err)
		}
		if !ok {
			continue
		}
		res.Arrivals++
		if arr.Item != "" {
			res.Deliveries++
		}
		slog.Debug("transport arrived", "unit", arr.Unit, "zone", arr.Zone, "item", arr.Item)
	}
	return nil
}

// assign starts one pickup per route whose unit is parked and able to work.
func (c *transportController) assign(ctx context.Context, now time.Time, res *transportResult) error {
	units, err := c.st.Transports(ctx)
	if err != nil {
		return fmt.Errorf("list transports: %w", err)
	}
	byID := make(map[world.UnitID]world.Transport, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	for _, r := range c.cfg.Routes {
		u, ok := byID[r.Unit]
		if !ok || !c.available(u) {
			continue
		}
		asg, ok, err := c.st.AssignTransport(ctx, store.AssignRequest{
			Unit:     r.Unit,
			From:     r.From,
			To:       r.To,
			Now:      now,
			Duration: c.cfg.TravelDuration,
		})
		if err != nil {
			return fmt.Errorf("assign %s: %w", r.Unit, err)
		}
		if ok {
			res.Assignments++
			slog.Debug("transport assigned", "unit", asg.Unit, "item", asg.Item, "from", asg.From, "to", asg.To)
		}
	}
	return nil
}

// available reports whether a unit may take a new pickup. LOW_BATTERY
// units keep working until they reach the operating floor.
func (c *transportController) available(u world.Transport) bool {
	if u.Location.Kind != world.LocAtZone {
		return false
	}
	if u.Status != world.UnitIdle && u.Status != world.UnitLowBattery {
		return false
	}
	return u.Battery > c.cfg.MinOperatingBattery
}
