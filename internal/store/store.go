// Package store is the WorldStore: the single shared home of facility state.
//
// Every Writer method is one atomic operation. Conditional mutations report a
// non-matching precondition as (zero, false, nil) so that a stale read by the
// caller is a safe no-op rather than an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/talgya/logistics-twin/internal/world"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotSeeded is returned by mutations issued before Seed.
	ErrNotSeeded = errors.New("store not seeded")
	// ErrExists is returned when creating an entity whose ID is taken.
	ErrExists = errors.New("already exists")
)

// Reader is the side-effect-free query surface shared by the engine,
// the HTTP API, and any chat agent.
type Reader interface {
	Zones(ctx context.Context) ([]world.Zone, error)
	Transports(ctx context.Context) ([]world.Transport, error)
	Items(ctx context.Context) ([]world.Item, error)
	Truck(ctx context.Context, id world.TruckID) (world.Truck, error)
	Events(ctx context.Context) ([]world.Event, error)
	CountStoredIn(ctx context.Context, zone world.ZoneID) (int, error)

	Snapshot(ctx context.Context) (Snapshot, error)
	Context(ctx context.Context, batteryThreshold float64) (Context, error)
	SearchEvents(ctx context.Context, query []float32, k int) ([]EventMatch, error)
}

// Writer holds the engine's mutations. The engine is the only writer.
type Writer interface {
	// Seed creates zones, transport units and the truck. Seeding an
	// already seeded store is a no-op.
	Seed(ctx context.Context, layout world.Layout) error

	CreateItem(ctx context.Context, item world.Item) error
	// CreateEvent stores the event together with its AFFECTS links.
	CreateEvent(ctx context.Context, ev world.Event) error
	DeleteEventsOfType(ctx context.Context, t world.EventType) (int, error)

	// CompleteTransit parks a transiting unit whose movement has elapsed at
	// now and unloads its cargo into the destination zone.
	CompleteTransit(ctx context.Context, unit world.UnitID, now time.Time) (Arrival, bool, error)
	// AssignTransport loads the oldest item stored at req.From onto a
	// parked unit and starts its movement to req.To.
	AssignTransport(ctx context.Context, req AssignRequest) (Assignment, bool, error)
	DrainBatteries(ctx context.Context, d BatteryDrain) error

	// DispatchTruck starts a WAITING truck toward zone.
	DispatchTruck(ctx context.Context, id world.TruckID, zone world.ZoneID, now time.Time, d time.Duration) (bool, error)
	// DockTruck parks an INBOUND truck whose movement has elapsed and
	// removes up to batch of the oldest items stored at its destination.
	DockTruck(ctx context.Context, id world.TruckID, now time.Time, batch int) (int, bool, error)
	// DepartTruck sends an IDLE truck away.
	DepartTruck(ctx context.Context, id world.TruckID) (bool, error)
}

// Store is a complete WorldStore backend.
type Store interface {
	Reader
	Writer
	Close() error
}

// AssignRequest describes one pickup along a fixed route segment.
type AssignRequest struct {
	Unit     world.UnitID
	From     world.ZoneID
	To       world.ZoneID
	Now      time.Time
	Duration time.Duration
}

// Assignment is a successful pickup.
type Assignment struct {
	Unit world.UnitID `json:"unit"`
	Item world.ItemID `json:"item"`
	From world.ZoneID `json:"from"`
	To   world.ZoneID `json:"to"`
}

// Arrival is a completed movement. Item is empty if the unit was not carrying.
type Arrival struct {
	Unit world.UnitID `json:"unit"`
	Item world.ItemID `json:"item,omitempty"`
	Zone world.ZoneID `json:"zone"`
}

// BatteryDrain is the per-tick battery model.
type BatteryDrain struct {
	Idle         float64
	Moving       float64
	LowThreshold float64
}

// apply drains one unit. Moving units finish their trip before their status
// reflects the battery.
func (d BatteryDrain) apply(t *world.Transport) {
	rate := d.Idle
	if t.Status == world.UnitMoving {
		rate = d.Moving
	}
	t.Battery -= rate
	if t.Battery < 0 {
		t.Battery = 0
	}
	if t.Status == world.UnitMoving || t.Status == world.UnitError {
		return
	}
	switch {
	case t.Battery <= 0:
		t.Status = world.UnitError
	case t.Battery < d.LowThreshold:
		t.Status = world.UnitLowBattery
	}
}
