// Package world provides the facility data model: zones, transport units,
// items, the delivery truck, and disruption events.
package world

import (
	"fmt"
	"time"
)

// ZoneID identifies a zone. Zones are static after seeding.
type ZoneID string

// UnitID identifies a transport unit (AGV).
type UnitID string

// ItemID identifies an item in flight through the facility.
type ItemID string

// TruckID identifies the delivery truck.
type TruckID string

// EventID identifies a disruption or promotion event record.
type EventID string

// UnitStatus is the operating state of a transport unit.
type UnitStatus string

const (
	UnitIdle       UnitStatus = "IDLE"
	UnitMoving     UnitStatus = "MOVING"
	UnitLowBattery UnitStatus = "LOW_BATTERY"
	UnitError      UnitStatus = "ERROR"
)

// ItemStatus tracks an item's progress.
type ItemStatus string

const (
	ItemWaiting ItemStatus = "WAITING"
	ItemTransit ItemStatus = "TRANSIT"
	ItemArrived ItemStatus = "ARRIVED"
)

// TruckStatus is the truck's position in its WAITING → INBOUND → IDLE cycle.
type TruckStatus string

const (
	TruckWaiting TruckStatus = "WAITING"
	TruckInbound TruckStatus = "INBOUND"
	TruckIdle    TruckStatus = "IDLE"
)

// EventType distinguishes the two kinds of global condition.
type EventType string

const (
	EventPromotion EventType = "PROMOTION"
	EventError     EventType = "ERROR"
)

// ParseEventType accepts the wire spelling of an event type.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventPromotion, EventError:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Edge is a directed topology link from one zone to another.
type Edge struct {
	To       ZoneID  `json:"to" yaml:"to"`
	Distance float64 `json:"distance" yaml:"distance"`
	Route    string  `json:"route" yaml:"route"` // "agv_lane", "return_loop", ...
}

// Zone is a fixed location node.
type Zone struct {
	ID    ZoneID   `json:"id" yaml:"id"`
	Name  string   `json:"name" yaml:"name"`
	Kind  string   `json:"kind" yaml:"kind"` // "dock", "storage", "process"
	X     *float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y     *float64 `json:"y,omitempty" yaml:"y,omitempty"`
	Edges []Edge   `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Transport is an AGV. Location is always set: a unit is either parked at a
// zone or transiting toward one, never both.
type Transport struct {
	ID       UnitID       `json:"id"`
	Name     string       `json:"name"`
	Status   UnitStatus   `json:"status"`
	Battery  float64      `json:"battery"` // 0–100
	Location UnitLocation `json:"location"`
}

// Item is a unit of cargo. Seq breaks creation-time ties for FIFO ordering.
type Item struct {
	ID       ItemID       `json:"id"`
	Status   ItemStatus   `json:"status"`
	Created  time.Time    `json:"created"`
	Seq      int64        `json:"seq"`
	Location ItemLocation `json:"location"`
}

// Truck is the terminal carrier. Location is nil while the truck is away.
type Truck struct {
	ID       TruckID       `json:"id"`
	Name     string        `json:"name"`
	Status   TruckStatus   `json:"status"`
	Location *UnitLocation `json:"location,omitempty"`
}

// Event is a transient global condition with its similarity-search embedding.
type Event struct {
	ID          EventID   `json:"id"`
	Type        EventType `json:"type"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
	Embedding   []float32 `json:"-"`
	Affects     []ZoneID  `json:"affects"`
}
