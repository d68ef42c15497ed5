package world

import (
	"fmt"
	"time"
)

// UnitLocationKind tags a UnitLocation.
type UnitLocationKind uint8

const (
	LocAtZone UnitLocationKind = iota + 1
	LocTransiting
)

// UnitLocation is where a transport unit (or the truck) is: parked AtZone,
// or Transiting toward Zone since Started for Duration.
type UnitLocation struct {
	Kind     UnitLocationKind `json:"kind"`
	Zone     ZoneID           `json:"zone"`           // AtZone: the zone. Transiting: destination.
	From     ZoneID           `json:"from,omitempty"` // Transiting only
	Started  time.Time        `json:"started,omitempty"`
	Duration time.Duration    `json:"duration,omitempty"`
}

// AtZone returns a parked location.
func AtZone(z ZoneID) UnitLocation {
	return UnitLocation{Kind: LocAtZone, Zone: z}
}

// Transiting returns an in-progress movement toward to.
func Transiting(from, to ZoneID, started time.Time, d time.Duration) UnitLocation {
	return UnitLocation{Kind: LocTransiting, Zone: to, From: from, Started: started, Duration: d}
}

// IsTransiting reports whether the location is an in-progress movement.
func (l UnitLocation) IsTransiting() bool { return l.Kind == LocTransiting }

// Elapsed returns how long the movement has been underway at now.
func (l UnitLocation) Elapsed(now time.Time) time.Duration {
	if l.Kind != LocTransiting {
		return 0
	}
	return now.Sub(l.Started)
}

// Arrived reports whether a transiting location has completed at now.
// Parked locations never "arrive".
func (l UnitLocation) Arrived(now time.Time) bool {
	return l.Kind == LocTransiting && l.Elapsed(now) >= l.Duration
}

func (l UnitLocation) String() string {
	switch l.Kind {
	case LocAtZone:
		return fmt.Sprintf("AtZone(%s)", l.Zone)
	case LocTransiting:
		return fmt.Sprintf("Transiting(%s→%s, %s)", l.From, l.Zone, l.Duration)
	}
	return "Nowhere"
}

// ItemLocationKind tags an ItemLocation.
type ItemLocationKind uint8

const (
	LocStoredIn ItemLocationKind = iota + 1
	LocLoadedOn
)

// ItemLocation is where an item is: StoredIn a zone or LoadedOn a unit.
type ItemLocation struct {
	Kind ItemLocationKind `json:"kind"`
	Zone ZoneID           `json:"zone,omitempty"`
	Unit UnitID           `json:"unit,omitempty"`
}

// StoredIn returns a zone storage location.
func StoredIn(z ZoneID) ItemLocation {
	return ItemLocation{Kind: LocStoredIn, Zone: z}
}

// LoadedOn returns a carried location.
func LoadedOn(u UnitID) ItemLocation {
	return ItemLocation{Kind: LocLoadedOn, Unit: u}
}

func (l ItemLocation) String() string {
	switch l.Kind {
	case LocStoredIn:
		return fmt.Sprintf("StoredIn(%s)", l.Zone)
	case LocLoadedOn:
		return fmt.Sprintf("LoadedOn(%s)", l.Unit)
	}
	return "Nowhere"
}
