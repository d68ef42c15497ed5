package world

import "fmt"

// TransportSpec seeds one transport unit.
type TransportSpec struct {
	ID      UnitID  `yaml:"id"`
	Name    string  `yaml:"name"`
	Zone    ZoneID  `yaml:"zone"`    // initial AtZone location
	Battery float64 `yaml:"battery"` // initial charge, 0–100
}

// TruckSpec seeds the delivery truck.
type TruckSpec struct {
	ID   TruckID `yaml:"id"`
	Name string  `yaml:"name"`
}

// Layout is the static facility: zone topology plus the fleet that is
// created exactly once when a store is seeded.
type Layout struct {
	CenterID   string          `yaml:"center_id"`
	Name       string          `yaml:"name"`
	Zones      []Zone          `yaml:"zones"`
	Transports []TransportSpec `yaml:"transports"`
	Truck      TruckSpec       `yaml:"truck"`
}

// Zone returns the zone with the given ID, or nil.
func (l *Layout) Zone(id ZoneID) *Zone {
	for i := range l.Zones {
		if l.Zones[i].ID == id {
			return &l.Zones[i]
		}
	}
	return nil
}

// Transport returns the transport seed with the given ID, or nil.
func (l *Layout) Transport(id UnitID) *TransportSpec {
	for i := range l.Transports {
		if l.Transports[i].ID == id {
			return &l.Transports[i]
		}
	}
	return nil
}

// HasEdge reports whether a topology edge runs from one zone to another.
func (l *Layout) HasEdge(from, to ZoneID) bool {
	z := l.Zone(from)
	if z == nil {
		return false
	}
	for _, e := range z.Edges {
		if e.To == to {
			return true
		}
	}
	return false
}

// EdgeCount returns the number of topology edges.
func (l *Layout) EdgeCount() int {
	n := 0
	for _, z := range l.Zones {
		n += len(z.Edges)
	}
	return n
}

// Validate checks identities are unique and every reference resolves.
func (l *Layout) Validate() error {
	if len(l.Zones) == 0 {
		return fmt.Errorf("layout has no zones")
	}
	zones := make(map[ZoneID]bool, len(l.Zones))
	for _, z := range l.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone with empty id")
		}
		if zones[z.ID] {
			return fmt.Errorf("duplicate zone %q", z.ID)
		}
		zones[z.ID] = true
	}
	for _, z := range l.Zones {
		for _, e := range z.Edges {
			if !zones[e.To] {
				return fmt.Errorf("zone %q: edge to unknown zone %q", z.ID, e.To)
			}
			if e.Distance < 0 {
				return fmt.Errorf("zone %q: negative distance to %q", z.ID, e.To)
			}
		}
	}
	units := make(map[UnitID]bool, len(l.Transports))
	for _, t := range l.Transports {
		if t.ID == "" {
			return fmt.Errorf("transport with empty id")
		}
		if units[t.ID] {
			return fmt.Errorf("duplicate transport %q", t.ID)
		}
		units[t.ID] = true
		if !zones[t.Zone] {
			return fmt.Errorf("transport %q starts at unknown zone %q", t.ID, t.Zone)
		}
		if t.Battery < 0 || t.Battery > 100 {
			return fmt.Errorf("transport %q: battery %.1f out of range", t.ID, t.Battery)
		}
	}
	if l.Truck.ID == "" {
		return fmt.Errorf("layout has no truck")
	}
	return nil
}

// String returns a summary of the layout.
func (l *Layout) String() string {
	return fmt.Sprintf("Layout(%s, zones=%d, edges=%d, transports=%d)",
		l.Name, len(l.Zones), l.EdgeCount(), len(l.Transports))
}

func coord(v float64) *float64 { return &v }

// DefaultLayout returns the demo facility: Inbound feeds two storage zones,
// both feed Packing, Packing feeds Outbound, and a return loop closes the cycle.
func DefaultLayout() Layout {
	return Layout{
		CenterID: "DT_HUB",
		Name:     "Dongtan Hub",
		Zones: []Zone{
			{ID: "Inbound", Name: "Inbound Dock", Kind: "dock", X: coord(-200), Y: coord(0), Edges: []Edge{
				{To: "Storage_A", Distance: 50, Route: "agv_lane"},
				{To: "Storage_B", Distance: 50, Route: "agv_lane"},
			}},
			{ID: "Storage_A", Name: "Storage A", Kind: "storage", X: coord(-50), Y: coord(-100), Edges: []Edge{
				{To: "Packing", Distance: 50, Route: "agv_lane"},
			}},
			{ID: "Storage_B", Name: "Storage B", Kind: "storage", X: coord(-50), Y: coord(100), Edges: []Edge{
				{To: "Packing", Distance: 50, Route: "agv_lane"},
			}},
			{ID: "Packing", Name: "Packing Line", Kind: "process", X: coord(100), Y: coord(0), Edges: []Edge{
				{To: "Outbound", Distance: 50, Route: "agv_lane"},
			}},
			{ID: "Outbound", Name: "Outbound Dock", Kind: "dock", X: coord(250), Y: coord(0), Edges: []Edge{
				{To: "Inbound", Distance: 100, Route: "return_loop"},
			}},
		},
		Transports: []TransportSpec{
			{ID: "AGV-1", Name: "Robot 1", Zone: "Inbound", Battery: 100},
			{ID: "AGV-2", Name: "Robot 2", Zone: "Inbound", Battery: 100},
			{ID: "AGV-3", Name: "Robot 3", Zone: "Storage_A", Battery: 100},
			{ID: "AGV-4", Name: "Robot 4", Zone: "Storage_B", Battery: 100},
			{ID: "AGV-5", Name: "Robot 5", Zone: "Packing", Battery: 100},
		},
		Truck: TruckSpec{ID: "TRUCK-1", Name: "Line-haul Truck"},
	}
}
