package store

import (
	"math"
	"sort"
	"time"

	"github.com/talgya/logistics-twin/internal/world"
)

// Node kinds in a snapshot.
const (
	KindCenter = "Center"
	KindZone   = "Zone"
	KindAGV    = "AGV"
	KindItem   = "Item"
	KindTruck  = "Truck"
	KindEvent  = "Event"
)

// Relationship kinds in a snapshot. Location relationships are derived from
// each entity's Location field, so every unit and item yields exactly one.
const (
	RelHasZone     = "HAS_ZONE"
	RelConnectedTo = "CONNECTED_TO"
	RelLocatedAt   = "LOCATED_AT"
	RelMovingTo    = "MOVING_TO"
	RelStoredIn    = "STORED_IN"
	RelLoadedOn    = "LOADED_ON"
	RelDockedAt    = "DOCKED_AT"
	RelAffects     = "AFFECTS"
)

// Node is one vertex of the dashboard graph.
type Node struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	DisplayName string   `json:"display_name"`
	Status      string   `json:"status,omitempty"`
	Battery     *float64 `json:"battery,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
}

// Link is one relationship of the dashboard graph.
type Link struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

// Snapshot is the whole graph as seen at one instant.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// UnitIssue is a transport unit needing attention.
type UnitIssue struct {
	ID      world.UnitID     `json:"id"`
	Name    string           `json:"name"`
	Status  world.UnitStatus `json:"status"`
	Battery float64          `json:"battery"`
}

// ZoneOccupancy counts what is currently at a zone.
type ZoneOccupancy struct {
	Zone  world.ZoneID `json:"zone"`
	Name  string       `json:"name"`
	Items int          `json:"items"`
	Units int          `json:"units"`
}

// ActiveEvent summarizes a stored event for grounding context.
type ActiveEvent struct {
	ID          world.EventID   `json:"id"`
	Type        world.EventType `json:"type"`
	Description string          `json:"description"`
	Affects     []world.ZoneID  `json:"affects"`
}

// Context is the compact summary handed to a reasoning agent.
type Context struct {
	Issues    []UnitIssue     `json:"issues"`
	Occupancy []ZoneOccupancy `json:"occupancy"`
	Events    []ActiveEvent   `json:"events"`
}

// EventMatch is one similarity search hit.
type EventMatch struct {
	Event world.Event `json:"event"`
	Score float64     `json:"score"`
}

// state is a consistent copy of the whole store, read in one step.
// Zones keep layout order; everything else is sorted for stable output.
type state struct {
	centerID   string
	centerName string
	zones      []world.Zone
	transports []world.Transport
	items      []world.Item
	trucks     []world.Truck
	events     []world.Event
}

func (s *state) sort() {
	sort.Slice(s.transports, func(i, j int) bool { return s.transports[i].ID < s.transports[j].ID })
	sortItemsFIFO(s.items)
	sort.Slice(s.trucks, func(i, j int) bool { return s.trucks[i].ID < s.trucks[j].ID })
	sort.Slice(s.events, func(i, j int) bool {
		if !s.events[i].Created.Equal(s.events[j].Created) {
			return s.events[i].Created.Before(s.events[j].Created)
		}
		return s.events[i].ID < s.events[j].ID
	})
}

func sortItemsFIFO(items []world.Item) {
	sort.Slice(items, func(i, j int) bool { return itemBefore(items[i], items[j]) })
}

// itemBefore orders items oldest first, creation sequence breaking ties.
func itemBefore(a, b world.Item) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Seq < b.Seq
}

func (s *state) snapshot() Snapshot {
	var snap Snapshot
	if s.centerID != "" {
		snap.Nodes = append(snap.Nodes, Node{ID: s.centerID, Kind: KindCenter, DisplayName: s.centerName})
	}
	for _, z := range s.zones {
		snap.Nodes = append(snap.Nodes, Node{ID: string(z.ID), Kind: KindZone, DisplayName: z.Name, X: z.X, Y: z.Y})
		if s.centerID != "" {
			snap.Links = append(snap.Links, Link{Source: s.centerID, Target: string(z.ID), Kind: RelHasZone})
		}
		for _, e := range z.Edges {
			snap.Links = append(snap.Links, Link{Source: string(z.ID), Target: string(e.To), Kind: RelConnectedTo})
		}
	}
	for _, t := range s.transports {
		battery := t.Battery
		snap.Nodes = append(snap.Nodes, Node{ID: string(t.ID), Kind: KindAGV, DisplayName: t.Name, Status: string(t.Status), Battery: &battery})
		rel := RelLocatedAt
		if t.Location.IsTransiting() {
			rel = RelMovingTo
		}
		snap.Links = append(snap.Links, Link{Source: string(t.ID), Target: string(t.Location.Zone), Kind: rel})
	}
	for _, it := range s.items {
		snap.Nodes = append(snap.Nodes, Node{ID: string(it.ID), Kind: KindItem, DisplayName: string(it.ID), Status: string(it.Status)})
		switch it.Location.Kind {
		case world.LocStoredIn:
			snap.Links = append(snap.Links, Link{Source: string(it.ID), Target: string(it.Location.Zone), Kind: RelStoredIn})
		case world.LocLoadedOn:
			snap.Links = append(snap.Links, Link{Source: string(it.ID), Target: string(it.Location.Unit), Kind: RelLoadedOn})
		}
	}
	for _, tr := range s.trucks {
		snap.Nodes = append(snap.Nodes, Node{ID: string(tr.ID), Kind: KindTruck, DisplayName: tr.Name, Status: string(tr.Status)})
		if tr.Location == nil {
			continue
		}
		rel := RelDockedAt
		if tr.Location.IsTransiting() {
			rel = RelMovingTo
		}
		snap.Links = append(snap.Links, Link{Source: string(tr.ID), Target: string(tr.Location.Zone), Kind: rel})
	}
	for _, ev := range s.events {
		snap.Nodes = append(snap.Nodes, Node{ID: string(ev.ID), Kind: KindEvent, DisplayName: ev.Description, Status: string(ev.Type)})
		for _, z := range ev.Affects {
			snap.Links = append(snap.Links, Link{Source: string(ev.ID), Target: string(z), Kind: RelAffects})
		}
	}
	return snap
}

// context lists units under threshold or in ERROR, then per-zone counts
// ordered busiest first.
func (s *state) context(threshold float64) Context {
	ctx := Context{
		Issues:    []UnitIssue{},
		Occupancy: make([]ZoneOccupancy, 0, len(s.zones)),
		Events:    []ActiveEvent{},
	}
	for _, t := range s.transports {
		if t.Battery < threshold || t.Status == world.UnitError {
			ctx.Issues = append(ctx.Issues, UnitIssue{ID: t.ID, Name: t.Name, Status: t.Status, Battery: t.Battery})
		}
	}

	idx := make(map[world.ZoneID]int, len(s.zones))
	for _, z := range s.zones {
		idx[z.ID] = len(ctx.Occupancy)
		ctx.Occupancy = append(ctx.Occupancy, ZoneOccupancy{Zone: z.ID, Name: z.Name})
	}
	for _, it := range s.items {
		if it.Location.Kind == world.LocStoredIn {
			if i, ok := idx[it.Location.Zone]; ok {
				ctx.Occupancy[i].Items++
			}
		}
	}
	for _, t := range s.transports {
		if t.Location.Kind == world.LocAtZone {
			if i, ok := idx[t.Location.Zone]; ok {
				ctx.Occupancy[i].Units++
			}
		}
	}
	sort.SliceStable(ctx.Occupancy, func(i, j int) bool { return ctx.Occupancy[i].Items > ctx.Occupancy[j].Items })

	for _, ev := range s.events {
		ctx.Events = append(ctx.Events, ActiveEvent{ID: ev.ID, Type: ev.Type, Description: ev.Description, Affects: ev.Affects})
	}
	return ctx
}

// search ranks events by cosine similarity to query, newest first on ties.
func (s *state) search(query []float32, k int) []EventMatch {
	matches := make([]EventMatch, 0, len(s.events))
	for _, ev := range s.events {
		matches = append(matches, EventMatch{Event: ev, Score: Cosine(query, ev.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Event.Created.After(matches[j].Event.Created)
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Cosine returns the cosine similarity of a and b. Mismatched lengths and
// zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
