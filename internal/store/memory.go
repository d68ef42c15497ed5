package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talgya/logistics-twin/internal/world"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process WorldStore. A single RWMutex makes every
// mutation atomic with respect to concurrent readers.
type Memory struct {
	mu sync.RWMutex

	seeded     bool
	centerID   string
	centerName string
	zones      []world.Zone
	zoneIndex  map[world.ZoneID]int
	transports map[world.UnitID]*world.Transport
	items      map[world.ItemID]*world.Item
	trucks     map[world.TruckID]*world.Truck
	events     map[world.EventID]*world.Event
	seq        int64
}

// NewMemory returns an empty, unseeded store.
func NewMemory() *Memory {
	return &Memory{
		zoneIndex:  make(map[world.ZoneID]int),
		transports: make(map[world.UnitID]*world.Transport),
		items:      make(map[world.ItemID]*world.Item),
		trucks:     make(map[world.TruckID]*world.Truck),
		events:     make(map[world.EventID]*world.Event),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Seed(_ context.Context, layout world.Layout) error {
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded {
		return nil
	}

	m.centerID = layout.CenterID
	m.centerName = layout.Name
	for _, z := range layout.Zones {
		m.zoneIndex[z.ID] = len(m.zones)
		z.Edges = append([]world.Edge(nil), z.Edges...)
		m.zones = append(m.zones, z)
	}
	for _, spec := range layout.Transports {
		m.transports[spec.ID] = &world.Transport{
			ID:       spec.ID,
			Name:     spec.Name,
			Status:   world.UnitIdle,
			Battery:  spec.Battery,
			Location: world.AtZone(spec.Zone),
		}
	}
	m.trucks[layout.Truck.ID] = &world.Truck{
		ID:     layout.Truck.ID,
		Name:   layout.Truck.Name,
		Status: world.TruckWaiting,
	}
	m.seeded = true
	return nil
}

func (m *Memory) hasZone(id world.ZoneID) bool {
	_, ok := m.zoneIndex[id]
	return ok
}

func (m *Memory) CreateItem(_ context.Context, item world.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		return ErrNotSeeded
	}
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("item %s: %w", item.ID, ErrExists)
	}
	if item.Location.Kind != world.LocStoredIn || !m.hasZone(item.Location.Zone) {
		return fmt.Errorf("item %s: must be stored in a known zone, got %s", item.ID, item.Location)
	}
	m.seq++
	item.Seq = m.seq
	m.items[item.ID] = &item
	return nil
}

func (m *Memory) CreateEvent(_ context.Context, ev world.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		return ErrNotSeeded
	}
	if _, ok := m.events[ev.ID]; ok {
		return fmt.Errorf("event %s: %w", ev.ID, ErrExists)
	}
	for _, z := range ev.Affects {
		if !m.hasZone(z) {
			return fmt.Errorf("event %s affects unknown zone %s: %w", ev.ID, z, ErrNotFound)
		}
	}
	ev.Affects = append([]world.ZoneID(nil), ev.Affects...)
	ev.Embedding = append([]float32(nil), ev.Embedding...)
	m.events[ev.ID] = &ev
	return nil
}

func (m *Memory) DeleteEventsOfType(_ context.Context, t world.EventType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ev := range m.events {
		if ev.Type == t {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CompleteTransit(_ context.Context, id world.UnitID, now time.Time) (Arrival, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.transports[id]
	if !ok {
		return Arrival{}, false, fmt.Errorf("transport %s: %w", id, ErrNotFound)
	}
	if !u.Location.Arrived(now) {
		return Arrival{}, false, nil
	}

	dest := u.Location.Zone
	arr := Arrival{Unit: id, Zone: dest}
	for _, it := range m.items {
		if it.Location.Kind == world.LocLoadedOn && it.Location.Unit == id {
			it.Location = world.StoredIn(dest)
			it.Status = world.ItemArrived
			arr.Item = it.ID
		}
	}
	u.Location = world.AtZone(dest)
	u.Status = world.UnitIdle
	return arr, true, nil
}

func (m *Memory) AssignTransport(_ context.Context, req AssignRequest) (Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.transports[req.Unit]
	if !ok {
		return Assignment{}, false, fmt.Errorf("transport %s: %w", req.Unit, ErrNotFound)
	}
	if u.Location.Kind != world.LocAtZone {
		return Assignment{}, false, nil
	}

	var oldest *world.Item
	for _, it := range m.items {
		if it.Location.Kind != world.LocStoredIn || it.Location.Zone != req.From {
			continue
		}
		if oldest == nil || itemBefore(*it, *oldest) {
			oldest = it
		}
	}
	if oldest == nil {
		return Assignment{}, false, nil
	}

	u.Location = world.Transiting(req.From, req.To, req.Now, req.Duration)
	u.Status = world.UnitMoving
	oldest.Location = world.LoadedOn(u.ID)
	oldest.Status = world.ItemTransit
	return Assignment{Unit: u.ID, Item: oldest.ID, From: req.From, To: req.To}, true, nil
}

func (m *Memory) DrainBatteries(_ context.Context, d BatteryDrain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.transports {
		d.apply(u)
	}
	return nil
}

func (m *Memory) DispatchTruck(_ context.Context, id world.TruckID, zone world.ZoneID, now time.Time, d time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trucks[id]
	if !ok {
		return false, fmt.Errorf("truck %s: %w", id, ErrNotFound)
	}
	if tr.Status != world.TruckWaiting {
		return false, nil
	}
	loc := world.Transiting("", zone, now, d)
	tr.Location = &loc
	tr.Status = world.TruckInbound
	return true, nil
}

func (m *Memory) DockTruck(_ context.Context, id world.TruckID, now time.Time, batch int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trucks[id]
	if !ok {
		return 0, false, fmt.Errorf("truck %s: %w", id, ErrNotFound)
	}
	if tr.Status != world.TruckInbound || tr.Location == nil || !tr.Location.Arrived(now) {
		return 0, false, nil
	}

	dest := tr.Location.Zone
	var stored []world.Item
	for _, it := range m.items {
		if it.Location.Kind == world.LocStoredIn && it.Location.Zone == dest {
			stored = append(stored, *it)
		}
	}
	sortItemsFIFO(stored)
	if len(stored) > batch {
		stored = stored[:batch]
	}
	for _, it := range stored {
		delete(m.items, it.ID)
	}

	loc := world.AtZone(dest)
	tr.Location = &loc
	tr.Status = world.TruckIdle
	return len(stored), true, nil
}

func (m *Memory) DepartTruck(_ context.Context, id world.TruckID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trucks[id]
	if !ok {
		return false, fmt.Errorf("truck %s: %w", id, ErrNotFound)
	}
	if tr.Status != world.TruckIdle {
		return false, nil
	}
	tr.Location = nil
	tr.Status = world.TruckWaiting
	return true, nil
}

// read copies the whole store under the read lock.
func (m *Memory) read() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &state{centerID: m.centerID, centerName: m.centerName}
	for _, z := range m.zones {
		z.Edges = append([]world.Edge(nil), z.Edges...)
		s.zones = append(s.zones, z)
	}
	for _, u := range m.transports {
		s.transports = append(s.transports, *u)
	}
	for _, it := range m.items {
		s.items = append(s.items, *it)
	}
	for _, tr := range m.trucks {
		c := *tr
		if tr.Location != nil {
			loc := *tr.Location
			c.Location = &loc
		}
		s.trucks = append(s.trucks, c)
	}
	for _, ev := range m.events {
		c := *ev
		c.Affects = append([]world.ZoneID(nil), ev.Affects...)
		c.Embedding = append([]float32(nil), ev.Embedding...)
		s.events = append(s.events, c)
	}
	s.sort()
	return s
}

func (m *Memory) Zones(context.Context) ([]world.Zone, error) {
	return m.read().zones, nil
}

func (m *Memory) Transports(context.Context) ([]world.Transport, error) {
	return m.read().transports, nil
}

func (m *Memory) Items(context.Context) ([]world.Item, error) {
	return m.read().items, nil
}

func (m *Memory) Events(context.Context) ([]world.Event, error) {
	return m.read().events, nil
}

func (m *Memory) Truck(_ context.Context, id world.TruckID) (world.Truck, error) {
	for _, tr := range m.read().trucks {
		if tr.ID == id {
			return tr, nil
		}
	}
	return world.Truck{}, fmt.Errorf("truck %s: %w", id, ErrNotFound)
}

func (m *Memory) CountStoredIn(_ context.Context, zone world.ZoneID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, it := range m.items {
		if it.Location.Kind == world.LocStoredIn && it.Location.Zone == zone {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Snapshot(context.Context) (Snapshot, error) {
	return m.read().snapshot(), nil
}

func (m *Memory) Context(_ context.Context, batteryThreshold float64) (Context, error) {
	return m.read().context(batteryThreshold), nil
}

func (m *Memory) SearchEvents(_ context.Context, query []float32, k int) ([]EventMatch, error) {
	return m.read().search(query, k), nil
}
