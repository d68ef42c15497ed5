package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/embed"
	"github.com/talgya/logistics-twin/internal/entropy"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

func TestMain(m *testing.M) {
	// DEBUG_TESTS=1 go test ./internal/engine/... -v shows engine logs.
	if os.Getenv("DEBUG_TESTS") == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	os.Exit(m.Run())
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// quietConfig disables every random source so tests opt in to what they need.
func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Events.TriggerProbability = 0
	cfg.Spawn.BaselineRate = 0
	cfg.Spawn.PromotionRate = 0
	cfg.Embedding.Dims = 4
	cfg.Embedding.Timeout = time.Second
	return cfg
}

type harness struct {
	eng   *Engine
	st    store.Store
	clock *fakeClock
}

func newHarness(t *testing.T, cfg *config.Config, seed int64) *harness {
	return newHarnessWith(t, cfg, seed, store.NewMemory(), embed.Fallback{N: cfg.Embedding.Dims})
}

func newHarnessWith(t *testing.T, cfg *config.Config, seed int64, st store.Store, emb embed.Embedder) *harness {
	t.Helper()
	clock := &fakeClock{t: t0}
	eng := New(st, emb, cfg, WithClock(clock.Now), WithRand(entropy.New(seed)))
	require.NoError(t, eng.Init(context.Background()))
	return &harness{eng: eng, st: st, clock: clock}
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Step(context.Background()))
}

func (h *harness) unit(t *testing.T, id world.UnitID) world.Transport {
	t.Helper()
	units, err := h.st.Transports(context.Background())
	require.NoError(t, err)
	for _, u := range units {
		if u.ID == id {
			return u
		}
	}
	t.Fatalf("unit %s not found", id)
	return world.Transport{}
}

func (h *harness) stored(t *testing.T, zone world.ZoneID) int {
	t.Helper()
	n, err := h.st.CountStoredIn(context.Background(), zone)
	require.NoError(t, err)
	return n
}

func (h *harness) addItems(t *testing.T, zone world.ZoneID, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, h.st.CreateItem(context.Background(), world.Item{
			ID:       world.ItemID(id),
			Status:   world.ItemWaiting,
			Created:  t0.Add(time.Duration(i-len(ids)) * time.Second),
			Location: world.StoredIn(zone),
		}))
	}
}

func TestScenarioA_BaselineSpawn(t *testing.T) {
	cfg := quietConfig()
	cfg.Spawn.BaselineRate = 1
	cfg.Spawn.MaxPerTick = 20
	h := newHarness(t, cfg, 42)

	ctx := context.Background()
	total := 0
	for i := 0; i < 100; i++ {
		n, err := h.eng.spawner.step(ctx, h.clock.Now(), "")
		require.NoError(t, err)
		total += n
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, total, h.stored(t, "Inbound"))
	assert.InDelta(t, 100, total, 40, "Poisson(1) over 100 ticks")
}

func TestSpawner_PromotionRaisesRate(t *testing.T) {
	cfg := quietConfig()
	cfg.Spawn.BaselineRate = 0.5
	cfg.Spawn.PromotionRate = 3
	cfg.Spawn.MaxPerTick = 50
	h := newHarness(t, cfg, 7)

	ctx := context.Background()
	var base, promo int
	for i := 0; i < 200; i++ {
		n, err := h.eng.spawner.step(ctx, t0, "")
		require.NoError(t, err)
		base += n
		n, err = h.eng.spawner.step(ctx, t0, world.EventPromotion)
		require.NoError(t, err)
		promo += n
	}
	assert.Greater(t, promo, 3*base)
}

func TestSpawner_MaxPerTick(t *testing.T) {
	cfg := quietConfig()
	cfg.Spawn.BaselineRate = 100
	cfg.Spawn.MaxPerTick = 3
	h := newHarness(t, cfg, 1)

	n, err := h.eng.spawner.step(context.Background(), t0, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestScenarioB_TransitTiming(t *testing.T) {
	cfg := quietConfig()
	cfg.Transport.Routes = []config.Route{{Unit: "AGV-1", From: "Inbound", To: "Storage_A"}}
	d := cfg.Transport.TravelDuration
	h := newHarness(t, cfg, 1)
	h.addItems(t, "Inbound", "ITEM-1")

	h.step(t)
	u := h.unit(t, "AGV-1")
	require.Equal(t, world.UnitMoving, u.Status)
	assert.Equal(t, world.Transiting("Inbound", "Storage_A", t0, d), u.Location)

	h.clock.Advance(d - time.Millisecond)
	h.step(t)
	u = h.unit(t, "AGV-1")
	assert.Equal(t, world.UnitMoving, u.Status)
	assert.True(t, u.Location.IsTransiting())

	h.clock.Advance(2 * time.Millisecond)
	h.step(t)
	u = h.unit(t, "AGV-1")
	assert.Equal(t, world.UnitIdle, u.Status)
	assert.Equal(t, world.AtZone("Storage_A"), u.Location)

	items, err := h.st.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, world.ItemArrived, items[0].Status)
	assert.Equal(t, world.StoredIn("Storage_A"), items[0].Location)
	assert.EqualValues(t, 1, h.eng.Status().Delivered)
}

func TestTransport_FIFOAndAvailability(t *testing.T) {
	cfg := quietConfig()
	h := newHarness(t, cfg, 1)
	h.addItems(t, "Inbound", "OLD", "NEW")
	ctx := context.Background()

	res, err := h.eng.transport.step(ctx, t0, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Assignments, "AGV-1 and AGV-2 both start from Inbound")

	items, err := h.st.Items(ctx)
	require.NoError(t, err)
	carriers := map[world.ItemID]world.UnitID{}
	for _, it := range items {
		carriers[it.ID] = it.Location.Unit
	}
	assert.Equal(t, world.UnitID("AGV-1"), carriers["OLD"], "first route takes the oldest item")
	assert.Equal(t, world.UnitID("AGV-2"), carriers["NEW"])

	c := h.eng.transport
	assert.False(t, c.available(world.Transport{Status: world.UnitIdle, Battery: 50, Location: world.Transiting("a", "b", t0, time.Second)}))
	assert.False(t, c.available(world.Transport{Status: world.UnitError, Battery: 50, Location: world.AtZone("a")}))
	assert.False(t, c.available(world.Transport{Status: world.UnitLowBattery, Battery: cfg.Transport.MinOperatingBattery, Location: world.AtZone("a")}))
	assert.True(t, c.available(world.Transport{Status: world.UnitLowBattery, Battery: 10, Location: world.AtZone("a")}))
}

func TestTransport_CompletionIdempotent(t *testing.T) {
	cfg := quietConfig()
	h := newHarness(t, cfg, 1)
	h.addItems(t, "Inbound", "ITEM-1")
	ctx := context.Background()

	_, err := h.eng.transport.step(ctx, t0, false)
	require.NoError(t, err)

	before, err := h.st.Snapshot(ctx)
	require.NoError(t, err)
	units, err := h.st.Transports(ctx)
	require.NoError(t, err)

	var res transportResult
	require.NoError(t, h.eng.transport.complete(ctx, t0.Add(time.Second), units, &res))
	assert.Zero(t, res.Arrivals)

	after, err := h.st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScenarioC_ErrorStallsLine(t *testing.T) {
	cfg := quietConfig()
	cfg.Spawn.BaselineRate = 3
	cfg.Spawn.MaxPerTick = 10
	cfg.Events.EndProbability = 1
	cfg.Events.MinDuration = 20 * time.Second
	h := newHarness(t, cfg, 3)
	h.addItems(t, "Inbound", "STUCK")

	require.NoError(t, h.eng.Inject(world.EventError, ""))
	h.step(t)
	require.NotNil(t, h.eng.ActiveEvent())
	assert.Equal(t, world.EventError, h.eng.ActiveEvent().Type)
	assert.Zero(t, h.eng.Status().Spawned)
	assert.Equal(t, world.AtZone("Inbound"), h.unit(t, "AGV-1").Location, "no assignment while stalled")

	ticks := 0
	for h.eng.ActiveEvent() != nil {
		h.clock.Advance(1500 * time.Millisecond)
		before := h.eng.Status().Spawned
		h.step(t)
		if h.eng.ActiveEvent() != nil {
			assert.Equal(t, before, h.eng.Status().Spawned, "tick %d spawned during ERROR", ticks)
		}
		ticks++
		require.Less(t, ticks, 100)
	}
	elapsed := h.clock.Now().Sub(t0)
	assert.GreaterOrEqual(t, elapsed, cfg.Events.MinDuration)
	assert.Less(t, elapsed, cfg.Events.MinDuration+1500*time.Millisecond, "end probability 1 exits on the first eligible tick")

	events, err := h.st.Events(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	for i := 0; i < 5; i++ {
		h.clock.Advance(1500 * time.Millisecond)
		h.step(t)
	}
	assert.Greater(t, h.eng.Status().Spawned, uint64(0), "spawning resumes once the line recovers")

	items, err := h.st.Items(context.Background())
	require.NoError(t, err)
	for _, it := range items {
		if it.ID == "STUCK" {
			assert.NotEqual(t, world.StoredIn("Inbound"), it.Location, "transport resumed")
		}
	}
}

func TestErrorEvent_FreezesTransit(t *testing.T) {
	cfg := quietConfig()
	cfg.Transport.Routes = []config.Route{{Unit: "AGV-1", From: "Inbound", To: "Storage_A"}}
	cfg.Events.EndProbability = 0
	cfg.Events.MinDuration = 2 * time.Second
	d := cfg.Transport.TravelDuration
	h := newHarness(t, cfg, 1)
	h.addItems(t, "Inbound", "ITEM-1")
	ctx := context.Background()

	carried := func() world.ItemLocation {
		items, err := h.st.Items(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		return items[0].Location
	}

	h.step(t)
	require.Equal(t, world.UnitMoving, h.unit(t, "AGV-1").Status)

	require.NoError(t, h.eng.Inject(world.EventError, "conveyor jam"))
	h.clock.Advance(d + time.Second)
	h.step(t)
	require.NotNil(t, h.eng.ActiveEvent())

	u := h.unit(t, "AGV-1")
	assert.Equal(t, world.UnitMoving, u.Status, "no completion while the line is stalled")
	assert.Equal(t, world.Transiting("Inbound", "Storage_A", t0, d), u.Location)
	assert.Equal(t, world.LoadedOn("AGV-1"), carried())
	assert.Zero(t, h.eng.Status().Delivered)

	h.clock.Advance(cfg.Events.MinDuration)
	h.step(t)
	assert.Equal(t, world.UnitMoving, h.unit(t, "AGV-1").Status, "still stalled until resolved")

	require.NoError(t, h.eng.Resolve())
	h.step(t)
	assert.Nil(t, h.eng.ActiveEvent())

	u = h.unit(t, "AGV-1")
	assert.Equal(t, world.UnitIdle, u.Status)
	assert.Equal(t, world.AtZone("Storage_A"), u.Location)
	assert.Equal(t, world.StoredIn("Storage_A"), carried())
	assert.EqualValues(t, 1, h.eng.Status().Delivered)
}

func TestScenarioD_TruckCycle(t *testing.T) {
	cfg := quietConfig()
	cfg.Transport.Routes = nil
	h := newHarness(t, cfg, 1)
	h.addItems(t, "Outbound", "A", "B", "C", "D", "E", "F", "G")
	ctx := context.Background()

	truck := func() world.Truck {
		tr, err := h.st.Truck(ctx, "TRUCK-1")
		require.NoError(t, err)
		return tr
	}

	h.step(t)
	assert.Equal(t, world.TruckInbound, truck().Status)
	assert.Equal(t, 7, h.stored(t, "Outbound"))

	h.clock.Advance(cfg.Truck.TravelDuration / 2)
	h.step(t)
	assert.Equal(t, world.TruckInbound, truck().Status)

	h.clock.Advance(cfg.Truck.TravelDuration / 2)
	h.step(t)
	tr := truck()
	assert.Equal(t, world.TruckIdle, tr.Status)
	require.NotNil(t, tr.Location)
	assert.Equal(t, world.AtZone("Outbound"), *tr.Location)
	assert.Equal(t, 7-cfg.Truck.UnloadBatch, h.stored(t, "Outbound"))
	assert.EqualValues(t, cfg.Truck.UnloadBatch, h.eng.Status().Loaded)

	h.clock.Advance(time.Second)
	h.step(t)
	tr = truck()
	assert.Equal(t, world.TruckWaiting, tr.Status)
	assert.Nil(t, tr.Location)

	h.clock.Advance(time.Second)
	h.step(t)
	assert.Equal(t, world.TruckWaiting, truck().Status, "below threshold")

	var titles []string
	for _, n := range h.eng.Journal().Recent() {
		assert.Equal(t, CategoryTruck, n.Category)
		titles = append(titles, n.Title)
	}
	assert.Equal(t, []string{"Truck departed", "Truck docked", "Truck inbound"}, titles)
}

func TestLifecycle_HysteresisAndCooldown(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		cfg := quietConfig()
		cfg.Events.TriggerProbability = 0.5
		cfg.Events.EndProbability = 0.5
		cfg.Events.MinDuration = 10 * time.Second
		cfg.Events.Cooldown = 15 * time.Second
		h := newHarness(t, cfg, seed)

		var prev *ActiveEvent
		var lastEnd time.Time
		starts := 0
		for i := 0; i < 300; i++ {
			h.clock.Advance(time.Second)
			h.step(t)
			now := h.clock.Now()
			cur := h.eng.ActiveEvent()

			switch {
			case prev == nil && cur != nil:
				starts++
				if !lastEnd.IsZero() {
					assert.GreaterOrEqual(t, cur.Started.Sub(lastEnd), cfg.Events.Cooldown, "seed %d", seed)
				}
			case prev != nil && cur == nil:
				assert.GreaterOrEqual(t, now.Sub(prev.Started), cfg.Events.MinDuration, "seed %d", seed)
				lastEnd = now
			case prev != nil && cur != nil:
				assert.Equal(t, prev.ID, cur.ID, "seed %d: one transition per tick", seed)
			}
			prev = cur

			events, err := h.st.Events(context.Background())
			require.NoError(t, err)
			if cur == nil {
				assert.Empty(t, events, "seed %d", seed)
			} else {
				assert.Len(t, events, 1, "seed %d", seed)
			}
		}
		assert.Greater(t, starts, 1, "seed %d", seed)
	}
}

func TestLifecycle_DeterministicForSeed(t *testing.T) {
	run := func() []Notice {
		cfg := quietConfig()
		cfg.Events.TriggerProbability = 0.3
		cfg.Events.EndProbability = 0.3
		cfg.Events.MinDuration = 2 * time.Second
		cfg.Events.Cooldown = 2 * time.Second
		h := newHarness(t, cfg, 99)
		for i := 0; i < 60; i++ {
			h.clock.Advance(time.Second)
			h.step(t)
		}
		return h.eng.Journal().Recent()
	}
	assert.Equal(t, run(), run())
}

// invariantConfig keeps every stage busy: random events, steady arrivals,
// short trips and a frequent truck.
func invariantConfig() *config.Config {
	cfg := quietConfig()
	cfg.Spawn.BaselineRate = 1.5
	cfg.Events.TriggerProbability = 0.1
	cfg.Events.EndProbability = 0.2
	cfg.Events.MinDuration = 5 * time.Second
	cfg.Events.Cooldown = 5 * time.Second
	cfg.Transport.TravelDuration = 3 * time.Second
	cfg.Truck.TravelDuration = 4 * time.Second
	return cfg
}

// runInvariants steps h for n ticks and checks after each one that every
// unit and item has exactly one valid location, that a unit carries at most
// one item, and that at most one event exists.
func runInvariants(t *testing.T, h *harness, cfg *config.Config, n int, label string) {
	t.Helper()
	ctx := context.Background()
	zones := map[world.ZoneID]bool{}
	for _, z := range cfg.Facility.Zones {
		zones[z.ID] = true
	}

	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		h.step(t)

		units, err := h.st.Transports(ctx)
		require.NoError(t, err)
		transiting := map[world.UnitID]bool{}
		for _, u := range units {
			require.Contains(t, []world.UnitLocationKind{world.LocAtZone, world.LocTransiting}, u.Location.Kind)
			require.True(t, zones[u.Location.Zone], "%s: unit %s at %s", label, u.ID, u.Location)
			transiting[u.ID] = u.Location.IsTransiting()
		}

		items, err := h.st.Items(ctx)
		require.NoError(t, err)
		carried := map[world.UnitID]int{}
		for _, it := range items {
			switch it.Location.Kind {
			case world.LocStoredIn:
				require.True(t, zones[it.Location.Zone], "%s: item %s", label, it.ID)
			case world.LocLoadedOn:
				require.True(t, transiting[it.Location.Unit], "%s: item %s on parked unit", label, it.ID)
				carried[it.Location.Unit]++
			default:
				t.Fatalf("%s: item %s has no location", label, it.ID)
			}
		}
		for u, c := range carried {
			require.Equal(t, 1, c, "%s: unit %s carries %d items", label, u, c)
		}

		events, err := h.st.Events(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, len(events), 1)
	}
	st := h.eng.Status()
	assert.Greater(t, st.Delivered, uint64(0), label)
	assert.Zero(t, st.FailedTicks, label)
}

func TestInvariant_SingleLocation(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		cfg := invariantConfig()
		h := newHarness(t, cfg, seed)
		runInvariants(t, h, cfg, 300, fmt.Sprintf("memory seed %d", seed))
	}
}

func TestInvariant_SingleLocation_SQLite(t *testing.T) {
	cfg := invariantConfig()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "twin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := newHarnessWith(t, cfg, 1, st, embed.Fallback{N: cfg.Embedding.Dims})
	runInvariants(t, h, cfg, 200, "sqlite seed 1")
	assert.Greater(t, h.eng.Status().Loaded, uint64(0), "the truck ran")
}

func TestInjectAndResolve(t *testing.T) {
	cfg := quietConfig()
	cfg.Events.EndProbability = 0
	cfg.Events.MinDuration = 20 * time.Second
	cfg.Events.Cooldown = 30 * time.Second
	h := newHarness(t, cfg, 1)
	ctx := context.Background()

	assert.ErrorIs(t, h.eng.Resolve(), ErrNoActiveEvent)
	require.NoError(t, h.eng.Inject(world.EventPromotion, "Black Friday"))
	assert.ErrorIs(t, h.eng.Inject(world.EventError, ""), ErrEventActive, "a queued request occupies the slot")
	assert.Nil(t, h.eng.ActiveEvent(), "applied on the next tick")

	h.step(t)
	active := h.eng.ActiveEvent()
	require.NotNil(t, active)
	assert.Equal(t, world.EventPromotion, active.Type)
	assert.Equal(t, "Black Friday", active.Description)

	events, err := h.st.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cfg.Events.PromotionZones, events[0].Affects)
	assert.Len(t, events[0].Embedding, cfg.Embedding.Dims)

	assert.ErrorIs(t, h.eng.Inject(world.EventError, ""), ErrEventActive)
	assert.ErrorIs(t, h.eng.Resolve(), ErrMinDuration)

	h.clock.Advance(cfg.Events.MinDuration)
	require.NoError(t, h.eng.Resolve())
	h.step(t)
	assert.Nil(t, h.eng.ActiveEvent())
	events, err = h.st.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, h.eng.Inject(world.EventError, ""), ErrCooldown)
	st := h.eng.Status()
	require.NotNil(t, st.CooldownUntil)
	assert.Equal(t, h.clock.Now().Add(cfg.Events.Cooldown), *st.CooldownUntil)

	h.clock.Advance(cfg.Events.Cooldown)
	assert.NoError(t, h.eng.Inject(world.EventError, ""))
	assert.Nil(t, h.eng.Status().CooldownUntil)

	var titles []string
	for _, n := range h.eng.Journal().Recent() {
		titles = append(titles, n.Title)
	}
	assert.Equal(t, []string{"Sale ended, volume back to normal", "Flash sale started"}, titles)
}

type failingEmbedder struct{ dims int }

func (f failingEmbedder) Embed(context.Context, string, embed.Task) ([]float32, error) {
	return nil, errors.New("quota exhausted")
}

func (f failingEmbedder) Dims() int { return f.dims }

type shortEmbedder struct{}

func (shortEmbedder) Embed(context.Context, string, embed.Task) ([]float32, error) {
	return []float32{1}, nil
}

func (shortEmbedder) Dims() int { return 4 }

type slowEmbedder struct{}

func (slowEmbedder) Embed(ctx context.Context, _ string, _ embed.Task) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowEmbedder) Dims() int { return 4 }

func TestEmbeddingFallback(t *testing.T) {
	tests := []struct {
		name string
		emb  embed.Embedder
	}{
		{"provider error", failingEmbedder{dims: 4}},
		{"wrong length", shortEmbedder{}},
		{"timeout", slowEmbedder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quietConfig()
			cfg.Embedding.Timeout = 20 * time.Millisecond
			h := newHarnessWith(t, cfg, 1, store.NewMemory(), tt.emb)

			require.NoError(t, h.eng.Inject(world.EventError, ""))
			h.step(t)
			require.NotNil(t, h.eng.ActiveEvent())

			events, err := h.st.Events(context.Background())
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, []float32{0, 0, 0, 0}, events[0].Embedding)
			assert.Contains(t, errorCatalog, events[0].Description)
			assert.Equal(t, cfg.Events.ErrorZones, events[0].Affects)
		})
	}
}

// flakyStore fails item creation on demand.
type flakyStore struct {
	store.Store
	fail atomic.Bool
}

func (f *flakyStore) CreateItem(ctx context.Context, it world.Item) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.CreateItem(ctx, it)
}

func TestStep_StageErrorAbortsTick(t *testing.T) {
	cfg := quietConfig()
	cfg.Spawn.BaselineRate = 50
	cfg.Spawn.MaxPerTick = 3
	st := &flakyStore{Store: store.NewMemory()}
	h := newHarnessWith(t, cfg, 1, st, embed.Fallback{N: 4})
	h.addItems(t, "Inbound", "ITEM-1")

	var ticked []uint64
	h.eng.OnTick = func(tick uint64) { ticked = append(ticked, tick) }

	st.fail.Store(true)
	err := h.eng.Step(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn")

	status := h.eng.Status()
	assert.EqualValues(t, 1, status.Tick)
	assert.EqualValues(t, 1, status.FailedTicks)
	assert.Contains(t, status.LastError, "disk full")
	assert.Equal(t, world.AtZone("Inbound"), h.unit(t, "AGV-1").Location, "later stages skipped")
	assert.Empty(t, ticked)

	st.fail.Store(false)
	h.clock.Advance(time.Second)
	h.step(t)
	assert.Equal(t, world.UnitMoving, h.unit(t, "AGV-1").Status)
	assert.Equal(t, []uint64{2}, ticked)
	assert.EqualValues(t, 3, h.eng.Status().Spawned)
}

func TestRestore(t *testing.T) {
	cfg := quietConfig()
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Seed(ctx, cfg.Facility))
	require.NoError(t, st.CreateEvent(ctx, world.Event{
		ID: "EVT-1", Type: world.EventError, Description: "conveyor jam", Created: t0.Add(-time.Minute),
	}))

	h := newHarnessWith(t, cfg, 1, st, embed.Fallback{N: 4})
	active := h.eng.ActiveEvent()
	require.NotNil(t, active)
	assert.Equal(t, world.EventID("EVT-1"), active.ID)
	assert.Equal(t, t0.Add(-time.Minute), active.Started)

	// Already past its minimum duration.
	assert.NoError(t, h.eng.Resolve())
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := quietConfig()
	cfg.Simulation.TickPeriod = 5 * time.Millisecond
	eng := New(store.NewMemory(), nil, cfg, WithRand(entropy.New(1)))
	require.NoError(t, eng.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int64
	eng.OnTick = func(uint64) {
		if ticks.Add(1) == 3 {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, ticks.Load(), int64(3))
	assert.EqualValues(t, ticks.Load(), eng.Status().Tick)
}

func TestJournal_KeepsNewest(t *testing.T) {
	j := NewJournal(3)
	for i := 1; i <= 5; i++ {
		j.Add(Notice{Tick: uint64(i)})
	}
	recent := j.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, []uint64{5, 4, 3}, []uint64{recent[0].Tick, recent[1].Tick, recent[2].Tick})

	recent[0].Tick = 99
	assert.EqualValues(t, 5, j.Recent()[0].Tick, "Recent returns a copy")
}
