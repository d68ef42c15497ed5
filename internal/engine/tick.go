// Package engine provides the tick-based facility simulation loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/embed"
	"github.com/talgya/logistics-twin/internal/entropy"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

// Engine drives the facility forward one tick at a time. It is the only
// writer to its store.
type Engine struct {
	Interval time.Duration // wall-clock period between ticks

	// OnTick runs on the loop goroutine after every successful tick.
	OnTick func(tick uint64)

	store   store.Store
	layout  world.Layout
	rng     *entropy.Partitioned
	now     func() time.Time
	journal *Journal

	events    *lifecycle
	spawner   *spawner
	transport *transportController
	truck     *truckController

	mu     sync.Mutex
	status Status
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand replaces the seeded random source.
func WithRand(rng *entropy.Partitioned) Option {
	return func(e *Engine) { e.rng = rng }
}

// New wires an engine over st. Call Init before the first tick.
func New(st store.Store, emb embed.Embedder, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		Interval: cfg.Simulation.TickPeriod,
		store:    st,
		layout:   cfg.Facility,
		now:      time.Now,
		journal:  NewJournal(cfg.Simulation.Journal),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = entropy.New(cfg.Simulation.Seed)
	}
	if emb == nil {
		emb = embed.Fallback{N: cfg.Embedding.Dims}
	}

	ids := &idSource{rng: e.rng.For(entropy.SubsystemIDs)}
	e.events = &lifecycle{
		cfg:     cfg.Events,
		st:      st,
		emb:     emb,
		timeout: cfg.Embedding.Timeout,
		rng:     e.rng.For(entropy.SubsystemEvents),
		ids:     ids,
		journal: e.journal,
		now:     e.clock,
	}
	e.spawner = &spawner{
		cfg: cfg.Spawn,
		st:  st,
		rng: e.rng.For(entropy.SubsystemSpawner),
		ids: ids,
	}
	e.transport = &transportController{cfg: cfg.Transport, st: st}
	e.truck = &truckController{id: cfg.Facility.Truck.ID, cfg: cfg.Truck, st: st, journal: e.journal}
	e.status.Seed = e.rng.Seed()
	return e
}

func (e *Engine) clock() time.Time { return e.now() }

// Init seeds the store with the facility layout (a no-op for a store that
// already holds a world) and restores the event slot from it.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.store.Seed(ctx, e.layout); err != nil {
		return fmt.Errorf("seed store: %w", err)
	}
	return e.Restore(ctx)
}

// Restore recovers the active event from persisted event records.
func (e *Engine) Restore(ctx context.Context) error {
	events, err := e.store.Events(ctx)
	if err != nil {
		return fmt.Errorf("restore events: %w", err)
	}
	e.events.restore(events)
	if a := e.events.current(); a != nil {
		slog.Info("restored active event", "id", a.ID, "type", a.Type, "started", a.Started)
	}
	return nil
}

// Run ticks every Interval until ctx is cancelled. Cancellation is observed
// between ticks only; a tick in progress runs to completion.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("simulation engine started", "interval", e.Interval, "seed", e.rng.Seed())
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("simulation engine stopped", "tick", e.Status().Tick)
			return
		case <-ticker.C:
			e.Step(context.WithoutCancel(ctx))
		}
	}
}

// Step advances the simulation by one tick. A failing stage aborts the rest
// of the tick; the error is logged, recorded in Status and returned.
func (e *Engine) Step(ctx context.Context) error {
	now := e.now()
	e.mu.Lock()
	e.status.Tick++
	tick := e.status.Tick
	e.mu.Unlock()

	counts, err := e.runStages(ctx, tick, now)

	e.mu.Lock()
	e.status.LastTick = now
	e.status.Spawned += uint64(counts.spawned)
	e.status.Delivered += uint64(counts.delivered)
	e.status.Loaded += uint64(counts.loaded)
	if err != nil {
		e.status.FailedTicks++
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		slog.Warn("tick aborted", "tick", tick, "err", err)
		return err
	}
	if e.OnTick != nil {
		e.OnTick(tick)
	}
	return nil
}

// Inject requests an event of type t, bypassing the random trigger. It is
// applied on the next tick. An empty description picks one from the catalog.
func (e *Engine) Inject(t world.EventType, description string) error {
	return e.events.inject(t, description)
}

// Resolve requests the active event to end on the next tick.
func (e *Engine) Resolve() error {
	return e.events.resolve()
}

// ActiveEvent returns the event occupying the slot, or nil.
func (e *Engine) ActiveEvent() *ActiveEvent {
	return e.events.current()
}

// Journal returns the notice log.
func (e *Engine) Journal() *Journal {
	return e.journal
}

// Status returns a copy of the engine's counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := e.status
	e.mu.Unlock()

	s.Active = e.events.current()
	if until := e.events.cooldownUntil(); !until.IsZero() && until.After(e.now()) {
		s.CooldownUntil = &until
	}
	return s
}
