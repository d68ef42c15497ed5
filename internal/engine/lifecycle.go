package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/embed"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

var (
	ErrEventActive   = errors.New("an event is already active")
	ErrCooldown      = errors.New("event cooldown in effect")
	ErrNoActiveEvent = errors.New("no active event")
	ErrMinDuration   = errors.New("event has not reached its minimum duration")
)

var errorCatalog = []string{
	"AGV-1 motor overheating is slowing the line",
	"Sorting sensor malfunction is backing up volume",
	"Slippery floor incident at the inbound dock",
	"Network latency is dropping robot commands",
}

var promotionCatalog = []string{
	"Flash sale started, order volume expected to triple",
	"Traffic surge from a marketplace promotion",
}

// ActiveEvent is the occupant of the single disruption slot.
type ActiveEvent struct {
	ID          world.EventID   `json:"id"`
	Type        world.EventType `json:"type"`
	Description string          `json:"description"`
	Started     time.Time       `json:"started"`
}

// request is an injected transition waiting for the next tick.
type request struct {
	end         bool
	typ         world.EventType
	description string
}

// lifecycle is the NONE/ACTIVE event state machine. Only step mutates the
// store; inject and resolve validate and queue a request for step to apply.
type lifecycle struct {
	cfg     config.EventsConfig
	st      store.Writer
	emb     embed.Embedder
	timeout time.Duration
	rng     *rand.Rand
	ids     *idSource
	journal *Journal
	now     func() time.Time

	mu        sync.Mutex
	active    *ActiveEvent
	lastEnded time.Time
	pending   *request
}

func (l *lifecycle) canEnter(now time.Time) bool {
	return l.active == nil && (l.lastEnded.IsZero() || now.Sub(l.lastEnded) >= l.cfg.Cooldown)
}

func (l *lifecycle) canExit(now time.Time) bool {
	return l.active != nil && now.Sub(l.active.Started) >= l.cfg.MinDuration
}

// current returns a copy of the active event, or nil.
func (l *lifecycle) current() *ActiveEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil
	}
	a := *l.active
	return &a
}

// activeType returns the active event type, or "" in NONE.
func (l *lifecycle) activeType() world.EventType {
	if a := l.current(); a != nil {
		return a.Type
	}
	return ""
}

func (l *lifecycle) cooldownUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastEnded.IsZero() {
		return time.Time{}
	}
	return l.lastEnded.Add(l.cfg.Cooldown)
}

func (l *lifecycle) inject(t world.EventType, description string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.active != nil || (l.pending != nil && !l.pending.end) {
		return ErrEventActive
	}
	if !l.canEnter(now) {
		return fmt.Errorf("%w until %s", ErrCooldown, l.lastEnded.Add(l.cfg.Cooldown).Format(time.RFC3339))
	}
	l.pending = &request{typ: t, description: description}
	return nil
}

func (l *lifecycle) resolve() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return ErrNoActiveEvent
	}
	if !l.canExit(l.now()) {
		return fmt.Errorf("%w of %s", ErrMinDuration, l.cfg.MinDuration)
	}
	l.pending = &request{end: true}
	return nil
}

// step applies at most one transition. Random draws happen only when the
// transition is eligible and no injected request is queued.
func (l *lifecycle) step(ctx context.Context, tick uint64, now time.Time) error {
	l.mu.Lock()
	req := l.pending
	l.pending = nil
	enter, exit := l.canEnter(now), l.canExit(now)
	l.mu.Unlock()

	switch {
	case enter:
		if req != nil && !req.end {
			if err := l.enter(ctx, tick, now, req.typ, req.description); err != nil {
				l.requeue(req)
				return err
			}
			return nil
		}
		if l.rng.Float64() >= l.cfg.TriggerProbability {
			return nil
		}
		t := world.EventError
		if l.rng.Float64() < l.cfg.PromotionBias {
			t = world.EventPromotion
		}
		return l.enter(ctx, tick, now, t, "")

	case exit:
		if req == nil || !req.end {
			if l.rng.Float64() >= l.cfg.EndProbability {
				return nil
			}
		}
		if err := l.exit(ctx, tick, now); err != nil {
			if req != nil {
				l.requeue(req)
			}
			return err
		}
	}
	return nil
}

func (l *lifecycle) requeue(req *request) {
	l.mu.Lock()
	if l.pending == nil {
		l.pending = req
	}
	l.mu.Unlock()
}

func (l *lifecycle) enter(ctx context.Context, tick uint64, now time.Time, t world.EventType, description string) error {
	if description == "" {
		catalog := errorCatalog
		if t == world.EventPromotion {
			catalog = promotionCatalog
		}
		description = catalog[l.rng.Intn(len(catalog))]
	}
	affects := l.cfg.ErrorZones
	if t == world.EventPromotion {
		affects = l.cfg.PromotionZones
	}

	ev := world.Event{
		ID:          world.EventID(l.ids.next("EVT")),
		Type:        t,
		Description: description,
		Created:     now,
		Embedding:   l.embedding(ctx, description),
		Affects:     append([]world.ZoneID(nil), affects...),
	}
	if err := l.st.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("create event: %w", err)
	}

	l.mu.Lock()
	l.active = &ActiveEvent{ID: ev.ID, Type: t, Description: description, Started: now}
	l.mu.Unlock()

	slog.Info("event started", "id", ev.ID, "type", t, "description", description, "tick", tick)
	l.journal.Add(Notice{Tick: tick, Time: now, Title: startTitle(t), Description: description, Category: CategoryEvent})
	return nil
}

func (l *lifecycle) exit(ctx context.Context, tick uint64, now time.Time) error {
	l.mu.Lock()
	active := *l.active
	l.mu.Unlock()

	n, err := l.st.DeleteEventsOfType(ctx, active.Type)
	if err != nil {
		return fmt.Errorf("delete %s events: %w", active.Type, err)
	}

	l.mu.Lock()
	l.active = nil
	l.lastEnded = now
	l.mu.Unlock()

	slog.Info("event ended", "id", active.ID, "type", active.Type, "lasted", now.Sub(active.Started), "deleted", n, "tick", tick)
	l.journal.Add(Notice{Tick: tick, Time: now, Title: endTitle(active.Type), Description: active.Description, Category: CategoryEvent})
	return nil
}

// embedding is best effort: any provider failure yields the zero vector.
func (l *lifecycle) embedding(ctx context.Context, text string) []float32 {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	vec, err := l.emb.Embed(ctx, text, embed.TaskDocument)
	if err == nil && len(vec) != l.emb.Dims() {
		err = fmt.Errorf("got %d dims, want %d", len(vec), l.emb.Dims())
	}
	if err != nil {
		slog.Warn("embedding failed, using zero vector", "err", err)
		return embed.Zero(l.emb.Dims())
	}
	return vec
}

// restore re-occupies the slot from persisted events after a restart. The
// newest event wins.
func (l *lifecycle) restore(events []world.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = nil
	for _, ev := range events {
		if l.active == nil || ev.Created.After(l.active.Started) {
			l.active = &ActiveEvent{ID: ev.ID, Type: ev.Type, Description: ev.Description, Started: ev.Created}
		}
	}
}

func startTitle(t world.EventType) string {
	if t == world.EventPromotion {
		return "Flash sale started"
	}
	return "Line disruption"
}

func endTitle(t world.EventType) string {
	if t == world.EventPromotion {
		return "Sale ended, volume back to normal"
	}
	return "Line recovered"
}
