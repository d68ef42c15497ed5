package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

// idSource draws short identifiers from a seeded stream, so a seeded run
// produces the same IDs every time.
type idSource struct {
	rng *rand.Rand
}

func (s *idSource) next(prefix string) string {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		// math/rand readers never fail.
		id = uuid.New()
	}
	return prefix + "-" + id.String()[:8]
}

// spawner creates arriving items at the inbound zone.
type spawner struct {
	cfg config.SpawnConfig
	st  store.Writer
	rng *rand.Rand
	ids *idSource
}

// step creates this tick's arrivals and returns how many were stored.
// Nothing arrives while an ERROR event holds the line.
func (s *spawner) step(ctx context.Context, now time.Time, active world.EventType) (int, error) {
	if active == world.EventError {
		return 0, nil
	}
	rate := s.cfg.BaselineRate
	if active == world.EventPromotion {
		rate = s.cfg.PromotionRate
	}

	n := poisson(s.rng, rate)
	if s.cfg.MaxPerTick > 0 && n > s.cfg.MaxPerTick {
		n = s.cfg.MaxPerTick
	}
	for i := 0; i < n; i++ {
		if err := s.create(ctx, now); err != nil {
			return i, err
		}
	}
	return n, nil
}

func (s *spawner) create(ctx context.Context, now time.Time) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		item := world.Item{
			ID:       world.ItemID(s.ids.next("ITEM")),
			Status:   world.ItemWaiting,
			Created:  now,
			Location: world.StoredIn(s.cfg.InboundZone),
		}
		err = s.st.CreateItem(ctx, item)
		if !errors.Is(err, store.ErrExists) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

// poisson samples the number of arrivals in one tick for the given mean by
// summing exponential inter-arrival gaps.
func poisson(rng *rand.Rand, mean float64) int {
	if mean <= 0 {
		return 0
	}
	n := 0
	for t := rng.ExpFloat64() / mean; t <= 1; t += rng.ExpFloat64() / mean {
		n++
	}
	return n
}
