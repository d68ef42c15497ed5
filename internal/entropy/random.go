// Package entropy provides seedable, per-subsystem random sources so that a
// simulation run can be replayed exactly from its master seed.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	mrand "math/rand"
)

// Subsystem names. Each gets an isolated stream so that, for example, an
// extra spawn draw never shifts the event trigger sequence.
const (
	SubsystemEvents  = "events"
	SubsystemSpawner = "spawner"
	SubsystemIDs     = "ids"
)

// Partitioned hands out one deterministic *rand.Rand per subsystem.
//
// Not safe for concurrent use; the tick loop is its only caller.
type Partitioned struct {
	seed       int64
	subsystems map[string]*mrand.Rand
}

// New creates a partitioned source. A zero seed draws a master seed from
// crypto/rand, so only explicitly seeded runs are reproducible.
func New(seed int64) *Partitioned {
	if seed == 0 {
		seed = CryptoSeed()
	}
	return &Partitioned{
		seed:       seed,
		subsystems: make(map[string]*mrand.Rand),
	}
}

// Seed returns the master seed in use.
func (p *Partitioned) Seed() int64 {
	return p.seed
}

// For returns the stream for the named subsystem, creating it on first use.
// The derived seed is masterSeed XOR fnv1a64(name).
func (p *Partitioned) For(name string) *mrand.Rand {
	if r, ok := p.subsystems[name]; ok {
		return r
	}
	r := mrand.New(mrand.NewSource(p.seed ^ fnv1a64(name)))
	p.subsystems[name] = r
	return r
}

// CryptoSeed returns a non-zero seed from crypto/rand.
func CryptoSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		return 1
	}
	s := int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
	if s == 0 {
		s = 1
	}
	return s
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
