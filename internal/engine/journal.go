package engine

import (
	"sync"
	"time"
)

// Notice categories.
const (
	CategoryEvent = "event"
	CategoryTruck = "truck"
)

// Notice is a notable occurrence shown in the dashboard log.
type Notice struct {
	Tick        uint64    `json:"tick"`
	Time        time.Time `json:"time"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
}

// Journal keeps the most recent notices, newest first. Safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	size    int
	notices []Notice
}

// NewJournal returns a journal holding at most size notices.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = 10
	}
	return &Journal{size: size}
}

func (j *Journal) Add(n Notice) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.notices = append([]Notice{n}, j.notices...)
	if len(j.notices) > j.size {
		j.notices = j.notices[:j.size]
	}
}

// Recent returns a copy of the retained notices, newest first.
func (j *Journal) Recent() []Notice {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Notice, len(j.notices))
	copy(out, j.notices)
	return out
}
