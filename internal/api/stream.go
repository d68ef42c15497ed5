package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxStreamConns = 16
	streamBuffer   = 4
	writeWait      = 5 * time.Second
	pingPeriod     = 30 * time.Second
)

// streamMessage is one websocket frame pushed to dashboard clients.
type streamMessage struct {
	Type string    `json:"type"` // "snapshot"
	Data dashboard `json:"data"`
}

// hub fans tick snapshots out to websocket subscribers. Slow subscribers
// miss frames rather than stall the tick loop.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan []byte
}

func (h *hub) subscribe() (int, <-chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= maxStreamConns {
		return 0, nil, false
	}
	if h.subs == nil {
		h.subs = make(map[int]chan []byte)
	}
	h.next++
	ch := make(chan []byte, streamBuffer)
	h.subs[h.next] = ch
	return h.next, ch, true
}

func (h *hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Publish schedules a dashboard frame for stream subscribers. It is meant to
// be installed as the engine's OnTick callback and never blocks: the frame is
// built on the publisher goroutine, and a tick arriving while one is still
// pending is folded into it.
func (s *Server) Publish(tick uint64) {
	if s.hub.size() == 0 {
		return
	}
	s.publishOnce.Do(func() {
		s.ticks = make(chan uint64, 1)
		go s.publishLoop(s.ticks)
	})
	select {
	case s.ticks <- tick:
	default:
	}
}

// publishLoop builds one frame per pending tick. Frames read the store when
// built, so a folded tick is still covered by the next frame.
func (s *Server) publishLoop(ticks <-chan uint64) {
	for tick := range ticks {
		if s.hub.size() == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		msg, err := s.streamFrame(ctx)
		cancel()
		if err != nil {
			slog.Warn("stream publish failed", "tick", tick, "err", err)
			continue
		}
		s.hub.broadcast(msg)
	}
}

func (s *Server) streamFrame(ctx context.Context) ([]byte, error) {
	d, err := s.dashboard(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(streamMessage{Type: "snapshot", Data: d})
}

// handleStream upgrades to a websocket and sends the current dashboard,
// then one frame per tick until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, frames, ok := s.hub.subscribe()
	if !ok {
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unsubscribe(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	slog.Info("stream client connected", "sub_id", id, "remote", clientIP(r))

	first, err := s.streamFrame(r.Context())
	if err != nil {
		slog.Warn("stream snapshot failed", "err", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}

	// Reader: clients never send data; a read error means they left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", id)
			return
		case msg := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
