// Package api provides the HTTP API for observing the facility.
// GET endpoints are public (read-only observation).
// POST /api/v1/events requires a bearer token (demo control).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/logistics-twin/internal/embed"
	"github.com/talgya/logistics-twin/internal/engine"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

const (
	defaultSearchK = 3
	maxSearchK     = 20
)

// Server serves facility state over HTTP.
type Server struct {
	Engine   *engine.Engine
	Store    store.Reader
	Embedder embed.Embedder
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	SearchLimit      int           // search requests per IP per hour
	BatteryThreshold float64       // default /context threshold
	EmbedTimeout     time.Duration // budget for embedding a search query

	hub         hub
	upgrader    websocket.Upgrader
	publishOnce sync.Once
	ticks       chan uint64
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	searchLimiter := NewRateLimiter(s.SearchLimit, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", getOnly(s.handleStatus))
	mux.HandleFunc("/api/v1/snapshot", getOnly(s.handleSnapshot))
	mux.HandleFunc("/api/v1/context", getOnly(s.handleContext))
	mux.HandleFunc("/api/v1/search", RateLimitMiddleware(searchLimiter, s.handleSearch))
	mux.HandleFunc("/api/v1/events", s.adminOnly(s.handleEvents))
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	return corsMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("HTTP API stopped")
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no LOGISIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Engine.Status()
	status := map[string]any{
		"tick":           st.Tick,
		"last_tick":      st.LastTick,
		"seed":           st.Seed,
		"active_event":   st.Active,
		"cooldown_until": st.CooldownUntil,
		"failed_ticks":   st.FailedTicks,
		"last_error":     st.LastError,
		"spawned":        st.Spawned,
		"delivered":      st.Delivered,
		"loaded":         st.Loaded,
		"stream_clients": s.hub.size(),
	}
	writeJSON(w, status)
}

// dashboard is the payload of /snapshot and of each stream message.
type dashboard struct {
	Tick        uint64              `json:"tick"`
	Graph       store.Snapshot      `json:"graph"`
	ActiveEvent *engine.ActiveEvent `json:"active_event"`
	Journal     []engine.Notice     `json:"journal"`
}

func (s *Server) dashboard(ctx context.Context) (dashboard, error) {
	snap, err := s.Store.Snapshot(ctx)
	if err != nil {
		return dashboard{}, err
	}
	return dashboard{
		Tick:        s.Engine.Status().Tick,
		Graph:       snap,
		ActiveEvent: s.Engine.ActiveEvent(),
		Journal:     s.Engine.Journal().Recent(),
	}, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	d, err := s.dashboard(r.Context())
	if err != nil {
		slog.Warn("snapshot failed", "err", err)
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	threshold := s.BatteryThreshold
	if v := r.URL.Query().Get("battery_below"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 100 {
			http.Error(w, "battery_below must be a number in [0, 100]", http.StatusBadRequest)
			return
		}
		threshold = f
	}
	c, err := s.Store.Context(r.Context(), threshold)
	if err != nil {
		slog.Warn("context query failed", "err", err)
		http.Error(w, "context unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, c)
}

type searchRequest struct {
	Query  string    `json:"query"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type searchResult struct {
	ID          world.EventID   `json:"id"`
	Type        world.EventType `json:"type"`
	Description string          `json:"description"`
	Affects     []world.ZoneID  `json:"affects"`
	Created     time.Time       `json:"created"`
	Score       float64         `json:"score"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.K <= 0 {
		req.K = defaultSearchK
	}
	if req.K > maxSearchK {
		req.K = maxSearchK
	}

	vec := req.Vector
	if len(vec) == 0 {
		if strings.TrimSpace(req.Query) == "" {
			http.Error(w, "query or vector required", http.StatusBadRequest)
			return
		}
		timeout := s.EmbedTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		var err error
		vec, err = s.Embedder.Embed(ctx, req.Query, embed.TaskQuery)
		if err != nil {
			slog.Warn("query embedding failed", "err", err)
			http.Error(w, "embedding unavailable", http.StatusBadGateway)
			return
		}
	}

	matches, err := s.Store.SearchEvents(r.Context(), vec, req.K)
	if err != nil {
		slog.Warn("event search failed", "err", err)
		http.Error(w, "search unavailable", http.StatusServiceUnavailable)
		return
	}
	results := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, searchResult{
			ID:          m.Event.ID,
			Type:        m.Event.Type,
			Description: m.Event.Description,
			Affects:     m.Event.Affects,
			Created:     m.Event.Created,
			Score:       m.Score,
		})
	}
	writeJSON(w, map[string]any{"results": results})
}

type eventRequest struct {
	Type        string `json:"type"` // PROMOTION, ERROR or END
	Description string `json:"description"`
}

// handleEvents lists the journal (GET) or queues an event transition (POST).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{
			"active_event": s.Engine.ActiveEvent(),
			"journal":      s.Engine.Journal().Recent(),
		})
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var err error
	if strings.EqualFold(req.Type, "END") {
		err = s.Engine.Resolve()
	} else {
		t, perr := world.ParseEventType(strings.ToUpper(req.Type))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		err = s.Engine.Inject(t, req.Description)
	}
	switch {
	case errors.Is(err, engine.ErrEventActive), errors.Is(err, engine.ErrCooldown),
		errors.Is(err, engine.ErrNoActiveEvent), errors.Is(err, engine.ErrMinDuration):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("event transition requested", "type", req.Type)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued", "type": strings.ToUpper(req.Type)})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
