package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/logistics-twin/internal/config"
	"github.com/talgya/logistics-twin/internal/embed"
	"github.com/talgya/logistics-twin/internal/engine"
	"github.com/talgya/logistics-twin/internal/entropy"
	"github.com/talgya/logistics-twin/internal/store"
	"github.com/talgya/logistics-twin/internal/world"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	os.Exit(m.Run())
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// fixedEmbedder embeds every text as the same vector.
type fixedEmbedder []float32

func (f fixedEmbedder) Embed(context.Context, string, embed.Task) ([]float32, error) {
	return f, nil
}

func (f fixedEmbedder) Dims() int { return len(f) }

type fixture struct {
	srv     *Server
	eng     *engine.Engine
	st      *store.Memory
	handler http.Handler
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Events.TriggerProbability = 0
	cfg.Spawn.BaselineRate = 0
	cfg.Embedding.Dims = 3

	f := &fixture{st: store.NewMemory(), now: t0}
	f.eng = engine.New(f.st, embed.Fallback{N: 3}, cfg,
		engine.WithClock(func() time.Time { return f.now }),
		engine.WithRand(entropy.New(1)))
	require.NoError(t, f.eng.Init(context.Background()))

	f.srv = &Server{
		Engine:           f.eng,
		Store:            f.st,
		Embedder:         fixedEmbedder{1, 0, 0},
		AdminKey:         "secret",
		SearchLimit:      100,
		BatteryThreshold: 20,
		EmbedTimeout:     time.Second,
	}
	f.handler = f.srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Step(context.Background()))

	rec := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	decode(t, rec, &body)
	assert.EqualValues(t, 1, body["tick"])
	assert.EqualValues(t, 1, body["seed"])
	assert.Nil(t, body["active_event"])

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/api/v1/status", "").Code)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var d dashboard
	decode(t, rec, &d)
	assert.Len(t, d.Graph.Nodes, 12, "center, 5 zones, 5 AGVs, truck")
	assert.Nil(t, d.ActiveEvent)
	assert.Empty(t, d.Journal)
}

func TestContext(t *testing.T) {
	f := newFixture(t)

	var c store.Context
	rec := f.do(t, http.MethodGet, "/api/v1/context", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &c)
	assert.Empty(t, c.Issues)
	assert.Len(t, c.Occupancy, 5)

	require.NoError(t, f.st.DrainBatteries(context.Background(), store.BatteryDrain{Idle: 5, Moving: 5, LowThreshold: 20}))
	rec = f.do(t, http.MethodGet, "/api/v1/context?battery_below=99", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &c)
	assert.Len(t, c.Issues, 5)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/context?battery_below=lots", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/context?battery_below=100.5", "").Code)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateEvent(ctx, world.Event{ID: "E1", Type: world.EventError, Description: "motor overheating",
		Created: t0, Embedding: []float32{1, 0, 0}, Affects: []world.ZoneID{"Storage_A"}}))
	require.NoError(t, f.st.CreateEvent(ctx, world.Event{ID: "E2", Type: world.EventPromotion, Description: "flash sale",
		Created: t0, Embedding: []float32{0, 1, 0}, Affects: []world.ZoneID{"Inbound"}}))

	type response struct {
		Results []searchResult `json:"results"`
	}

	tests := []struct {
		name string
		body string
		want []world.EventID
	}{
		{"by vector", `{"vector":[0,1,0],"k":1}`, []world.EventID{"E2"}},
		{"by query text", `{"query":"why is AGV slow","k":1}`, []world.EventID{"E1"}},
		{"default k", `{"vector":[0,1,0]}`, []world.EventID{"E2", "E1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/search", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var resp response
			decode(t, rec, &resp)
			var got []world.EventID
			for _, r := range resp.Results {
				got = append(got, r.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/search", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/search", `nope`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/api/v1/search", "").Code)
}

func TestSearch_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.srv.SearchLimit = 2
	f.handler = f.srv.Handler()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/search", `{"vector":[1,0,0]}`).Code)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/search", `{"vector":[1,0,0]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestEvents_InjectAndResolve(t *testing.T) {
	f := newFixture(t)
	auth := []string{"Authorization", "Bearer secret"}

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/events", `{"type":"ERROR"}`).Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(t, http.MethodPost, "/api/v1/events", `{"type":"ERROR"}`, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/events", `{"type":"FIRE"}`, auth...).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/events", `{"type":"END"}`, auth...).Code)

	rec := f.do(t, http.MethodPost, "/api/v1/events", `{"type":"promotion","description":"Black Friday"}`, auth...)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/events", `{"type":"ERROR"}`, auth...).Code)

	require.NoError(t, f.eng.Step(context.Background()))

	var body struct {
		Active  *engine.ActiveEvent `json:"active_event"`
		Journal []engine.Notice     `json:"journal"`
	}
	rec = f.do(t, http.MethodGet, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.NotNil(t, body.Active)
	assert.Equal(t, world.EventPromotion, body.Active.Type)
	assert.Equal(t, "Black Friday", body.Active.Description)
	require.Len(t, body.Journal, 1)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/events", `{"type":"END"}`, auth...).Code,
		"minimum duration not reached")
	f.now = f.now.Add(time.Hour)
	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/v1/events", `{"type":"END"}`, auth...).Code)
}

func TestEvents_AdminDisabled(t *testing.T) {
	f := newFixture(t)
	f.srv.AdminKey = ""
	rec := f.do(t, http.MethodPost, "/api/v1/events", `{"type":"ERROR"}`, "Authorization", "Bearer ")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/events", "").Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/api/v1/snapshot", "", "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodGet, "/api/v1/status", "", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	f.eng.OnTick = f.srv.Publish
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() streamMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	assert.Equal(t, "snapshot", first.Type)
	assert.EqualValues(t, 0, first.Data.Tick)
	assert.NotEmpty(t, first.Data.Graph.Nodes)

	require.NoError(t, f.eng.Step(context.Background()))
	next := read()
	assert.EqualValues(t, 1, next.Data.Tick)
	assert.Equal(t, 1, f.srv.hub.size())
}

// slowReader holds Snapshot until released.
type slowReader struct {
	store.Reader
	release chan struct{}
	calls   atomic.Int32
}

func (r *slowReader) Snapshot(ctx context.Context) (store.Snapshot, error) {
	r.calls.Add(1)
	<-r.release
	return r.Reader.Snapshot(ctx)
}

func TestPublish_DoesNotBlockTick(t *testing.T) {
	f := newFixture(t)
	slow := &slowReader{Reader: f.st, release: make(chan struct{})}
	f.srv.Store = slow
	id, frames, ok := f.srv.hub.subscribe()
	require.True(t, ok)
	defer f.srv.hub.unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for tick := uint64(1); tick <= 5; tick++ {
			f.srv.Publish(tick)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish waited on the snapshot")
	}

	close(slow.release)
	select {
	case msg := <-frames:
		var m streamMessage
		require.NoError(t, json.Unmarshal(msg, &m))
		assert.Equal(t, "snapshot", m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after the snapshot was released")
	}
	assert.LessOrEqual(t, slow.calls.Load(), int32(2), "pending ticks fold into one frame")
}

func TestRateLimiter(t *testing.T) {
	now := t0
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "limits are per IP")
	assert.Equal(t, 61, rl.RetryAfter("10.0.0.1"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.Zero(t, rl.RetryAfter("unknown"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "203.0.113.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	assert.Equal(t, "198.51.100.7", clientIP(r))
}
