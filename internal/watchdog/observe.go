// Package watchdog implements the facility steward.
// It observes the facility via the API, triages what it sees,
// and resolves long-running disruptions via the admin events endpoint.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talgya/logistics-twin/internal/engine"
	"github.com/talgya/logistics-twin/internal/store"
)

// Observation holds all data collected during an observation cycle.
type Observation struct {
	Status  engine.Status
	Context store.Context
	At      time.Time
}

// Observer fetches facility state from the API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an Observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Observe fetches status and context in sequence.
func (o *Observer) Observe(ctx context.Context) (*Observation, error) {
	obs := &Observation{At: time.Now()}
	if err := o.getJSON(ctx, "/api/v1/status", &obs.Status); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if err := o.getJSON(ctx, "/api/v1/context", &obs.Context); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return obs, nil
}

// Ready reports whether the status endpoint answers 200.
func (o *Observer) Ready(ctx context.Context) bool {
	var st engine.Status
	return o.getJSON(ctx, "/api/v1/status", &st) == nil
}

func (o *Observer) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
