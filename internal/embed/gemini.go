package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/talgya/logistics-twin/internal/config"
)

// Gemini wraps the Generative Language embedContent endpoint.
type Gemini struct {
	apiKey     string
	baseURL    string
	model      string
	dims       int
	httpClient *http.Client

	// Rate limiting: max calls per minute.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int
}

// NewGemini creates a client. Returns nil if no API key is configured.
func NewGemini(cfg config.EmbeddingConfig) *Gemini {
	if cfg.APIKey == "" {
		return nil
	}
	perMin := cfg.PerMin
	if perMin <= 0 {
		perMin = 60
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		dims:    cfg.Dims,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxPerMin: perMin,
	}
}

func (g *Gemini) Dims() int { return g.dims }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type embedRequest struct {
	Model                string  `json:"model"`
	Content              content `json:"content"`
	TaskType             Task    `json:"taskType"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed requests one vector. The context deadline bounds the call.
func (g *Gemini) Embed(ctx context.Context, text string, task Task) ([]float32, error) {
	g.mu.Lock()
	now := time.Now()
	if now.After(g.resetAt) {
		g.callCount = 0
		g.resetAt = now.Add(time.Minute)
	}
	if g.callCount >= g.maxPerMin {
		g.mu.Unlock()
		return nil, fmt.Errorf("rate limit exceeded (%d calls/min)", g.maxPerMin)
	}
	g.callCount++
	g.mu.Unlock()

	req := embedRequest{
		Model:                "models/" + g.model,
		Content:              content{Parts: []part{{Text: text}}},
		TaskType:             task,
		OutputDimensionality: g.dims,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:embedContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp embedResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	vec := apiResp.Embedding.Values
	if len(vec) != g.dims {
		return nil, fmt.Errorf("embedding has %d dims, want %d", len(vec), g.dims)
	}

	slog.Debug("gemini embed", "task", task, "chars", len(text))
	return vec, nil
}
