// Package embed turns event descriptions and chat queries into vectors for
// similarity search. Embedding is best effort: callers that cannot get a real
// vector fall back to a fixed-length zero vector.
package embed

import (
	"context"
	"log/slog"

	"github.com/talgya/logistics-twin/internal/config"
)

// Task tells the provider how the vector will be used.
type Task string

const (
	TaskDocument Task = "RETRIEVAL_DOCUMENT"
	TaskQuery    Task = "RETRIEVAL_QUERY"
)

// Embedder computes fixed-length embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string, task Task) ([]float32, error)
	Dims() int
}

// Fallback always returns the zero vector. It is used when no provider is
// configured, and its Zero is the substitute for failed provider calls.
type Fallback struct {
	N int
}

func (f Fallback) Embed(context.Context, string, Task) ([]float32, error) {
	return Zero(f.N), nil
}

func (f Fallback) Dims() int { return f.N }

// Zero returns a zero vector of length n.
func Zero(n int) []float32 {
	return make([]float32, n)
}

// New selects the embedder for cfg. A gemini provider without an API key
// degrades to Fallback.
func New(cfg config.EmbeddingConfig) Embedder {
	if cfg.Provider == "gemini" {
		if c := NewGemini(cfg); c != nil {
			slog.Info("embedding provider enabled", "provider", "gemini", "model", cfg.Model, "dims", cfg.Dims)
			return c
		}
		slog.Warn("GEMINI_API_KEY not set, event embeddings will be zero vectors")
	}
	return Fallback{N: cfg.Dims}
}
