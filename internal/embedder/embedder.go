// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"log/slog"
	"strings"

	"github.com/knoguchi/postrank/internal/metrics"
)

// DefaultMaxChars is the longest text submitted to a provider, in characters.
const DefaultMaxChars = 8000

// Embedder defines the interface for text embedding services.
//
// EmbedBatch never fails: it returns exactly one entry per input text, in
// order, and a nil entry means no embedding is available for that text.
// Provider failures degrade the whole batch to nil entries and are logged.
type Embedder interface {
	// EmbedBatch generates embedding vectors for multiple text inputs.
	EmbedBatch(ctx context.Context, texts []string) [][]float32

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific embedding model.
type ModelConfig struct {
	Dimension     int // Embedding dimension
	ContextTokens int // Max tokens the model can process
}

// KnownModels maps embedding model names to their configurations.
var KnownModels = map[string]ModelConfig{
	"text-embedding-3-small": {Dimension: 1536, ContextTokens: 8191},
	"text-embedding-3-large": {Dimension: 3072, ContextTokens: 8191},
	"text-embedding-ada-002": {Dimension: 1536, ContextTokens: 8191},
	"nomic-embed-text":       {Dimension: 768, ContextTokens: 8192},
	"mxbai-embed-large":      {Dimension: 1024, ContextTokens: 512},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	return ModelConfig{Dimension: 1536, ContextTokens: 8191}
}

// batchFunc embeds non-empty, already truncated texts. It returns one vector
// per input or an error for the whole call.
type batchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// batchRunner holds what every provider shares around a batchFunc.
type batchRunner struct {
	maxChars  int
	dimension int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// run filters and truncates texts, calls fn with the survivors and maps the
// vectors back to their original positions. Vectors whose length is not the
// configured dimension are dropped.
func (b batchRunner) run(ctx context.Context, texts []string, fn batchFunc) [][]float32 {
	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results
	}

	submit := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		submit = append(submit, TruncateText(t, b.maxChars))
		positions = append(positions, i)
	}
	if len(submit) == 0 {
		return results
	}

	b.metrics.EmbeddingTexts.Add(float64(len(submit)))
	vectors, err := fn(ctx, submit)
	if err != nil {
		b.metrics.EmbeddingFailures.Inc()
		b.logger.Error("embedding batch failed", "texts", len(submit), "error", err)
		return results
	}
	if len(vectors) != len(submit) {
		b.metrics.EmbeddingFailures.Inc()
		b.logger.Error("embedding provider returned wrong number of vectors",
			"expected", len(submit),
			"got", len(vectors),
		)
		return results
	}

	mismatched := 0
	for j, pos := range positions {
		if b.dimension > 0 && len(vectors[j]) != b.dimension {
			mismatched++
			continue
		}
		results[pos] = vectors[j]
	}
	if mismatched > 0 {
		b.metrics.EmbeddingFailures.Inc()
		b.logger.Error("embedding provider returned vectors of the wrong dimension",
			"expected", b.dimension,
			"dropped", mismatched,
		)
	}
	return results
}
