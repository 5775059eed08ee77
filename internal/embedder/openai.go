package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/knoguchi/postrank/internal/breaker"
	"github.com/knoguchi/postrank/internal/metrics"
	openai "github.com/sashabaranov/go-openai"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultOpenAIModel is the default embedding model.
	DefaultOpenAIModel = "text-embedding-3-small"

	// DefaultOpenAIBatchSize is the number of texts sent per embeddings request.
	DefaultOpenAIBatchSize = 64

	// DefaultOpenAIConcurrency is the number of sub-batches in flight at once.
	DefaultOpenAIConcurrency = 4
)

// OpenAIConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIConfig struct {
	// APIKey authenticates against the provider. An empty key disables embedding.
	APIKey string

	// BaseURL is the API base, e.g. https://api.openai.com/v1.
	BaseURL string

	// Model is the embedding model to use (default: text-embedding-3-small).
	Model string

	// Dimension is the expected embedding dimension.
	Dimension int

	// MaxChars truncates texts before submission (default: 8000).
	MaxChars int

	// BatchSize is the number of texts per provider request.
	BatchSize int

	// Concurrency is the number of concurrent provider requests.
	Concurrency int

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// OpenAIEmbedder implements Embedder against an OpenAI-compatible embeddings API.
type OpenAIEmbedder struct {
	client      *openai.Client
	enabled     bool
	model       string
	dimension   int
	maxChars    int
	batchSize   int
	concurrency int
	cb          *gobreaker.CircuitBreaker[[][]float32]
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewOpenAIEmbedder creates a new OpenAI embedder with the given configuration.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = GetModelConfig(model).Dimension
	}

	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultOpenAIBatchSize
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultOpenAIConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	bcfg := breaker.DefaultConfig("embedder")
	bcfg.Logger = logger
	bcfg.Metrics = m

	return &OpenAIEmbedder{
		client:      openai.NewClientWithConfig(clientCfg),
		enabled:     cfg.APIKey != "",
		model:       model,
		dimension:   dimension,
		maxChars:    maxChars,
		batchSize:   batchSize,
		concurrency: concurrency,
		cb:          breaker.New[[][]float32](bcfg),
		logger:      logger,
		metrics:     m,
	}
}

// EmbedBatch generates embedding vectors for multiple text inputs.
// Sub-batches are requested concurrently; if any of them fails the whole
// batch yields nil entries.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	if !e.enabled {
		e.logger.Warn("embedding API key not configured, skipping embeddings", "texts", len(texts))
		return make([][]float32, len(texts))
	}

	return e.runner().run(ctx, texts, func(ctx context.Context, batch []string) ([][]float32, error) {
		return e.cb.Execute(func() ([][]float32, error) {
			return e.embedAll(ctx, batch)
		})
	})
}

func (e *OpenAIEmbedder) runner() batchRunner {
	return batchRunner{maxChars: e.maxChars, dimension: e.dimension, logger: e.logger, metrics: e.metrics}
}

func (e *OpenAIEmbedder) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vectors, err := e.embedChunk(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("failed to embed texts %d-%d: %w", start, end, err)
			}
			copy(results[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *OpenAIEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		vectors[idx] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
	}
	return vectors, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

// Ensure OpenAIEmbedder implements Embedder interface.
var _ Embedder = (*OpenAIEmbedder)(nil)
