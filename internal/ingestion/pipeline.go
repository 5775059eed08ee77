// Package ingestion turns posts into stored embeddings.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/knoguchi/postrank/internal/embedder"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

// DefaultBatchSize is the number of posts embedded per EmbedBatch call.
const DefaultBatchSize = 100

// ClusterAssigner places newly embedded posts into existing clusters.
type ClusterAssigner interface {
	AssignPosts(ctx context.Context, vectors map[int64][]float32) (int, error)
}

// PipelineConfig holds configuration for the ingestion pipeline
type PipelineConfig struct {
	Embedder embedder.Embedder
	Vectors  vectorstore.VectorStore
	Channels repository.ChannelRepository

	// Clusters assigns freshly stored posts to clusters. Optional.
	Clusters ClusterAssigner

	// BatchSize is the number of posts embedded per call (default: 100).
	BatchSize int

	Logger *slog.Logger
}

// PipelineResult holds the vectors available after ensuring embeddings
type PipelineResult struct {
	// Vectors maps post id to its embedding. Posts that could not be
	// embedded are absent.
	Vectors map[int64][]float32

	Stats PipelineStats
}

// PipelineStats contains statistics about the pipeline execution
type PipelineStats struct {
	Requested      int
	AlreadyStored  int
	Embedded       int
	Failed         int
	Clustered      int
	StoreFailed    bool
	ProcessingTime time.Duration
}

// Pipeline embeds posts that have no stored vector yet.
type Pipeline struct {
	embedder  embedder.Embedder
	vectors   vectorstore.VectorStore
	channels  repository.ChannelRepository
	clusters  ClusterAssigner
	batchSize int
	logger    *slog.Logger
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		embedder:  cfg.Embedder,
		vectors:   cfg.Vectors,
		channels:  cfg.Channels,
		clusters:  cfg.Clusters,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger.With("component", "ingestion"),
	}
}

// EnsureEmbeddings makes sure every post has a stored embedding. Posts that
// already have one are not re-embedded, so repeated calls are cheap. The
// returned vectors cover every post that has or received an embedding.
//
// Embedding and vector store failures are absorbed: the affected posts are
// simply missing from the result. Only a failure to read channel titles is
// returned as an error.
func (p *Pipeline) EnsureEmbeddings(ctx context.Context, posts []*repository.Post) (*PipelineResult, error) {
	start := time.Now()
	result := &PipelineResult{Vectors: make(map[int64][]float32, len(posts))}
	result.Stats.Requested = len(posts)
	if len(posts) == 0 {
		return result, nil
	}

	ids := make([]int64, len(posts))
	for i, post := range posts {
		ids[i] = post.ID
	}
	for id, v := range p.vectors.GetBatch(ctx, ids) {
		result.Vectors[id] = v
	}
	result.Stats.AlreadyStored = len(result.Vectors)

	var missing []*repository.Post
	seen := make(map[int64]bool, len(posts))
	for _, post := range posts {
		if _, ok := result.Vectors[post.ID]; ok || seen[post.ID] {
			continue
		}
		seen[post.ID] = true
		missing = append(missing, post)
	}
	if len(missing) == 0 {
		result.Stats.ProcessingTime = time.Since(start)
		return result, nil
	}

	titles, err := p.channelTitles(ctx, missing)
	if err != nil {
		return nil, err
	}

	dimension := p.embedder.Dimension()
	var points []vectorstore.Point
	for startIdx := 0; startIdx < len(missing); startIdx += p.batchSize {
		batch := missing[startIdx:min(startIdx+p.batchSize, len(missing))]

		texts := make([]string, len(batch))
		for i, post := range batch {
			texts[i] = embedder.PreparePostText(post.Text, titles[post.ChannelID])
		}

		vectors := p.embedder.EmbedBatch(ctx, texts)
		for i, post := range batch {
			if i >= len(vectors) || len(vectors[i]) == 0 {
				result.Stats.Failed++
				continue
			}
			if len(vectors[i]) != dimension {
				p.logger.Warn("discarding embedding of the wrong dimension",
					"post_id", post.ID,
					"expected", dimension,
					"got", len(vectors[i]),
				)
				result.Stats.Failed++
				continue
			}
			points = append(points, vectorstore.Point{
				ID:      post.ID,
				Vector:  vectors[i],
				Payload: vectorstore.NewPayload(post.ChannelID, post.Text),
			})
		}
	}
	if len(points) > 0 {
		stored := p.vectors.UpsertBatch(ctx, points)
		if !stored {
			result.Stats.StoreFailed = true
			p.logger.Warn("failed to store post embeddings, using them for this request only", "count", len(points))
		}
		fresh := make(map[int64][]float32, len(points))
		for _, pt := range points {
			result.Vectors[pt.ID] = pt.Vector
			fresh[pt.ID] = pt.Vector
		}
		result.Stats.Embedded = len(points)

		if stored && p.clusters != nil {
			n, err := p.clusters.AssignPosts(ctx, fresh)
			if err != nil {
				p.logger.Warn("failed to assign new posts to clusters", "error", err)
			}
			result.Stats.Clustered = n
		}
	}

	result.Stats.ProcessingTime = time.Since(start)
	p.logger.Info("post embeddings ensured",
		"requested", result.Stats.Requested,
		"already_stored", result.Stats.AlreadyStored,
		"embedded", result.Stats.Embedded,
		"failed", result.Stats.Failed,
		"clustered", result.Stats.Clustered,
		"duration", result.Stats.ProcessingTime,
	)
	return result, nil
}

func (p *Pipeline) channelTitles(ctx context.Context, posts []*repository.Post) (map[int64]string, error) {
	titles := make(map[int64]string)
	if p.channels == nil {
		return titles, nil
	}

	seen := make(map[int64]bool)
	var ids []int64
	for _, post := range posts {
		if !seen[post.ChannelID] {
			seen[post.ChannelID] = true
			ids = append(ids, post.ChannelID)
		}
	}

	channels, err := p.channels.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel titles: %w", err)
	}
	for id, c := range channels {
		titles[id] = c.Title
	}
	return titles, nil
}
