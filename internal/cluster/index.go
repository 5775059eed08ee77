// Package cluster groups post embeddings with k-means and serves the
// resulting topical clusters to the recommendation path.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/knoguchi/postrank/internal/metrics"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/vecmath"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

// Recalculation statuses.
const (
	StatusSuccess                 = "success"
	StatusInsufficientPosts       = "insufficient_posts"
	StatusInsufficientEmbeddings  = "insufficient_embeddings"
	StatusError                   = "error"
	DefaultNClusters              = 50
	DefaultMinPostsPerCluster     = 10
	DefaultTopK                   = 5
	DefaultSimilarityThreshold    = 0.5
	DefaultAssignThreshold        = 0.7
	defaultEmbeddingFetchBatchLen = 1000
)

// ErrRecalculationRunning is returned when a recalculation is already in progress.
var ErrRecalculationRunning = errors.New("cluster recalculation already running")

// RecalculationResult reports the outcome of a recalculation.
type RecalculationResult struct {
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	TotalPosts      int    `json:"total_posts"`
	ClustersCreated int    `json:"clusters_created"`
	PostsClustered  int    `json:"posts_clustered"`
	Error           string `json:"error,omitempty"`
}

// Stats summarizes the current cluster assignment.
type Stats struct {
	TotalPosts          int                       `json:"total_posts"`
	ClusteredPosts      int                       `json:"clustered_posts"`
	UnclusteredPosts    int                       `json:"unclustered_posts"`
	NumClusters         int                       `json:"num_clusters"`
	ClusterDistribution []repository.ClusterCount `json:"cluster_distribution"`
}

// Similarity is a cluster scored against a query vector.
type Similarity struct {
	ClusterID int
	Score     float64
}

// Config holds configuration for the cluster index.
type Config struct {
	Posts   repository.PostRepository
	Vectors vectorstore.VectorStore

	// Seed drives k-means++ initialisation. Zero keeps the default seed 42,
	// so a literal zero seed cannot be selected.
	Seed     int64
	Restarts int
	MaxIter  int

	// AssignThreshold is the centroid similarity a new post needs to join a
	// cluster between recalculations. Nil uses DefaultAssignThreshold.
	AssignThreshold *float64

	// CacheTTL bounds how long computed centroids are reused. Zero disables caching.
	CacheTTL time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Index computes and serves post clusters.
type Index struct {
	posts    repository.PostRepository
	vectors  vectorstore.VectorStore
	kmeans   KMeansConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	centroid *expirable.LRU[uint64, map[int][]float32]
	assignAt float64

	running    atomic.Bool
	generation atomic.Uint64
}

// NewIndex creates a new cluster index.
func NewIndex(cfg Config) *Index {
	km := DefaultKMeansConfig(DefaultNClusters)
	if cfg.Seed != 0 {
		km.Seed = cfg.Seed
	}
	if cfg.Restarts > 0 {
		km.Restarts = cfg.Restarts
	}
	if cfg.MaxIter > 0 {
		km.MaxIter = cfg.MaxIter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}

	idx := &Index{
		posts:    cfg.Posts,
		vectors:  cfg.Vectors,
		kmeans:   km,
		logger:   cfg.Logger.With("component", "cluster"),
		metrics:  cfg.Metrics,
		assignAt: DefaultAssignThreshold,
	}
	if cfg.AssignThreshold != nil {
		idx.assignAt = *cfg.AssignThreshold
	}
	if cfg.CacheTTL > 0 {
		idx.centroid = expirable.NewLRU[uint64, map[int][]float32](4, nil, cfg.CacheTTL)
	}
	return idx
}

// Recalculate re-clusters every post with an embedding into at most
// nClusters clusters and persists the assignments. Posts without an
// embedding keep their previous assignment.
//
// Only one recalculation runs at a time; a concurrent call returns
// ErrRecalculationRunning.
func (i *Index) Recalculate(ctx context.Context, nClusters, minPosts int) (*RecalculationResult, error) {
	if !i.running.CompareAndSwap(false, true) {
		return nil, ErrRecalculationRunning
	}
	defer i.running.Store(false)

	if nClusters <= 0 {
		nClusters = DefaultNClusters
	}
	if minPosts <= 0 {
		minPosts = DefaultMinPostsPerCluster
	}

	ctx, span := otel.Tracer("postrank/cluster").Start(ctx, "cluster.Recalculate")
	defer span.End()

	start := time.Now()
	res := &RecalculationResult{RunID: uuid.NewString()}
	logger := i.logger.With("run_id", res.RunID, "n_clusters", nClusters)

	i.recalculate(ctx, res, nClusters, minPosts)

	elapsed := time.Since(start)
	i.metrics.ClusterRecalculations.WithLabelValues(res.Status).Inc()
	i.metrics.ClusterRecalculationDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.String("status", res.Status),
		attribute.Int("total_posts", res.TotalPosts),
		attribute.Int("clusters_created", res.ClustersCreated),
	)

	switch res.Status {
	case StatusSuccess:
		logger.Info("clusters recalculated",
			"total_posts", res.TotalPosts,
			"clusters_created", res.ClustersCreated,
			"posts_clustered", res.PostsClustered,
			"duration", elapsed)
	case StatusError:
		span.SetStatus(codes.Error, res.Error)
		logger.Error("cluster recalculation failed", "error", res.Error)
	default:
		logger.Warn("cluster recalculation skipped", "status", res.Status, "total_posts", res.TotalPosts)
	}
	return res, nil
}

func (i *Index) recalculate(ctx context.Context, res *RecalculationResult, nClusters, minPosts int) {
	posts, err := i.posts.ListAll(ctx)
	if err != nil {
		res.Status, res.Error = StatusError, fmt.Sprintf("failed to list posts: %v", err)
		return
	}
	res.TotalPosts = len(posts)
	if len(posts) < minPosts {
		res.Status = StatusInsufficientPosts
		return
	}

	ids := make([]int64, len(posts))
	for j, p := range posts {
		ids[j] = p.ID
	}
	embeddings := i.fetchEmbeddings(ctx, ids)

	validIDs := make([]int64, 0, len(embeddings))
	vectors := make([][]float32, 0, len(embeddings))
	for _, id := range ids {
		if v, ok := embeddings[id]; ok && len(v) > 0 {
			validIDs = append(validIDs, id)
			vectors = append(vectors, v)
		}
	}
	if len(vectors) < minPosts {
		res.Status = StatusInsufficientEmbeddings
		return
	}

	k := min(nClusters, len(vectors))
	cfg := i.kmeans
	cfg.K = k
	km, err := KMeans(ctx, vectors, cfg)
	if err != nil {
		res.Status, res.Error = StatusError, fmt.Sprintf("failed to cluster posts: %v", err)
		return
	}

	labels := make(map[int64]int, len(validIDs))
	distinct := make(map[int]struct{}, k)
	for j, id := range validIDs {
		labels[id] = km.Labels[j]
		distinct[km.Labels[j]] = struct{}{}
	}
	if err := i.posts.UpdateClusterAssignments(ctx, labels); err != nil {
		res.Status, res.Error = StatusError, fmt.Sprintf("failed to save cluster assignments: %v", err)
		return
	}

	i.generation.Add(1)
	if i.centroid != nil {
		i.centroid.Purge()
	}

	res.Status = StatusSuccess
	res.ClustersCreated = len(distinct)
	res.PostsClustered = len(validIDs)
}

func (i *Index) fetchEmbeddings(ctx context.Context, ids []int64) map[int64][]float32 {
	out := make(map[int64][]float32, len(ids))
	for start := 0; start < len(ids); start += defaultEmbeddingFetchBatchLen {
		end := min(start+defaultEmbeddingFetchBatchLen, len(ids))
		for id, v := range i.vectors.GetBatch(ctx, ids[start:end]) {
			out[id] = v
		}
	}
	return out
}

// Centroids returns the mean embedding of each cluster over all clustered
// posts with a stored embedding.
func (i *Index) Centroids(ctx context.Context) (map[int][]float32, error) {
	gen := i.generation.Load()
	if i.centroid != nil {
		if c, ok := i.centroid.Get(gen); ok {
			return c, nil
		}
	}

	posts, err := i.posts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	members := make(map[int][]int64)
	var ids []int64
	for _, p := range posts {
		if p.ClusterID == nil {
			continue
		}
		members[*p.ClusterID] = append(members[*p.ClusterID], p.ID)
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return map[int][]float32{}, nil
	}

	embeddings := i.fetchEmbeddings(ctx, ids)
	centroids := make(map[int][]float32, len(members))
	for clusterID, postIDs := range members {
		var vecs [][]float32
		for _, id := range postIDs {
			if v, ok := embeddings[id]; ok && len(v) > 0 {
				vecs = append(vecs, v)
			}
		}
		if len(vecs) > 0 {
			centroids[clusterID] = vecmath.Mean(vecs)
		}
	}

	if i.centroid != nil {
		i.centroid.Add(gen, centroids)
	}
	return centroids, nil
}

// FindSimilarClusters scores each centroid against query by cosine similarity
// and returns up to topK clusters scoring at least threshold, best first.
func FindSimilarClusters(query []float32, centroids map[int][]float32, topK int, threshold float64) []Similarity {
	out := make([]Similarity, 0, len(centroids))
	for id, c := range centroids {
		if s := vecmath.Cosine(query, c); s >= threshold {
			out = append(out, Similarity{ClusterID: id, Score: s})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].ClusterID < out[b].ClusterID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// AssignCluster returns the cluster whose centroid is most similar to vector
// when that similarity reaches threshold.
func AssignCluster(vector []float32, centroids map[int][]float32, threshold float64) (int, bool) {
	best := FindSimilarClusters(vector, centroids, 1, threshold)
	if len(best) == 0 {
		return 0, false
	}
	return best[0].ClusterID, true
}

// AssignPosts places newly embedded posts into the closest existing cluster
// when its centroid similarity reaches the assign threshold. Posts below it
// stay unclustered until the next recalculation. Nothing is assigned while a
// recalculation is running. It returns the number of posts assigned.
func (i *Index) AssignPosts(ctx context.Context, vectors map[int64][]float32) (int, error) {
	if len(vectors) == 0 || i.running.Load() {
		return 0, nil
	}
	centroids, err := i.Centroids(ctx)
	if err != nil {
		return 0, err
	}
	if len(centroids) == 0 {
		return 0, nil
	}

	labels := make(map[int64]int, len(vectors))
	for id, v := range vectors {
		if c, ok := AssignCluster(v, centroids, i.assignAt); ok {
			labels[id] = c
		}
	}
	if len(labels) == 0 {
		return 0, nil
	}
	if err := i.posts.UpdateClusterAssignments(ctx, labels); err != nil {
		return 0, fmt.Errorf("failed to save cluster assignments: %w", err)
	}
	i.logger.Debug("assigned new posts to clusters", "assigned", len(labels), "candidates", len(vectors))
	return len(labels), nil
}

// CandidatePosts returns posts in the given clusters, newest first.
func (i *Index) CandidatePosts(ctx context.Context, clusterIDs []int, limit int) ([]*repository.Post, error) {
	if len(clusterIDs) == 0 {
		return nil, nil
	}
	posts, err := i.posts.ListByClusters(ctx, clusterIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster posts: %w", err)
	}
	return posts, nil
}

// Stats returns the current cluster distribution.
func (i *Index) Stats(ctx context.Context) (*Stats, error) {
	cs, err := i.posts.ClusterStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster stats: %w", err)
	}
	dist := cs.Distribution
	if dist == nil {
		dist = []repository.ClusterCount{}
	}
	return &Stats{
		TotalPosts:          cs.TotalPosts,
		ClusteredPosts:      cs.ClusteredPosts,
		UnclusteredPosts:    cs.TotalPosts - cs.ClusteredPosts,
		NumClusters:         len(dist),
		ClusterDistribution: dist,
	}, nil
}
