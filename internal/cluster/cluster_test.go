package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/repository/memory"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

// twoBlobs returns n points near (1,0) followed by n points near (0,1).
func twoBlobs(n int) [][]float32 {
	var out [][]float32
	for i := 0; i < n; i++ {
		d := float32(i) * 0.01
		out = append(out, []float32{1 - d, d})
	}
	for i := 0; i < n; i++ {
		d := float32(i) * 0.01
		out = append(out, []float32{d, 1 - d})
	}
	return out
}

func TestKMeansSeparatesBlobs(t *testing.T) {
	vectors := twoBlobs(10)

	res, err := KMeans(t.Context(), vectors, DefaultKMeansConfig(2))
	require.NoError(t, err)
	require.Len(t, res.Labels, 20)
	require.Len(t, res.Centroids, 2)

	for i := 1; i < 10; i++ {
		assert.Equal(t, res.Labels[0], res.Labels[i])
		assert.Equal(t, res.Labels[10], res.Labels[10+i])
	}
	assert.NotEqual(t, res.Labels[0], res.Labels[10])
}

func TestKMeansDeterministic(t *testing.T) {
	vectors := twoBlobs(8)
	cfg := DefaultKMeansConfig(3)

	a, err := KMeans(t.Context(), vectors, cfg)
	require.NoError(t, err)
	b, err := KMeans(t.Context(), vectors, cfg)
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Inertia, b.Inertia)
}

func TestKMeansKEqualsN(t *testing.T) {
	vectors := [][]float32{{0, 0}, {1, 1}, {5, 5}}

	res, err := KMeans(t.Context(), vectors, DefaultKMeansConfig(3))
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, l := range res.Labels {
		seen[l] = true
	}
	assert.Len(t, seen, 3)
	assert.InDelta(t, 0, res.Inertia, 1e-9)
}

func TestKMeansInvalidInput(t *testing.T) {
	_, err := KMeans(t.Context(), nil, DefaultKMeansConfig(1))
	assert.Error(t, err)

	_, err = KMeans(t.Context(), [][]float32{{1}}, DefaultKMeansConfig(2))
	assert.Error(t, err)

	_, err = KMeans(t.Context(), [][]float32{{1, 2}, {1}}, DefaultKMeansConfig(1))
	assert.Error(t, err)
}

func TestKMeansCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := KMeans(ctx, twoBlobs(5), DefaultKMeansConfig(2))
	assert.ErrorIs(t, err, context.Canceled)
}

type fixture struct {
	store   *memory.Store
	vectors *vectorstore.MemoryStore
	index   *Index
	posts   []*repository.Post
}

func newFixture(t *testing.T, vectors [][]float32, extraWithoutEmbedding int) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), vectors: vectorstore.NewMemoryStore()}
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var points []vectorstore.Point
	for i, v := range vectors {
		p := f.store.AddPost(repository.Post{ChannelID: 1, Text: "post", PostedAt: base.Add(time.Duration(i) * time.Minute)})
		f.posts = append(f.posts, p)
		points = append(points, vectorstore.Point{ID: p.ID, Vector: v, Payload: vectorstore.NewPayload(1, "post")})
	}
	for i := 0; i < extraWithoutEmbedding; i++ {
		f.posts = append(f.posts, f.store.AddPost(repository.Post{ChannelID: 1, PostedAt: base}))
	}
	if len(points) > 0 {
		require.True(t, f.vectors.UpsertBatch(t.Context(), points))
	}

	f.index = NewIndex(Config{
		Posts:    f.store.Posts(),
		Vectors:  f.vectors,
		CacheTTL: time.Minute,
	})
	return f
}

func TestRecalculateInsufficientPosts(t *testing.T) {
	f := newFixture(t, twoBlobs(2), 0)

	res, err := f.index.Recalculate(t.Context(), 50, 10)
	require.NoError(t, err)

	assert.Equal(t, StatusInsufficientPosts, res.Status)
	assert.Equal(t, 4, res.TotalPosts)
	assert.Equal(t, 0, res.ClustersCreated)

	stats, err := f.index.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ClusteredPosts)
}

func TestRecalculateInsufficientEmbeddings(t *testing.T) {
	f := newFixture(t, twoBlobs(2), 8)

	res, err := f.index.Recalculate(t.Context(), 5, 10)
	require.NoError(t, err)

	assert.Equal(t, StatusInsufficientEmbeddings, res.Status)
	assert.Equal(t, 12, res.TotalPosts)
}

func TestRecalculateSuccess(t *testing.T) {
	f := newFixture(t, twoBlobs(6), 2)

	res, err := f.index.Recalculate(t.Context(), 2, 10)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 14, res.TotalPosts)
	assert.Equal(t, 2, res.ClustersCreated)
	assert.Equal(t, 12, res.PostsClustered)

	stats, err := f.index.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 14, stats.TotalPosts)
	assert.Equal(t, 12, stats.ClusteredPosts)
	assert.Equal(t, 2, stats.UnclusteredPosts)
	assert.Equal(t, 2, stats.NumClusters)

	total := 0
	for _, c := range stats.ClusterDistribution {
		total += c.PostCount
	}
	assert.Equal(t, 12, total)
}

func TestRecalculateCapsClustersAtPosts(t *testing.T) {
	f := newFixture(t, twoBlobs(5), 0)

	res, err := f.index.Recalculate(t.Context(), 50, 10)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.LessOrEqual(t, res.ClustersCreated, 10)
	assert.Equal(t, 10, res.PostsClustered)
}

func TestRecalculateRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, twoBlobs(6), 0)
	f.index.running.Store(true)

	_, err := f.index.Recalculate(t.Context(), 2, 10)
	assert.ErrorIs(t, err, ErrRecalculationRunning)

	f.index.running.Store(false)
	res, err := f.index.Recalculate(t.Context(), 2, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestRecalculateConcurrentCallsDoNotOverlap(t *testing.T) {
	f := newFixture(t, twoBlobs(20), 0)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.index.Recalculate(t.Context(), 4, 10)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrRecalculationRunning)
		}
	}
	assert.False(t, f.index.running.Load())
}

func TestCentroidsAndSimilarClusters(t *testing.T) {
	f := newFixture(t, twoBlobs(6), 0)
	_, err := f.index.Recalculate(t.Context(), 2, 10)
	require.NoError(t, err)

	centroids, err := f.index.Centroids(t.Context())
	require.NoError(t, err)
	require.Len(t, centroids, 2)

	similar := FindSimilarClusters([]float32{1, 0}, centroids, 5, 0.5)
	require.Len(t, similar, 1)

	posts, err := f.index.CandidatePosts(t.Context(), []int{similar[0].ClusterID}, 100)
	require.NoError(t, err)
	require.Len(t, posts, 6)
	// Newest first; the first blob holds the oldest posts 0..5.
	assert.Equal(t, f.posts[5].ID, posts[0].ID)

	id, ok := AssignCluster([]float32{0, 1}, centroids, 0.7)
	assert.True(t, ok)
	assert.NotEqual(t, similar[0].ClusterID, id)
}

func TestCentroidsCacheInvalidatedByRecalculation(t *testing.T) {
	f := newFixture(t, twoBlobs(6), 0)
	_, err := f.index.Recalculate(t.Context(), 1, 10)
	require.NoError(t, err)

	first, err := f.index.Centroids(t.Context())
	require.NoError(t, err)
	assert.Len(t, first, 1)

	_, err = f.index.Recalculate(t.Context(), 2, 10)
	require.NoError(t, err)

	second, err := f.index.Centroids(t.Context())
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestCentroidsEmptyWithoutClusters(t *testing.T) {
	f := newFixture(t, twoBlobs(2), 0)

	centroids, err := f.index.Centroids(t.Context())
	require.NoError(t, err)
	assert.Empty(t, centroids)

	posts, err := f.index.CandidatePosts(t.Context(), nil, 10)
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestFindSimilarClustersOrdering(t *testing.T) {
	centroids := map[int][]float32{
		0: {1, 0},
		1: {0.9, 0.1},
		2: {0, 1},
		3: {1, 0},
	}

	got := FindSimilarClusters([]float32{1, 0}, centroids, 2, 0.5)

	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].ClusterID)
	assert.Equal(t, 3, got[1].ClusterID)

	assert.Empty(t, FindSimilarClusters([]float32{-1, 0}, centroids, 5, 0.5))
}

func TestAssignPosts(t *testing.T) {
	f := newFixture(t, twoBlobs(6), 0)

	n, err := f.index.AssignPosts(t.Context(), map[int64][]float32{999: {1, 0}})
	require.NoError(t, err)
	assert.Zero(t, n, "nothing to join before the first recalculation")

	_, err = f.index.Recalculate(t.Context(), 2, 10)
	require.NoError(t, err)

	near := f.store.AddPost(repository.Post{ChannelID: 1, Text: "near"})
	far := f.store.AddPost(repository.Post{ChannelID: 1, Text: "far"})
	n, err = f.index.AssignPosts(t.Context(), map[int64][]float32{
		near.ID: {1, 0},
		far.ID:  {-1, 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	posts, err := f.store.Posts().GetByIDs(t.Context(), []int64{f.posts[0].ID, near.ID, far.ID})
	require.NoError(t, err)
	require.NotNil(t, posts[1].ClusterID)
	assert.Equal(t, *posts[0].ClusterID, *posts[1].ClusterID)
	assert.Nil(t, posts[2].ClusterID)
}

func TestAssignPostsThreshold(t *testing.T) {
	f := newFixture(t, twoBlobs(6), 0)
	strict := 0.999
	f.index = NewIndex(Config{Posts: f.store.Posts(), Vectors: f.vectors, AssignThreshold: &strict})
	_, err := f.index.Recalculate(t.Context(), 2, 10)
	require.NoError(t, err)

	between := f.store.AddPost(repository.Post{ChannelID: 1, Text: "between"})
	n, err := f.index.AssignPosts(t.Context(), map[int64][]float32{between.ID: {0.7, 0.7}})
	require.NoError(t, err)
	assert.Zero(t, n)
}
