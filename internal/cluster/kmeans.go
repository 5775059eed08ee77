package cluster

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/knoguchi/postrank/internal/vecmath"
)

// KMeansConfig configures a k-means run.
type KMeansConfig struct {
	K         int
	Restarts  int     // independent k-means++ initializations; the lowest inertia wins
	MaxIter   int     // Lloyd iterations per restart
	Tolerance float64 // stop when total squared centroid shift falls below this
	Seed      int64
}

// DefaultKMeansConfig returns the settings used for post clustering.
func DefaultKMeansConfig(k int) KMeansConfig {
	return KMeansConfig{
		K:         k,
		Restarts:  10,
		MaxIter:   300,
		Tolerance: 1e-4,
		Seed:      42,
	}
}

// KMeansResult is the best clustering found.
type KMeansResult struct {
	Labels    []int
	Centroids [][]float32
	Inertia   float64
}

// KMeans partitions vectors into cfg.K clusters. Results are deterministic for
// a given seed and input order.
func KMeans(ctx context.Context, vectors [][]float32, cfg KMeansConfig) (*KMeansResult, error) {
	n := len(vectors)
	if n == 0 {
		return nil, errors.New("no vectors to cluster")
	}
	if cfg.K <= 0 || cfg.K > n {
		return nil, errors.New("k must be between 1 and the number of vectors")
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return nil, errors.New("vectors have inconsistent dimensions")
		}
	}
	if cfg.Restarts <= 0 {
		cfg.Restarts = 1
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 300
	}

	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // reproducible clustering, not security sensitive

	var best *KMeansResult
	for r := 0; r < cfg.Restarts; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := lloyd(ctx, vectors, initPlusPlus(vectors, cfg.K, rng), cfg)
		if err != nil {
			return nil, err
		}
		if best == nil || res.Inertia < best.Inertia {
			best = res
		}
	}
	return best, nil
}

// initPlusPlus picks k initial centroids with k-means++ seeding.
func initPlusPlus(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	n := len(vectors)
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(vectors[rng.Intn(n)]))

	dist := make([]float64, n)
	for i, v := range vectors {
		dist[i] = vecmath.SquaredDistance(v, centroids[0])
	}

	for len(centroids) < k {
		var total float64
		for _, d := range dist {
			total += d
		}

		next := rng.Intn(n)
		if total > 0 {
			target := rng.Float64() * total
			var acc float64
			for i, d := range dist {
				acc += d
				if acc >= target && d > 0 {
					next = i
					break
				}
			}
		}

		c := clone(vectors[next])
		centroids = append(centroids, c)
		for i, v := range vectors {
			if d := vecmath.SquaredDistance(v, c); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centroids
}

func lloyd(ctx context.Context, vectors [][]float32, centroids [][]float32, cfg KMeansConfig) (*KMeansResult, error) {
	n, k, dim := len(vectors), len(centroids), len(vectors[0])
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	for iter := 0; iter < cfg.MaxIter; iter++ {
		if iter%10 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		changed := false
		for i, v := range vectors {
			l := nearest(v, centroids)
			if l != labels[i] {
				labels[i] = l
				changed = true
			}
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			l := labels[i]
			counts[l]++
			for j, x := range v {
				sums[l][j] += float64(x)
			}
		}

		var shift float64
		for c := range centroids {
			next := make([]float32, dim)
			if counts[c] == 0 {
				// Re-seed an empty cluster with the point farthest from its centroid.
				next = clone(vectors[farthest(vectors, labels, centroids)])
				changed = true
			} else {
				for j := range next {
					next[j] = float32(sums[c][j] / float64(counts[c]))
				}
			}
			shift += vecmath.SquaredDistance(centroids[c], next)
			centroids[c] = next
		}

		if !changed || shift <= cfg.Tolerance {
			break
		}
	}

	// Final assignment against the settled centroids.
	var inertia float64
	for i, v := range vectors {
		labels[i] = nearest(v, centroids)
		inertia += vecmath.SquaredDistance(v, centroids[labels[i]])
	}

	return &KMeansResult{Labels: labels, Centroids: centroids, Inertia: inertia}, nil
}

func nearest(v []float32, centroids [][]float32) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := vecmath.SquaredDistance(v, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func farthest(vectors [][]float32, labels []int, centroids [][]float32) int {
	idx, max := 0, -1.0
	for i, v := range vectors {
		if d := vecmath.SquaredDistance(v, centroids[labels[i]]); d > max {
			idx, max = i, d
		}
	}
	return idx
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
