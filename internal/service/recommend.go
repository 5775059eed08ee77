package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoguchi/postrank/internal/cluster"
	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/vecmath"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

// Recommendation is a post recommended to a user.
type Recommendation struct {
	PostID int64 `json:"post_id"`

	// Score is the cosine similarity to the preference vector mapped to [0, 1].
	Score float64 `json:"score"`

	// Similarity is the raw cosine similarity in [-1, 1].
	Similarity float64             `json:"similarity"`
	Payload    vectorstore.Payload `json:"payload"`
}

// RecommendRequest holds the parameters of a recommendation request.
type RecommendRequest struct {
	TelegramID        int64
	Limit             int
	ExcludeInteracted bool
}

// Recommend returns up to Limit posts most similar to the user's preference
// vector. It never fails: an unknown user, a user without likes or any
// upstream failure yields an empty list.
func (s *MLService) Recommend(ctx context.Context, req RecommendRequest) []Recommendation {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ml.Recommend", trace.WithAttributes(
		attribute.Int64("telegram_id", req.TelegramID),
		attribute.Int("limit", req.Limit),
	))
	defer span.End()

	algo := s.selectAlgorithm(req.TelegramID)
	span.SetAttributes(attribute.String("algorithm", string(algo)))
	s.metrics.RecommendationRequests.WithLabelValues(string(algo)).Inc()

	recs, err := s.recommend(ctx, req, algo)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("recommendation failed", "telegram_id", req.TelegramID, "error", err)
		recs = []Recommendation{}
	}

	s.metrics.RecommendationDuration.Observe(time.Since(start).Seconds())
	s.metrics.RecommendationResults.Observe(float64(len(recs)))
	span.SetAttributes(attribute.Int("results", len(recs)))
	return recs
}

func (s *MLService) recommend(ctx context.Context, req RecommendRequest, algo experiment.Algorithm) ([]Recommendation, error) {
	if req.Limit <= 0 {
		return []Recommendation{}, nil
	}

	user, err := s.users.GetByTelegramID(ctx, req.TelegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return []Recommendation{}, nil
		}
		return nil, err
	}

	vector, err := s.resolvePreference(ctx, user)
	if err != nil {
		return nil, err
	}
	if vector == nil {
		return []Recommendation{}, nil
	}

	excluded := make(map[int64]bool)
	if req.ExcludeInteracted {
		interactions, err := s.interactions.ListByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		for _, in := range interactions {
			excluded[in.PostID] = true
		}
	}

	want := s.candidateWindow(algo, req.Limit)
	allowed := s.clusterCandidates(ctx, vector, want, excluded)

	searchLimit := want + len(excluded)
	if len(allowed) > 0 {
		searchLimit = min(want*s.tun.SearchOversampleFactor, len(allowed))
	}
	results := s.vectors.Search(ctx, vector, searchLimit, s.tun.SearchScoreThreshold, nil)

	selected := make([]vectorstore.SearchResult, 0, want)
	for _, r := range results {
		if len(selected) >= want {
			break
		}
		if excluded[r.ID] {
			continue
		}
		if len(allowed) > 0 && !allowed[r.ID] {
			continue
		}
		selected = append(selected, r)
	}

	return s.rankResults(ctx, algo, user, selected, req.Limit), nil
}

// clusterCandidates returns the non-excluded posts of the clusters closest
// to vector, or nil when no cluster qualifies.
func (s *MLService) clusterCandidates(ctx context.Context, vector []float32, want int, excluded map[int64]bool) map[int64]bool {
	if s.clusters == nil {
		return nil
	}

	centroids, err := s.clusters.Centroids(ctx)
	if err != nil {
		s.logger.Warn("failed to load cluster centroids, searching all posts", "error", err)
		return nil
	}
	similar := cluster.FindSimilarClusters(vector, centroids, s.tun.ClusterTopK, s.tun.ClusterSimilarityThreshold)
	if len(similar) == 0 {
		return nil
	}

	ids := make([]int, len(similar))
	for i, c := range similar {
		ids[i] = c.ClusterID
	}
	posts, err := s.clusters.CandidatePosts(ctx, ids, (want+len(excluded))*s.tun.ClusterCandidateFactor)
	if err != nil {
		s.logger.Warn("failed to load cluster posts, searching all posts", "error", err)
		return nil
	}

	allowed := make(map[int64]bool, len(posts))
	for _, p := range posts {
		if !excluded[p.ID] {
			allowed[p.ID] = true
		}
	}
	return allowed
}

// rankResults applies the algorithm to the selected search results.
func (s *MLService) rankResults(
	ctx context.Context,
	algo experiment.Algorithm,
	user *repository.User,
	results []vectorstore.SearchResult,
	limit int,
) []Recommendation {
	byID := make(map[int64]vectorstore.SearchResult, len(results))
	ids := make([]int64, len(results))
	for i, r := range results {
		byID[r.ID] = r
		ids[i] = r.ID
	}

	posts := make(map[int64]*repository.Post, len(results))
	if algo != experiment.Baseline {
		loaded, err := s.posts.GetByIDs(ctx, ids)
		if err != nil {
			s.logger.Warn("failed to load recommended posts", "error", err)
		}
		for _, p := range loaded {
			posts[p.ID] = p
		}
	}

	cands := make([]candidate, len(results))
	for i, r := range results {
		post, ok := posts[r.ID]
		if !ok {
			post = &repository.Post{ID: r.ID, ChannelID: r.Payload.ChannelID, Text: r.Payload.TextPreview}
		}
		cands[i] = candidate{post: post, score: vecmath.NormalizeScore(float64(r.Score))}
	}

	cands = s.dispatch(ctx, algo, user, cands, limit)

	out := make([]Recommendation, 0, len(cands))
	for _, c := range cands {
		r := byID[c.post.ID]
		out = append(out, Recommendation{
			PostID:     r.ID,
			Score:      vecmath.Round4(c.score),
			Similarity: float64(r.Score),
			Payload:    r.Payload,
		})
	}
	return out
}
