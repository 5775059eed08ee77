// Package service implements the personalization operations: training,
// prediction, recommendation and the best-posts feed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/knoguchi/postrank/internal/cluster"
	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/ingestion"
	"github.com/knoguchi/postrank/internal/metrics"
	"github.com/knoguchi/postrank/internal/preference"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/reranker"
	"github.com/knoguchi/postrank/internal/vecmath"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

const neutralScore = 0.5

// Training messages.
const (
	MsgUserNotFound     = "User not found"
	MsgTrained          = "Model trained successfully"
	MsgNoPreference     = "Could not compute preference vector"
	MsgReadyForTraining = "Ready for training"
)

// Tunables holds the retrieval constants. Weights and thresholds are used
// as given, zero included; counts that must be positive fall back to the
// defaults.
type Tunables struct {
	DislikeWeight              float64
	SearchScoreThreshold       float32
	SearchOversampleFactor     int
	ClusterCandidateFactor     int
	ClusterTopK                int
	ClusterSimilarityThreshold float64
	MinInteractionsForTraining int
	TrainingInteractionCount   int
	RerankMaxCandidates        int
}

// DefaultTunables returns the production constants.
func DefaultTunables() Tunables {
	return Tunables{
		DislikeWeight:              preference.DefaultDislikeWeight,
		SearchScoreThreshold:       0.3,
		SearchOversampleFactor:     5,
		ClusterCandidateFactor:     3,
		ClusterTopK:                cluster.DefaultTopK,
		ClusterSimilarityThreshold: cluster.DefaultSimilarityThreshold,
		MinInteractionsForTraining: 5,
		TrainingInteractionCount:   experiment.DefaultTrainingInteractionCount,
		RerankMaxCandidates:        reranker.DefaultMaxCandidates,
	}
}

func resolveTunables(t *Tunables) Tunables {
	d := DefaultTunables()
	if t == nil {
		return d
	}
	out := *t
	if out.SearchOversampleFactor <= 0 {
		out.SearchOversampleFactor = d.SearchOversampleFactor
	}
	if out.ClusterCandidateFactor <= 0 {
		out.ClusterCandidateFactor = d.ClusterCandidateFactor
	}
	if out.ClusterTopK <= 0 {
		out.ClusterTopK = d.ClusterTopK
	}
	if out.MinInteractionsForTraining <= 0 {
		out.MinInteractionsForTraining = d.MinInteractionsForTraining
	}
	if out.TrainingInteractionCount < 0 {
		out.TrainingInteractionCount = d.TrainingInteractionCount
	}
	if out.RerankMaxCandidates <= 0 {
		out.RerankMaxCandidates = d.RerankMaxCandidates
	}
	return out
}

// Config wires the MLService collaborators.
type Config struct {
	Users        repository.UserRepository
	Channels     repository.ChannelRepository
	Posts        repository.PostRepository
	Interactions repository.InteractionRepository

	Vectors     vectorstore.VectorStore
	Pipeline    *ingestion.Pipeline
	Clusters    *cluster.Index
	Experiments *experiment.Store

	// Reranker is used by the llm_reranker algorithm. Nil keeps the original order.
	Reranker reranker.Reranker
	Costs    *reranker.CostTracker

	// Tunables overrides the retrieval constants. Nil uses DefaultTunables.
	Tunables *Tunables
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Now is the clock used for recency scoring and cache timestamps.
	Now func() time.Time
}

// MLService implements the personalization operations.
type MLService struct {
	users        repository.UserRepository
	channels     repository.ChannelRepository
	posts        repository.PostRepository
	interactions repository.InteractionRepository
	vectors      vectorstore.VectorStore
	pipeline     *ingestion.Pipeline
	clusters     *cluster.Index
	experiments  *experiment.Store
	reranker     reranker.Reranker
	costs        *reranker.CostTracker
	tun          Tunables
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
}

// NewMLService creates a new MLService
func NewMLService(cfg Config) *MLService {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MLService{
		users:        cfg.Users,
		channels:     cfg.Channels,
		posts:        cfg.Posts,
		interactions: cfg.Interactions,
		vectors:      cfg.Vectors,
		pipeline:     cfg.Pipeline,
		clusters:     cfg.Clusters,
		experiments:  cfg.Experiments,
		reranker:     cfg.Reranker,
		costs:        cfg.Costs,
		tun:          resolveTunables(cfg.Tunables),
		logger:       cfg.Logger.With("component", "ml"),
		metrics:      cfg.Metrics,
		tracer:       otel.Tracer("postrank/service"),
		now:          cfg.Now,
	}
}

// TrainResult reports the outcome of a training request.
type TrainResult struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	TrainingTime float64 `json:"training_time"`
}

// Train computes and caches a user's preference vector, then scores every
// post in the user's channels. It never returns an error; failures are
// reported in the result message.
func (s *MLService) Train(ctx context.Context, telegramID int64) *TrainResult {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ml.Train", trace.WithAttributes(attribute.Int64("telegram_id", telegramID)))
	defer span.End()

	res := s.train(ctx, telegramID)
	res.TrainingTime = time.Since(start).Seconds()

	outcome := "success"
	if !res.Success {
		outcome = "rejected"
	}
	s.metrics.TrainingRuns.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.Bool("success", res.Success))
	return res
}

func (s *MLService) train(ctx context.Context, telegramID int64) *TrainResult {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("training failed", "telegram_id", telegramID, "error", err)
			return &TrainResult{Message: "Training failed: " + err.Error()}
		}
		return &TrainResult{Message: MsgUserNotFound}
	}

	interactions, err := s.interactions.ListByUser(ctx, user.ID)
	if err != nil {
		s.logger.Error("training failed", "telegram_id", telegramID, "error", err)
		return &TrainResult{Message: "Training failed: " + err.Error()}
	}
	if len(interactions) < s.tun.MinInteractionsForTraining {
		return &TrainResult{Message: fmt.Sprintf("Need at least %d interactions, got %d",
			s.tun.MinInteractionsForTraining, len(interactions))}
	}

	vector, err := s.computePreference(ctx, interactions)
	if err != nil {
		s.logger.Error("training failed", "telegram_id", telegramID, "error", err)
		return &TrainResult{Message: "Training failed: " + err.Error()}
	}
	if vector == nil {
		return &TrainResult{Message: MsgNoPreference}
	}

	if err := s.users.UpdatePreferenceVector(ctx, user.ID, vector, s.now()); err != nil {
		s.logger.Error("training failed", "telegram_id", telegramID, "error", err)
		return &TrainResult{Message: "Training failed: " + err.Error()}
	}

	scored, err := s.scoreChannelPosts(ctx, user.ID, vector)
	if err != nil {
		s.logger.Error("training failed", "telegram_id", telegramID, "error", err)
		return &TrainResult{Message: "Training failed: " + err.Error()}
	}

	if err := s.users.MarkTrained(ctx, user.ID); err != nil {
		s.logger.Error("training failed", "telegram_id", telegramID, "error", err)
		return &TrainResult{Message: "Training failed: " + err.Error()}
	}

	s.logger.Info("training completed",
		"telegram_id", telegramID,
		"interactions", len(interactions),
		"scored_posts", scored,
	)
	return &TrainResult{Success: true, Message: MsgTrained}
}

// Eligibility reports whether a user has enough interactions to train.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Message  string `json:"message"`
}

// CheckTrainingEligibility reports whether a user can be trained.
func (s *MLService) CheckTrainingEligibility(ctx context.Context, telegramID int64) (*Eligibility, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &Eligibility{Message: MsgUserNotFound}, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	n, err := s.interactions.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count interactions: %w", err)
	}
	if n < s.tun.MinInteractionsForTraining {
		return &Eligibility{Message: fmt.Sprintf("Need %d more interactions", s.tun.MinInteractionsForTraining-n)}, nil
	}
	return &Eligibility{Eligible: true, Message: MsgReadyForTraining}, nil
}

// Predict scores the given posts for a user in [0, 1]. An unknown user
// yields an empty map. Posts without an embedding, and every post when the
// user has no preference vector or anything fails, score 0.5.
func (s *MLService) Predict(ctx context.Context, telegramID int64, postIDs []int64) map[int64]float64 {
	ctx, span := s.tracer.Start(ctx, "ml.Predict", trace.WithAttributes(
		attribute.Int64("telegram_id", telegramID),
		attribute.Int("posts", len(postIDs)),
	))
	defer span.End()
	s.metrics.PredictionRequests.Inc()

	scores, err := s.predict(ctx, telegramID, postIDs)
	if err != nil {
		s.logger.Error("prediction failed", "telegram_id", telegramID, "error", err)
		return neutral(postIDs)
	}
	return scores
}

func (s *MLService) predict(ctx context.Context, telegramID int64, postIDs []int64) (map[int64]float64, error) {
	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return map[int64]float64{}, nil
		}
		return nil, err
	}

	vector, err := s.resolvePreference(ctx, user)
	if err != nil {
		return nil, err
	}
	if vector == nil {
		return neutral(postIDs), nil
	}

	posts, err := s.posts.GetByIDs(ctx, postIDs)
	if err != nil {
		return nil, err
	}
	embedded, err := s.pipeline.EnsureEmbeddings(ctx, posts)
	if err != nil {
		return nil, err
	}

	scores := make(map[int64]float64, len(postIDs))
	updates := make(map[int64]float64)
	for _, id := range postIDs {
		emb, ok := embedded.Vectors[id]
		if !ok {
			scores[id] = neutralScore
			continue
		}
		score := vecmath.Round4(vecmath.NormalizeScore(vecmath.Cosine(vector, emb)))
		scores[id] = score
		updates[id] = score
	}

	if err := s.posts.UpdateRelevanceScores(ctx, updates); err != nil {
		return nil, err
	}
	return scores, nil
}

// resolvePreference returns the cached preference vector or computes and
// caches it. It returns nil when the user has no usable likes.
func (s *MLService) resolvePreference(ctx context.Context, user *repository.User) ([]float32, error) {
	if len(user.PreferenceVector) > 0 {
		return user.PreferenceVector, nil
	}

	interactions, err := s.interactions.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	vector, err := s.computePreference(ctx, interactions)
	if err != nil || vector == nil {
		return nil, err
	}

	// Concurrent requests may both compute; the result is identical so the last write wins.
	if err := s.users.UpdatePreferenceVector(ctx, user.ID, vector, s.now()); err != nil {
		s.logger.Warn("failed to cache preference vector", "user_id", user.ID, "error", err)
	}
	return vector, nil
}

// computePreference ensures the interacted posts are embedded and derives
// the preference vector from likes and dislikes.
func (s *MLService) computePreference(ctx context.Context, interactions []*repository.Interaction) ([]float32, error) {
	liked, disliked := splitFeedback(interactions)
	if len(liked) == 0 {
		return nil, nil
	}

	posts, err := s.posts.GetByIDs(ctx, append(append([]int64(nil), liked...), disliked...))
	if err != nil {
		return nil, fmt.Errorf("failed to get interacted posts: %w", err)
	}
	embedded, err := s.pipeline.EnsureEmbeddings(ctx, posts)
	if err != nil {
		return nil, err
	}

	return preference.Compute(
		collect(embedded.Vectors, liked),
		collect(embedded.Vectors, disliked),
		s.tun.DislikeWeight,
	), nil
}

// scoreChannelPosts persists the relevance of every post in the user's
// channels and returns how many were scored.
func (s *MLService) scoreChannelPosts(ctx context.Context, userID int64, vector []float32) (int, error) {
	channelIDs, err := s.channels.ListUserChannelIDs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list user channels: %w", err)
	}

	total := 0
	for _, channelID := range channelIDs {
		posts, err := s.posts.ListByChannel(ctx, channelID)
		if err != nil {
			return total, fmt.Errorf("failed to list channel posts: %w", err)
		}
		embedded, err := s.pipeline.EnsureEmbeddings(ctx, posts)
		if err != nil {
			return total, err
		}

		scores := make(map[int64]float64, len(posts))
		for _, p := range posts {
			if emb, ok := embedded.Vectors[p.ID]; ok {
				scores[p.ID] = vecmath.Round4(vecmath.NormalizeScore(vecmath.Cosine(vector, emb)))
			}
		}
		if err := s.posts.UpdateRelevanceScores(ctx, scores); err != nil {
			return total, fmt.Errorf("failed to save relevance scores: %w", err)
		}
		total += len(scores)
	}
	return total, nil
}

// splitFeedback returns liked and disliked post ids in interaction order.
func splitFeedback(interactions []*repository.Interaction) (liked, disliked []int64) {
	for _, in := range interactions {
		switch in.Type {
		case repository.InteractionLike:
			liked = append(liked, in.PostID)
		case repository.InteractionDislike:
			disliked = append(disliked, in.PostID)
		}
	}
	return liked, disliked
}

func collect(vectors map[int64][]float32, ids []int64) [][]float32 {
	out := make([][]float32, 0, len(ids))
	for _, id := range ids {
		if v, ok := vectors[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

func neutral(postIDs []int64) map[int64]float64 {
	out := make(map[int64]float64, len(postIDs))
	for _, id := range postIDs {
		out[id] = neutralScore
	}
	return out
}
