package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/reranker"
)

// Hybrid ranking weights and the recency decay constant.
const (
	hybridScoreWeight   = 0.7
	hybridRecencyWeight = 0.3
	recencyDecayHours   = 72.0
)

// Preference sampling for the LLM re-ranker.
const (
	rerankRecentLikes    = 10
	rerankRecentDislikes = 5
	rerankTextChars      = 500
)

// candidate is a ranked post flowing through the algorithm dispatch.
type candidate struct {
	post  *repository.Post
	score float64 // normalized to [0, 1]
}

// selectAlgorithm returns the algorithm of the user's experiment variant.
func (s *MLService) selectAlgorithm(telegramID int64) experiment.Algorithm {
	if s.experiments == nil {
		return experiment.Baseline
	}
	cfg := s.experiments.Current()
	if cfg.Enabled {
		s.metrics.VariantAssignments.WithLabelValues(cfg.Assign(telegramID)).Inc()
	}
	return cfg.SelectAlgorithm(telegramID)
}

// candidateWindow is the number of ranked candidates the algorithm needs
// before truncating to limit.
func (s *MLService) candidateWindow(algo experiment.Algorithm, limit int) int {
	if algo == experiment.AlgorithmLLMReranker {
		return max(limit, s.tun.RerankMaxCandidates)
	}
	return limit
}

// dispatch post-processes ranked candidates with the given algorithm and
// truncates the result to limit. The relative order of ties is kept.
func (s *MLService) dispatch(
	ctx context.Context,
	algo experiment.Algorithm,
	user *repository.User,
	cands []candidate,
	limit int,
) []candidate {
	switch algo {
	case experiment.AlgorithmPopularity:
		s.sortByPopularity(ctx, cands)
	case experiment.AlgorithmRecency:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].post.PostedAt.After(cands[j].post.PostedAt)
		})
	case experiment.AlgorithmHybrid:
		now := s.now()
		hybrid := make(map[int64]float64, len(cands))
		for _, c := range cands {
			hybrid[c.post.ID] = hybridScoreWeight*c.score + hybridRecencyWeight*recency(c.post.PostedAt, now)
		}
		sort.SliceStable(cands, func(i, j int) bool {
			return hybrid[cands[i].post.ID] > hybrid[cands[j].post.ID]
		})
	case experiment.AlgorithmLLMReranker:
		cands = s.rerank(ctx, user, cands, limit)
	}

	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

func (s *MLService) sortByPopularity(ctx context.Context, cands []candidate) {
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.post.ID
	}
	likes, err := s.posts.LikeCounts(ctx, ids)
	if err != nil {
		s.logger.Warn("failed to load like counts, keeping order", "error", err)
		return
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return likes[cands[i].post.ID] > likes[cands[j].post.ID]
	})
}

// recency decays exponentially with the post age in hours.
func recency(postedAt, now time.Time) float64 {
	age := now.Sub(postedAt).Hours()
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / recencyDecayHours)
}

func (s *MLService) rerank(ctx context.Context, user *repository.User, cands []candidate, limit int) []candidate {
	if s.reranker == nil || len(cands) == 0 {
		return cands
	}

	prefs, err := s.rerankPreferences(ctx, user.ID)
	if err != nil {
		s.logger.Warn("failed to load rerank preferences, keeping order", "user_id", user.ID, "error", err)
		return cands
	}

	byID := make(map[int64]candidate, len(cands))
	input := make([]reranker.Candidate, len(cands))
	for i, c := range cands {
		byID[c.post.ID] = c
		input[i] = reranker.Candidate{PostID: c.post.ID, Text: c.post.Text, Score: c.score}
	}

	ranked := s.reranker.Rerank(ctx, prefs, input, limit)
	out := make([]candidate, 0, len(ranked))
	for _, r := range ranked {
		if c, ok := byID[r.PostID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// rerankPreferences returns the texts of the user's most recent likes and
// dislikes, most recent first.
func (s *MLService) rerankPreferences(ctx context.Context, userID int64) (reranker.Preferences, error) {
	var prefs reranker.Preferences

	interactions, err := s.interactions.ListByUser(ctx, userID)
	if err != nil {
		return prefs, err
	}

	var liked, disliked []int64
	for i := len(interactions) - 1; i >= 0; i-- {
		in := interactions[i]
		switch {
		case in.Type == repository.InteractionLike && len(liked) < rerankRecentLikes:
			liked = append(liked, in.PostID)
		case in.Type == repository.InteractionDislike && len(disliked) < rerankRecentDislikes:
			disliked = append(disliked, in.PostID)
		}
	}

	posts, err := s.posts.GetByIDs(ctx, append(append([]int64(nil), liked...), disliked...))
	if err != nil {
		return prefs, err
	}
	texts := make(map[int64]string, len(posts))
	for _, p := range posts {
		texts[p.ID] = clipText(p.Text, rerankTextChars)
	}

	for _, id := range liked {
		if t, ok := texts[id]; ok {
			prefs.Liked = append(prefs.Liked, t)
		}
	}
	for _, id := range disliked {
		if t, ok := texts[id]; ok {
			prefs.Disliked = append(prefs.Disliked, t)
		}
	}
	return prefs, nil
}

func clipText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
