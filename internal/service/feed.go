package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/repository"
)

// Feed fetch multipliers over the requested limit.
const (
	feedFetchFactor    = 3
	feedLLMFetchFactor = 5
)

// FeedPost is a post of the best-posts feed with its channel.
type FeedPost struct {
	ID              int64     `json:"id"`
	Text            string    `json:"text"`
	PostedAt        time.Time `json:"posted_at"`
	ChannelID       int64     `json:"channel_id"`
	RelevanceScore  *float64  `json:"relevance_score"`
	CreatedAt       time.Time `json:"created_at"`
	ChannelUsername string    `json:"channel_username"`
	ChannelTitle    string    `json:"channel_title"`
}

// Feed returns the user's best posts: scored posts of subscribed channels
// the user has not interacted with, ranked by the user's assigned algorithm.
// An unknown user or a user without channels gets an empty feed.
func (s *MLService) Feed(ctx context.Context, telegramID int64, limit int) ([]FeedPost, error) {
	if limit <= 0 {
		return []FeedPost{}, nil
	}

	user, err := s.users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return []FeedPost{}, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	channelIDs, err := s.channels.ListUserChannelIDs(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user channels: %w", err)
	}
	if len(channelIDs) == 0 {
		return []FeedPost{}, nil
	}

	algo := s.selectAlgorithm(telegramID)
	factor := feedFetchFactor
	if algo == experiment.AlgorithmLLMReranker {
		factor = feedLLMFetchFactor
	}

	posts, err := s.posts.ListTopByRelevance(ctx, channelIDs, limit*factor)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	interactions, err := s.interactions.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	seen := make(map[int64]bool, len(interactions))
	for _, in := range interactions {
		seen[in.PostID] = true
	}

	window := s.candidateWindow(algo, limit)
	cands := make([]candidate, 0, window)
	for _, p := range posts {
		if seen[p.ID] {
			continue
		}
		score := 0.0
		if p.RelevanceScore != nil {
			score = *p.RelevanceScore
		}
		cands = append(cands, candidate{post: p, score: score})
		if len(cands) >= window {
			break
		}
	}
	s.metrics.RecommendationRequests.WithLabelValues(string(algo)).Inc()

	cands = s.dispatch(ctx, algo, user, cands, limit)

	channels, err := s.channels.GetByIDs(ctx, channelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels: %w", err)
	}

	out := make([]FeedPost, 0, len(cands))
	for _, c := range cands {
		fp := FeedPost{
			ID:             c.post.ID,
			Text:           c.post.Text,
			PostedAt:       c.post.PostedAt,
			ChannelID:      c.post.ChannelID,
			RelevanceScore: c.post.RelevanceScore,
			CreatedAt:      c.post.CreatedAt,
		}
		if ch, ok := channels[c.post.ChannelID]; ok {
			fp.ChannelUsername = ch.Username
			fp.ChannelTitle = ch.Title
		}
		out = append(out, fp)
	}
	return out, nil
}
