package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/knoguchi/postrank/internal/cluster"
	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/reranker"
)

// ErrNotConfigured is returned by administrative operations whose backing
// component was not wired.
var ErrNotConfigured = errors.New("component not configured")

// RecalculateClusters re-clusters all embedded posts. minPosts of zero uses
// the default minimum cluster size.
func (s *MLService) RecalculateClusters(ctx context.Context, nClusters, minPosts int) (*cluster.RecalculationResult, error) {
	if s.clusters == nil {
		return nil, fmt.Errorf("cluster index: %w", ErrNotConfigured)
	}
	if nClusters <= 0 {
		nClusters = cluster.DefaultNClusters
	}
	if minPosts <= 0 {
		minPosts = cluster.DefaultMinPostsPerCluster
	}
	return s.clusters.Recalculate(ctx, nClusters, minPosts)
}

// ClusterStats returns the current cluster distribution.
func (s *MLService) ClusterStats(ctx context.Context) (*cluster.Stats, error) {
	if s.clusters == nil {
		return nil, fmt.Errorf("cluster index: %w", ErrNotConfigured)
	}
	return s.clusters.Stats(ctx)
}

// ExperimentConfig returns the active experiment configuration.
func (s *MLService) ExperimentConfig() *experiment.Config {
	if s.experiments == nil {
		return experiment.DefaultConfig()
	}
	return s.experiments.Current()
}

// UpdateExperiment applies a partial update to the experiment configuration.
// An invalid update returns an error wrapping experiment.ErrInvalidConfig.
func (s *MLService) UpdateExperiment(p experiment.Patch) (*experiment.Config, error) {
	if s.experiments == nil {
		return nil, fmt.Errorf("experiment store: %w", ErrNotConfigured)
	}
	cfg, err := s.experiments.Update(p)
	if err != nil {
		return nil, err
	}
	s.logger.Info("experiment config updated",
		"version", cfg.Version,
		"enabled", cfg.Enabled,
		"test_name", cfg.TestName,
	)
	return cfg, nil
}

// ExperimentResults aggregates post-training interactions per variant.
func (s *MLService) ExperimentResults(ctx context.Context) (*experiment.Results, error) {
	return experiment.ComputeResults(ctx, s.ExperimentConfig(), s.users, s.interactions, s.tun.TrainingInteractionCount)
}

// UserVariant is the experiment assignment of one user.
type UserVariant struct {
	TelegramID int64                `json:"user_telegram_id"`
	TestName   string               `json:"test_name"`
	Enabled    bool                 `json:"enabled"`
	Variant    string               `json:"variant"`
	Algorithm  experiment.Algorithm `json:"algorithm"`
}

// UserVariant returns the variant and algorithm assigned to a user. It
// returns repository.ErrNotFound for an unknown user.
func (s *MLService) UserVariant(ctx context.Context, telegramID int64) (*UserVariant, error) {
	if _, err := s.users.GetByTelegramID(ctx, telegramID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	cfg := s.ExperimentConfig()
	return &UserVariant{
		TelegramID: telegramID,
		TestName:   cfg.TestName,
		Enabled:    cfg.Enabled,
		Variant:    cfg.Assign(telegramID),
		Algorithm:  cfg.SelectAlgorithm(telegramID),
	}, nil
}

// LLMCosts returns the accumulated re-ranking cost.
func (s *MLService) LLMCosts() reranker.CostStats {
	if s.costs == nil {
		return reranker.CostStats{}
	}
	return s.costs.Stats()
}
