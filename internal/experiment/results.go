package experiment

import (
	"context"
	"fmt"
	"math"

	"github.com/knoguchi/postrank/internal/repository"
)

// DefaultTrainingInteractionCount is the number of onboarding interactions
// assumed for every trained user. Interactions past this offset count as
// post-training. It is an assumption, not a tracked per-user boundary.
const DefaultTrainingInteractionCount = 7

// NoTrainedUsersNote marks a variant that has nothing to compare yet.
const NoTrainedUsersNote = "no trained users to compare"

// VariantResult holds the metrics of one variant.
type VariantResult struct {
	Algorithm                Algorithm `json:"algorithm"`
	Users                    int       `json:"users"`
	Trained                  int       `json:"trained"`
	TrainingRate             float64   `json:"training_rate"`
	PostTrainingInteractions int       `json:"post_training_interactions"`
	PostTrainingLikes        int       `json:"post_training_likes"`
	LikeRate                 float64   `json:"like_rate"`
	Note                     string    `json:"note,omitempty"`
}

// Results is the A/B test report.
type Results struct {
	TestName                 string                    `json:"test_name"`
	Enabled                  bool                      `json:"enabled"`
	Description              string                    `json:"description"`
	TrainingInteractionCount int                       `json:"training_interaction_count"`
	Variants                 map[string]*VariantResult `json:"variants"`
}

// ComputeResults assigns every user to a variant of cfg and aggregates the
// post-training interactions of trained users.
func ComputeResults(
	ctx context.Context,
	cfg *Config,
	users repository.UserRepository,
	interactions repository.InteractionRepository,
	trainingCount int,
) (*Results, error) {
	if trainingCount < 0 {
		trainingCount = DefaultTrainingInteractionCount
	}

	all, err := users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	res := &Results{
		TestName:                 cfg.TestName,
		Enabled:                  cfg.Enabled,
		Description:              fmt.Sprintf("post-training interactions only (first %d interactions of each trained user are skipped)", trainingCount),
		TrainingInteractionCount: trainingCount,
		Variants:                 make(map[string]*VariantResult, len(cfg.Variants)),
	}
	for _, v := range cfg.Variants {
		res.Variants[v.Name] = &VariantResult{Algorithm: v.Algorithm}
	}

	for _, u := range all {
		vr, ok := res.Variants[cfg.Assign(u.TelegramID)]
		if !ok {
			continue
		}
		vr.Users++
		if !u.IsTrained {
			continue
		}
		vr.Trained++

		list, err := interactions.ListByUser(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list interactions for user %d: %w", u.ID, err)
		}
		if len(list) <= trainingCount {
			continue
		}
		for _, in := range list[trainingCount:] {
			vr.PostTrainingInteractions++
			if in.Type == repository.InteractionLike {
				vr.PostTrainingLikes++
			}
		}
	}

	for _, vr := range res.Variants {
		if vr.Trained == 0 {
			vr.Note = NoTrainedUsersNote
			continue
		}
		vr.TrainingRate = percent(vr.Trained, vr.Users)
		vr.LikeRate = percent(vr.PostTrainingLikes, vr.PostTrainingInteractions)
	}
	return res, nil
}

// percent returns part/whole as a percentage rounded to one decimal.
func percent(part, whole int) float64 {
	return math.Round(float64(part)/float64(max(whole, 1))*1000) / 10
}
