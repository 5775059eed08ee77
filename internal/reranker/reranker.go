// Package reranker re-orders recommendation candidates with an LLM.
//
// # Trade-offs
//
// Re-ranking is enabled per experiment variant (the llm_reranker algorithm).
//
//   - Latency: adds one chat completion per feed request
//   - Quality: uses the raw text of liked and disliked posts, not just vectors
//   - Cost: every call is tracked, see CostTracker
//
// A failed or malformed LLM call never reduces availability: the candidates
// are returned in their original order.
package reranker

import (
	"context"
)

// Candidate is a post considered for recommendation.
type Candidate struct {
	PostID int64
	Text   string
	Score  float64
}

// Preferences carries the recent liked and disliked post texts of a user,
// most recent first.
type Preferences struct {
	Liked    []string
	Disliked []string
}

// Reranker defines the interface for re-ranking candidates.
type Reranker interface {
	// Rerank returns up to topK candidates, most preferred first. It never
	// fails; on any error the first topK candidates are returned unchanged.
	Rerank(ctx context.Context, prefs Preferences, candidates []Candidate, topK int) []Candidate
}

// firstK returns the first k candidates.
func firstK(candidates []Candidate, k int) []Candidate {
	if k < 0 {
		k = 0
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return append([]Candidate(nil), candidates...)
}
