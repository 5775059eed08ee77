// Package preference computes a user's preference vector from the embeddings
// of posts they liked and disliked.
package preference

import "github.com/knoguchi/postrank/internal/vecmath"

// DefaultDislikeWeight scales the disliked mean before it is subtracted.
const DefaultDislikeWeight = 0.3

// Compute returns the unit-normalized preference vector for the given liked
// and disliked post vectors, or nil when there are no likes.
//
// The liked mean is pushed away from the disliked mean by dislikeWeight.
// A zero-magnitude result is returned as is.
func Compute(liked, disliked [][]float32, dislikeWeight float64) []float32 {
	if len(liked) == 0 {
		return nil
	}

	pref := vecmath.Mean(liked)

	if len(disliked) > 0 {
		neg := vecmath.Mean(disliked)
		if len(neg) == len(pref) {
			for i := range pref {
				pref[i] = float32(float64(pref[i]) - dislikeWeight*float64(neg[i]))
			}
		}
	}

	return vecmath.Normalize(pref)
}
