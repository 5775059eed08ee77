package preference

import (
	"testing"

	"github.com/knoguchi/postrank/internal/vecmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNoLikes(t *testing.T) {
	assert.Nil(t, Compute(nil, nil, DefaultDislikeWeight))
	assert.Nil(t, Compute(nil, [][]float32{{1, 0}}, DefaultDislikeWeight))
}

func TestComputeLikesOnly(t *testing.T) {
	liked := [][]float32{{2, 0, 0}, {0, 2, 0}}

	got := Compute(liked, nil, DefaultDislikeWeight)

	require.Len(t, got, 3)
	assert.InDelta(t, 1.0, vecmath.Norm(got), 1e-6)
	want := vecmath.Normalize(vecmath.Mean(liked))
	assert.InDeltaSlice(t, want, got, 1e-6)
}

func TestComputeDislikesShiftVector(t *testing.T) {
	liked := [][]float32{{1, 0}, {1, 0.2}}
	disliked := [][]float32{{1, 1}}

	without := Compute(liked, nil, DefaultDislikeWeight)
	with := Compute(liked, disliked, DefaultDislikeWeight)

	assert.InDelta(t, 1.0, vecmath.Norm(with), 1e-6)
	assert.NotEqual(t, without, with)
	// Pushed away from the disliked direction.
	assert.Less(t, vecmath.Cosine(with, disliked[0]), vecmath.Cosine(without, disliked[0]))
}

func TestComputeExactWeight(t *testing.T) {
	got := Compute([][]float32{{1, 0}}, [][]float32{{0, 1}}, 0.3)

	want := vecmath.Normalize([]float32{1, -0.3})
	assert.InDeltaSlice(t, want, got, 1e-6)
}

func TestComputeZeroResult(t *testing.T) {
	got := Compute([][]float32{{0.5, 0.5}}, [][]float32{{1, 1}}, 0.5)

	assert.Equal(t, []float32{0, 0}, got)
}

func TestComputeDeterministic(t *testing.T) {
	liked := [][]float32{{0.1, 0.7, -0.2}, {0.4, 0.1, 0.9}}
	disliked := [][]float32{{-0.5, 0.5, 0.5}}

	assert.Equal(t, Compute(liked, disliked, 0.3), Compute(liked, disliked, 0.3))
}
