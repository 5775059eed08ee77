// Package vecmath provides the small set of dense-vector operations used for
// preference computation, clustering and scoring.
//
// Accumulation is done in float64 and results are returned as float32 to
// match the embedding representation.
package vecmath

import "math"

// Cosine computes the cosine similarity between two vectors.
// It returns 0 when the lengths differ or either vector has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Mean returns the element-wise arithmetic mean of vectors.
// Vectors whose length differs from the first one are ignored.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// Norm returns the L2 magnitude of v.
func Norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// Normalize returns v scaled to unit length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// SquaredDistance returns the squared euclidean distance between a and b.
func SquaredDistance(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return s
}

// NormalizeScore maps a cosine similarity in [-1, 1] onto [0, 1].
func NormalizeScore(s float64) float64 {
	return (s + 1) / 2
}

// Round4 rounds x to four decimal places.
func Round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
