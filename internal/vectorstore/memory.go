package vectorstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/knoguchi/postrank/internal/vecmath"
)

// MemoryStore implements VectorStore in process memory for tests and
// single-node development deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[int64]Point
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[int64]Point)}
}

// UpsertBatch stores copies of the points, overwriting existing ids.
func (s *MemoryStore) UpsertBatch(_ context.Context, points []Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		p.Vector = slices.Clone(p.Vector)
		s.points[p.ID] = p
	}
	return true
}

// GetBatch returns copies of the stored vectors for ids that exist.
func (s *MemoryStore) GetBatch(_ context.Context, ids []int64) map[int64][]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64][]float32, len(ids))
	for _, id := range ids {
		if p, ok := s.points[id]; ok {
			out[id] = slices.Clone(p.Vector)
		}
	}
	return out
}

// Search scores every stored point against vector.
func (s *MemoryStore) Search(_ context.Context, vector []float32, limit int, threshold float32, filter *Filter) []SearchResult {
	if limit <= 0 {
		return nil
	}

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.points))
	for _, p := range s.points {
		if !filter.matches(p.Payload) {
			continue
		}
		score := float32(vecmath.Cosine(vector, p.Vector))
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{ID: p.ID, Score: score, Payload: p.Payload})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Len returns the number of stored points.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

func (f *Filter) matches(p Payload) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.matches(p) {
			return false
		}
	}
	return true
}

func (c Condition) matches(p Payload) bool {
	switch c.Field {
	case FieldChannelID:
		switch {
		case c.Int != nil:
			return p.ChannelID == *c.Int
		case len(c.Ints) > 0:
			return slices.Contains(c.Ints, p.ChannelID)
		}
	case FieldTextPreview:
		switch {
		case len(c.Keywords) > 0:
			return slices.Contains(c.Keywords, p.TextPreview)
		case c.Keyword != "":
			return p.TextPreview == c.Keyword
		}
	}
	return false
}

// Ensure MemoryStore implements VectorStore
var _ VectorStore = (*MemoryStore)(nil)
