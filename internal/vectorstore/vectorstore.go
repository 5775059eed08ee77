// Package vectorstore provides interfaces and implementations for post
// embedding storage and similarity search.
package vectorstore

import (
	"context"
)

// Payload field names.
const (
	FieldChannelID   = "channel_id"
	FieldTextPreview = "text_preview"
)

// TextPreviewLength is the number of characters of post text kept in the payload.
const TextPreviewLength = 200

// Payload is the metadata stored alongside each post embedding.
type Payload struct {
	ChannelID   int64  `json:"channel_id"`
	TextPreview string `json:"text_preview"`
}

// Point is one post embedding keyed by post id.
type Point struct {
	ID      int64
	Vector  []float32
	Payload Payload
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID      int64
	Score   float32 // cosine similarity in [-1, 1]
	Payload Payload
}

// Condition restricts search results by a payload field. Exactly one of the
// value fields is used: a single value is an exact match, a slice is an
// "any of" match.
type Condition struct {
	Field    string
	Int      *int64
	Ints     []int64
	Keyword  string
	Keywords []string
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition
}

// MatchInt returns an exact integer match condition.
func MatchInt(field string, v int64) Condition {
	return Condition{Field: field, Int: &v}
}

// MatchAnyInt returns a condition matching any of the given integers.
func MatchAnyInt(field string, vs ...int64) Condition {
	return Condition{Field: field, Ints: vs}
}

// MatchKeyword returns an exact string match condition.
func MatchKeyword(field, v string) Condition {
	return Condition{Field: field, Keyword: v}
}

// MatchAnyKeyword returns a condition matching any of the given strings.
func MatchAnyKeyword(field string, vs ...string) Condition {
	return Condition{Field: field, Keywords: vs}
}

// VectorStore defines the interface for post embedding storage.
//
// Implementations absorb upstream failures: they log them and return an
// empty result, so callers treat "no data" and "store unavailable" alike.
type VectorStore interface {
	// UpsertBatch stores points, overwriting existing ids. The backing
	// collection is created on first use. It reports whether the write succeeded.
	UpsertBatch(ctx context.Context, points []Point) bool

	// GetBatch returns the vectors of the ids that exist.
	GetBatch(ctx context.Context, ids []int64) map[int64][]float32

	// Search returns points by descending cosine similarity, excluding those
	// scoring below threshold. filter may be nil.
	Search(ctx context.Context, vector []float32, limit int, threshold float32, filter *Filter) []SearchResult
}

// NewPayload builds the payload for a post.
func NewPayload(channelID int64, text string) Payload {
	return Payload{ChannelID: channelID, TextPreview: preview(text)}
}

func preview(text string) string {
	n := 0
	for i := range text {
		if n == TextPreviewLength {
			return text[:i]
		}
		n++
	}
	return text
}
