package vectorstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	ok := s.UpsertBatch(t.Context(), []Point{
		{ID: 1, Vector: []float32{1, 0}, Payload: NewPayload(10, "east")},
		{ID: 2, Vector: []float32{0.8, 0.6}, Payload: NewPayload(10, "north east")},
		{ID: 3, Vector: []float32{0, 1}, Payload: NewPayload(20, "north")},
		{ID: 4, Vector: []float32{-1, 0}, Payload: NewPayload(20, "west")},
	})
	require.True(t, ok)
	return s
}

func TestMemoryStoreUpsertOverwrites(t *testing.T) {
	s := seedStore(t)
	s.UpsertBatch(t.Context(), []Point{{ID: 1, Vector: []float32{0, 1}, Payload: NewPayload(10, "moved")}})

	assert.Equal(t, 4, s.Len())
	got := s.GetBatch(t.Context(), []int64{1})
	assert.Equal(t, []float32{0, 1}, got[1])
}

func TestMemoryStoreGetBatchSkipsMissing(t *testing.T) {
	s := seedStore(t)

	got := s.GetBatch(t.Context(), []int64{1, 3, 99})

	assert.Len(t, got, 2)
	assert.Contains(t, got, int64(1))
	assert.Contains(t, got, int64(3))
	assert.NotContains(t, got, int64(99))
}

func TestMemoryStoreSearch(t *testing.T) {
	s := seedStore(t)

	results := s.Search(t.Context(), []float32{1, 0}, 10, 0.3, nil)

	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, int64(2), results[1].ID)
	assert.Equal(t, "north east", results[1].Payload.TextPreview)
}

func TestMemoryStoreSearchLimitAndFilter(t *testing.T) {
	s := seedStore(t)

	results := s.Search(t.Context(), []float32{1, 0}, 1, -1, nil)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].ID)

	filtered := s.Search(t.Context(), []float32{1, 0}, 10, -1, &Filter{
		Must: []Condition{MatchInt(FieldChannelID, 20)},
	})
	require.Len(t, filtered, 2)
	assert.Equal(t, int64(3), filtered[0].ID)
	assert.Equal(t, int64(4), filtered[1].ID)

	anyOf := s.Search(t.Context(), []float32{1, 0}, 10, -1, &Filter{
		Must: []Condition{MatchAnyKeyword(FieldTextPreview, "west", "east")},
	})
	require.Len(t, anyOf, 2)
	assert.Equal(t, int64(1), anyOf[0].ID)
	assert.Equal(t, int64(4), anyOf[1].ID)
}

func TestNewPayloadTruncatesPreview(t *testing.T) {
	p := NewPayload(5, strings.Repeat("я", 250))
	assert.Equal(t, int64(5), p.ChannelID)
	assert.Equal(t, TextPreviewLength, len([]rune(p.TextPreview)))
}

func TestQdrantFilterConversion(t *testing.T) {
	assert.Nil(t, toQdrantFilter(nil))
	assert.Nil(t, toQdrantFilter(&Filter{}))

	f := toQdrantFilter(&Filter{Must: []Condition{
		MatchInt(FieldChannelID, 3),
		MatchAnyInt(FieldChannelID, 1, 2),
		MatchKeyword(FieldTextPreview, "x"),
		MatchAnyKeyword(FieldTextPreview, "a", "b"),
	}})
	require.NotNil(t, f)
	assert.Len(t, f.Must, 4)
}

func TestQdrantPayloadRoundTrip(t *testing.T) {
	p := NewPayload(42, "hello")
	assert.Equal(t, p, fromQdrantPayload(toQdrantPayload(p)))
	assert.Equal(t, Payload{}, fromQdrantPayload(nil))
}
