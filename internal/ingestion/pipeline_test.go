package ingestion

import (
	"context"
	"strings"
	"testing"

	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/repository/memory"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

// recordingEmbedder returns [len(text), 1] for most texts, nothing for texts
// containing "fail" and a three-element vector for texts containing "wide".
type recordingEmbedder struct {
	calls [][]string
}

func (e *recordingEmbedder) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	e.calls = append(e.calls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case strings.Contains(t, "fail"):
		case strings.Contains(t, "wide"):
			out[i] = []float32{float32(len(t)), 1, 0}
		default:
			out[i] = []float32{float32(len(t)), 1}
		}
	}
	return out
}

func (e *recordingEmbedder) Dimension() int    { return 2 }
func (e *recordingEmbedder) ModelName() string { return "recording" }

// recordingAssigner claims every post it is given.
type recordingAssigner struct {
	calls []map[int64][]float32
}

func (a *recordingAssigner) AssignPosts(_ context.Context, vectors map[int64][]float32) (int, error) {
	a.calls = append(a.calls, vectors)
	return len(vectors), nil
}

type failingStore struct{ *vectorstore.MemoryStore }

func (failingStore) UpsertBatch(context.Context, []vectorstore.Point) bool { return false }

func setup(t *testing.T) (*memory.Store, *repository.Channel) {
	t.Helper()
	store := memory.NewStore()
	ch := store.AddChannel(repository.Channel{Username: "tech", Title: "Tech"})
	return store, ch
}

func TestEnsureEmbeddings_EmbedsMissingOnly(t *testing.T) {
	store, ch := setup(t)
	vectors := vectorstore.NewMemoryStore()
	emb := &recordingEmbedder{}

	stored := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "already"})
	fresh := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "hello"})
	vectors.UpsertBatch(t.Context(), []vectorstore.Point{{ID: stored.ID, Vector: []float32{9, 9}}})

	p := NewPipeline(PipelineConfig{Embedder: emb, Vectors: vectors, Channels: store.Channels()})
	res, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{stored, fresh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(emb.calls) != 1 || len(emb.calls[0]) != 1 {
		t.Fatalf("expected one call with one text, got %v", emb.calls)
	}
	if got := emb.calls[0][0]; got != "[Tech] hello" {
		t.Errorf("expected channel title prefix, got %q", got)
	}
	if res.Stats.AlreadyStored != 1 || res.Stats.Embedded != 1 {
		t.Errorf("unexpected stats: %+v", res.Stats)
	}
	if len(res.Vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(res.Vectors))
	}
	if res.Vectors[stored.ID][0] != 9 {
		t.Errorf("stored vector should be reused, got %v", res.Vectors[stored.ID])
	}

	got := vectors.GetBatch(t.Context(), []int64{fresh.ID})
	if _, ok := got[fresh.ID]; !ok {
		t.Error("expected new embedding to be stored")
	}
	results := vectors.Search(t.Context(), got[fresh.ID], 1, 0, &vectorstore.Filter{
		Must: []vectorstore.Condition{vectorstore.MatchInt(vectorstore.FieldChannelID, ch.ID)},
	})
	if len(results) != 1 || results[0].Payload.TextPreview != "hello" {
		t.Errorf("expected payload with channel and preview, got %+v", results)
	}
}

func TestEnsureEmbeddings_Idempotent(t *testing.T) {
	store, ch := setup(t)
	vectors := vectorstore.NewMemoryStore()
	emb := &recordingEmbedder{}
	post := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "once"})

	p := NewPipeline(PipelineConfig{Embedder: emb, Vectors: vectors, Channels: store.Channels()})
	for i := 0; i < 3; i++ {
		if _, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{post}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(emb.calls) != 1 {
		t.Errorf("expected a single embedding call, got %d", len(emb.calls))
	}
}

func TestEnsureEmbeddings_SkipsFailures(t *testing.T) {
	store, ch := setup(t)
	vectors := vectorstore.NewMemoryStore()
	ok := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "fine"})
	bad := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "will fail"})

	p := NewPipeline(PipelineConfig{Embedder: &recordingEmbedder{}, Vectors: vectors, Channels: store.Channels()})
	res, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{ok, bad})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, found := res.Vectors[bad.ID]; found {
		t.Error("failed post should be missing from the result")
	}
	if res.Stats.Failed != 1 || res.Stats.Embedded != 1 {
		t.Errorf("unexpected stats: %+v", res.Stats)
	}
	if vectors.Len() != 1 {
		t.Errorf("expected one stored vector, got %d", vectors.Len())
	}
}

func TestEnsureEmbeddings_DiscardsWrongDimension(t *testing.T) {
	store, ch := setup(t)
	vectors := vectorstore.NewMemoryStore()
	ok := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "fine"})
	wide := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "too wide"})

	p := NewPipeline(PipelineConfig{Embedder: &recordingEmbedder{}, Vectors: vectors, Channels: store.Channels()})
	res, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{ok, wide})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, found := res.Vectors[wide.ID]; found {
		t.Error("off-dimension vector should be missing from the result")
	}
	if len(res.Vectors[ok.ID]) != 2 {
		t.Errorf("expected a 2-dimensional vector, got %v", res.Vectors[ok.ID])
	}
	if res.Stats.Failed != 1 || res.Stats.Embedded != 1 {
		t.Errorf("unexpected stats: %+v", res.Stats)
	}
	if vectors.Len() != 1 {
		t.Errorf("expected one stored vector, got %d", vectors.Len())
	}
}

func TestEnsureEmbeddings_Batches(t *testing.T) {
	store, ch := setup(t)
	emb := &recordingEmbedder{}
	var posts []*repository.Post
	for i := 0; i < 5; i++ {
		posts = append(posts, store.AddPost(repository.Post{ChannelID: ch.ID, Text: "post"}))
	}

	p := NewPipeline(PipelineConfig{Embedder: emb, Vectors: vectorstore.NewMemoryStore(), Channels: store.Channels(), BatchSize: 2})
	res, err := p.EnsureEmbeddings(t.Context(), posts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(emb.calls) != 3 {
		t.Errorf("expected 3 embedding calls, got %d", len(emb.calls))
	}
	if len(res.Vectors) != 5 {
		t.Errorf("expected 5 vectors, got %d", len(res.Vectors))
	}
}

func TestEnsureEmbeddings_StoreFailureStillReturnsVectors(t *testing.T) {
	store, ch := setup(t)
	post := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "x"})

	p := NewPipeline(PipelineConfig{
		Embedder: &recordingEmbedder{},
		Vectors:  failingStore{vectorstore.NewMemoryStore()},
		Channels: store.Channels(),
	})
	res, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{post})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.Stats.StoreFailed {
		t.Error("expected StoreFailed")
	}
	if _, ok := res.Vectors[post.ID]; !ok {
		t.Error("expected vector for this request despite store failure")
	}
}

func TestEnsureEmbeddings_UnknownChannelHasNoPrefix(t *testing.T) {
	store, _ := setup(t)
	emb := &recordingEmbedder{}
	post := store.AddPost(repository.Post{ChannelID: 999, Text: "orphan"})

	p := NewPipeline(PipelineConfig{Embedder: emb, Vectors: vectorstore.NewMemoryStore(), Channels: store.Channels()})
	if _, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{post}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if emb.calls[0][0] != "orphan" {
		t.Errorf("expected raw text, got %q", emb.calls[0][0])
	}
}

func TestEnsureEmbeddings_Empty(t *testing.T) {
	emb := &recordingEmbedder{}
	p := NewPipeline(PipelineConfig{Embedder: emb, Vectors: vectorstore.NewMemoryStore()})

	res, err := p.EnsureEmbeddings(t.Context(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Vectors) != 0 || len(emb.calls) != 0 {
		t.Errorf("expected no work, got %+v", res)
	}
}

func TestEnsureEmbeddings_AssignsNewPostsToClusters(t *testing.T) {
	store, ch := setup(t)
	vectors := vectorstore.NewMemoryStore()
	stored := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "already"})
	fresh := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "hello"})
	vectors.UpsertBatch(t.Context(), []vectorstore.Point{{ID: stored.ID, Vector: []float32{9, 9}}})
	assigner := &recordingAssigner{}

	p := NewPipeline(PipelineConfig{Embedder: &recordingEmbedder{}, Vectors: vectors, Channels: store.Channels(), Clusters: assigner})
	res, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{stored, fresh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(assigner.calls) != 1 {
		t.Fatalf("expected one assignment call, got %d", len(assigner.calls))
	}
	if _, ok := assigner.calls[0][fresh.ID]; !ok || len(assigner.calls[0]) != 1 {
		t.Errorf("expected only the new post to be assigned, got %v", assigner.calls[0])
	}
	if res.Stats.Clustered != 1 {
		t.Errorf("expected one clustered post, got %d", res.Stats.Clustered)
	}
}

func TestEnsureEmbeddings_NoAssignmentWhenStoreFails(t *testing.T) {
	store, ch := setup(t)
	post := store.AddPost(repository.Post{ChannelID: ch.ID, Text: "x"})
	assigner := &recordingAssigner{}

	p := NewPipeline(PipelineConfig{
		Embedder: &recordingEmbedder{},
		Vectors:  failingStore{vectorstore.NewMemoryStore()},
		Channels: store.Channels(),
		Clusters: assigner,
	})
	if _, err := p.EnsureEmbeddings(t.Context(), []*repository.Post{post}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(assigner.calls) != 0 {
		t.Errorf("expected no assignment for unstored vectors, got %d calls", len(assigner.calls))
	}
}
