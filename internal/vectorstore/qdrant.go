package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/knoguchi/postrank/internal/metrics"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultCollection is the collection holding post embeddings.
const DefaultCollection = "post_embeddings"

// QdrantConfig holds configuration for the Qdrant store.
type QdrantConfig struct {
	// URL is the gRPC address in "host:port" form (e.g. "localhost:6334").
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	ensured bool
}

// NewQdrantStore creates a new Qdrant vector store client
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(cfg.URL)
	if err != nil {
		// If no port specified, assume default
		host = cfg.URL
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	return &QdrantStore{
		client:     client,
		collection: collection,
		dimension:  cfg.Dimension,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping checks that Qdrant is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("failed to reach qdrant: %w", err)
	}
	return nil
}

// ensureCollection creates the collection if it does not exist. A successful
// check is remembered for the lifetime of the store.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		s.logger.Info("created qdrant collection", "collection", s.collection, "dimension", s.dimension)
	}

	s.ensured = true
	return nil
}

// UpsertBatch inserts or updates post embeddings
func (s *QdrantStore) UpsertBatch(ctx context.Context, points []Point) bool {
	if len(points) == 0 {
		return true
	}

	if err := s.ensureCollection(ctx); err != nil {
		s.fail("upsert", err)
		return false
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toQdrantPayload(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		s.fail("upsert", fmt.Errorf("failed to upsert points: %w", err))
		return false
	}

	return true
}

// GetBatch retrieves stored vectors by post id
func (s *QdrantStore) GetBatch(ctx context.Context, ids []int64) map[int64][]float32 {
	out := make(map[int64][]float32, len(ids))
	if len(ids) == 0 {
		return out
	}

	if err := s.ensureCollection(ctx); err != nil {
		s.fail("get", err)
		return out
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDNum(uint64(id))
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            pointIDs,
		WithVectors:    qdrant.NewWithVectors(true),
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		s.fail("get", fmt.Errorf("failed to get points: %w", err))
		return out
	}

	for _, p := range points {
		data := p.GetVectors().GetVector().GetData()
		if len(data) == 0 {
			continue
		}
		out[int64(p.GetId().GetNum())] = data
	}

	return out
}

// Search performs similarity search
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int, threshold float32, filter *Filter) []SearchResult {
	if limit <= 0 || len(vector) == 0 {
		return nil
	}

	if err := s.ensureCollection(ctx); err != nil {
		s.fail("search", err)
		return nil
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(threshold),
		Filter:         toQdrantFilter(filter),
	})
	if err != nil {
		s.fail("search", fmt.Errorf("failed to search: %w", err))
		return nil
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		results = append(results, SearchResult{
			ID:      int64(point.GetId().GetNum()),
			Score:   point.GetScore(),
			Payload: fromQdrantPayload(point.GetPayload()),
		})
	}

	return results
}

func (s *QdrantStore) fail(op string, err error) {
	s.metrics.VectorStoreErrors.WithLabelValues(op).Inc()
	s.logger.Error("vector store operation failed",
		"operation", op,
		"collection", s.collection,
		"error", err,
	)
}

func toQdrantPayload(p Payload) map[string]*qdrant.Value {
	return map[string]*qdrant.Value{
		FieldChannelID:   qdrant.NewValueInt(p.ChannelID),
		FieldTextPreview: qdrant.NewValueString(p.TextPreview),
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) Payload {
	var p Payload
	if v, ok := payload[FieldChannelID]; ok {
		p.ChannelID = v.GetIntegerValue()
	}
	if v, ok := payload[FieldTextPreview]; ok {
		p.TextPreview = v.GetStringValue()
	}
	return p
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil || len(f.Must) == 0 {
		return nil
	}

	conds := make([]*qdrant.Condition, 0, len(f.Must))
	for _, c := range f.Must {
		switch {
		case c.Int != nil:
			conds = append(conds, qdrant.NewMatchInt(c.Field, *c.Int))
		case len(c.Ints) > 0:
			conds = append(conds, qdrant.NewMatchInts(c.Field, c.Ints...))
		case len(c.Keywords) > 0:
			conds = append(conds, qdrant.NewMatchKeywords(c.Field, c.Keywords...))
		case c.Keyword != "":
			conds = append(conds, qdrant.NewMatchKeyword(c.Field, c.Keyword))
		}
	}
	if len(conds) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conds}
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
