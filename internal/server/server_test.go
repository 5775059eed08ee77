package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/knoguchi/postrank/internal/auth"
	"github.com/knoguchi/postrank/internal/cluster"
	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/ingestion"
	"github.com/knoguchi/postrank/internal/metrics"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/repository/memory"
	"github.com/knoguchi/postrank/internal/service"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const adminKey = "secret"

type constEmbedder struct{}

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out
}

func (constEmbedder) Dimension() int    { return 2 }
func (constEmbedder) ModelName() string { return "const" }

type testEnv struct {
	store   *memory.Store
	user    *repository.User
	handler http.Handler
}

func newTestEnv(t *testing.T, ready func(context.Context) error) *testEnv {
	t.Helper()
	store := memory.NewStore()
	vectors := vectorstore.NewMemoryStore()
	ch := store.AddChannel(repository.Channel{Username: "news", Title: "News"})
	user := store.AddUser(repository.User{TelegramID: 1001})
	store.Subscribe(user.ID, ch.ID)

	experiments, err := experiment.NewStore(experiment.DefaultConfig())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := service.NewMLService(service.Config{
		Users:        store.Users(),
		Channels:     store.Channels(),
		Posts:        store.Posts(),
		Interactions: store.Interactions(),
		Vectors:      vectors,
		Pipeline: ingestion.NewPipeline(ingestion.PipelineConfig{
			Embedder: constEmbedder{},
			Vectors:  vectors,
			Channels: store.Channels(),
		}),
		Clusters:    cluster.NewIndex(cluster.Config{Posts: store.Posts(), Vectors: vectors}),
		Experiments: experiments,
		Metrics:     m,
	})

	srv, err := NewHTTPServer(HTTPServerConfig{
		Service:            svc,
		Guard:              auth.NewAdminGuard(adminKey),
		Ready:              ready,
		Gatherer:           reg,
		DefaultNClusters:   cluster.DefaultNClusters,
		MinPostsPerCluster: cluster.DefaultMinPostsPerCluster,
	})
	require.NoError(t, err)
	return &testEnv{store: store, user: user, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		r = &buf
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).Code)

	down := newTestEnv(t, func(context.Context) error { return errors.New("postgres down") })
	rec := down.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres down")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/ml/predict", map[string]any{"user_telegram_id": 1001, "post_ids": []int64{1}})

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "postrank_prediction_requests_total 1")
}

func TestTrainAndEligibility(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		p := env.store.AddPost(repository.Post{ChannelID: 1, Text: "post"})
		env.store.AddInteraction(repository.Interaction{UserID: env.user.ID, PostID: p.ID, Type: repository.InteractionLike})
	}

	rec := env.do(t, http.MethodPost, "/ml/train", map[string]any{"user_telegram_id": 1001})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[service.TrainResult](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "Need at least 5 interactions, got 3", res.Message)

	rec = env.do(t, http.MethodGet, "/ml/eligibility/1001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.Eligibility{Message: "Need 2 more interactions"}, decodeBody[service.Eligibility](t, rec))

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/ml/eligibility/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/ml/train", map[string]any{}).Code)
}

func TestPredictAndRecommend(t *testing.T) {
	env := newTestEnv(t, nil)
	liked := env.store.AddPost(repository.Post{ChannelID: 1, Text: "liked"})
	env.store.AddInteraction(repository.Interaction{UserID: env.user.ID, PostID: liked.ID, Type: repository.InteractionLike})
	other := env.store.AddPost(repository.Post{ChannelID: 1, Text: "other"})

	rec := env.do(t, http.MethodPost, "/ml/predict", map[string]any{"user_telegram_id": 1001, "post_ids": []int64{other.ID}})
	require.Equal(t, http.StatusOK, rec.Code)
	pred := decodeBody[predictResponse](t, rec)
	assert.InDelta(t, 1.0, pred.Predictions[other.ID], 1e-4)

	rec = env.do(t, http.MethodPost, "/ml/recommendations", map[string]any{"user_telegram_id": 1001})
	require.Equal(t, http.StatusOK, rec.Code)
	recs := decodeBody[recommendResponse](t, rec)
	require.Len(t, recs.Recommendations, 1)
	assert.Equal(t, other.ID, recs.Recommendations[0].PostID)

	rec = env.do(t, http.MethodPost, "/ml/recommendations", map[string]any{"user_telegram_id": 1001, "exclude_interacted": false})
	assert.Len(t, decodeBody[recommendResponse](t, rec).Recommendations, 2)

	rec = env.do(t, http.MethodPost, "/ml/recommendations", map[string]any{"user_telegram_id": 1001, "limit": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBestPosts(t *testing.T) {
	env := newTestEnv(t, nil)
	score := 0.8
	p := env.store.AddPost(repository.Post{ChannelID: 1, Text: "best", RelevanceScore: &score})

	rec := env.do(t, http.MethodGet, "/posts/best/1001?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	posts := decodeBody[[]service.FeedPost](t, rec)
	require.Len(t, posts, 1)
	assert.Equal(t, p.ID, posts[0].ID)
	assert.Equal(t, "news", posts[0].ChannelUsername)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/posts/best/1001?limit=0", nil).Code)
	assert.Equal(t, "[]\n", env.do(t, http.MethodGet, "/posts/best/42", nil).Body.String())
}

func TestRecalculateRequiresAdminKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.AddPost(repository.Post{ChannelID: 1, Text: "only one"})

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/clusters/recalculate", nil).Code)

	rec := env.do(t, http.MethodPost, "/clusters/recalculate", map[string]any{"n_clusters": 5}, auth.APIKeyHeader, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[cluster.RecalculationResult](t, rec)
	assert.Equal(t, cluster.StatusInsufficientPosts, res.Status)
	assert.Equal(t, 1, res.TotalPosts)

	rec = env.do(t, http.MethodGet, "/clusters/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[cluster.Stats](t, rec)
	assert.Equal(t, 1, stats.UnclusteredPosts)
	assert.Equal(t, 0, stats.NumClusters)
}

func TestExperimentConfigEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/ab-testing/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[experiment.Config](t, rec)
	assert.Equal(t, experiment.DefaultTestName, cfg.TestName)

	body := map[string]any{"enabled": true, "control_weight": 20, "treatment_weight": 80}
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPut, "/ab-testing/config", body).Code)

	rec = env.do(t, http.MethodPut, "/ab-testing/config", body, auth.APIKeyHeader, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[experiment.Config](t, rec)
	assert.True(t, updated.Enabled)
	assert.Equal(t, cfg.Version+1, updated.Version)

	rec = env.do(t, http.MethodPut, "/ab-testing/config", map[string]any{"control_weight": 90}, auth.APIKeyHeader, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid experiment config")
}

func TestExperimentReadEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/ab-testing/user/1001/variant", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody[service.UserVariant](t, rec)
	assert.Equal(t, int64(1001), v.TelegramID)
	assert.NotEmpty(t, v.Variant)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/ab-testing/user/999/variant", nil).Code)

	rec = env.do(t, http.MethodGet, "/ab-testing/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeBody[experiment.Results](t, rec)
	assert.Len(t, results.Variants, 2)

	rec = env.do(t, http.MethodGet, "/ab-testing/llm-costs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total_cost_usd":0,"request_count":0,"avg_cost_per_request":0}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodOptions, "/ml/train", nil,
		"Origin", "https://example.com",
		"Access-Control-Request-Method", http.MethodPost,
	)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGRPCHealth(t *testing.T) {
	srv := NewGRPCServer(GRPCServerConfig{Guard: auth.NewAdminGuard(adminKey)})
	lis := bufconn.Listen(1 << 20)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(t.Context(), &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	ctx, cancel := context.WithCancel(t.Context())
	watched := make(chan struct{})
	go func() {
		srv.WatchReadiness(ctx, 10*time.Millisecond, func(context.Context) error { return nil })
		close(watched)
	}()
	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-watched

	require.NoError(t, conn.Close())
	shutdownCtx, stop := context.WithTimeout(t.Context(), 5*time.Second)
	defer stop()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	err = <-done
	if err != nil {
		assert.True(t, strings.Contains(err.Error(), "closed"), err.Error())
	}
}
