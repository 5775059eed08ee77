package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/knoguchi/postrank/internal/auth"
	"github.com/knoguchi/postrank/internal/cluster"
	"github.com/knoguchi/postrank/internal/config"
	"github.com/knoguchi/postrank/internal/embedder"
	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/ingestion"
	"github.com/knoguchi/postrank/internal/llm"
	"github.com/knoguchi/postrank/internal/metrics"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/repository/memory"
	"github.com/knoguchi/postrank/internal/repository/postgres"
	"github.com/knoguchi/postrank/internal/reranker"
	"github.com/knoguchi/postrank/internal/scheduler"
	"github.com/knoguchi/postrank/internal/server"
	"github.com/knoguchi/postrank/internal/service"
	"github.com/knoguchi/postrank/internal/vectorstore"
)

const (
	shutdownTimeout   = 30 * time.Second
	readinessInterval = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// stores groups the storage collaborators selected by configuration.
type stores struct {
	users        repository.UserRepository
	channels     repository.ChannelRepository
	posts        repository.PostRepository
	interactions repository.InteractionRepository
	vectors      vectorstore.VectorStore
	ready        func(ctx context.Context) error
	close        func()
}

func openStores(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*stores, error) {
	if cfg.StorageBackend == "memory" {
		slog.Warn("using in-memory storage, data is lost on restart")
		mem := memory.NewStore()
		return &stores{
			users:        mem.Users(),
			channels:     mem.Channels(),
			posts:        mem.Posts(),
			interactions: mem.Interactions(),
			vectors:      vectorstore.NewMemoryStore(),
			close:        func() {},
		}, nil
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	qs, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		URL:        cfg.QdrantGRPCURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dimension:  cfg.EmbeddingDimension,
		Metrics:    m,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	return &stores{
		users:        postgres.NewUserRepo(db),
		channels:     postgres.NewChannelRepo(db),
		posts:        postgres.NewPostRepo(db),
		interactions: postgres.NewInteractionRepo(db),
		vectors:      qs,
		ready: func(ctx context.Context) error {
			if err := db.Ping(ctx); err != nil {
				return err
			}
			return qs.Ping(ctx)
		},
		close: func() {
			if err := qs.Close(); err != nil {
				slog.Warn("error closing Qdrant client", "error", err)
			}
			db.Close()
		},
	}, nil
}

func newEmbedder(cfg *config.Config, m *metrics.Metrics) embedder.Embedder {
	if cfg.EmbeddingProvider == "ollama" {
		slog.Info("initialized Ollama embedder", "model", cfg.EmbeddingModel)
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
			MaxChars:  cfg.EmbeddingMaxChars,
			Metrics:   m,
		})
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, embeddings are disabled")
	}
	slog.Info("initialized OpenAI embedder", "model", cfg.EmbeddingModel)
	return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
		APIKey:    cfg.OpenAIAPIKey,
		BaseURL:   cfg.OpenAIBaseURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
		MaxChars:  cfg.EmbeddingMaxChars,
		BatchSize: cfg.EmbeddingBatchSize,
		Timeout:   cfg.EmbeddingTimeout,
		Metrics:   m,
	})
}

// newLLM returns the chat client used for re-ranking, or nil when the
// provider is not configured.
func newLLM(cfg *config.Config) llm.LLM {
	if cfg.LLMProvider == "ollama" {
		slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)
		return llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
		)
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, LLM re-ranking falls back to the original order")
		return nil
	}
	slog.Info("initialized OpenAI LLM", "model", cfg.RerankModel)
	return llm.NewOpenAIClient(cfg.OpenAIAPIKey,
		llm.WithOpenAIBaseURL(cfg.OpenAIBaseURL),
		llm.WithOpenAIModel(cfg.RerankModel),
	)
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting postrank service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"storage", cfg.StorageBackend,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer st.close()

	clusters := cluster.NewIndex(cluster.Config{
		Posts:           st.posts,
		Vectors:         st.vectors,
		AssignThreshold: &cfg.ClusterAssignThreshold,
		CacheTTL:        cfg.CentroidCacheTTL,
		Metrics:         m,
	})

	pipeline := ingestion.NewPipeline(ingestion.PipelineConfig{
		Embedder:  newEmbedder(cfg, m),
		Vectors:   st.vectors,
		Channels:  st.channels,
		Clusters:  clusters,
		BatchSize: cfg.EmbeddingBatchSize,
	})

	expCfg := experiment.DefaultConfig()
	expCfg.Enabled = cfg.ABEnabled
	expCfg.TestName = cfg.ABTestName
	experiments, err := experiment.NewStore(expCfg)
	if err != nil {
		return fmt.Errorf("failed to create experiment store: %w", err)
	}

	costs := reranker.NewCostTracker(cfg.RerankCostInputPer1K, cfg.RerankCostOutputPer1K)
	rr := reranker.NewLLMReranker(newLLM(cfg),
		reranker.WithTimeout(cfg.RerankTimeout),
		reranker.WithMaxCandidates(cfg.RerankMaxCandidates),
		reranker.WithCostTracker(costs),
		reranker.WithMetrics(m),
	)

	svc := service.NewMLService(service.Config{
		Users:        st.users,
		Channels:     st.channels,
		Posts:        st.posts,
		Interactions: st.interactions,
		Vectors:      st.vectors,
		Pipeline:     pipeline,
		Clusters:     clusters,
		Experiments:  experiments,
		Reranker:     rr,
		Costs:        costs,
		Tunables: &service.Tunables{
			DislikeWeight:              cfg.DislikeWeight,
			SearchScoreThreshold:       cfg.SearchScoreThreshold,
			SearchOversampleFactor:     cfg.SearchOversampleFactor,
			ClusterCandidateFactor:     cfg.ClusterCandidateFactor,
			ClusterTopK:                cfg.ClusterTopK,
			ClusterSimilarityThreshold: cfg.ClusterSimilarityThreshold,
			MinInteractionsForTraining: cfg.MinInteractionsForTraining,
			TrainingInteractionCount:   cfg.ABDefaultTrainingInteractionCount,
			RerankMaxCandidates:        cfg.RerankMaxCandidates,
		},
		Metrics: m,
	})

	guard := auth.NewAdminGuard(cfg.AdminAPIKey)
	if !guard.Enabled() {
		slog.Warn("ADMIN_API_KEY not set, admin endpoints are unprotected")
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:               cfg.HTTPPort,
		Logger:             slog.Default(),
		Service:            svc,
		Guard:              guard,
		Ready:              st.ready,
		Gatherer:           reg,
		DefaultNClusters:   cfg.DefaultNClusters,
		MinPostsPerCluster: cfg.MinPostsPerCluster,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
		Guard:  guard,
	})

	var sched *scheduler.Scheduler
	if cfg.ClusterSchedule != "" {
		sched, err = scheduler.New(svc, scheduler.Config{
			Schedule:   cfg.ClusterSchedule,
			NClusters:  cfg.DefaultNClusters,
			MinPosts:   cfg.MinPostsPerCluster,
			JobTimeout: cfg.ClusterJobTimeout,
		})
		if err != nil {
			return err
		}
		sched.Start()
	}

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	ready := st.ready
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	go grpcServer.WatchReadiness(ctx, readinessInterval, ready)

	select {
	case err = <-errCh:
		slog.Error("server failed, shutting down", "error", err)
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			slog.Error("failed to stop scheduler", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return err
}

var (
	_ vectorstore.VectorStore = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder       = (*embedder.OpenAIEmbedder)(nil)
	_ embedder.Embedder       = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                 = (*llm.OpenAIClient)(nil)
	_ llm.LLM                 = (*llm.OllamaClient)(nil)

	_ ingestion.ClusterAssigner = (*cluster.Index)(nil)
)
