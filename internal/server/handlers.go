package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/knoguchi/postrank/internal/cluster"
	"github.com/knoguchi/postrank/internal/experiment"
	"github.com/knoguchi/postrank/internal/repository"
	"github.com/knoguchi/postrank/internal/reranker"
	"github.com/knoguchi/postrank/internal/service"
)

// Request defaults.
const (
	defaultRecommendLimit = 10
	defaultFeedLimit      = 10
	maxLimit              = 100
	maxBodyBytes          = 1 << 20
)

// MLService is the set of operations served over HTTP.
type MLService interface {
	Train(ctx context.Context, telegramID int64) *service.TrainResult
	Predict(ctx context.Context, telegramID int64, postIDs []int64) map[int64]float64
	Recommend(ctx context.Context, req service.RecommendRequest) []service.Recommendation
	CheckTrainingEligibility(ctx context.Context, telegramID int64) (*service.Eligibility, error)
	Feed(ctx context.Context, telegramID int64, limit int) ([]service.FeedPost, error)

	RecalculateClusters(ctx context.Context, nClusters, minPosts int) (*cluster.RecalculationResult, error)
	ClusterStats(ctx context.Context) (*cluster.Stats, error)
	ExperimentConfig() *experiment.Config
	UpdateExperiment(p experiment.Patch) (*experiment.Config, error)
	ExperimentResults(ctx context.Context) (*experiment.Results, error)
	UserVariant(ctx context.Context, telegramID int64) (*service.UserVariant, error)
	LLMCosts() reranker.CostStats
}

var _ MLService = (*service.MLService)(nil)

type handlers struct {
	svc                MLService
	logger             *slog.Logger
	validate           *validator.Validate
	defaultNClusters   int
	minPostsPerCluster int
}

type trainRequest struct {
	UserTelegramID int64 `json:"user_telegram_id" validate:"required"`
}

type predictRequest struct {
	UserTelegramID int64   `json:"user_telegram_id" validate:"required"`
	PostIDs        []int64 `json:"post_ids" validate:"max=1000"`
}

type predictResponse struct {
	Predictions map[int64]float64 `json:"predictions"`
}

type recommendRequest struct {
	UserTelegramID    int64 `json:"user_telegram_id" validate:"required"`
	Limit             *int  `json:"limit" validate:"omitempty,min=1,max=100"`
	ExcludeInteracted *bool `json:"exclude_interacted"`
}

type recommendResponse struct {
	Recommendations []service.Recommendation `json:"recommendations"`
}

type recalculateRequest struct {
	NClusters *int `json:"n_clusters" validate:"omitempty,min=1,max=1000"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) train(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Train(r.Context(), req.UserTelegramID))
}

func (h *handlers) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Predictions: h.svc.Predict(r.Context(), req.UserTelegramID, req.PostIDs)})
}

func (h *handlers) recommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if !h.decode(w, r, &req) {
		return
	}
	limit := defaultRecommendLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	exclude := true
	if req.ExcludeInteracted != nil {
		exclude = *req.ExcludeInteracted
	}

	recs := h.svc.Recommend(r.Context(), service.RecommendRequest{
		TelegramID:        req.UserTelegramID,
		Limit:             limit,
		ExcludeInteracted: exclude,
	})
	writeJSON(w, http.StatusOK, recommendResponse{Recommendations: recs})
}

func (h *handlers) eligibility(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(w, r)
	if !ok {
		return
	}
	e, err := h.svc.CheckTrainingEligibility(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *handlers) bestPosts(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(w, r)
	if !ok {
		return
	}
	limit := defaultFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	posts, err := h.svc.Feed(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (h *handlers) recalculateClusters(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	n := h.defaultNClusters
	if req.NClusters != nil {
		n = *req.NClusters
	}

	res, err := h.svc.RecalculateClusters(r.Context(), n, h.minPostsPerCluster)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) clusterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.ClusterStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) experimentConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ExperimentConfig())
}

func (h *handlers) updateExperiment(w http.ResponseWriter, r *http.Request) {
	var patch experiment.Patch
	if !h.decode(w, r, &patch) {
		return
	}
	cfg, err := h.svc.UpdateExperiment(patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *handlers) experimentResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ExperimentResults(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) userVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := telegramIDParam(w, r)
	if !ok {
		return
	}
	v, err := h.svc.UserVariant(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) llmCosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.LLMCosts())
}

// decode reads and validates a JSON body, writing a 400 response on failure.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

// writeError maps service errors to HTTP status codes.
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, experiment.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, cluster.ErrRecalculationRunning):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func telegramIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "telegramID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid telegram id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
