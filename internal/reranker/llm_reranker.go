package reranker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/knoguchi/postrank/internal/breaker"
	"github.com/knoguchi/postrank/internal/llm"
	"github.com/knoguchi/postrank/internal/metrics"
)

const (
	// DefaultMaxCandidates is the number of candidates shown to the model.
	DefaultMaxCandidates = 15

	// DefaultTimeout bounds a single rerank call.
	DefaultTimeout = 30 * time.Second

	maxLikedSamples    = 5
	maxDislikedSamples = 3
	preferenceChars    = 200
	candidateChars     = 300
	rerankTemperature  = 0.3
	rerankMaxTokens    = 100
	systemPrompt       = "You are a content recommendation expert. Respond only with JSON."
)

var errNotAList = errors.New("response is not a JSON array")

// LLMReranker asks a chat model to order candidates by predicted preference.
type LLMReranker struct {
	llmClient     llm.LLM
	model         string
	timeout       time.Duration
	maxCandidates int
	costs         *CostTracker
	cb            *gobreaker.CircuitBreaker[*llm.Completion]
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel overrides the client's default model for reranking calls.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithTimeout bounds each rerank call.
func WithTimeout(d time.Duration) LLMRerankerOption {
	return func(r *LLMReranker) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxCandidates sets how many candidates are shown to the model.
func WithMaxCandidates(n int) LLMRerankerOption {
	return func(r *LLMReranker) {
		if n > 0 {
			r.maxCandidates = n
		}
	}
}

// WithCostTracker sets the tracker that accumulates call cost.
func WithCostTracker(c *CostTracker) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.costs = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.metrics = m
	}
}

// NewLLMReranker creates a new LLM-based reranker. A nil client disables
// re-ranking; every call then returns the original order.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llmClient:     llmClient,
		timeout:       DefaultTimeout,
		maxCandidates: DefaultMaxCandidates,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.costs == nil {
		r.costs = NewCostTracker(DefaultCostPer1KInput, DefaultCostPer1KOutput)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewNop()
	}
	r.logger = r.logger.With("component", "reranker")

	bc := breaker.DefaultConfig("llm_rerank")
	bc.Logger = r.logger
	bc.Metrics = r.metrics
	r.cb = breaker.New[*llm.Completion](bc)

	return r
}

// Costs returns the reranker's cost tracker.
func (r *LLMReranker) Costs() *CostTracker {
	return r.costs
}

// Rerank orders candidates with the LLM and returns up to topK of them.
func (r *LLMReranker) Rerank(ctx context.Context, prefs Preferences, candidates []Candidate, topK int) []Candidate {
	if len(candidates) == 0 || topK <= 0 {
		return nil
	}
	r.metrics.RerankRequests.Inc()
	logger := r.logger.With("rerank_id", uuid.NewString())

	if r.llmClient == nil {
		logger.Warn("LLM client not configured, returning original order")
		r.metrics.RerankFallbacks.WithLabelValues("not_configured").Inc()
		return firstK(candidates, topK)
	}

	sample := candidates
	if len(sample) > r.maxCandidates {
		sample = sample[:r.maxCandidates]
	}

	prompt := buildPrompt(prefs, sample, topK)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	completion, err := r.cb.Execute(func() (*llm.Completion, error) {
		return r.llmClient.Generate(callCtx, prompt, llm.GenerateOptions{
			Model:        r.model,
			SystemPrompt: systemPrompt,
			Temperature:  rerankTemperature,
			MaxTokens:    rerankMaxTokens,
		})
	})
	if err != nil {
		reason := "upstream_error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "breaker_open"
		}
		logger.Error("LLM rerank failed", "error", err, "reason", reason)
		r.metrics.RerankFallbacks.WithLabelValues(reason).Inc()
		return firstK(candidates, topK)
	}

	cost := r.costs.Record(completion.PromptTokens, completion.CompletionTokens)
	r.metrics.RerankTokens.WithLabelValues("input").Add(float64(completion.PromptTokens))
	r.metrics.RerankTokens.WithLabelValues("output").Add(float64(completion.CompletionTokens))
	r.metrics.EstimatedCostUSD.Set(r.costs.Total())
	logger.Info("LLM rerank completed",
		"candidates", len(sample),
		"input_tokens", completion.PromptTokens,
		"output_tokens", completion.CompletionTokens,
		"cost_usd", cost,
	)

	indices, err := parseIndices(completion.Content)
	if err != nil {
		logger.Warn("failed to parse LLM rerank response", "error", err, "content", clip(completion.Content, 200))
		r.metrics.RerankFallbacks.WithLabelValues("malformed_response").Inc()
		return firstK(candidates, topK)
	}

	return selectByIndices(sample, indices, topK)
}

// buildPrompt renders the ranking prompt.
func buildPrompt(prefs Preferences, candidates []Candidate, topK int) string {
	var sb strings.Builder

	sb.WriteString("You are a content recommendation expert. Rank these posts by how much the user will like them.\n\n")
	sb.WriteString("USER PREFERENCES:\nPosts they LIKED:\n")
	sb.WriteString(bullets(prefs.Liked, maxLikedSamples, "No likes yet"))
	sb.WriteString("\n\nPosts they DISLIKED:\n")
	sb.WriteString(bullets(prefs.Disliked, maxDislikedSamples, "No dislikes"))
	sb.WriteString("\n\nCANDIDATE POSTS TO RANK:\n")
	for i, c := range candidates {
		fmt.Fprintf(&sb, "\n[%d] %s", i, clip(c.Text, candidateChars))
	}
	sb.WriteString("\n\nReturn ONLY a JSON array of post indices in order of predicted preference (most liked first).\n")
	sb.WriteString("Example: [3, 0, 7, 1, 4]\n\n")
	fmt.Fprintf(&sb, "Return the top %d indices only.", topK)

	return sb.String()
}

func bullets(texts []string, limit int, empty string) string {
	if len(texts) > limit {
		texts = texts[:limit]
	}
	if len(texts) == 0 {
		return empty
	}
	lines := make([]string, len(texts))
	for i, t := range texts {
		lines[i] = "- " + clip(t, preferenceChars)
	}
	return strings.Join(lines, "\n")
}

// parseIndices extracts a JSON array from the model output, which may be
// wrapped in a markdown code fence. Elements are returned raw so that
// non-integer entries can be skipped individually.
func parseIndices(content string) ([]json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if strings.Contains(content, "```") {
		content = strings.Split(content, "```")[1]
		content = strings.TrimPrefix(content, "json")
		content = strings.TrimSpace(content)
	}

	if !strings.HasPrefix(content, "[") {
		return nil, errNotAList
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode indices: %w", err)
	}
	return raw, nil
}

// selectByIndices maps the first topK model indices onto candidates, skipping
// invalid or repeated entries, then backfills with unused candidates in
// their original order.
func selectByIndices(candidates []Candidate, indices []json.RawMessage, topK int) []Candidate {
	if len(indices) > topK {
		indices = indices[:topK]
	}

	out := make([]Candidate, 0, min(topK, len(candidates)))
	used := make(map[int]bool, len(candidates))
	for _, rawIdx := range indices {
		var idx int
		if err := json.Unmarshal(rawIdx, &idx); err != nil {
			continue
		}
		if idx < 0 || idx >= len(candidates) || used[idx] {
			continue
		}
		used[idx] = true
		out = append(out, candidates[idx])
	}

	for i, c := range candidates {
		if len(out) >= topK {
			break
		}
		if !used[i] {
			used[i] = true
			out = append(out, c)
		}
	}
	return out
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

var _ Reranker = (*LLMReranker)(nil)
