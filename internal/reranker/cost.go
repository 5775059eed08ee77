package reranker

import (
	"math"
	"sync"
)

// Default gpt-4o-mini pricing in USD per 1000 tokens.
const (
	DefaultCostPer1KInput  = 0.00015
	DefaultCostPer1KOutput = 0.0006
)

// CostStats is a snapshot of the running LLM cost.
type CostStats struct {
	TotalCostUSD      float64 `json:"total_cost_usd"`
	RequestCount      int64   `json:"request_count"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
}

// CostTracker accumulates the estimated cost of LLM calls. It is informational
// only and never gates a call.
type CostTracker struct {
	inputPer1K  float64
	outputPer1K float64

	mu       sync.Mutex
	total    float64
	requests int64
}

// NewCostTracker creates a tracker with the given per-1000-token rates.
func NewCostTracker(inputPer1K, outputPer1K float64) *CostTracker {
	return &CostTracker{inputPer1K: inputPer1K, outputPer1K: outputPer1K}
}

// Record adds one call and returns its cost.
func (c *CostTracker) Record(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1000*c.inputPer1K + float64(outputTokens)/1000*c.outputPer1K

	c.mu.Lock()
	c.total += cost
	c.requests++
	c.mu.Unlock()

	return cost
}

// Total returns the accumulated cost.
func (c *CostTracker) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Stats returns the current totals rounded to six decimals.
func (c *CostTracker) Stats() CostStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CostStats{
		TotalCostUSD: round6(c.total),
		RequestCount: c.requests,
	}
	if c.requests > 0 {
		s.AvgCostPerRequest = round6(c.total / float64(c.requests))
	}
	return s
}

func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
