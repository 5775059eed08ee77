// Package breaker builds circuit breakers for upstream providers.
package breaker

import (
	"log/slog"
	"time"

	"github.com/knoguchi/postrank/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Config configures a circuit breaker.
type Config struct {
	Name string

	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval clears counts while closed. Zero never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open.
	Timeout time.Duration

	// MinRequests and FailureRatio decide when to trip.
	MinRequests  uint32
	FailureRatio float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the settings used for provider calls.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// New creates a circuit breaker returning values of type T.
func New[T any](cfg Config) *gobreaker.CircuitBreaker[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				open := 0.0
				if to == gobreaker.StateOpen {
					open = 1
				}
				m.CircuitBreakerState.WithLabelValues(name).Set(open)
			}
		},
	})
}
