// Package experiment assigns users to A/B test variants and maps variants to
// ranking algorithms.
package experiment

import (
	"crypto/md5" //nolint:gosec // bucketing only, must match existing assignments
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

// Algorithm is a ranking strategy selectable per variant.
type Algorithm string

const (
	AlgorithmCosineSimilarity Algorithm = "cosine_similarity"
	AlgorithmPopularity       Algorithm = "popularity"
	AlgorithmRecency          Algorithm = "recency"
	AlgorithmHybrid           Algorithm = "hybrid"
	AlgorithmLLMReranker      Algorithm = "llm_reranker"
)

// Baseline is used whenever experimentation is disabled.
const Baseline = AlgorithmCosineSimilarity

// Variant names used by the default experiment.
const (
	ControlVariant    = "control"
	TreatmentVariant  = "treatment_a"
	DefaultTestName   = "recommendation_algo_v1"
	bucketCount       = 100
	maxTotalWeightPct = bucketCount
)

// ErrInvalidConfig is returned when an experiment configuration is rejected.
var ErrInvalidConfig = errors.New("invalid experiment config")

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmCosineSimilarity, AlgorithmPopularity, AlgorithmRecency, AlgorithmHybrid, AlgorithmLLMReranker:
		return true
	}
	return false
}

// Variant is a named bucket of an experiment.
type Variant struct {
	Name      string    `json:"name" validate:"required"`
	Algorithm Algorithm `json:"algorithm" validate:"required"`
	Weight    int       `json:"weight" validate:"gte=0,lte=100"`
}

// Config is an immutable experiment configuration. Variants are walked in
// declared order during assignment.
type Config struct {
	Version  uint64    `json:"version"`
	Enabled  bool      `json:"enabled"`
	TestName string    `json:"test_name" validate:"required"`
	Variants []Variant `json:"variants" validate:"required,min=1,dive"`
}

// DefaultConfig returns a 50/50 split between cosine similarity and hybrid ranking.
func DefaultConfig() *Config {
	return &Config{
		Version:  1,
		Enabled:  true,
		TestName: DefaultTestName,
		Variants: []Variant{
			{Name: ControlVariant, Algorithm: AlgorithmCosineSimilarity, Weight: 50},
			{Name: TreatmentVariant, Algorithm: AlgorithmHybrid, Weight: 50},
		},
	}
}

var validate = validator.New()

// Validate checks the configuration. Weights may sum to less than 100; the
// uncovered buckets fall to the control variant, which must exist.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	total := 0
	seen := make(map[string]bool, len(c.Variants))
	for _, v := range c.Variants {
		if seen[v.Name] {
			return fmt.Errorf("%w: duplicate variant %q", ErrInvalidConfig, v.Name)
		}
		seen[v.Name] = true
		if !v.Algorithm.Valid() {
			return fmt.Errorf("%w: unknown algorithm %q for variant %q", ErrInvalidConfig, v.Algorithm, v.Name)
		}
		total += v.Weight
	}
	if total > maxTotalWeightPct {
		return fmt.Errorf("%w: variant weights sum to %d, more than %d", ErrInvalidConfig, total, maxTotalWeightPct)
	}
	if !seen[ControlVariant] {
		return fmt.Errorf("%w: missing %q variant", ErrInvalidConfig, ControlVariant)
	}
	return nil
}

// Variant returns the variant with the given name.
func (c *Config) Variant(name string) (Variant, bool) {
	for _, v := range c.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Variants = append([]Variant(nil), c.Variants...)
	return &cp
}

// Bucket maps a user key and test name to a bucket in [0, 100).
func Bucket(userKey int64, testName string) int {
	sum := md5.Sum([]byte(strconv.FormatInt(userKey, 10) + ":" + testName)) //nolint:gosec
	n := new(big.Int).SetBytes(sum[:])
	return int(n.Mod(n, big.NewInt(bucketCount)).Int64())
}

// Assign returns the variant name for a user. It is a pure function of its
// inputs, so assignments can be re-derived at any time.
func Assign(userKey int64, testName string, variants []Variant) string {
	bucket := Bucket(userKey, testName)
	cumulative := 0
	for _, v := range variants {
		cumulative += v.Weight
		if bucket < cumulative {
			return v.Name
		}
	}
	return ControlVariant
}

// Assign returns the variant name for a user under this configuration.
func (c *Config) Assign(userKey int64) string {
	return Assign(userKey, c.TestName, c.Variants)
}

// SelectAlgorithm returns the algorithm for a user, or the baseline when the
// experiment is disabled.
func (c *Config) SelectAlgorithm(userKey int64) Algorithm {
	if !c.Enabled {
		return Baseline
	}
	if v, ok := c.Variant(c.Assign(userKey)); ok {
		return v.Algorithm
	}
	return Baseline
}

// Patch is a partial update of the configuration. Nil fields are left
// unchanged. Variants, when set, replaces the whole variant list before the
// weight fields are applied.
type Patch struct {
	Enabled         *bool     `json:"enabled,omitempty"`
	TestName        *string   `json:"test_name,omitempty"`
	ControlWeight   *int      `json:"control_weight,omitempty"`
	TreatmentWeight *int      `json:"treatment_weight,omitempty"`
	Variants        []Variant `json:"variants,omitempty"`
}

func (p Patch) apply(c *Config) error {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.TestName != nil {
		c.TestName = *p.TestName
	}
	if p.Variants != nil {
		c.Variants = append([]Variant(nil), p.Variants...)
	}
	if p.ControlWeight != nil {
		if err := setWeight(c, ControlVariant, *p.ControlWeight); err != nil {
			return err
		}
	}
	if p.TreatmentWeight != nil {
		if err := setWeight(c, TreatmentVariant, *p.TreatmentWeight); err != nil {
			return err
		}
	}
	return nil
}

func setWeight(c *Config, name string, weight int) error {
	for i := range c.Variants {
		if c.Variants[i].Name == name {
			c.Variants[i].Weight = weight
			return nil
		}
	}
	return fmt.Errorf("%w: no variant %q", ErrInvalidConfig, name)
}

// Store holds the current configuration. Readers never block; Update swaps
// the whole configuration atomically.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a store holding cfg.
func NewStore(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(cfg.clone())
	return s, nil
}

// Current returns the active configuration. Callers must not modify it.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Update applies p and installs the result with a new version. An invalid
// result leaves the active configuration unchanged.
func (s *Store) Update(p Patch) (*Config, error) {
	for {
		old := s.current.Load()
		next := old.clone()
		if err := p.apply(next); err != nil {
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}
		next.Version = old.Version + 1
		if s.current.CompareAndSwap(old, next) {
			return next, nil
		}
	}
}
