package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/knoguchi/postrank/internal/cluster"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRecalculator struct {
	mu    sync.Mutex
	args  [][2]int
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (f *fakeRecalculator) RecalculateClusters(ctx context.Context, nClusters, minPosts int) (*cluster.RecalculationResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.args = append(f.args, [2]int{nClusters, minPosts})
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &cluster.RecalculationResult{Status: cluster.StatusSuccess}, nil
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New(&fakeRecalculator{}, Config{Schedule: "not a schedule"})
	assert.Error(t, err)
}

func TestRunNowPassesSettings(t *testing.T) {
	rec := &fakeRecalculator{}
	s, err := New(rec, Config{Schedule: "@daily", NClusters: 50, MinPosts: 10})
	require.NoError(t, err)

	s.RunNow(t.Context())
	assert.Equal(t, [][2]int{{50, 10}}, rec.args)

	require.NoError(t, s.Stop(t.Context()))
}

func TestRunNowAbsorbsErrors(t *testing.T) {
	for _, err := range []error{cluster.ErrRecalculationRunning, errors.New("boom")} {
		rec := &fakeRecalculator{err: err}
		s, newErr := New(rec, Config{Schedule: "@hourly"})
		require.NoError(t, newErr)

		s.RunNow(t.Context())
		assert.Equal(t, int32(1), rec.calls.Load())
		require.NoError(t, s.Stop(t.Context()))
	}
}

func TestJobTimeout(t *testing.T) {
	rec := &fakeRecalculator{block: make(chan struct{})}
	s, err := New(rec, Config{Schedule: "@daily", JobTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	s.RunNow(t.Context())
	assert.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, s.Stop(t.Context()))
}

func TestScheduledRunAndStop(t *testing.T) {
	rec := &fakeRecalculator{block: make(chan struct{})}
	s, err := New(rec, Config{Schedule: "@every 1s", NClusters: 3, MinPosts: 1})
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return rec.calls.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	// The blocked run is canceled by Stop.
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), rec.calls.Load())
}
