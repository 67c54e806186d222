package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/resilience"
)

type fakeSets struct {
	calls atomic.Int32
	fn    func(ctx context.Context, key string, call int32) ([]string, error)
}

func (f *fakeSets) SMembers(ctx context.Context, key string) ([]string, error) {
	n := f.calls.Add(1)
	return f.fn(ctx, key, n)
}

func testLookupConfig() config.LookupConfig {
	return config.LookupConfig{
		KeyPrefix:   "terms:",
		Timeout:     time.Second,
		MaxAttempts: 3,
	}
}

var usersTags = query.TermsLookup{Index: "users", ID: "7", Path: "tags"}

func TestKey(t *testing.T) {
	s := NewSource(&fakeSets{}, testLookupConfig(), nil)
	assert.Equal(t, "terms:users:7:tags", s.Key(usersTags))
}

func TestLookupTerms(t *testing.T) {
	sets := &fakeSets{fn: func(_ context.Context, key string, _ int32) ([]string, error) {
		if key == "terms:users:7:tags" {
			return []string{"go", "rust"}, nil
		}
		return []string{}, nil
	}}
	s := NewSource(sets, testLookupConfig(), nil)

	terms, err := s.LookupTerms(context.Background(), usersTags)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "rust"}, terms)

	terms, err = s.LookupTerms(context.Background(), query.TermsLookup{Index: "users", ID: "8", Path: "tags"})
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestLookupTermsRetries(t *testing.T) {
	sets := &fakeSets{fn: func(_ context.Context, _ string, call int32) ([]string, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return []string{"go"}, nil
	}}
	s := NewSource(sets, testLookupConfig(), nil)

	terms, err := s.LookupTerms(context.Background(), usersTags)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, terms)
	assert.Equal(t, int32(3), sets.calls.Load())
}

func TestLookupTermsGivesUp(t *testing.T) {
	cause := errors.New("connection refused")
	sets := &fakeSets{fn: func(context.Context, string, int32) ([]string, error) {
		return nil, cause
	}}
	s := NewSource(sets, testLookupConfig(), nil)

	_, err := s.LookupTerms(context.Background(), usersTags)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "users/7/tags")
	assert.Equal(t, int32(3), sets.calls.Load())
}

func TestLookupTermsDoesNotRetryCancellation(t *testing.T) {
	sets := &fakeSets{fn: func(context.Context, string, int32) ([]string, error) {
		return nil, context.Canceled
	}}
	s := NewSource(sets, testLookupConfig(), nil)

	_, err := s.LookupTerms(context.Background(), usersTags)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), sets.calls.Load())
}

func TestLookupTermsTimeout(t *testing.T) {
	sets := &fakeSets{fn: func(ctx context.Context, _ string, _ int32) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := testLookupConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	s := NewSource(sets, cfg, nil)

	_, err := s.LookupTerms(context.Background(), usersTags)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLookupTermsCircuitBreaker(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	sets := &fakeSets{fn: func(context.Context, string, int32) ([]string, error) {
		return nil, errors.New("redis down")
	}}
	cfg := testLookupConfig()
	cfg.MaxAttempts = 1
	s := NewSource(sets, cfg, m)
	gauge := m.CircuitBreakerState.WithLabelValues("terms-lookup")
	assert.Equal(t, float64(resilience.StateClosed), testutil.ToFloat64(gauge))

	for i := 0; i < 5; i++ {
		_, err := s.LookupTerms(context.Background(), usersTags)
		require.Error(t, err)
	}
	assert.Equal(t, float64(resilience.StateOpen), testutil.ToFloat64(gauge))

	_, err := s.LookupTerms(context.Background(), usersTags)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(5), sets.calls.Load())
}

func TestLookupTermsCancelledCallersKeepCircuitClosed(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	var cancelInCall atomic.Bool
	var cancel context.CancelFunc
	sets := &fakeSets{fn: func(ctx context.Context, _ string, _ int32) ([]string, error) {
		if cancelInCall.Load() {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []string{"go"}, nil
	}}
	cfg := testLookupConfig()
	cfg.MaxAttempts = 1
	s := NewSource(sets, cfg, m)
	gauge := m.CircuitBreakerState.WithLabelValues("terms-lookup")

	for i := 0; i < 5; i++ {
		ctx, stop := context.WithCancel(context.Background())
		stop()
		_, err := s.LookupTerms(ctx, usersTags)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Zero(t, sets.calls.Load(), "cancelled callers must not reach redis")

	cancelInCall.Store(true)
	for i := 0; i < 5; i++ {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		_, err := s.LookupTerms(ctx, usersTags)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, float64(resilience.StateClosed), testutil.ToFloat64(gauge))

	cancelInCall.Store(false)
	terms, err := s.LookupTerms(context.Background(), usersTags)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, terms)
}

func TestLookupTermsSharesConcurrentFetches(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	sets := &fakeSets{fn: func(context.Context, string, int32) ([]string, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return []string{"go", "rust"}, nil
	}}
	s := NewSource(sets, testLookupConfig(), nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.LookupTerms(context.Background(), usersTags)
		}(i)
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"go", "rust"}, results[i])
	}
	assert.Less(t, sets.calls.Load(), int32(callers))

	// Callers own their slices.
	results[0][0] = "changed"
	assert.Equal(t, "go", results[1][0])
}
