// Package lookup serves terms lookups from Redis sets. The terms of lookup
// {index, id, path} are the members of the set at
// <prefix><index>:<id>:<path>.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/resilience"
)

// SetReader reads set members. *redis.Client implements it.
type SetReader interface {
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Source is a query.TermsSource backed by Redis. Concurrent lookups of the
// same key share one round trip.
type Source struct {
	sets    SetReader
	cfg     config.LookupConfig
	group   singleflight.Group
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

var _ query.TermsSource = (*Source)(nil)

// NewSource returns a Source reading through sets. m is optional and
// receives the circuit breaker state.
func NewSource(sets SetReader, cfg config.LookupConfig, m *metrics.Metrics) *Source {
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
	if m != nil {
		cbCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
		m.CircuitBreakerState.WithLabelValues("terms-lookup").Set(float64(resilience.StateClosed))
	}
	return &Source{
		sets:    sets,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("terms-lookup", cbCfg),
		logger:  slog.Default().With("component", "terms-lookup"),
	}
}

// Key returns the Redis key holding the terms of l.
func (s *Source) Key(l query.TermsLookup) string {
	return s.cfg.KeyPrefix + l.Index + ":" + l.ID + ":" + l.Path
}

// LookupTerms returns the members of the set l points at. A missing set has
// no terms.
func (s *Source) LookupTerms(ctx context.Context, l query.TermsLookup) ([]string, error) {
	key := s.Key(l)
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.fetch(ctx, key)
	})
	if err != nil {
		return nil, fmt.Errorf("looking up terms [%s]: %w", l, err)
	}
	terms := v.([]string)
	s.logger.Debug("terms lookup resolved", "key", key, "terms", len(terms), "shared", shared)
	// Shared results are returned to every caller; each gets its own copy.
	return append([]string(nil), terms...), nil
}

func (s *Source) fetch(ctx context.Context, key string) ([]string, error) {
	var terms []string
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  s.cfg.MaxAttempts,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Retryable:    retryable,
	}
	err := resilience.Retry(ctx, "terms-lookup", retryCfg, func() error {
		// Each attempt writes its own variable; a timed-out attempt may still
		// finish after the next one starts.
		var members []string
		err := s.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			return resilience.WithTimeout(ctx, s.cfg.Timeout, "terms-lookup", func(ctx context.Context) error {
				m, err := s.sets.SMembers(ctx, key)
				if err != nil {
					return err
				}
				members = m
				return nil
			})
		})
		if err == nil {
			terms = members
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return terms, nil
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, resilience.ErrCircuitOpen)
}
