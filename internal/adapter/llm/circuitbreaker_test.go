package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/metrics"
)

func unavailable(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, msg)
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockProvider{name: "test"}

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, nil, newTestLogger())
	result, err := cb.GenerateResponse(context.Background(), userTurn("hi"), nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, domain.ModelInfo{Provider: "test"}, cb.ModelInfo())
}

func TestCircuitBreakerOpensAfterUnavailable(t *testing.T) {
	callCount := 0
	inner := &mockProvider{
		name: "flaky",
		generateFunc: func(context.Context, []domain.Message, domain.GenerationParams) (*domain.GenerationResult, error) {
			callCount++
			return nil, unavailable("503")
		},
	}

	m := metrics.New()
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}, m, newTestLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.GenerateResponse(context.Background(), userTurn("hi"), nil)
		require.Error(t, err)
	}
	assert.Equal(t, 3, callCount)
	assert.Equal(t, gobreaker.StateOpen, cb.State())
	assert.Equal(t, float64(gobreaker.StateOpen), metricValue(t, m.CircuitState.WithLabelValues("flaky")))

	// Open circuit fails fast and still reads as Unavailable.
	_, err := cb.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable))
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 3, callCount, "provider should not be called when circuit is open")
}

func TestCircuitBreakerIgnoresRejections(t *testing.T) {
	inner := &mockProvider{
		name: "strict",
		generateFunc: func(context.Context, []domain.Message, domain.GenerationParams) (*domain.GenerationResult, error) {
			return nil, fmt.Errorf("%w: blocked", domain.ErrProviderRejected)
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 2}, nil, newTestLogger())

	for i := 0; i < 5; i++ {
		_, err := cb.GenerateResponse(context.Background(), userTurn("hi"), nil)
		assert.True(t, errors.Is(err, domain.ErrProviderRejected))
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerClosesAfterSuccess(t *testing.T) {
	shouldFail := true
	inner := &mockProvider{
		name: "recovering",
		generateFunc: func(context.Context, []domain.Message, domain.GenerationParams) (*domain.GenerationResult, error) {
			if shouldFail {
				return nil, unavailable("down")
			}
			return &domain.GenerationResult{Text: "recovered"}, nil
		},
	}

	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     50 * time.Millisecond,
		Interval:    60 * time.Second,
	}, nil, newTestLogger())

	for i := 0; i < 2; i++ {
		cb.GenerateResponse(context.Background(), userTurn("hi"), nil)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, cb.State())

	shouldFail = false
	result, err := cb.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerCounts(t *testing.T) {
	calls := 0
	inner := &mockProvider{
		name: "counter",
		generateFunc: func(context.Context, []domain.Message, domain.GenerationParams) (*domain.GenerationResult, error) {
			calls++
			if calls%2 == 0 {
				return nil, unavailable("even")
			}
			return &domain.GenerationResult{Text: "odd"}, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 10}, nil, newTestLogger())

	for i := 0; i < 4; i++ {
		cb.GenerateResponse(context.Background(), userTurn("hi"), nil)
	}
	counts := cb.Counts()
	assert.Equal(t, uint32(4), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(2), counts.TotalFailures)
}
