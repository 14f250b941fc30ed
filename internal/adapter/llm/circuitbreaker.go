package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/metrics"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a Provider with circuit breaker protection.
// Only Unavailable errors count as failures: a rejected prompt or a
// malformed reply says nothing about whether the vendor is reachable.
type CircuitBreakerProvider struct {
	inner   domain.Provider
	breaker *gobreaker.CircuitBreaker[*domain.GenerationResult]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker. Zero values
// in cfg fall back to the defaults above. m may be nil.
func NewCircuitBreakerProvider(inner domain.Provider, cfg config.CircuitBreakerConfig, m *metrics.Metrics, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	m.SetCircuitState(name, int(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[*domain.GenerationResult](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(breaker string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", breaker,
				"from", from.String(),
				"to", to.String(),
			)
			m.SetCircuitState(name, int(to))
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, domain.ErrProviderUnavailable)
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// GenerateResponse implements domain.Provider. Calls are routed through the
// breaker; while it is open they fail fast with ErrProviderUnavailable.
func (p *CircuitBreakerProvider) GenerateResponse(ctx context.Context, conversation []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	result, err := p.breaker.Execute(func() (*domain.GenerationResult, error) {
		return p.inner.GenerateResponse(ctx, conversation, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: provider %q circuit open: %w", domain.ErrProviderUnavailable, p.inner.Name(), err)
		}
		return nil, err
	}
	return result, nil
}

// Name implements domain.Provider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// ModelInfo implements domain.ModelDescriber when the inner provider does.
func (p *CircuitBreakerProvider) ModelInfo() domain.ModelInfo {
	return describe(p.inner)
}

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

// describe returns the model info of p, or just its name if it cannot say more.
func describe(p domain.Provider) domain.ModelInfo {
	if md, ok := p.(domain.ModelDescriber); ok {
		return md.ModelInfo()
	}
	return domain.ModelInfo{Provider: p.Name()}
}

var (
	_ domain.Provider       = (*CircuitBreakerProvider)(nil)
	_ domain.ModelDescriber = (*CircuitBreakerProvider)(nil)
)
