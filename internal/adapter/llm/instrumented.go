package llm

import (
	"context"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/infra/metrics"
)

// InstrumentedProvider records latency, outcome and token usage of every call.
type InstrumentedProvider struct {
	inner   domain.Provider
	metrics *metrics.Metrics
}

// NewInstrumentedProvider wraps inner so every call is observed by m.
func NewInstrumentedProvider(inner domain.Provider, m *metrics.Metrics) *InstrumentedProvider {
	return &InstrumentedProvider{inner: inner, metrics: m}
}

// GenerateResponse implements domain.Provider.
func (p *InstrumentedProvider) GenerateResponse(ctx context.Context, conversation []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	start := time.Now()
	result, err := p.inner.GenerateResponse(ctx, conversation, params)
	elapsed := time.Since(start)

	if err != nil {
		p.metrics.ObserveProviderCall(p.inner.Name(), string(domain.ErrorCodeOf(err)), elapsed, 0, 0)
		return nil, err
	}
	p.metrics.ObserveProviderCall(p.inner.Name(), "ok", elapsed,
		result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

// Name implements domain.Provider.
func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

// ModelInfo implements domain.ModelDescriber.
func (p *InstrumentedProvider) ModelInfo() domain.ModelInfo { return describe(p.inner) }

var (
	_ domain.Provider       = (*InstrumentedProvider)(nil)
	_ domain.ModelDescriber = (*InstrumentedProvider)(nil)
)
