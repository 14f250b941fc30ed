package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/infra/metrics"
)

func TestInstrumentedProviderRecordsOutcome(t *testing.T) {
	fail := false
	inner := &mockProvider{
		name: "mock",
		generateFunc: func(context.Context, []domain.Message, domain.GenerationParams) (*domain.GenerationResult, error) {
			if fail {
				return nil, fmt.Errorf("%w: blocked", domain.ErrProviderRejected)
			}
			return &domain.GenerationResult{Text: "hi", Usage: domain.Usage{PromptTokens: 7, CompletionTokens: 3}}, nil
		},
	}
	m := metrics.New()
	p := NewInstrumentedProvider(inner, m)

	_, err := p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.NoError(t, err)
	fail = true
	_, err = p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.Error(t, err)

	assert.Equal(t, 2, seriesCount(t, m.Registry(), "chatcore_provider_request_duration_seconds"))
	assert.Equal(t, float64(7), metricValue(t, m.ProviderTokens.WithLabelValues("mock", "input")))
	assert.Equal(t, float64(3), metricValue(t, m.ProviderTokens.WithLabelValues("mock", "output")))
	assert.Equal(t, "mock", p.Name())
}

func TestInstrumentedProviderNilMetrics(t *testing.T) {
	p := NewInstrumentedProvider(&mockProvider{name: "mock"}, nil)
	result, err := p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}
