package llm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
)

func TestParseGenerationAllKeys(t *testing.T) {
	g, err := parseGeneration("test", domain.GenerationParams{
		ParamTemperature: 0.7,
		ParamTopP:        json.Number("0.9"),
		ParamTopK:        float64(40),
		ParamMaxTokens:   256,
		ParamStop:        []any{"END", "STOP"},
	}, ParamTemperature, ParamTopP, ParamTopK, ParamMaxTokens, ParamStop)
	require.NoError(t, err)

	assert.InDelta(t, 0.7, *g.Temperature, 1e-9)
	assert.InDelta(t, 0.9, *g.TopP, 1e-9)
	assert.Equal(t, 40, *g.TopK)
	assert.Equal(t, 256, *g.MaxTokens)
	assert.Equal(t, []string{"END", "STOP"}, g.Stop)
	assert.False(t, g.empty())
}

func TestParseGenerationEmpty(t *testing.T) {
	g, err := parseGeneration("test", nil, ParamTemperature)
	require.NoError(t, err)
	assert.True(t, g.empty())
}

func TestParseGenerationRejects(t *testing.T) {
	tests := []struct {
		name   string
		params domain.GenerationParams
	}{
		{"unsupported key", domain.GenerationParams{"frequency_penalty": 0.5}},
		{"top_k not supported", domain.GenerationParams{ParamTopK: 5}},
		{"temperature type", domain.GenerationParams{ParamTemperature: "hot"}},
		{"temperature range", domain.GenerationParams{ParamTemperature: 3.5}},
		{"top_p range", domain.GenerationParams{ParamTopP: -0.1}},
		{"max_tokens fractional", domain.GenerationParams{ParamMaxTokens: 10.5}},
		{"max_tokens zero", domain.GenerationParams{ParamMaxTokens: 0}},
		{"stop element type", domain.GenerationParams{ParamStop: []any{"ok", 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseGeneration("test", tt.params, ParamTemperature, ParamTopP, ParamMaxTokens, ParamStop)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput), "err = %v", err)
		})
	}
}

func TestParseGenerationSingleStopString(t *testing.T) {
	g, err := parseGeneration("test", domain.GenerationParams{ParamStop: "END"}, ParamStop)
	require.NoError(t, err)
	assert.Equal(t, []string{"END"}, g.Stop)
}
