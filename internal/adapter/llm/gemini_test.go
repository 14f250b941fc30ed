package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc, mutate ...func(*config.ProviderConfig)) *GeminiProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.ProviderConfig{
		Name:    "gemini",
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "gemini-test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewGeminiProvider(cfg, newTestLogger())
	require.NoError(t, err)
	return p
}

func respondJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestGeminiGenerateResponse(t *testing.T) {
	var captured geminiRequest
	p := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"), "api key must not travel in the URL")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		respondJSON(w, http.StatusOK, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Hello"}, {"text": " there"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15},
			"modelVersion": "gemini-test-001"
		}`)
	})

	conv := []domain.Message{
		{Role: domain.RoleSystem, Content: "Be brief."},
		{Role: domain.RoleUser, Content: "Hi"},
		{Role: domain.RoleAssistant, Content: "Hey"},
		{Role: domain.RoleUser, Content: "How are you?"},
	}
	result, err := p.GenerateResponse(context.Background(), conv, domain.GenerationParams{ParamTemperature: 0.1})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", result.Text)
	assert.Equal(t, "gemini-test-001", result.Model)
	assert.Equal(t, "STOP", result.FinishReason)
	assert.Equal(t, domain.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, result.Usage)
	assert.JSONEq(t, `{"model_version":"gemini-test-001","finish_reason":"STOP","usage":{"promptTokenCount":12,"candidatesTokenCount":3,"totalTokenCount":15}}`, string(result.Raw))

	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "Be brief.", captured.SystemInstruction.Parts[0].Text)
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "user", captured.Contents[0].Role)
	assert.Equal(t, "model", captured.Contents[1].Role)
	assert.Equal(t, "How are you?", captured.Contents[2].Parts[0].Text)

	// Per-call override wins; the remaining defaults still apply.
	require.NotNil(t, captured.GenerationConfig)
	assert.InDelta(t, 0.1, *captured.GenerationConfig.Temperature, 1e-9)
	assert.Equal(t, 64, *captured.GenerationConfig.TopK)
	assert.Equal(t, 8192, *captured.GenerationConfig.MaxOutputTokens)
}

func TestGeminiConfiguredGenerationReplacesDefaults(t *testing.T) {
	var captured geminiRequest
	p := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		respondJSON(w, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}, func(c *config.ProviderConfig) {
		c.Generation = map[string]any{"max_tokens": 100}
	})

	_, err := p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.NoError(t, err)
	require.NotNil(t, captured.GenerationConfig)
	assert.Equal(t, 100, *captured.GenerationConfig.MaxOutputTokens)
	assert.Nil(t, captured.GenerationConfig.Temperature)
	assert.Nil(t, captured.GenerationConfig.TopK)
}

func TestGeminiErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"prompt blocked", 200, `{"promptFeedback":{"blockReason":"SAFETY"}}`, domain.ErrProviderRejected},
		{"safety finish", 200, `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`, domain.ErrProviderRejected},
		{"recitation finish", 200, `{"candidates":[{"finishReason":"RECITATION"}]}`, domain.ErrProviderRejected},
		{"no candidates", 200, `{"candidates":[]}`, domain.ErrProviderMalformedResponse},
		{"empty text", 200, `{"candidates":[{"content":{"parts":[{"text":""}]},"finishReason":"STOP"}]}`, domain.ErrProviderMalformedResponse},
		{"invalid json", 200, `not json`, domain.ErrProviderMalformedResponse},
		{"bad key", 400, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`, domain.ErrProviderRejected},
		{"quota", 429, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, domain.ErrProviderRejected},
		{"server error", 500, `{"error":{"code":500,"message":"internal"}}`, domain.ErrProviderUnavailable},
		{"overloaded", 503, `overloaded`, domain.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
				respondJSON(w, tt.status, tt.body)
			})
			result, err := p.GenerateResponse(context.Background(), userTurn("hi"), nil)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, tt.want), "err = %v, want %v", err, tt.want)
		})
	}
}

func TestGeminiTimeout(t *testing.T) {
	p := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, func(c *config.ProviderConfig) {
		c.Timeout = 50 * time.Millisecond
	})

	_, err := p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable), "err = %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "err = %v", err)
}

func TestGeminiConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	p, err := NewGeminiProvider(config.ProviderConfig{APIKey: "k", BaseURL: baseURL}, newTestLogger())
	require.NoError(t, err)

	_, err = p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	assert.True(t, errors.Is(err, domain.ErrProviderUnavailable), "err = %v", err)
	assert.NotContains(t, err.Error(), "key=")
}

func TestGeminiRejectsBadInputWithoutCall(t *testing.T) {
	called := false
	p := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		respondJSON(w, 200, `{}`)
	})

	tests := []struct {
		name   string
		conv   []domain.Message
		params domain.GenerationParams
	}{
		{"empty conversation", nil, nil},
		{"unknown role", []domain.Message{{Role: "tool", Content: "x"}}, nil},
		{"system only", []domain.Message{{Role: domain.RoleSystem, Content: "x"}}, nil},
		{"unknown param", userTurn("hi"), domain.GenerationParams{"presence_penalty": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.GenerateResponse(context.Background(), tt.conv, tt.params)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput), "err = %v", err)
		})
	}
	assert.False(t, called, "invalid input must not reach the vendor")
}

func TestNewGeminiProvider(t *testing.T) {
	_, err := NewGeminiProvider(config.ProviderConfig{APIKey: "  "}, newTestLogger())
	assert.True(t, errors.Is(err, domain.ErrMissingCredentials), "err = %v", err)

	_, err = NewGeminiProvider(config.ProviderConfig{APIKey: "k", Generation: map[string]any{"seed": 1}}, newTestLogger())
	assert.True(t, errors.Is(err, domain.ErrInvalidInput), "err = %v", err)

	p, err := NewGeminiProvider(config.ProviderConfig{APIKey: "k", BaseURL: "http://example.com/"}, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "gemini", p.Name())
	assert.Equal(t, "http://example.com", p.baseURL)

	info := p.ModelInfo()
	assert.Equal(t, geminiDefaultModel, info.Model)
	assert.Equal(t, 0.95, info.Parameters[ParamTopP])
}

func TestGeminiModelPathEscaped(t *testing.T) {
	p := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.EscapedPath(), "a%2Fb:generateContent"), "path = %s", r.URL.EscapedPath())
		respondJSON(w, 200, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}, func(c *config.ProviderConfig) { c.Model = "a/b" })

	_, err := p.GenerateResponse(context.Background(), userTurn("hi"), nil)
	require.NoError(t, err)
}
