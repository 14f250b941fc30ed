package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/tracer"
)

const (
	openaiName         = "openai"
	openaiDefaultURL   = "https://api.openai.com/v1"
	openaiDefaultModel = "gpt-4o-mini"
)

// top_k has no OpenAI equivalent and is rejected.
var openaiParams = []string{ParamTemperature, ParamTopP, ParamMaxTokens, ParamStop}

// OpenAIProvider implements domain.Provider for any OpenAI-compatible API.
type OpenAIProvider struct {
	model    string
	apiKey   string
	baseURL  string
	timeout  time.Duration
	defaults domain.GenerationParams
	client   *http.Client
	logger   *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.NewDomainError("NewOpenAIProvider", domain.ErrMissingCredentials,
			"api_key is empty (set CHATCORE_LLM_API_KEY)")
	}
	defaults := domain.GenerationParams(cfg.Generation).Merge(nil)
	if _, err := parseGeneration("NewOpenAIProvider", defaults, openaiParams...); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openaiDefaultURL
	}
	model := cfg.Model
	if model == "" {
		model = openaiDefaultModel
	}

	return &OpenAIProvider{
		model:    model,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		timeout:  callTimeout(cfg),
		defaults: defaults,
		client:   NewHTTPClient(cfg),
		logger:   logger,
	}, nil
}

// GenerateResponse implements domain.Provider.
func (p *OpenAIProvider) GenerateResponse(ctx context.Context, conversation []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", openaiName),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(conversation)),
		),
	)
	defer span.End()

	if err := domain.ValidateConversation(conversation); err != nil {
		return nil, failCall(span, p.logger, openaiName, err)
	}
	gen, err := parseGeneration("OpenAIProvider.GenerateResponse", p.defaults.Merge(params), openaiParams...)
	if err != nil {
		return nil, failCall(span, p.logger, openaiName, err)
	}

	body, err := json.Marshal(toOpenAIRequest(p.model, conversation, gen))
	if err != nil {
		return nil, failCall(span, p.logger, openaiName, fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
	if err != nil {
		return nil, failCall(span, p.logger, openaiName, err)
	}

	result, err := fromOpenAIResponse(respBody, p.model)
	if err != nil {
		return nil, failCall(span, p.logger, openaiName, err)
	}

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logGenerateCompleted(p.logger, openaiName, result)

	return result, nil
}

// Name implements domain.Provider.
func (p *OpenAIProvider) Name() string { return openaiName }

// ModelInfo implements domain.ModelDescriber.
func (p *OpenAIProvider) ModelInfo() domain.ModelInfo {
	return domain.ModelInfo{Provider: openaiName, Model: p.model, Parameters: p.defaults.Merge(nil)}
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type openaiResponse struct {
	ID                string         `json:"id"`
	Model             string         `json:"model"`
	Choices           []openaiChoice `json:"choices"`
	Usage             openaiUsage    `json:"usage"`
	Created           int64          `json:"created"`
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiMetadata struct {
	ID                string `json:"id,omitempty"`
	FinishReason      string `json:"finish_reason,omitempty"`
	SystemFingerprint string `json:"system_fingerprint,omitempty"`
}

func toOpenAIRequest(model string, conversation []domain.Message, gen generation) openaiRequest {
	msgs := make([]openaiMessage, 0, len(conversation))
	for _, m := range conversation {
		msgs = append(msgs, openaiMessage{Role: m.Role, Content: m.Content})
	}
	return openaiRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		Stop:        gen.Stop,
	}
}

func fromOpenAIResponse(body []byte, model string) (*domain.GenerationResult, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("unmarshal openai response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, malformed("openai response has no choices")
	}

	choice := resp.Choices[0]
	if choice.Message.Content == "" {
		switch {
		case choice.FinishReason == "content_filter":
			return nil, rejected("completion withheld by content filter")
		case choice.Message.Refusal != "":
			return nil, rejected("model refused: %s", choice.Message.Refusal)
		}
		return nil, malformed("openai choice has no content (finish reason %q)", choice.FinishReason)
	}

	result := &domain.GenerationResult{
		Text:         choice.Message.Content,
		Model:        model,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Raw: mustJSON(openaiMetadata{
			ID:                resp.ID,
			FinishReason:      choice.FinishReason,
			SystemFingerprint: resp.SystemFingerprint,
		}),
		CreatedAt: time.Now(),
	}
	if resp.Model != "" {
		result.Model = resp.Model
	}
	if resp.Created > 0 {
		result.CreatedAt = time.Unix(resp.Created, 0)
	}
	return result, nil
}

var (
	_ domain.Provider       = (*OpenAIProvider)(nil)
	_ domain.ModelDescriber = (*OpenAIProvider)(nil)
)
