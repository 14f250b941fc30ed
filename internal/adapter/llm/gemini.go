package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/tracer"
)

const (
	geminiName         = "gemini"
	geminiDefaultURL   = "https://generativelanguage.googleapis.com"
	geminiDefaultModel = "gemini-2.0-pro-exp-02-05"
)

var geminiParams = []string{ParamTemperature, ParamTopP, ParamTopK, ParamMaxTokens, ParamStop}

// geminiDefaultGeneration applies when the config carries no generation block.
var geminiDefaultGeneration = domain.GenerationParams{
	ParamTemperature: 0.7,
	ParamTopP:        0.95,
	ParamTopK:        64,
	ParamMaxTokens:   8192,
}

// geminiBlockedFinish lists finish reasons that mean the candidate was withheld.
var geminiBlockedFinish = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
	"IMAGE_SAFETY":       true,
}

// GeminiProvider implements domain.Provider for the Google Gemini API.
type GeminiProvider struct {
	model    string
	apiKey   string
	baseURL  string
	timeout  time.Duration
	defaults domain.GenerationParams
	client   *http.Client
	logger   *slog.Logger
}

// NewGeminiProvider creates a provider for the Google Gemini API. It fails
// with ErrMissingCredentials when no API key is configured and with
// ErrInvalidInput when the configured default parameters are invalid.
func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.NewDomainError("NewGeminiProvider", domain.ErrMissingCredentials,
			"api_key is empty (set CHATCORE_LLM_API_KEY or GEMINI_API_KEY)")
	}
	defaults := geminiDefaultGeneration.Merge(nil)
	if cfg.Generation != nil {
		defaults = domain.GenerationParams(cfg.Generation).Merge(nil)
	}
	if _, err := parseGeneration("NewGeminiProvider", defaults, geminiParams...); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = geminiDefaultURL
	}
	model := cfg.Model
	if model == "" {
		model = geminiDefaultModel
	}

	return &GeminiProvider{
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
func (p *GeminiProvider) GenerateResponse(ctx context.Context, conversation []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", geminiName),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(conversation)),
		),
	)
	defer span.End()

	if err := domain.ValidateConversation(conversation); err != nil {
		return nil, failCall(span, p.logger, geminiName, err)
	}
	gen, err := parseGeneration("GeminiProvider.GenerateResponse", p.defaults.Merge(params), geminiParams...)
	if err != nil {
		return nil, failCall(span, p.logger, geminiName, err)
	}

	req, err := toGeminiRequest(conversation, gen)
	if err != nil {
		return nil, failCall(span, p.logger, geminiName, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, failCall(span, p.logger, geminiName, fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// The key travels in a header so it never appears in transport error URLs.
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(p.model))
	respBody, err := doJSONRequest(ctx, p.client, endpoint, body, map[string]string{
		"x-goog-api-key": p.apiKey,
	})
	if err != nil {
		return nil, failCall(span, p.logger, geminiName, err)
	}

	result, err := fromGeminiResponse(respBody, p.model)
	if err != nil {
		return nil, failCall(span, p.logger, geminiName, err)
	}

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logGenerateCompleted(p.logger, geminiName, result)

	return result, nil
}

// Name implements domain.Provider.
func (p *GeminiProvider) Name() string { return geminiName }

// ModelInfo implements domain.ModelDescriber.
func (p *GeminiProvider) ModelInfo() domain.ModelInfo {
	return domain.ModelInfo{Provider: geminiName, Model: p.model, Parameters: p.defaults.Merge(nil)}
}

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
}

type geminiCandidate struct {
	Content       geminiContent     `json:"content"`
	FinishReason  string            `json:"finishReason,omitempty"`
	SafetyRatings []json.RawMessage `json:"safetyRatings,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason   string            `json:"blockReason,omitempty"`
	SafetyRatings []json.RawMessage `json:"safetyRatings,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// geminiMetadata is what ends up in GenerationResult.Raw.
type geminiMetadata struct {
	ModelVersion  string            `json:"model_version,omitempty"`
	FinishReason  string            `json:"finish_reason,omitempty"`
	SafetyRatings []json.RawMessage `json:"safety_ratings,omitempty"`
	Usage         *geminiUsage      `json:"usage,omitempty"`
}

func toGeminiRequest(conversation []domain.Message, gen generation) (geminiRequest, error) {
	system, turns := splitSystem(conversation)
	if len(turns) == 0 {
		return geminiRequest{}, domain.NewDomainError("GeminiProvider.GenerateResponse", domain.ErrInvalidInput,
			"conversation has no user or assistant messages")
	}

	req := geminiRequest{Contents: make([]geminiContent, 0, len(turns))}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	for _, m := range turns {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	if !gen.empty() {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     gen.Temperature,
			TopP:            gen.TopP,
			TopK:            gen.TopK,
			MaxOutputTokens: gen.MaxTokens,
			StopSequences:   gen.Stop,
		}
	}
	return req, nil
}

func fromGeminiResponse(body []byte, model string) (*domain.GenerationResult, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("unmarshal gemini response: %v", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, rejected("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, malformed("gemini response has no candidates")
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}

	if text.Len() == 0 {
		if geminiBlockedFinish[cand.FinishReason] {
			return nil, rejected("candidate withheld: finish reason %s", cand.FinishReason)
		}
		return nil, malformed("gemini candidate has no text (finish reason %q)", cand.FinishReason)
	}

	result := &domain.GenerationResult{
		Text:         text.String(),
		Model:        model,
		FinishReason: cand.FinishReason,
		CreatedAt:    time.Now(),
		Raw: mustJSON(geminiMetadata{
			ModelVersion:  resp.ModelVersion,
			FinishReason:  cand.FinishReason,
			SafetyRatings: cand.SafetyRatings,
			Usage:         resp.UsageMetadata,
		}),
	}
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		result.Usage = domain.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return result, nil
}

var (
	_ domain.Provider       = (*GeminiProvider)(nil)
	_ domain.ModelDescriber = (*GeminiProvider)(nil)
)
