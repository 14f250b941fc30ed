package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/domain"
	"chatcore/internal/infra/config"
	"chatcore/internal/infra/tracer"
)

const (
	bedrockName         = "bedrock"
	bedrockDefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

var bedrockParams = []string{ParamTemperature, ParamTopP, ParamTopK, ParamMaxTokens, ParamStop}

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements domain.Provider via the AWS Bedrock Converse API.
type BedrockProvider struct {
	model    string
	timeout  time.Duration
	defaults domain.GenerationParams
	client   bedrockConverseAPI
	logger   *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider. An api_key of the form
// ACCESS_KEY_ID:SECRET_ACCESS_KEY selects static credentials; an empty key
// uses the default AWS credential chain, resolved lazily on the first call.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, domain.NewDomainError("NewBedrockProvider", domain.ErrMissingCredentials,
			"region is required (set llm.provider.region or CHATCORE_LLM_REGION)")
	}
	defaults := domain.GenerationParams(cfg.Generation).Merge(nil)
	if _, err := parseGeneration("NewBedrockProvider", defaults, bedrockParams...); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// One attempt per call; callers decide whether to retry.
		awsconfig.WithRetryMaxAttempts(1),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		id, secret, ok := strings.Cut(key, ":")
		if !ok || id == "" || secret == "" {
			return nil, domain.NewDomainError("NewBedrockProvider", domain.ErrMissingCredentials,
				"api_key must be ACCESS_KEY_ID:SECRET_ACCESS_KEY")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, domain.NewDomainError("NewBedrockProvider", domain.ErrMissingCredentials,
			fmt.Sprintf("load aws config: %v", err))
	}

	var clientOpts []func(*bedrockruntime.Options)
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}

	p := newBedrockProviderWithClient(cfg.Model, bedrockruntime.NewFromConfig(awsCfg, clientOpts...), logger)
	p.timeout = callTimeout(cfg)
	p.defaults = defaults
	return p, nil
}

// newBedrockProviderWithClient creates a BedrockProvider with an injected client (for testing).
func newBedrockProviderWithClient(model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	if model == "" {
		model = bedrockDefaultModel
	}
	return &BedrockProvider{
		model:    model,
		timeout:  defaultCallTimeout,
		defaults: domain.GenerationParams{},
		client:   client,
		logger:   logger,
	}
}

// GenerateResponse implements domain.Provider.
func (p *BedrockProvider) GenerateResponse(ctx context.Context, conversation []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.generate",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", bedrockName),
			tracer.StringAttr("llm.model", p.model),
			tracer.IntAttr("llm.messages", len(conversation)),
		),
	)
	defer span.End()

	if err := domain.ValidateConversation(conversation); err != nil {
		return nil, failCall(span, p.logger, bedrockName, err)
	}
	gen, err := parseGeneration("BedrockProvider.GenerateResponse", p.defaults.Merge(params), bedrockParams...)
	if err != nil {
		return nil, failCall(span, p.logger, bedrockName, err)
	}

	input, err := toBedrockConverseInput(p.model, conversation, gen)
	if err != nil {
		return nil, failCall(span, p.logger, bedrockName, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, failCall(span, p.logger, bedrockName, mapBedrockError(err))
	}

	result, err := fromBedrockConverseOutput(output, p.model)
	if err != nil {
		return nil, failCall(span, p.logger, bedrockName, err)
	}

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logGenerateCompleted(p.logger, bedrockName, result)

	return result, nil
}

// Name implements domain.Provider.
func (p *BedrockProvider) Name() string { return bedrockName }

// ModelInfo implements domain.ModelDescriber.
func (p *BedrockProvider) ModelInfo() domain.ModelInfo {
	return domain.ModelInfo{Provider: bedrockName, Model: p.model, Parameters: p.defaults.Merge(nil)}
}

func toBedrockConverseInput(model string, conversation []domain.Message, gen generation) (*bedrockruntime.ConverseInput, error) {
	system, turns := splitSystem(conversation)
	if len(turns) == 0 {
		return nil, domain.NewDomainError("BedrockProvider.GenerateResponse", domain.ErrInvalidInput,
			"conversation has no user or assistant messages")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: make([]types.Message, 0, len(turns)),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	for _, m := range turns {
		role := types.ConversationRoleUser
		if m.Role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	if gen.Temperature != nil || gen.TopP != nil || gen.MaxTokens != nil || len(gen.Stop) > 0 {
		ic := &types.InferenceConfiguration{StopSequences: gen.Stop}
		if gen.Temperature != nil {
			ic.Temperature = aws.Float32(float32(*gen.Temperature))
		}
		if gen.TopP != nil {
			ic.TopP = aws.Float32(float32(*gen.TopP))
		}
		if gen.MaxTokens != nil {
			ic.MaxTokens = aws.Int32(int32(*gen.MaxTokens))
		}
		input.InferenceConfig = ic
	}
	// Converse has no top_k field; model families that support it read it
	// from the additional request fields.
	if gen.TopK != nil {
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{"top_k": *gen.TopK})
	}

	return input, nil
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string) (*domain.GenerationResult, error) {
	if output == nil {
		return nil, malformed("bedrock returned no output")
	}

	switch output.StopReason {
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return nil, rejected("bedrock stop reason %s", output.StopReason)
	}

	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, malformed("bedrock output is %T, want message", output.Output)
	}

	var text strings.Builder
	for _, block := range msg.Value.Content {
		if b, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(b.Value)
		}
	}
	if text.Len() == 0 {
		return nil, malformed("bedrock message has no text (stop reason %q)", output.StopReason)
	}

	result := &domain.GenerationResult{
		Text:         text.String(),
		Model:        model,
		FinishReason: string(output.StopReason),
		CreatedAt:    time.Now(),
	}
	if output.Usage != nil {
		in := int(aws.ToInt32(output.Usage.InputTokens))
		out := int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}
	meta := map[string]any{"stop_reason": string(output.StopReason)}
	if output.Metrics != nil {
		meta["latency_ms"] = aws.ToInt64(output.Metrics.LatencyMs)
	}
	result.Raw = mustJSON(meta)
	return result, nil
}

// --- Error mapping ---

var bedrockRejectedCodes = map[string]bool{
	"ThrottlingException":           true,
	"TooManyRequestsException":      true,
	"ServiceQuotaExceededException": true,
	"AccessDeniedException":         true,
	"UnrecognizedClientException":   true,
	"ExpiredTokenException":         true,
	"ValidationException":           true,
	"ResourceNotFoundException":     true,
	"ModelStreamErrorException":     true,
}

var bedrockUnavailableCodes = map[string]bool{
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelNotReadyException":      true,
	"ModelTimeoutException":       true,
	"ModelErrorException":         true,
}

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case bedrockRejectedCodes[code]:
			return fmt.Errorf("%w: %s: %s", domain.ErrProviderRejected, code, apiErr.ErrorMessage())
		case bedrockUnavailableCodes[code]:
			return fmt.Errorf("%w: %s: %s", domain.ErrProviderUnavailable, code, apiErr.ErrorMessage())
		case apiErr.ErrorFault() == smithy.FaultClient:
			return fmt.Errorf("%w: %s: %s", domain.ErrProviderRejected, code, apiErr.ErrorMessage())
		default:
			return fmt.Errorf("%w: %s: %s", domain.ErrProviderUnavailable, code, apiErr.ErrorMessage())
		}
	}

	return mapTransportError(err)
}

var (
	_ domain.Provider       = (*BedrockProvider)(nil)
	_ domain.ModelDescriber = (*BedrockProvider)(nil)
)
