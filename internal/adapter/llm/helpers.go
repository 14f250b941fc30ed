package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/domain"
	"chatcore/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// maxErrorDetail caps how much of a vendor error body ends up in error strings.
const maxErrorDetail = 512

// doJSONRequest performs a JSON POST request and returns the response body.
// Transport failures map to ErrProviderUnavailable and non-200 statuses go
// through mapHTTPError.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewDomainError("doJSONRequest", domain.ErrInvalidInput, err.Error())
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, mapTransportError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// mapTransportError wraps a network-level failure (refused connection,
// timeout, cancelled context, truncated body) as ErrProviderUnavailable.
// The original error stays in the chain so context errors remain matchable.
func mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: request timed out: %w", domain.ErrProviderUnavailable, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: request cancelled: %w", domain.ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
}

// mapHTTPError maps an HTTP status code + response body to one of the three
// provider error kinds: 5xx and 408 are Unavailable, every other status the
// vendor answered with (400, 401, 403, 404, 429, ...) is Rejected.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, errorDetail(body))

	switch {
	case statusCode >= 500 || statusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderRejected, detail)
	}
}

// errorDetail pulls the human-readable message out of a vendor error body.
// Both Gemini and OpenAI use {"error": {"message": ...}}.
func errorDetail(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		kind := env.Error.Status
		if kind == "" {
			kind = env.Error.Type
		}
		if kind != "" {
			return kind + ": " + env.Error.Message
		}
		return env.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorDetail {
		s = s[:maxErrorDetail] + "..."
	}
	return s
}

// malformed builds an ErrProviderMalformedResponse with detail.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrProviderMalformedResponse, fmt.Sprintf(format, args...))
}

// rejected builds an ErrProviderRejected with detail.
func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrProviderRejected, fmt.Sprintf(format, args...))
}

// failCall records err on the span and logs it. Malformed responses are
// logged at error level since they point at a bug or an API version drift.
func failCall(span trace.Span, logger *slog.Logger, providerName string, err error) error {
	tracer.RecordError(span, err)
	span.SetAttributes(tracer.StringAttr("llm.error_code", string(domain.ErrorCodeOf(err))))

	switch {
	case errors.Is(err, domain.ErrProviderMalformedResponse):
		logger.Error("llm provider returned malformed response", "provider", providerName, "error", err)
	case errors.Is(err, domain.ErrInvalidInput):
		logger.Debug("llm request rejected locally", "provider", providerName, "error", err)
	default:
		logger.Warn("llm call failed", "provider", providerName, "error", err)
	}
	return err
}

// logGenerateCompleted logs the standard debug message after a successful call.
func logGenerateCompleted(logger *slog.Logger, providerName string, result *domain.GenerationResult) {
	logger.Debug("llm generate completed",
		"provider", providerName,
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// splitSystem separates system messages from the dialogue turns. Multiple
// system messages are joined in order.
func splitSystem(msgs []domain.Message) (string, []domain.Message) {
	var system []string
	turns := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
