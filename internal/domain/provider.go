package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	// GenerateResponse turns an ordered conversation into a generated reply.
	// Each call is stateless: the full conversation is supplied every time.
	GenerateResponse(ctx context.Context, conversation []Message, params GenerationParams) (*GenerationResult, error)
	// Name returns the provider's identifier (e.g., "gemini", "openai").
	Name() string
}

// ModelDescriber is implemented by providers that can report their model setup.
type ModelDescriber interface {
	ModelInfo() ModelInfo
}

// GenerationResult is returned from a successful provider call.
type GenerationResult struct {
	Text         string          `json:"text"`
	Model        string          `json:"model"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        Usage           `json:"usage"`
	Raw          json.RawMessage `json:"raw,omitempty"` // vendor metadata, opaque to callers
	CreatedAt    time.Time       `json:"created_at"`
}

// ModelInfo describes the model a provider is configured with.
type ModelInfo struct {
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Parameters GenerationParams `json:"parameters,omitempty"`
}
