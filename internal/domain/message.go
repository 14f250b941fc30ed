package domain

import (
	"fmt"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one of the recognised message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single message in a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidateConversation checks the input constraints shared by every provider:
// at least one message and only recognised roles.
func ValidateConversation(msgs []Message) error {
	if len(msgs) == 0 {
		return NewDomainError("ValidateConversation", ErrInvalidInput, "conversation has no messages")
	}
	for i, m := range msgs {
		if !ValidRole(m.Role) {
			return NewDomainError("ValidateConversation", ErrInvalidInput,
				fmt.Sprintf("message %d has unknown role %q", i, m.Role))
		}
	}
	return nil
}

// GenerationParams is an opaque bag of vendor tuning knobs (temperature,
// top_p, max_tokens, ...). Adapters validate it; callers pass it through.
type GenerationParams map[string]any

// Merge returns a new bag holding p overlaid with overrides.
func (p GenerationParams) Merge(overrides GenerationParams) GenerationParams {
	out := make(GenerationParams, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
