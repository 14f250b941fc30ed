package domain

import "time"

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	StateEmpty  ConversationState = "empty"
	StateActive ConversationState = "active"
)

// Conversation holds an ordered, append-only sequence of messages. When a
// system prompt is set it is seeded as the first message on the first turn.
type Conversation struct {
	ID           string            `json:"id"`
	Title        string            `json:"title,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Messages     []Message         `json:"messages"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// State reports whether the conversation has seen its first turn.
func (c *Conversation) State() ConversationState {
	if len(c.Messages) == 0 {
		return StateEmpty
	}
	return StateActive
}

// Clone returns a deep copy safe to hand to callers.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Summary returns the listing view of the conversation.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// ConversationSummary is the listing view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
