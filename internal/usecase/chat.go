package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"chatcore/internal/domain"
	"chatcore/internal/infra/metrics"
	"chatcore/internal/infra/tracer"
)

const defaultTitleLength = 30

// ChatOptions configures a ChatService.
type ChatOptions struct {
	SystemPrompt      string           // default prompt for new conversations; empty = none
	RollbackOnFailure bool             // drop the user message when the provider call fails
	TitleLength       int              // runes kept for auto titles; 0 = default
	Metrics           *metrics.Metrics // optional
}

// NewConversation holds the caller-supplied fields for CreateConversation.
type NewConversation struct {
	ID           string
	Title        string
	SystemPrompt string
	Metadata     map[string]string
}

// ChatService assembles conversation context and sends it to the provider.
// It does not lock: concurrent turns on one conversation must be serialised
// by the caller (see ConversationLocker).
type ChatService struct {
	provider domain.Provider
	store    *ConversationStore
	opts     ChatOptions
	logger   *slog.Logger

	mu           sync.RWMutex
	systemPrompt string
}

// NewChatService creates a chat service over provider and store.
func NewChatService(provider domain.Provider, store *ConversationStore, opts ChatOptions, logger *slog.Logger) *ChatService {
	if opts.TitleLength <= 0 {
		opts.TitleLength = defaultTitleLength
	}
	return &ChatService{
		provider:     provider,
		store:        store,
		opts:         opts,
		logger:       logger,
		systemPrompt: opts.SystemPrompt,
	}
}

// HandleTurn runs one user turn: it appends the user message, sends the
// whole history to the provider and appends the reply. A conversation that
// does not exist yet is created with the default system prompt.
//
// Provider errors are returned unchanged. The user message stays in the
// history unless RollbackOnFailure is set; no assistant message is added.
func (s *ChatService) HandleTurn(ctx context.Context, conversationID, userText string, params domain.GenerationParams) (*domain.GenerationResult, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.turn",
		trace.WithAttributes(
			tracer.StringAttr("chat.conversation_id", conversationID),
			tracer.StringAttr("llm.provider", s.provider.Name()),
		),
	)
	defer span.End()

	if strings.TrimSpace(conversationID) == "" {
		err := domain.NewDomainError("ChatService.HandleTurn", domain.ErrInvalidInput, "conversation id is empty")
		return nil, s.failTurn(span, conversationID, err)
	}
	if strings.TrimSpace(userText) == "" {
		err := domain.NewDomainError("ChatService.HandleTurn", domain.ErrInvalidInput, "message is empty")
		return nil, s.failTurn(span, conversationID, err)
	}

	stored, ok := s.store.Get(conversationID)
	if !ok {
		now := time.Now()
		stored = &domain.Conversation{
			ID:           conversationID,
			SystemPrompt: s.SystemPrompt(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.logger.Debug("conversation created on first turn", "conversation_id", conversationID)
	}
	conv := stored.Clone()

	now := time.Now()
	if conv.State() == domain.StateEmpty && conv.SystemPrompt != "" {
		conv.Messages = append(conv.Messages, domain.Message{
			Role:      domain.RoleSystem,
			Content:   conv.SystemPrompt,
			Timestamp: now,
		})
	}
	conv.Messages = append(conv.Messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   userText,
		Timestamp: now,
	})
	conv.UpdatedAt = now
	span.SetAttributes(tracer.IntAttr("chat.history", len(conv.Messages)))

	// The provider gets its own copy so it cannot alias the history.
	history := make([]domain.Message, len(conv.Messages))
	copy(history, conv.Messages)

	result, err := s.provider.GenerateResponse(ctx, history, params)
	if err != nil {
		// With rollback the stored snapshot is left as it was before the turn.
		if !s.opts.RollbackOnFailure {
			s.store.Put(conv)
		}
		return nil, s.failTurn(span, conversationID, err)
	}

	conv.Messages = append(conv.Messages, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   result.Text,
		Timestamp: time.Now(),
	})
	conv.UpdatedAt = time.Now()
	if conv.Title == "" {
		conv.Title = makeTitle(userText, s.opts.TitleLength)
	}
	s.store.Put(conv)

	tracer.SetOK(span)
	s.opts.Metrics.RecordTurn("ok")
	s.logger.Info("chat turn completed",
		"conversation_id", conversationID,
		"messages", len(conv.Messages),
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
	return result, nil
}

func (s *ChatService) failTurn(span trace.Span, conversationID string, err error) error {
	tracer.RecordError(span, err)
	code := domain.ErrorCodeOf(err)
	span.SetAttributes(tracer.StringAttr("chat.error_code", string(code)))
	s.opts.Metrics.RecordTurn(string(code))
	s.logger.Warn("chat turn failed",
		"conversation_id", conversationID,
		"error_code", code,
		"error", err,
	)
	return err
}

// CreateConversation stores a new, empty conversation. A missing id gets a
// ULID and a missing system prompt falls back to the default.
func (s *ChatService) CreateConversation(_ context.Context, nc NewConversation) (*domain.Conversation, error) {
	id := strings.TrimSpace(nc.ID)
	if id == "" {
		id = newConversationID()
	}
	if _, exists := s.store.Get(id); exists {
		return nil, domain.NewDomainError("ChatService.CreateConversation", domain.ErrDuplicate,
			fmt.Sprintf("conversation %q already exists", id))
	}

	prompt := nc.SystemPrompt
	if prompt == "" {
		prompt = s.SystemPrompt()
	}

	now := time.Now()
	conv := &domain.Conversation{
		ID:           id,
		Title:        nc.Title,
		SystemPrompt: prompt,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     nc.Metadata,
	}
	s.store.Put(conv.Clone())

	s.logger.Info("conversation created", "conversation_id", id)
	return conv, nil
}

// GetConversation returns a copy of the conversation.
func (s *ChatService) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	conv, ok := s.store.Get(id)
	if !ok {
		return nil, domain.NewDomainError("ChatService.GetConversation", domain.ErrConversationNotFound, id)
	}
	return conv.Clone(), nil
}

// ListConversations returns one page of summaries, most recently updated
// first, together with the total count. limit <= 0 means no limit.
func (s *ChatService) ListConversations(_ context.Context, limit, offset int) ([]domain.ConversationSummary, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, domain.NewDomainError("ChatService.ListConversations", domain.ErrInvalidInput,
			"limit and offset must not be negative")
	}

	all := s.store.List()
	total := len(all)
	if offset >= total {
		return []domain.ConversationSummary{}, total, nil
	}
	page := all[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return page, total, nil
}

// DeleteConversation removes a conversation.
func (s *ChatService) DeleteConversation(_ context.Context, id string) error {
	if !s.store.Delete(id) {
		return domain.NewDomainError("ChatService.DeleteConversation", domain.ErrConversationNotFound, id)
	}
	s.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// SystemPrompt returns the default prompt for new conversations.
func (s *ChatService) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

// SetSystemPrompt changes the default prompt. Existing conversations keep
// the prompt they were created with.
func (s *ChatService) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
	s.logger.Info("default system prompt updated", "length", utf8.RuneCountInString(prompt))
}

// ModelInfo describes the provider's model, as far as the provider can say.
func (s *ChatService) ModelInfo() domain.ModelInfo {
	if md, ok := s.provider.(domain.ModelDescriber); ok {
		return md.ModelInfo()
	}
	return domain.ModelInfo{Provider: s.provider.Name()}
}

// ReapIdle drops idle conversations from the store.
func (s *ChatService) ReapIdle() int {
	return s.store.ReapIdle()
}

// makeTitle keeps the first n runes of text, marking truncation with "...".
func makeTitle(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}
