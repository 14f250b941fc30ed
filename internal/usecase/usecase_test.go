package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"chatcore/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replies from a script and records every conversation it
// was sent.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   [][]domain.Message
	params  []domain.GenerationParams
}

func (p *scriptedProvider) GenerateResponse(_ context.Context, conv []domain.Message, params domain.GenerationParams) (*domain.GenerationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(p.calls)
	p.calls = append(p.calls, conv)
	p.params = append(p.params, params)

	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	text := "fallback"
	if idx < len(p.replies) {
		text = p.replies[idx]
	}
	return &domain.GenerationResult{Text: text, Model: "scripted", Usage: domain.Usage{TotalTokens: 3}}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ModelInfo() domain.ModelInfo {
	return domain.ModelInfo{Provider: "scripted", Model: "scripted-1"}
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestService(p domain.Provider, opts ChatOptions) (*ChatService, *ConversationStore) {
	store := NewConversationStore(StoreOptions{}, nil, newTestLogger())
	return NewChatService(p, store, opts, newTestLogger()), store
}
