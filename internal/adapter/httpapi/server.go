// Package httpapi exposes the chat service over a JSON HTTP API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/infra/metrics"
	"chatcore/internal/usecase"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20 // 1 MB

// ChatService is the part of usecase.ChatService the API needs.
type ChatService interface {
	HandleTurn(ctx context.Context, conversationID, userText string, params domain.GenerationParams) (*domain.GenerationResult, error)
	CreateConversation(ctx context.Context, nc usecase.NewConversation) (*domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, int, error)
	DeleteConversation(ctx context.Context, id string) error
	SystemPrompt() string
	SetSystemPrompt(prompt string)
	ModelInfo() domain.ModelInfo
}

// Options configures a Server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string           // empty = metrics not served
	Metrics      *metrics.Metrics // optional
}

// Server is the HTTP boundary in front of a ChatService.
type Server struct {
	chat    ChatService
	locker  *usecase.ConversationLocker
	opts    Options
	logger  *slog.Logger
	handler http.Handler

	server    *http.Server
	boundAddr string
}

// NewServer wires routes and middleware. Turns on the same conversation are
// serialised through locker.
func NewServer(chat ChatService, locker *usecase.ConversationLocker, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		chat:   chat,
		locker: locker,
		opts:   opts,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/v1/system-prompt", s.handleGetSystemPrompt)
	mux.HandleFunc("PUT /api/v1/system-prompt", s.handleSetSystemPrompt)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if opts.MetricsPath != "" && opts.Metrics != nil {
		mux.Handle("GET "+opts.MetricsPath, opts.Metrics.Handler())
	}

	s.handler = requestID(accessLog(logger, opts.Metrics)(securityHeaders(mux)))
	return s
}

// Handler returns the fully wrapped handler (for tests and embedding).
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		s.logger.Info("http server started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string { return s.boundAddr }

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
