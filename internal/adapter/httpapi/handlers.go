package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chatcore/internal/domain"
	"chatcore/internal/usecase"
)

type chatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	TopK           *int     `json:"top_k,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	Stop           []string `json:"stop,omitempty"`
}

// params keeps only the fields the caller set, so adapter defaults apply
// to the rest.
func (r chatRequest) params() domain.GenerationParams {
	p := domain.GenerationParams{}
	if r.Temperature != nil {
		p["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		p["top_p"] = *r.TopP
	}
	if r.TopK != nil {
		p["top_k"] = *r.TopK
	}
	if r.MaxTokens != nil {
		p["max_tokens"] = *r.MaxTokens
	}
	if len(r.Stop) > 0 {
		p["stop"] = r.Stop
	}
	return p
}

type chatResponse struct {
	Response       string       `json:"response"`
	ConversationID string       `json:"conversation_id"`
	Model          string       `json:"model"`
	FinishReason   string       `json:"finish_reason,omitempty"`
	Usage          domain.Usage `json:"usage"`
}

type createConversationRequest struct {
	ID           string            `json:"id,omitempty"`
	Title        string            `json:"title,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type conversationList struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
	Total         int                          `json:"total"`
	Limit         int                          `json:"limit"`
	Offset        int                          `json:"offset"`
}

type systemPromptBody struct {
	SystemPrompt string `json:"system_prompt"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, envelope{
				Status:    statusError,
				Message:   "request body too large (max 1MB)",
				ErrorCode: string(domain.CodeInvalidInput),
			})
			return false
		}
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeBadRequest(w, "message is required")
		return
	}

	ctx := r.Context()
	if req.ConversationID == "" {
		conv, err := s.chat.CreateConversation(ctx, usecase.NewConversation{})
		if err != nil {
			writeError(w, err)
			return
		}
		req.ConversationID = conv.ID
	}

	unlock, err := s.locker.Lock(ctx, req.ConversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unlock()

	result, err := s.chat.HandleTurn(ctx, req.ConversationID, req.Message, req.params())
	if err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusOK, chatResponse{
		Response:       result.Text,
		ConversationID: req.ConversationID,
		Model:          result.Model,
		FinishReason:   result.FinishReason,
		Usage:          result.Usage,
	})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	conv, err := s.chat.CreateConversation(r.Context(), usecase.NewConversation{
		ID:           req.ID,
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	page, total, err := s.chat.ListConversations(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, conversationList{
		Conversations: page,
		Total:         total,
		Limit:         limit,
		Offset:        offset,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.chat.DeleteConversation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGetSystemPrompt(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, systemPromptBody{SystemPrompt: s.chat.SystemPrompt()})
}

func (s *Server) handleSetSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var body systemPromptBody
	if !decodeBody(w, r, &body) {
		return
	}
	s.chat.SetSystemPrompt(body.SystemPrompt)
	writeData(w, http.StatusOK, body)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.chat.ModelInfo())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := s.chat.ModelInfo()
	writeData(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": info.Provider,
		"model":    info.Model,
	})
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
