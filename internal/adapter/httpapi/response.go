package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatcore/internal/domain"
)

// envelope is the body shape of every API response.
type envelope struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: statusSuccess, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	writeJSON(w, statusFor(err), envelope{
		Status:    statusError,
		Message:   err.Error(),
		ErrorCode: string(code),
	})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{
		Status:    statusError,
		Message:   msg,
		ErrorCode: string(domain.CodeInvalidInput),
	})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrProviderMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
