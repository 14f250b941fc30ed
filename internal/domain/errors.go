package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDuplicate    = fmt.Errorf("duplicate")
)

// Provider errors. Every adapter maps vendor failures onto exactly one of
// ErrProviderUnavailable, ErrProviderRejected or ErrProviderMalformedResponse.
var (
	ErrUnknownProvider           = fmt.Errorf("unknown llm provider")
	ErrMissingCredentials        = fmt.Errorf("missing or malformed provider credentials")
	ErrProviderUnavailable       = fmt.Errorf("llm provider unavailable")
	ErrProviderRejected          = fmt.Errorf("llm provider rejected request")
	ErrProviderMalformedResponse = fmt.Errorf("llm provider returned malformed response")
)

// Chat and configuration errors.
var (
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrDecryption           = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Factory.Create")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// if the caller retries. Nothing in this module retries on its own.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// ErrorCode is a machine-parseable error category for boundaries and metrics.
type ErrorCode string

const (
	CodeUnknown                   ErrorCode = "UNKNOWN"
	CodeInvalidInput              ErrorCode = "INVALID_INPUT"
	CodeDuplicate                 ErrorCode = "DUPLICATE"
	CodeUnknownProvider           ErrorCode = "UNKNOWN_PROVIDER"
	CodeMissingCredentials        ErrorCode = "MISSING_CREDENTIALS"
	CodeProviderUnavailable       ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderRejected          ErrorCode = "PROVIDER_REJECTED"
	CodeProviderMalformedResponse ErrorCode = "PROVIDER_MALFORMED_RESPONSE"
	CodeConversationNotFound      ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeConfigLoad                ErrorCode = "CONFIG_LOAD"
	CodeDecryption                ErrorCode = "DECRYPTION"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Ordered lookup keeps the result deterministic when a chain wraps several.
var errorCodeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrProviderUnavailable, CodeProviderUnavailable},
	{ErrProviderRejected, CodeProviderRejected},
	{ErrProviderMalformedResponse, CodeProviderMalformedResponse},
	{ErrUnknownProvider, CodeUnknownProvider},
	{ErrMissingCredentials, CodeMissingCredentials},
	{ErrConversationNotFound, CodeConversationNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrDuplicate, CodeDuplicate},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, m := range errorCodeMap {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
