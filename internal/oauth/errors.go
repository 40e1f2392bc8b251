package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/grovehq/grove-gateway/internal/log"
)

type ErrorCode string

const (
	ErrInvalidRequest          ErrorCode = "invalid_request"
	ErrUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrAccessDenied            ErrorCode = "access_denied"
	ErrUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrInvalidScope            ErrorCode = "invalid_scope"
	ErrServerError             ErrorCode = "server_error"
	ErrInvalidGrant            ErrorCode = "invalid_grant"
	ErrInvalidClient           ErrorCode = "invalid_client"
	ErrUnsupportedGrantType    ErrorCode = "unsupported_grant_type"

	// Delegation callback errors
	ErrMissingCode             ErrorCode = "missing_code"
	ErrMissingState            ErrorCode = "missing_state"
	ErrInvalidState            ErrorCode = "invalid_state"
	ErrSessionInvalid          ErrorCode = "session_invalid"
	ErrTokenExchangeFailed     ErrorCode = "token_exchange_failed"
	ErrSessionValidationFailed ErrorCode = "session_validation_failed"
	ErrInternalError           ErrorCode = "internal_error"

	// Device authorization grant errors (RFC 8628)
	ErrAuthorizationPending ErrorCode = "authorization_pending"
	ErrSlowDown             ErrorCode = "slow_down"
	ErrExpiredToken         ErrorCode = "expired_token"
)

type OAuthError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`

	// Interval accompanies slow_down responses with the raised polling interval.
	Interval int `json:"interval,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return string(e.Code)
}

func NewOAuthError(code ErrorCode, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// WriteError writes a structured OAuth error as JSON with the given status.
func WriteError(w http.ResponseWriter, status int, oauthErr *OAuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(oauthErr); err != nil {
		log.LogError("Failed to encode OAuth error response: %v", err)
	}
}
