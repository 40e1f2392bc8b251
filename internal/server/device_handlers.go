package server

import (
	"errors"
	"net/http"

	"github.com/grovehq/grove-gateway/internal/devicecode"
	"github.com/grovehq/grove-gateway/internal/jsonwriter"
	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/grovehq/grove-gateway/internal/oauth"
	"github.com/grovehq/grove-gateway/internal/storage"
)

// DeviceCodeHandler starts a device authorization (RFC 8628 section 3.1).
func (h *AuthHandlers) DeviceCodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "malformed request body"))
		return
	}

	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "client_id is required"))
		return
	}

	code, err := h.deviceService.Begin(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, devicecode.ErrUnknownClient) {
			oauth.WriteError(w, http.StatusUnauthorized, oauth.NewOAuthError(oauth.ErrInvalidClient, "unknown client_id"))
			return
		}
		log.LogError("Failed to start device authorization: %v", err)
		oauth.WriteError(w, http.StatusInternalServerError, oauth.NewOAuthError(oauth.ErrInternalError, "failed to start device authorization"))
		return
	}

	_ = jsonwriter.Write(w, code)
}

// deviceDecisionResponse is the approve/deny response payload.
type deviceDecisionResponse struct {
	UserCode string               `json:"user_code"`
	Status   storage.DeviceStatus `json:"status"`
	Changed  bool                 `json:"changed"`
}

// DeviceApproveHandler approves a pending device authorization on behalf of
// the authenticated caller. Requires the bearer middleware.
func (h *AuthHandlers) DeviceApproveHandler(w http.ResponseWriter, r *http.Request) {
	caller, userCode, ok := h.deviceDecisionParams(w, r)
	if !ok {
		return
	}

	auth, err := h.deviceService.Approve(r.Context(), userCode, caller.Identity)
	if err != nil {
		h.writeDeviceDecisionError(w, userCode, err)
		return
	}

	_ = jsonwriter.Write(w, deviceDecisionResponse{
		UserCode: userCode,
		Status:   auth.Status,
		Changed:  auth.Status == storage.DeviceStatusAuthorized && auth.UserID == caller.Identity.UserID,
	})
}

// DeviceDenyHandler denies a pending device authorization.
func (h *AuthHandlers) DeviceDenyHandler(w http.ResponseWriter, r *http.Request) {
	_, userCode, ok := h.deviceDecisionParams(w, r)
	if !ok {
		return
	}

	auth, err := h.deviceService.Deny(r.Context(), userCode)
	if err != nil {
		h.writeDeviceDecisionError(w, userCode, err)
		return
	}

	_ = jsonwriter.Write(w, deviceDecisionResponse{
		UserCode: userCode,
		Status:   auth.Status,
	})
}

func (h *AuthHandlers) deviceDecisionParams(w http.ResponseWriter, r *http.Request) (oauth.Caller, string, bool) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return oauth.Caller{}, "", false
	}

	caller, ok := oauth.GetCallerFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Authentication required")
		return oauth.Caller{}, "", false
	}

	if err := r.ParseForm(); err != nil {
		jsonwriter.WriteBadRequest(w, "Malformed request body")
		return oauth.Caller{}, "", false
	}

	userCode := r.PostFormValue("user_code")
	if userCode == "" {
		jsonwriter.WriteBadRequest(w, "user_code is required")
		return oauth.Caller{}, "", false
	}

	return caller, userCode, true
}

func (h *AuthHandlers) writeDeviceDecisionError(w http.ResponseWriter, userCode string, err error) {
	if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
		jsonwriter.WriteNotFound(w, "Unknown user code")
		return
	}
	log.LogError("Device decision failed for %s: %v", userCode, err)
	jsonwriter.WriteInternalServerError(w, "Failed to record decision")
}

// UserInfoHandler returns the authenticated caller's identity. Used by the
// CLI's whoami and by devices validating a fresh token.
func (h *AuthHandlers) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := oauth.GetCallerFromContext(r.Context())
	if !ok {
		jsonwriter.WriteUnauthorized(w, "Authentication required")
		return
	}

	_ = jsonwriter.Write(w, caller.Identity)
}
