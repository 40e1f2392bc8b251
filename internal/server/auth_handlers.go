package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grovehq/grove-gateway/internal/crypto"
	"github.com/grovehq/grove-gateway/internal/devicecode"
	"github.com/grovehq/grove-gateway/internal/envutil"
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/grovehq/grove-gateway/internal/jsonwriter"
	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/grovehq/grove-gateway/internal/oauth"
	"github.com/grovehq/grove-gateway/internal/storage"
	"github.com/ory/fosite"
)

// AuthHandlers provides the OAuth delegation HTTP handlers with dependency
// injection: the upstream-facing fosite provider, the Grove ID client, the
// signed-state codec, and the session store.
type AuthHandlers struct {
	oauthProvider  fosite.OAuth2Provider
	storage        storage.Storage
	identityClient *identity.Client
	stateCodec     oauth.StateCodec
	deviceService  *devicecode.Service
	issuer         string
	tokenTTL       time.Duration
}

// NewAuthHandlers creates the auth handler set.
func NewAuthHandlers(
	oauthProvider fosite.OAuth2Provider,
	store storage.Storage,
	identityClient *identity.Client,
	stateCodec oauth.StateCodec,
	deviceService *devicecode.Service,
	issuer string,
	tokenTTL time.Duration,
) *AuthHandlers {
	if tokenTTL == 0 {
		tokenTTL = time.Hour
	}
	return &AuthHandlers{
		oauthProvider:  oauthProvider,
		storage:        store,
		identityClient: identityClient,
		stateCodec:     stateCodec,
		deviceService:  deviceService,
		issuer:         issuer,
		tokenTTL:       tokenTTL,
	}
}

// WellKnownHandler serves OAuth 2.0 Authorization Server Metadata (RFC 8414)
func (h *AuthHandlers) WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	metadata, err := oauth.AuthorizationServerMetadata(h.issuer)
	if err != nil {
		log.LogError("Failed to build authorization server metadata: %v", err)
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		log.LogError("Failed to encode well-known metadata: %v", err)
	}
}

// AuthorizeHandler starts an upstream authorization: parse and validate the
// request, capture it into a signed state blob, and hand the user agent to
// the identity provider. Nothing is persisted server-side at this point.
func (h *AuthHandlers) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log.Logf("Authorize handler called: %s %s", r.Method, r.URL.Path)

	// In development mode, generate a secure state parameter if missing.
	// This works around bugs in OAuth clients that don't send state.
	stateParam := r.URL.Query().Get("state")
	if envutil.IsDev() && len(stateParam) == 0 {
		generatedState, err := crypto.GenerateSecureToken()
		if err == nil {
			log.LogWarn("Development mode: generating state parameter for buggy client")
			q := r.URL.Query()
			q.Set("state", generatedState)
			r.URL.RawQuery = q.Encode()
			if r.Form == nil {
				_ = r.ParseForm()
			}
			r.Form.Set("state", generatedState)
		}
	}

	ar, err := h.oauthProvider.NewAuthorizeRequest(ctx, r)
	if err != nil {
		log.LogError("Authorize request error: %v", err)
		h.oauthProvider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	signedState, err := h.stateCodec.Encode(oauth.PendingFromRequest(ar))
	if err != nil {
		log.LogError("Failed to sign authorization state: %v", err)
		h.oauthProvider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.WithHint("Failed to prepare authorization state"))
		return
	}

	http.Redirect(w, r, h.identityClient.AuthURL(signedState), http.StatusFound)
}

// CallbackHandler completes an authorization after the identity provider
// redirects back. Failures are classified in a fixed order: a provider error
// is propagated verbatim before any local validation runs, then the state is
// checked before the code, then exchange and identity resolution failures map
// to 502, and an unauthenticated subject maps to 401.
func (h *AuthHandlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		log.LogWarnWithFields("auth", "Identity provider returned an error", map[string]any{
			"error":             errParam,
			"error_description": query.Get("error_description"),
		})
		oauth.WriteError(w, http.StatusBadRequest, &oauth.OAuthError{
			Code:        oauth.ErrorCode(errParam),
			Description: query.Get("error_description"),
		})
		return
	}

	signedState := query.Get("state")
	if signedState == "" {
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrMissingState, "state parameter is required"))
		return
	}

	pending, err := h.stateCodec.Decode(signedState)
	if err != nil {
		log.LogWarn("Rejected callback with invalid state: %v", err)
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidState, "state parameter is invalid or expired"))
		return
	}

	code := query.Get("code")
	if code == "" {
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrMissingCode, "code parameter is required"))
		return
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	token, err := h.identityClient.ExchangeCode(exchangeCtx, code)
	if err != nil {
		log.LogError("Failed to exchange code with identity provider: %v", err)
		oauth.WriteError(w, http.StatusBadGateway, oauth.NewOAuthError(oauth.ErrTokenExchangeFailed, "could not exchange code with the identity provider"))
		return
	}

	ident, err := h.identityClient.ResolveIdentity(exchangeCtx, token)
	if err != nil {
		if errors.Is(err, identity.ErrNoIdentity) {
			oauth.WriteError(w, http.StatusUnauthorized, oauth.NewOAuthError(oauth.ErrSessionInvalid, "identity provider reported no authenticated user"))
			return
		}
		log.LogError("Failed to resolve identity: %v", err)
		oauth.WriteError(w, http.StatusBadGateway, oauth.NewOAuthError(oauth.ErrSessionValidationFailed, "could not validate the identity provider session"))
		return
	}

	log.LogInfoWithFields("auth", "User authenticated", map[string]any{
		"user_id": ident.UserID,
		"email":   ident.Email,
	})

	session := &storage.Session{
		ID:           uuid.NewString(),
		UserID:       ident.UserID,
		Email:        ident.Email,
		Tenants:      ident.Tenants,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(h.tokenTTL * 2),
		CreatedAt:    time.Now(),
	}
	if err := h.storage.PutSession(ctx, session); err != nil {
		log.LogError("Failed to store session: %v", err)
		oauth.WriteError(w, http.StatusInternalServerError, oauth.NewOAuthError(oauth.ErrInternalError, "failed to create session"))
		return
	}

	ar, err := h.rebuildAuthorizeRequest(ctx, pending)
	if err != nil {
		log.LogError("Failed to rebuild authorize request: %v", err)
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidState, "authorization request could not be restored"))
		return
	}

	oauthSession := &oauth.Session{
		DefaultSession: &fosite.DefaultSession{
			Subject: ident.UserID,
			ExpiresAt: map[fosite.TokenType]time.Time{
				fosite.AccessToken:  time.Now().Add(h.tokenTTL),
				fosite.RefreshToken: time.Now().Add(h.tokenTTL * 2),
			},
		},
		Identity:  *ident,
		SessionID: session.ID,
	}
	ar.SetSession(oauthSession)

	response, err := h.oauthProvider.NewAuthorizeResponse(ctx, ar, oauthSession)
	if err != nil {
		log.LogError("Authorize response error: %v", err)
		h.oauthProvider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	h.oauthProvider.WriteAuthorizeResponse(ctx, w, ar, response)
}

// rebuildAuthorizeRequest reconstructs the fosite authorize request captured
// in the state blob. The original form is restored so PKCE parameters reach
// the PKCE handler when the authorization code is issued.
func (h *AuthHandlers) rebuildAuthorizeRequest(ctx context.Context, pending oauth.PendingAuthorization) (*fosite.AuthorizeRequest, error) {
	client, err := h.storage.GetClient(ctx, pending.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client %s: %w", pending.ClientID, err)
	}

	redirectURI, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect URI: %w", err)
	}

	requestID, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	form := pending.Form
	if form == nil {
		form = url.Values{}
	}

	return &fosite.AuthorizeRequest{
		ResponseTypes:        fosite.Arguments{pending.ResponseType},
		RedirectURI:          redirectURI,
		State:                pending.State,
		HandledResponseTypes: fosite.Arguments{},
		Request: fosite.Request{
			ID:                requestID,
			RequestedAt:       time.Now(),
			Client:            client,
			RequestedScope:    pending.Scopes,
			GrantedScope:      pending.Scopes,
			RequestedAudience: pending.Audience,
			GrantedAudience:   pending.Audience,
			Form:              form,
			Session:           &oauth.Session{DefaultSession: &fosite.DefaultSession{}},
		},
	}, nil
}

// TokenHandler dispatches token requests by grant type: the device grant and
// device-issued refresh tokens are handled by the device service, everything
// else goes through fosite.
func (h *AuthHandlers) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "malformed request body"))
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch {
	case grantType == oauth.DeviceCodeGrantType:
		h.handleDeviceGrant(ctx, w, r)
		return
	case grantType == "refresh_token" && h.deviceService.CanRefresh(r.PostFormValue("refresh_token")):
		h.handleDeviceRefresh(ctx, w, r)
		return
	}

	session := &oauth.Session{DefaultSession: &fosite.DefaultSession{}}
	accessRequest, err := h.oauthProvider.NewAccessRequest(ctx, r, session)
	if err != nil {
		log.LogError("Access request error: %v", err)
		h.oauthProvider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	response, err := h.oauthProvider.NewAccessResponse(ctx, accessRequest)
	if err != nil {
		log.LogError("Access response error: %v", err)
		h.oauthProvider.WriteAccessError(ctx, w, accessRequest, err)
		return
	}

	h.oauthProvider.WriteAccessResponse(ctx, w, accessRequest, response)
}

func (h *AuthHandlers) handleDeviceGrant(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	deviceCode := r.PostFormValue("device_code")
	clientID := r.PostFormValue("client_id")
	if deviceCode == "" || clientID == "" {
		oauth.WriteError(w, http.StatusBadRequest, oauth.NewOAuthError(oauth.ErrInvalidRequest, "device_code and client_id are required"))
		return
	}

	token, oauthErr := h.deviceService.Poll(ctx, deviceCode, clientID)
	if oauthErr != nil {
		oauth.WriteError(w, deviceErrorStatus(oauthErr), oauthErr)
		return
	}
	_ = jsonwriter.Write(w, token)
}

func (h *AuthHandlers) handleDeviceRefresh(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	token, oauthErr := h.deviceService.Refresh(ctx, r.PostFormValue("refresh_token"), r.PostFormValue("client_id"))
	if oauthErr != nil {
		oauth.WriteError(w, deviceErrorStatus(oauthErr), oauthErr)
		return
	}
	_ = jsonwriter.Write(w, token)
}

// deviceErrorStatus maps the device grant error taxonomy onto HTTP statuses.
func deviceErrorStatus(oauthErr *oauth.OAuthError) int {
	switch oauthErr.Code {
	case oauth.ErrInvalidClient:
		return http.StatusUnauthorized
	case oauth.ErrSessionInvalid:
		return http.StatusUnauthorized
	case oauth.ErrInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// RegisterHandler handles dynamic client registration (RFC 7591).
func (h *AuthHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	log.Logf("Register handler called: %s %s", r.Method, r.URL.Path)

	if r.Method != http.MethodPost {
		jsonwriter.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	var metadata map[string]any
	if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid request body")
		return
	}

	redirectURIs, scopes, err := parseClientRegistration(metadata)
	if err != nil {
		log.LogError("Client registration parsing error: %v", err)
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	clientID, err := crypto.GenerateSecureToken()
	if err != nil {
		log.LogError("Failed to generate client ID: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to create client")
		return
	}

	tokenEndpointAuthMethod := "none"
	var client *storage.Client
	var plaintextSecret string

	if authMethod, ok := metadata["token_endpoint_auth_method"].(string); ok && authMethod == "client_secret_post" {
		plaintextSecret, err = crypto.GenerateSecureToken()
		if err != nil {
			log.LogError("Failed to generate client secret: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
		hashedSecret, err := crypto.HashClientSecret(plaintextSecret)
		if err != nil {
			log.LogError("Failed to hash client secret: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
		client, err = h.storage.CreateConfidentialClient(r.Context(), clientID, hashedSecret, redirectURIs, scopes, h.issuer)
		if err != nil {
			log.LogError("Failed to create confidential client: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
		tokenEndpointAuthMethod = "client_secret_post"
	} else {
		client, err = h.storage.CreateClient(r.Context(), clientID, redirectURIs, scopes, h.issuer)
		if err != nil {
			log.LogError("Failed to create client: %v", err)
			jsonwriter.WriteInternalServerError(w, "Failed to create client")
			return
		}
	}

	response := map[string]any{
		"client_id":                  client.ID,
		"client_id_issued_at":        client.CreatedAt,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"scope":                      strings.Join(client.Scopes, " "),
		"token_endpoint_auth_method": tokenEndpointAuthMethod,
	}
	if plaintextSecret != "" {
		response["client_secret"] = plaintextSecret
	}

	if err := jsonwriter.WriteResponse(w, http.StatusCreated, response); err != nil {
		log.LogError("Failed to encode registration response: %v", err)
	}
}

// parseClientRegistration extracts and validates redirect URIs and scopes
// from RFC 7591 client metadata.
func parseClientRegistration(metadata map[string]any) ([]string, []string, error) {
	rawURIs, ok := metadata["redirect_uris"].([]any)
	if !ok || len(rawURIs) == 0 {
		return nil, nil, fmt.Errorf("redirect_uris is required")
	}

	redirectURIs := make([]string, 0, len(rawURIs))
	for _, raw := range rawURIs {
		uri, ok := raw.(string)
		if !ok || uri == "" {
			return nil, nil, fmt.Errorf("redirect_uris entries must be non-empty strings")
		}
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() {
			return nil, nil, fmt.Errorf("redirect_uris entries must be absolute URIs")
		}
		redirectURIs = append(redirectURIs, uri)
	}

	scopes := []string{"openid", "profile", "email", "offline_access"}
	if rawScope, ok := metadata["scope"].(string); ok && rawScope != "" {
		scopes = strings.Fields(rawScope)
	}

	return redirectURIs, scopes, nil
}

// LogoutHandler deletes the caller's session. The bearer middleware must run
// before this handler.
func (h *AuthHandlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := oauth.GetCallerFromContext(r.Context())
	if !ok || caller.SessionID == "" {
		jsonwriter.WriteUnauthorized(w, "No authenticated session")
		return
	}

	if err := h.storage.DeleteSession(r.Context(), caller.SessionID); err != nil {
		log.LogError("Failed to delete session %s: %v", caller.SessionID, err)
		jsonwriter.WriteInternalServerError(w, "Failed to delete session")
		return
	}

	log.LogInfoWithFields("auth", "Session deleted", map[string]any{
		"session_id": caller.SessionID,
		"user_id":    caller.Identity.UserID,
	})
	_ = jsonwriter.Write(w, map[string]string{"status": "logged_out"})
}
