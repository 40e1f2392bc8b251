package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/grovehq/grove-gateway/internal/config"
	"github.com/grovehq/grove-gateway/internal/devicecode"
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/grovehq/grove-gateway/internal/oauth"
	"github.com/grovehq/grove-gateway/internal/storage"
	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer      = "https://gateway.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testClientState = "client-state-12345"

	// 43 characters, the RFC 7636 minimum.
	testCodeVerifier = "test-code-verifier-test-code-verifier-12345"
)

var testJWTSecret = []byte("test-jwt-secret-test-jwt-secret-")

// fakeIDP simulates the Grove ID token and userinfo endpoints.
type fakeIDP struct {
	server *httptest.Server

	tokenStatus    int
	userInfoStatus int
	userInfo       map[string]any
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	idp := &fakeIDP{
		tokenStatus:    http.StatusOK,
		userInfoStatus: http.StatusOK,
		userInfo: map[string]any{
			"sub":     "user-1",
			"email":   "user@example.com",
			"name":    "User One",
			"tenants": []string{"acme"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if idp.tokenStatus != http.StatusOK {
			http.Error(w, "exchange failed", idp.tokenStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "idp-access-token",
			"refresh_token": "idp-refresh-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if idp.userInfoStatus != http.StatusOK {
			http.Error(w, "userinfo failed", idp.userInfoStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(idp.userInfo)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

type testEnv struct {
	handlers  *AuthHandlers
	store     *storage.MemoryStorage
	codec     oauth.StateCodec
	deviceSvc *devicecode.Service
	provider  fosite.OAuth2Provider
	idp       *fakeIDP
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("GROVE_ENV", "")

	idp := newFakeIDP(t)
	store := storage.NewMemoryStorage()

	provider, err := oauth.NewProvider(config.OAuthConfig{Issuer: testIssuer, TokenTTL: time.Hour}, store, testJWTSecret)
	require.NoError(t, err)

	codec := oauth.NewStateCodec(testJWTSecret, 10*time.Minute)
	identityClient := identity.NewClient(config.IdentityConfig{
		ClientID:         "grove-gateway",
		ClientSecret:     "gateway-secret",
		AuthorizationURL: idp.server.URL + "/authorize",
		TokenURL:         idp.server.URL + "/token",
		UserInfoURL:      idp.server.URL + "/userinfo",
		RedirectURI:      testIssuer + "/oauth/callback",
	})
	deviceSvc := devicecode.NewService(store, testJWTSecret, testIssuer)

	_, err = store.CreateClient(context.Background(), "web-app",
		[]string{testRedirectURI},
		[]string{"openid", "profile", "email", "offline_access"},
		testIssuer)
	require.NoError(t, err)
	_, err = store.CreateClient(context.Background(), "grove-cli", nil, []string{"openid"}, testIssuer)
	require.NoError(t, err)

	return &testEnv{
		handlers:  NewAuthHandlers(provider, store, identityClient, codec, deviceSvc, testIssuer, time.Hour),
		store:     store,
		codec:     codec,
		deviceSvc: deviceSvc,
		provider:  provider,
		idp:       idp,
	}
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"web-app"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid offline_access"},
		"state":                 {testClientState},
		"code_challenge":        {codeChallenge(testCodeVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func postForm(handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func decodeOAuthError(t *testing.T, rr *httptest.ResponseRecorder) oauth.OAuthError {
	t.Helper()
	var oauthErr oauth.OAuthError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &oauthErr), "body: %s", rr.Body.String())
	return oauthErr
}

func TestWellKnownHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.handlers.WellKnownHandler(rr, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer, meta["issuer"])
	assert.Equal(t, testIssuer+"/token", meta["token_endpoint"])
	assert.Contains(t, meta["grant_types_supported"], oauth.DeviceCodeGrantType)
}

func TestAuthorizeRedirectsToIdentityProvider(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery().Encode(), nil)
	rr := httptest.NewRecorder()
	env.handlers.AuthorizeHandler(rr, req)

	require.Equal(t, http.StatusFound, rr.Code, "body: %s", rr.Body.String())
	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), env.idp.server.URL+"/authorize"))

	// The state parameter carries the whole pending authorization, signed.
	pending, err := env.codec.Decode(location.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "web-app", pending.ClientID)
	assert.Equal(t, testRedirectURI, pending.RedirectURI)
	assert.Equal(t, testClientState, pending.State)
	assert.Equal(t, codeChallenge(testCodeVerifier), pending.Form.Get("code_challenge"))

	// The upstream PKCE challenge stays local, it must not reach the provider.
	assert.Empty(t, location.Query().Get("code_challenge"))
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	env := newTestEnv(t)

	q := authorizeQuery()
	q.Set("client_id", "nobody")
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	env.handlers.AuthorizeHandler(rr, req)

	assert.NotEqual(t, http.StatusFound, rr.Code)
}

func TestCallbackErrorPrecedence(t *testing.T) {
	t.Run("provider error is propagated verbatim before local checks", func(t *testing.T) {
		env := newTestEnv(t)
		// No state and no code either; the provider error still wins.
		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied&error_description=user+said+no", nil)
		rr := httptest.NewRecorder()
		env.handlers.CallbackHandler(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		oauthErr := decodeOAuthError(t, rr)
		assert.Equal(t, oauth.ErrAccessDenied, oauthErr.Code)
		assert.Equal(t, "user said no", oauthErr.Description)
	})

	t.Run("missing state", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc", nil)
		rr := httptest.NewRecorder()
		env.handlers.CallbackHandler(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, oauth.ErrMissingState, decodeOAuthError(t, rr).Code)
	})

	t.Run("invalid state is checked before missing code", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state=forged", nil)
		rr := httptest.NewRecorder()
		env.handlers.CallbackHandler(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, oauth.ErrInvalidState, decodeOAuthError(t, rr).Code)
	})

	t.Run("missing code with valid state", func(t *testing.T) {
		env := newTestEnv(t)
		state := signedTestState(t, env)
		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state="+url.QueryEscape(state), nil)
		rr := httptest.NewRecorder()
		env.handlers.CallbackHandler(rr, req)

		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, oauth.ErrMissingCode, decodeOAuthError(t, rr).Code)
	})

	t.Run("token exchange failure maps to 502", func(t *testing.T) {
		env := newTestEnv(t)
		env.idp.tokenStatus = http.StatusInternalServerError

		rr := callbackWithCode(t, env)
		require.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, oauth.ErrTokenExchangeFailed, decodeOAuthError(t, rr).Code)
	})

	t.Run("unauthenticated subject maps to 401", func(t *testing.T) {
		env := newTestEnv(t)
		env.idp.userInfo = map[string]any{"email": "ghost@example.com"}

		rr := callbackWithCode(t, env)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, oauth.ErrSessionInvalid, decodeOAuthError(t, rr).Code)
	})

	t.Run("userinfo failure maps to 502", func(t *testing.T) {
		env := newTestEnv(t)
		env.idp.userInfoStatus = http.StatusInternalServerError

		rr := callbackWithCode(t, env)
		require.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, oauth.ErrSessionValidationFailed, decodeOAuthError(t, rr).Code)
	})
}

// signedTestState captures a real authorize request into a signed state blob.
func signedTestState(t *testing.T, env *testEnv) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery().Encode(), nil)
	rr := httptest.NewRecorder()
	env.handlers.AuthorizeHandler(rr, req)
	require.Equal(t, http.StatusFound, rr.Code, "body: %s", rr.Body.String())

	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return location.Query().Get("state")
}

func callbackWithCode(t *testing.T, env *testEnv) *httptest.ResponseRecorder {
	t.Helper()
	state := signedTestState(t, env)
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=grove-code&state="+url.QueryEscape(state), nil)
	rr := httptest.NewRecorder()
	env.handlers.CallbackHandler(rr, req)
	return rr
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)

	// The callback issues an authorization code bound to the original request.
	rr := callbackWithCode(t, env)
	require.Equal(t, http.StatusSeeOther, rr.Code, "body: %s", rr.Body.String())

	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Location"), testRedirectURI))
	assert.Equal(t, testClientState, location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the code with the locally held PKCE verifier.
	tokenRR := postForm(env.handlers.TokenHandler, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {"web-app"},
		"code_verifier": {testCodeVerifier},
	})
	require.Equal(t, http.StatusOK, tokenRR.Code, "body: %s", tokenRR.Body.String())

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(tokenRR.Body.Bytes(), &token))
	require.NotEmpty(t, token.AccessToken)
	require.NotEmpty(t, token.RefreshToken)
	assert.True(t, strings.EqualFold("bearer", token.TokenType))

	// The issued token introspects back to the delegated identity.
	middleware := oauth.NewValidateTokenMiddleware(env.provider, nil)
	protected := middleware(http.HandlerFunc(env.handlers.UserInfoHandler))

	userReq := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	userReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	userRR := httptest.NewRecorder()
	protected.ServeHTTP(userRR, userReq)
	require.Equal(t, http.StatusOK, userRR.Code, "body: %s", userRR.Body.String())

	var ident identity.Identity
	require.NoError(t, json.Unmarshal(userRR.Body.Bytes(), &ident))
	assert.Equal(t, "user-1", ident.UserID)
	assert.Equal(t, "user@example.com", ident.Email)

	// Refresh tokens that are not device-issued flow through the provider.
	refreshRR := postForm(env.handlers.TokenHandler, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
		"client_id":     {"web-app"},
	})
	require.Equal(t, http.StatusOK, refreshRR.Code, "body: %s", refreshRR.Body.String())

	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(refreshRR.Body.Bytes(), &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, token.AccessToken, refreshed.AccessToken)
}

func TestCallbackRejectsCodeExchangeWithoutVerifier(t *testing.T) {
	env := newTestEnv(t)

	rr := callbackWithCode(t, env)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)

	tokenRR := postForm(env.handlers.TokenHandler, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {location.Query().Get("code")},
		"redirect_uri": {testRedirectURI},
		"client_id":    {"web-app"},
	})
	assert.NotEqual(t, http.StatusOK, tokenRR.Code)
}

func TestRegisterHandler(t *testing.T) {
	register := func(t *testing.T, env *testEnv, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		env.handlers.RegisterHandler(rr, req)
		return rr
	}

	t.Run("public client", func(t *testing.T) {
		env := newTestEnv(t)
		rr := register(t, env, `{"redirect_uris": ["https://new.example.com/cb"]}`)
		require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		clientID, _ := resp["client_id"].(string)
		require.NotEmpty(t, clientID)
		assert.Equal(t, "none", resp["token_endpoint_auth_method"])
		assert.NotContains(t, resp, "client_secret")
		assert.Equal(t, "openid profile email offline_access", resp["scope"])

		client, err := env.store.GetClientWithMetadata(context.Background(), clientID)
		require.NoError(t, err)
		assert.True(t, client.Public)
	})

	t.Run("confidential client gets a one-time secret", func(t *testing.T) {
		env := newTestEnv(t)
		rr := register(t, env, `{"redirect_uris": ["https://new.example.com/cb"], "token_endpoint_auth_method": "client_secret_post", "scope": "openid email"}`)
		require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		secret, _ := resp["client_secret"].(string)
		require.NotEmpty(t, secret)
		assert.Equal(t, "client_secret_post", resp["token_endpoint_auth_method"])
		assert.Equal(t, "openid email", resp["scope"])

		clientID, _ := resp["client_id"].(string)
		client, err := env.store.GetClientWithMetadata(context.Background(), clientID)
		require.NoError(t, err)
		assert.False(t, client.Public)
		// Only the bcrypt hash is stored.
		assert.NotEqual(t, []byte(secret), client.Secret)
	})

	t.Run("rejects missing redirect_uris", func(t *testing.T) {
		env := newTestEnv(t)
		rr := register(t, env, `{}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("rejects relative redirect URIs", func(t *testing.T) {
		env := newTestEnv(t)
		rr := register(t, env, `{"redirect_uris": ["/cb"]}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("rejects non-POST", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodGet, "/register", nil)
		rr := httptest.NewRecorder()
		env.handlers.RegisterHandler(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestDeviceCodeHandler(t *testing.T) {
	t.Run("requires POST", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodGet, "/auth/device-code", nil)
		rr := httptest.NewRecorder()
		env.handlers.DeviceCodeHandler(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("requires client_id", func(t *testing.T) {
		env := newTestEnv(t)
		rr := postForm(env.handlers.DeviceCodeHandler, "/auth/device-code", url.Values{})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, oauth.ErrInvalidRequest, decodeOAuthError(t, rr).Code)
	})

	t.Run("unknown client", func(t *testing.T) {
		env := newTestEnv(t)
		rr := postForm(env.handlers.DeviceCodeHandler, "/auth/device-code", url.Values{"client_id": {"nobody"}})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, oauth.ErrInvalidClient, decodeOAuthError(t, rr).Code)
	})

	t.Run("issues codes", func(t *testing.T) {
		env := newTestEnv(t)
		rr := postForm(env.handlers.DeviceCodeHandler, "/auth/device-code", url.Values{"client_id": {"grove-cli"}})
		require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

		var code devicecode.CodeResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &code))
		assert.NotEmpty(t, code.DeviceCode)
		assert.Len(t, code.UserCode, 9)
		assert.Equal(t, 900, code.ExpiresIn)
		assert.Equal(t, 5, code.Interval)
	})
}

func TestDeviceGrantFlow(t *testing.T) {
	env := newTestEnv(t)
	ident := identity.Identity{UserID: "user-1", Email: "user@example.com", Tenants: []string{"acme"}}

	// Start a device authorization.
	rr := postForm(env.handlers.DeviceCodeHandler, "/auth/device-code", url.Values{"client_id": {"grove-cli"}})
	require.Equal(t, http.StatusOK, rr.Code)
	var code devicecode.CodeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &code))

	pollForm := url.Values{
		"grant_type":  {oauth.DeviceCodeGrantType},
		"device_code": {code.DeviceCode},
		"client_id":   {"grove-cli"},
	}

	// Polling before the user decides.
	pollRR := postForm(env.handlers.TokenHandler, "/token", pollForm)
	require.Equal(t, http.StatusBadRequest, pollRR.Code)
	assert.Equal(t, oauth.ErrAuthorizationPending, decodeOAuthError(t, pollRR).Code)

	// Approve from an authenticated browser session.
	approveReq := httptest.NewRequest(http.MethodPost, "/auth/device/approve", strings.NewReader(url.Values{"user_code": {code.UserCode}}.Encode()))
	approveReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	approveReq = approveReq.WithContext(oauth.WithCaller(approveReq.Context(), oauth.Caller{Identity: ident, SessionID: "browser-session"}))
	approveRR := httptest.NewRecorder()
	env.handlers.DeviceApproveHandler(approveRR, approveReq)
	require.Equal(t, http.StatusOK, approveRR.Code, "body: %s", approveRR.Body.String())

	var decision deviceDecisionResponse
	require.NoError(t, json.Unmarshal(approveRR.Body.Bytes(), &decision))
	assert.Equal(t, storage.DeviceStatusAuthorized, decision.Status)
	assert.True(t, decision.Changed)

	// The next poll succeeds regardless of the polling interval.
	tokenRR := postForm(env.handlers.TokenHandler, "/token", pollForm)
	require.Equal(t, http.StatusOK, tokenRR.Code, "body: %s", tokenRR.Body.String())

	var token devicecode.TokenResponse
	require.NoError(t, json.Unmarshal(tokenRR.Body.Bytes(), &token))
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, 3600, token.ExpiresIn)
	require.NotEmpty(t, token.RefreshToken)

	// Device tokens pass the bearer middleware through the fallback verifier.
	middleware := oauth.NewValidateTokenMiddleware(env.provider, func(raw string) (oauth.Caller, bool) {
		claims, err := env.deviceSvc.VerifyAccessToken(raw)
		if err != nil {
			return oauth.Caller{}, false
		}
		return oauth.Caller{
			Identity:  identity.Identity{UserID: claims.UserID, Email: claims.Email, Tenants: claims.Tenants},
			SessionID: claims.SessionID,
		}, true
	})
	protected := middleware(http.HandlerFunc(env.handlers.UserInfoHandler))

	userReq := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	userReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	userRR := httptest.NewRecorder()
	protected.ServeHTTP(userRR, userReq)
	require.Equal(t, http.StatusOK, userRR.Code, "body: %s", userRR.Body.String())

	var gotIdent identity.Identity
	require.NoError(t, json.Unmarshal(userRR.Body.Bytes(), &gotIdent))
	assert.Equal(t, "user-1", gotIdent.UserID)

	// Device refresh tokens are dispatched away from the provider.
	refreshRR := postForm(env.handlers.TokenHandler, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
		"client_id":     {"grove-cli"},
	})
	require.Equal(t, http.StatusOK, refreshRR.Code, "body: %s", refreshRR.Body.String())
}

func TestDeviceGrantErrorStatuses(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing parameters", func(t *testing.T) {
		rr := postForm(env.handlers.TokenHandler, "/token", url.Values{
			"grant_type": {oauth.DeviceCodeGrantType},
		})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, oauth.ErrInvalidRequest, decodeOAuthError(t, rr).Code)
	})

	t.Run("unknown device code", func(t *testing.T) {
		rr := postForm(env.handlers.TokenHandler, "/token", url.Values{
			"grant_type":  {oauth.DeviceCodeGrantType},
			"device_code": {"nope"},
			"client_id":   {"grove-cli"},
		})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, oauth.ErrInvalidGrant, decodeOAuthError(t, rr).Code)
	})
}

func TestDeviceDecisionHandlers(t *testing.T) {
	ident := identity.Identity{UserID: "user-1", Email: "user@example.com"}

	withCaller := func(req *http.Request) *http.Request {
		return req.WithContext(oauth.WithCaller(req.Context(), oauth.Caller{Identity: ident, SessionID: "browser-session"}))
	}

	t.Run("approve requires authentication", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/auth/device/approve", strings.NewReader("user_code=AAAA-BBBB"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		env.handlers.DeviceApproveHandler(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("approve requires user_code", func(t *testing.T) {
		env := newTestEnv(t)
		req := withCaller(httptest.NewRequest(http.MethodPost, "/auth/device/approve", strings.NewReader("")))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		env.handlers.DeviceApproveHandler(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown user code is 404", func(t *testing.T) {
		env := newTestEnv(t)
		req := withCaller(httptest.NewRequest(http.MethodPost, "/auth/device/deny", strings.NewReader("user_code=XXXX-XXXX")))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		env.handlers.DeviceDenyHandler(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("deny marks the authorization denied", func(t *testing.T) {
		env := newTestEnv(t)
		code, err := env.deviceSvc.Begin(context.Background(), "grove-cli")
		require.NoError(t, err)

		req := withCaller(httptest.NewRequest(http.MethodPost, "/auth/device/deny", strings.NewReader("user_code="+code.UserCode)))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		env.handlers.DeviceDenyHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		var decision deviceDecisionResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decision))
		assert.Equal(t, storage.DeviceStatusDenied, decision.Status)
	})
}

func TestLogoutHandler(t *testing.T) {
	t.Run("deletes the caller session", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.PutSession(context.Background(), &storage.Session{
			ID:        "sess-1",
			UserID:    "user-1",
			ExpiresAt: time.Now().Add(time.Hour),
		}))

		req := httptest.NewRequest(http.MethodGet, "/logout", nil)
		req = req.WithContext(oauth.WithCaller(req.Context(), oauth.Caller{
			Identity:  identity.Identity{UserID: "user-1"},
			SessionID: "sess-1",
		}))
		rr := httptest.NewRecorder()
		env.handlers.LogoutHandler(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)

		_, err := env.store.GetSession(context.Background(), "sess-1")
		assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	})

	t.Run("requires an authenticated session", func(t *testing.T) {
		env := newTestEnv(t)
		req := httptest.NewRequest(http.MethodGet, "/logout", nil)
		rr := httptest.NewRecorder()
		env.handlers.LogoutHandler(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
