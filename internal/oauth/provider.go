package oauth

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/grovehq/grove-gateway/internal/config"
	"github.com/grovehq/grove-gateway/internal/envutil"
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"
)

type contextKey string

// callerContextKey is the context key for the authenticated caller.
const callerContextKey contextKey = "grove_caller"

// Caller is the identity attached to a request after token introspection.
type Caller struct {
	Identity  identity.Identity
	SessionID string
}

// GetCallerFromContext extracts the authenticated caller from context.
func GetCallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(Caller)
	return caller, ok
}

// WithCaller attaches a caller to the context (exported for tests).
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// NewProvider creates the upstream-facing OAuth 2.1 provider.
func NewProvider(oauthConfig config.OAuthConfig, store fosite.Storage, jwtSecret []byte) (fosite.OAuth2Provider, error) {
	tokenTTL := oauthConfig.TokenTTL
	if tokenTTL == 0 {
		tokenTTL = time.Hour
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("JWT secret must be at least 32 bytes long for security, got %d bytes", len(jwtSecret))
	}

	// Production enforces secure state parameters; development allows buggy
	// clients that send short or empty state.
	minEntropy := 8
	if envutil.IsDev() {
		minEntropy = 0
		log.LogWarn("Development mode enabled - OAuth state entropy checks relaxed")
	}

	fositeConfig := &fosite.Config{
		AccessTokenLifespan:            tokenTTL,
		RefreshTokenLifespan:           tokenTTL * 2,
		AuthorizeCodeLifespan:          10 * time.Minute,
		TokenURL:                       oauthConfig.Issuer + "/token",
		ScopeStrategy:                  fosite.HierarchicScopeStrategy,
		AudienceMatchingStrategy:       fosite.DefaultAudienceMatchingStrategy,
		EnforcePKCEForPublicClients:    true,
		EnablePKCEPlainChallengeMethod: false,
		MinParameterEntropy:            minEntropy,
		GlobalSecret:                   jwtSecret,
	}

	provider := compose.Compose(
		fositeConfig,
		store,
		&compose.CommonStrategy{
			CoreStrategy: compose.NewOAuth2HMACStrategy(fositeConfig),
		},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2TokenIntrospectionFactory,
	)

	return provider, nil
}

// GenerateJWTSecret validates a provided secret or generates a secure one.
func GenerateJWTSecret(providedSecret string) ([]byte, error) {
	if providedSecret != "" {
		secret := []byte(providedSecret)
		if len(secret) < 32 {
			return nil, fmt.Errorf("JWT secret must be at least 32 bytes long for security, got %d bytes", len(secret))
		}
		return secret, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	log.LogWarn("Generated random JWT secret. Set oauth.jwtSecret for persistent tokens across restarts")
	return secret, nil
}

// FallbackVerifier resolves a caller from tokens the fosite provider does not
// recognize, such as HMAC-signed device tokens.
type FallbackVerifier func(token string) (Caller, bool)

// NewValidateTokenMiddleware creates middleware that validates bearer tokens
// and attaches the resolved caller to the request context. Tokens rejected by
// the provider are offered to the fallback verifier when one is given.
func NewValidateTokenMiddleware(provider fosite.OAuth2Provider, fallback FallbackVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(auth, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token := parts[1]

			// The session passed to IntrospectToken is not populated; the
			// actual session data must be read from the returned requester.
			// See https://github.com/ory/fosite/issues/256
			session := &Session{DefaultSession: &fosite.DefaultSession{}}
			_, accessRequest, err := provider.IntrospectToken(ctx, token, fosite.AccessToken, session)
			if err != nil {
				if fallback != nil {
					if caller, ok := fallback(token); ok {
						next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
						return
					}
				}
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			if accessRequest != nil {
				if reqSession, ok := accessRequest.GetSession().(*Session); ok {
					ctx = WithCaller(ctx, Caller{
						Identity:  reqSession.Identity,
						SessionID: reqSession.SessionID,
					})
					r = r.WithContext(ctx)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
