// Package devicecode implements the server side of the OAuth 2.0 device
// authorization grant (RFC 8628): code issuance, polling, and the single
// approve/deny transition.
package devicecode

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/grovehq/grove-gateway/internal/crypto"
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/grovehq/grove-gateway/internal/oauth"
	"github.com/grovehq/grove-gateway/internal/storage"
	"github.com/ory/fosite"
)

const (
	// CodeTTL bounds how long a device code stays redeemable.
	CodeTTL = 15 * time.Minute

	// DefaultInterval is the minimum seconds between polls.
	DefaultInterval = 5

	// slowDownPenalty is added to the interval when a client polls too fast.
	slowDownPenalty = 5

	// AccessTokenTTL is the lifetime of tokens issued to devices.
	AccessTokenTTL = time.Hour

	// refreshTokenTTL is the lifetime of device refresh tokens.
	refreshTokenTTL = 30 * 24 * time.Hour
)

// ErrUnknownClient is returned when the client_id is not registered.
var ErrUnknownClient = errors.New("unknown client_id")

// CodeResponse is the device authorization response (RFC 8628 section 3.2).
type CodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// TokenResponse is the successful token payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenClaims are the signed claims carried by device access and refresh tokens.
type TokenClaims struct {
	SessionID string   `json:"sid"`
	ClientID  string   `json:"cid"`
	UserID    string   `json:"sub"`
	Email     string   `json:"email"`
	Tenants   []string `json:"tenants,omitempty"`
	Refresh   bool     `json:"refresh,omitempty"`
}

// Service issues and resolves device authorization codes.
type Service struct {
	store         storage.Storage
	accessSigner  crypto.TokenSigner
	refreshSigner crypto.TokenSigner
	issuer        string
}

// NewService creates a device authorization service. Tokens are HMAC-signed
// with the gateway JWT secret.
func NewService(store storage.Storage, jwtSecret []byte, issuer string) *Service {
	return &Service{
		store:         store,
		accessSigner:  crypto.NewTokenSigner(jwtSecret, AccessTokenTTL),
		refreshSigner: crypto.NewTokenSigner(jwtSecret, refreshTokenTTL),
		issuer:        issuer,
	}
}

// Begin creates a device authorization for the given client.
func (s *Service) Begin(ctx context.Context, clientID string) (*CodeResponse, error) {
	if _, err := s.store.GetClientWithMetadata(ctx, clientID); err != nil {
		if errors.Is(err, fosite.ErrNotFound) {
			return nil, ErrUnknownClient
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}

	deviceCode, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device code: %w", err)
	}
	userCode, err := crypto.GenerateUserCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user code: %w", err)
	}

	auth := &storage.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   clientID,
		Status:     storage.DeviceStatusPending,
		ExpiresAt:  time.Now().Add(CodeTTL),
		Interval:   DefaultInterval,
	}
	if err := s.store.CreateDeviceAuthorization(ctx, auth); err != nil {
		return nil, fmt.Errorf("failed to store device authorization: %w", err)
	}

	verificationURI := s.issuer + "/auth/device"
	log.LogInfoWithFields("devicecode", "Device authorization started", map[string]any{
		"client_id": clientID,
		"user_code": userCode,
	})

	return &CodeResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               int(CodeTTL.Seconds()),
		Interval:                DefaultInterval,
	}, nil
}

// Poll resolves one poll attempt against the current device code state.
// The returned *oauth.OAuthError is nil exactly when a token is issued.
func (s *Service) Poll(ctx context.Context, deviceCode, clientID string) (*TokenResponse, *oauth.OAuthError) {
	auth, err := s.store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return nil, oauth.NewOAuthError(oauth.ErrInvalidGrant, "unknown device_code")
		}
		log.LogError("Device code lookup failed: %v", err)
		return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to look up device code")
	}

	if auth.ClientID != clientID {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidClient, "device_code was issued to a different client")
	}

	switch auth.Status {
	case storage.DeviceStatusDenied:
		return nil, oauth.NewOAuthError(oauth.ErrAccessDenied, "the user denied the authorization request")
	case storage.DeviceStatusExpired:
		return nil, oauth.NewOAuthError(oauth.ErrExpiredToken, "the device code has expired, restart the login")
	case storage.DeviceStatusAuthorized:
		return s.issueTokens(ctx, auth)
	}

	// Still pending: enforce the polling interval.
	now := time.Now()
	if !auth.LastPolledAt.IsZero() && now.Sub(auth.LastPolledAt) < time.Duration(auth.Interval)*time.Second {
		raised := auth.Interval + slowDownPenalty
		if err := s.store.RecordDevicePoll(ctx, deviceCode, now, raised); err != nil {
			log.LogError("Failed to record device poll: %v", err)
		}
		slowDown := oauth.NewOAuthError(oauth.ErrSlowDown, "polling too frequently")
		slowDown.Interval = raised
		return nil, slowDown
	}

	if err := s.store.RecordDevicePoll(ctx, deviceCode, now, 0); err != nil {
		log.LogError("Failed to record device poll: %v", err)
	}
	return nil, oauth.NewOAuthError(oauth.ErrAuthorizationPending, "the user has not yet approved the request")
}

// issueTokens creates (or reuses) the session for an authorized device code
// and signs a token pair. Repeated polls after authorization return a stable
// payload shape against the same session.
func (s *Service) issueTokens(ctx context.Context, auth *storage.DeviceAuthorization) (*TokenResponse, *oauth.OAuthError) {
	sessionID, err := s.store.AttachDeviceSession(ctx, auth.DeviceCode, uuid.NewString())
	if err != nil {
		log.LogError("Failed to attach device session: %v", err)
		return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to create session")
	}

	// First poll after approval creates the session record.
	if auth.SessionID == "" {
		session := &storage.Session{
			ID:        sessionID,
			UserID:    auth.UserID,
			Email:     auth.Email,
			Tenants:   auth.Tenants,
			ExpiresAt: time.Now().Add(refreshTokenTTL),
			CreatedAt: time.Now(),
		}
		if err := s.store.PutSession(ctx, session); err != nil {
			log.LogError("Failed to store device session: %v", err)
			return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to create session")
		}
	}

	claims := TokenClaims{
		SessionID: sessionID,
		ClientID:  auth.ClientID,
		UserID:    auth.UserID,
		Email:     auth.Email,
		Tenants:   auth.Tenants,
	}

	accessToken, err := s.accessSigner.Sign(claims)
	if err != nil {
		log.LogError("Failed to sign device access token: %v", err)
		return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to issue token")
	}

	refreshClaims := claims
	refreshClaims.Refresh = true
	refreshToken, err := s.refreshSigner.Sign(refreshClaims)
	if err != nil {
		log.LogError("Failed to sign device refresh token: %v", err)
		return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to issue token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
	}, nil
}

// Approve performs the single pending -> authorized transition for a user
// code, binding the approving identity. A repeated decision is a no-op that
// reports the already-decided state.
func (s *Service) Approve(ctx context.Context, userCode string, ident identity.Identity) (*storage.DeviceAuthorization, error) {
	auth, changed, err := s.store.TransitionDeviceAuthorization(ctx, userCode, storage.DeviceStatusAuthorized, &ident)
	if err != nil {
		return nil, err
	}
	if changed {
		log.LogInfoWithFields("devicecode", "Device authorization approved", map[string]any{
			"user_code": userCode,
			"user_id":   ident.UserID,
		})
	}
	return auth, nil
}

// Deny performs the single pending -> denied transition for a user code.
func (s *Service) Deny(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	auth, changed, err := s.store.TransitionDeviceAuthorization(ctx, userCode, storage.DeviceStatusDenied, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		log.LogInfoWithFields("devicecode", "Device authorization denied", map[string]any{
			"user_code": userCode,
		})
	}
	return auth, nil
}

// VerifyAccessToken validates a device access token and returns its claims.
func (s *Service) VerifyAccessToken(token string) (*TokenClaims, error) {
	var claims TokenClaims
	if err := s.accessSigner.Verify(token, &claims); err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, fmt.Errorf("refresh token used as access token")
	}
	return &claims, nil
}

// Refresh validates a device refresh token and issues a fresh token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenResponse, *oauth.OAuthError) {
	var claims TokenClaims
	if err := s.refreshSigner.Verify(refreshToken, &claims); err != nil {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidGrant, "invalid or expired refresh token")
	}
	if !claims.Refresh {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidGrant, "not a refresh token")
	}
	if claims.ClientID != clientID {
		return nil, oauth.NewOAuthError(oauth.ErrInvalidGrant, "refresh token was issued to a different client")
	}

	// The session must still exist; logout or the sweep invalidates it.
	if _, err := s.store.GetSession(ctx, claims.SessionID); err != nil {
		return nil, oauth.NewOAuthError(oauth.ErrSessionInvalid, "session no longer exists")
	}

	claims.Refresh = false
	accessToken, err := s.accessSigner.Sign(claims)
	if err != nil {
		log.LogError("Failed to sign device access token: %v", err)
		return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to issue token")
	}

	refreshClaims := claims
	refreshClaims.Refresh = true
	newRefreshToken, err := s.refreshSigner.Sign(refreshClaims)
	if err != nil {
		log.LogError("Failed to sign device refresh token: %v", err)
		return nil, oauth.NewOAuthError(oauth.ErrInternalError, "failed to issue token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
		RefreshToken: newRefreshToken,
	}, nil
}

// CanRefresh reports whether the given refresh token was issued by this
// service, letting the token endpoint route refresh grants.
func (s *Service) CanRefresh(refreshToken string) bool {
	var claims TokenClaims
	return s.refreshSigner.Verify(refreshToken, &claims) == nil && claims.Refresh
}
