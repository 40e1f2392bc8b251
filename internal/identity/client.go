package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grovehq/grove-gateway/internal/config"
	"golang.org/x/oauth2"
)

// ErrNoIdentity is returned when the identity provider response carries no
// authenticated subject.
var ErrNoIdentity = errors.New("identity provider returned no authenticated user")

// Identity is the confirmed identity resolved from Grove ID.
type Identity struct {
	UserID  string   `json:"sub"`
	Email   string   `json:"email"`
	Name    string   `json:"name,omitempty"`
	Tenants []string `json:"tenants,omitempty"`
}

// Client talks to the Grove ID identity provider. The gateway is registered
// as an internal trusted client; upstream PKCE parameters are never forwarded
// here (the upstream grant's PKCE is verified locally at the token endpoint).
type Client struct {
	config      oauth2.Config
	userInfoURL string
	httpClient  *http.Client
}

// NewClient builds an identity client from gateway configuration.
func NewClient(cfg config.IdentityConfig) *Client {
	return &Client{
		config: oauth2.Config{
			ClientID:     string(cfg.ClientID),
			ClientSecret: string(cfg.ClientSecret),
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"openid", "email", "profile", "tenants"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthURL generates the identity provider entry point URL carrying the given
// opaque state. The provider returns the state verbatim on its callback.
func (c *Client) AuthURL(state string) string {
	return c.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// ExchangeCode exchanges an authorization code for provider tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return c.config.Exchange(ctx, code)
}

// Refresh obtains fresh credentials from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	source := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return source.Token()
}

// userInfoResponse is the Grove ID userinfo payload.
type userInfoResponse struct {
	Sub     string   `json:"sub"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Tenants []string `json:"tenants"`
}

// ResolveIdentity fetches the confirmed identity for the given token.
// Returns ErrNoIdentity when the provider reports no authenticated subject.
func (c *Client) ResolveIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := c.config.Client(ctx, token)

	resp, err := client.Get(c.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("failed to get user info: status %d: %s", resp.StatusCode, body)
	}

	var userInfo userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	if userInfo.Sub == "" {
		return nil, ErrNoIdentity
	}

	return &Identity{
		UserID:  userInfo.Sub,
		Email:   userInfo.Email,
		Name:    userInfo.Name,
		Tenants: userInfo.Tenants,
	}, nil
}
