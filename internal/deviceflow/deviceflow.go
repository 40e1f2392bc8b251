// Package deviceflow is the client side of the device authorization grant:
// it requests a device code from the gateway and polls the token endpoint
// until the user decides or the code expires.
package deviceflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grovehq/grove-gateway/internal/devicecode"
	"github.com/grovehq/grove-gateway/internal/oauth"
)

// maxWait caps how long Poll will wait regardless of what the server
// advertises in expires_in.
const maxWait = 15 * time.Minute

// ErrAccessDenied is returned when the user denies the authorization request.
var ErrAccessDenied = errors.New("authorization was denied")

// ErrExpired is returned when the device code expires before a decision.
var ErrExpired = errors.New("device code expired before the login completed")

// Client drives the device flow against a gateway.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a device flow client for the gateway at baseURL.
func NewClient(baseURL, clientID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestDeviceCode starts a device authorization and returns the codes to
// present to the user.
func (c *Client) RequestDeviceCode(ctx context.Context) (*devicecode.CodeResponse, error) {
	form := url.Values{"client_id": {c.clientID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/device-code", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read device code response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauth.OAuthError
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Code != "" {
			return nil, &oauthErr
		}
		return nil, fmt.Errorf("device code request returned status %d", resp.StatusCode)
	}

	var code devicecode.CodeResponse
	if err := json.Unmarshal(body, &code); err != nil {
		return nil, fmt.Errorf("failed to decode device code response: %w", err)
	}
	if code.DeviceCode == "" || code.UserCode == "" {
		return nil, fmt.Errorf("device code response is missing codes")
	}
	return &code, nil
}

// Poll repeatedly checks the token endpoint until the user approves or
// denies, the device code expires, or ctx is cancelled. It honors the
// server's polling interval, including slow_down increases.
func (c *Client) Poll(ctx context.Context, code *devicecode.CodeResponse) (*devicecode.TokenResponse, error) {
	interval := time.Duration(code.Interval) * time.Second
	if interval <= 0 {
		interval = time.Duration(devicecode.DefaultInterval) * time.Second
	}

	wait := time.Duration(code.ExpiresIn) * time.Second
	if wait <= 0 || wait > maxWait {
		wait = maxWait
	}
	deadline := time.Now().Add(wait)

	for {
		if err := c.sleep(ctx, interval); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrExpired
		}

		token, oauthErr, err := c.pollOnce(ctx, code.DeviceCode)
		if err != nil {
			return nil, err
		}
		if token != nil {
			return token, nil
		}

		switch oauthErr.Code {
		case oauth.ErrAuthorizationPending:
			continue
		case oauth.ErrSlowDown:
			if oauthErr.Interval > 0 {
				interval = time.Duration(oauthErr.Interval) * time.Second
			} else {
				interval += 5 * time.Second
			}
			continue
		case oauth.ErrAccessDenied:
			return nil, ErrAccessDenied
		case oauth.ErrExpiredToken:
			return nil, ErrExpired
		default:
			return nil, oauthErr
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, deviceCode string) (*devicecode.TokenResponse, *oauth.OAuthError, error) {
	form := url.Values{
		"grant_type":  {oauth.DeviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {c.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("token poll failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var token devicecode.TokenResponse
		if err := json.Unmarshal(body, &token); err != nil {
			return nil, nil, fmt.Errorf("failed to decode token response: %w", err)
		}
		if token.AccessToken == "" {
			return nil, nil, fmt.Errorf("token response is missing access_token")
		}
		return &token, nil, nil
	}

	var oauthErr oauth.OAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Code == "" {
		return nil, nil, fmt.Errorf("token poll returned status %d", resp.StatusCode)
	}
	return nil, &oauthErr, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*devicecode.TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr oauth.OAuthError
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Code != "" {
			return nil, &oauthErr
		}
		return nil, fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}

	var token devicecode.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return &token, nil
}
