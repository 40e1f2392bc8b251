package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grovehq/grove-gateway/internal/deviceflow"
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/spf13/cobra"
)

// cliClientID matches the public client the gateway pre-registers at boot.
const cliClientID = "grove-cli"

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage authentication for the grove CLI",
	Long: `Manage authentication for grove CLI commands.

Examples:
  grove auth login    # Log in via the device flow
  grove auth status   # Show authentication status
  grove auth whoami   # Show the authenticated identity
  grove auth logout   # Remove stored credentials`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate to the gateway using the device flow",
	RunE:  runAuthLogin,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE:  runAuthStatus,
}

var authWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the currently authenticated identity",
	RunE:  runAuthWhoami,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE:  runAuthLogout,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authWhoamiCmd)
	authCmd.AddCommand(authLogoutCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	client := deviceflow.NewClient(gatewayURL, cliClientID)

	code, err := client.RequestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	fmt.Printf("To log in, open:\n\n  %s\n\nand enter the code: %s\n\n", code.VerificationURI, code.UserCode)
	fmt.Println("Waiting for approval...")

	token, err := client.Poll(ctx, code)
	if err != nil {
		if errors.Is(err, deviceflow.ErrAccessDenied) {
			return fmt.Errorf("login was denied")
		}
		if errors.Is(err, deviceflow.ErrExpired) {
			return fmt.Errorf("the code expired before the login completed, run 'grove auth login' again")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	creds := &storedCredentials{
		Gateway:      gatewayURL,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}

	if ident, err := fetchIdentity(ctx, gatewayURL, creds.AccessToken); err == nil {
		creds.Email = ident.Email
	}

	if err := saveCredentials(creds); err != nil {
		return err
	}

	if creds.Email != "" {
		fmt.Printf("Logged in as %s\n", creds.Email)
	} else {
		fmt.Println("Logged in")
	}
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	creds, err := loadCredentials()
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			fmt.Println("Not logged in. Run 'grove auth login'.")
			return nil
		}
		return err
	}

	fmt.Printf("Gateway:  %s\n", creds.Gateway)
	if creds.Email != "" {
		fmt.Printf("Account:  %s\n", creds.Email)
	}
	if creds.expired() {
		if creds.RefreshToken != "" {
			fmt.Println("Status:   access token expired (will refresh on next use)")
		} else {
			fmt.Println("Status:   expired, run 'grove auth login'")
		}
	} else {
		fmt.Printf("Status:   logged in, token expires at %s\n", creds.ExpiresAt.Local().Format(time.RFC1123))
	}
	return nil
}

func runAuthWhoami(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	creds, err := activeCredentials(ctx)
	if err != nil {
		return err
	}

	ident, err := fetchIdentity(ctx, creds.Gateway, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to fetch identity: %w", err)
	}

	fmt.Printf("User ID:  %s\n", ident.UserID)
	fmt.Printf("Email:    %s\n", ident.Email)
	if ident.Name != "" {
		fmt.Printf("Name:     %s\n", ident.Name)
	}
	for _, tenant := range ident.Tenants {
		fmt.Printf("Tenant:   %s\n", tenant)
	}
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	creds, err := loadCredentials()
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			fmt.Println("Not logged in.")
			return nil
		}
		return err
	}

	// Best effort: tell the gateway to drop the session too.
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, creds.Gateway+"/logout", nil)
	if err == nil {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		if resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req); err == nil {
			resp.Body.Close()
		}
	}

	if err := deleteCredentials(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

// activeCredentials loads stored credentials and refreshes the access token
// when it has expired.
func activeCredentials(ctx context.Context) (*storedCredentials, error) {
	creds, err := loadCredentials()
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			return nil, fmt.Errorf("not logged in, run 'grove auth login'")
		}
		return nil, err
	}

	if !creds.expired() {
		return creds, nil
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("session expired, run 'grove auth login'")
	}

	client := deviceflow.NewClient(creds.Gateway, cliClientID)
	token, err := client.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session, run 'grove auth login': %w", err)
	}

	creds.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	creds.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	if err := saveCredentials(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// fetchIdentity calls the gateway's userinfo endpoint.
func fetchIdentity(ctx context.Context, gateway, accessToken string) (*identity.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+"/userinfo", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo returned status %d: %s", resp.StatusCode, body)
	}

	var ident identity.Identity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return nil, err
	}
	return &ident, nil
}
