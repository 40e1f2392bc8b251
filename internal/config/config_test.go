package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validConfig = `{
  "baseUrl": "https://gateway.example.com",
  "addr": ":8080",
  "identity": {
    "clientId": "grove-gateway",
    "clientSecret": {"$env": "TEST_GROVE_ID_SECRET"},
    "authorizationUrl": "https://id.example.com/authorize",
    "tokenUrl": "https://id.example.com/token",
    "userInfoUrl": "https://id.example.com/userinfo",
    "redirectUri": "https://gateway.example.com/oauth/callback"
  },
  "oauth": {
    "issuer": "https://gateway.example.com",
    "tokenTtl": "30m",
    "jwtSecret": "literal-jwt-secret"
  },
  "services": {
    "lattice": {"baseUrl": "https://lattice.example.com"}
  }
}`

func TestLoad(t *testing.T) {
	t.Setenv("TEST_GROVE_ID_SECRET", "super-secret")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://gateway.example.com", cfg.BaseURL)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, Secret("grove-gateway"), cfg.Identity.ClientID)
	assert.Equal(t, Secret("super-secret"), cfg.Identity.ClientSecret)
	assert.Equal(t, Secret("literal-jwt-secret"), cfg.OAuth.JWTSecret)
	assert.Equal(t, 30*time.Minute, cfg.OAuth.TokenTTL)
	assert.Equal(t, "https://lattice.example.com", cfg.Services["lattice"].BaseURL)
}

func TestLoadDefaultsTokenTTL(t *testing.T) {
	t.Setenv("TEST_GROVE_ID_SECRET", "super-secret")

	content := `{
  "baseUrl": "https://gateway.example.com",
  "addr": ":8080",
  "identity": {
    "clientId": "grove-gateway",
    "clientSecret": {"$env": "TEST_GROVE_ID_SECRET"},
    "authorizationUrl": "https://id.example.com/authorize",
    "tokenUrl": "https://id.example.com/token",
    "userInfoUrl": "https://id.example.com/userinfo",
    "redirectUri": "https://gateway.example.com/oauth/callback"
  },
  "oauth": {"issuer": "https://gateway.example.com", "jwtSecret": "s"}
}`

	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.OAuth.TokenTTL)
}

func TestLoadMissingEnvVar(t *testing.T) {
	// TEST_GROVE_ID_SECRET deliberately unset.
	os.Unsetenv("TEST_GROVE_ID_SECRET")

	_, err := Load(writeConfig(t, validConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_GROVE_ID_SECRET")
}

func TestLoadBadTokenTTL(t *testing.T) {
	t.Setenv("TEST_GROVE_ID_SECRET", "super-secret")

	content := `{
  "baseUrl": "https://gateway.example.com",
  "addr": ":8080",
  "identity": {
    "clientId": "grove-gateway",
    "clientSecret": {"$env": "TEST_GROVE_ID_SECRET"},
    "authorizationUrl": "https://id.example.com/authorize",
    "tokenUrl": "https://id.example.com/token",
    "userInfoUrl": "https://id.example.com/userinfo",
    "redirectUri": "https://gateway.example.com/oauth/callback"
  },
  "oauth": {"issuer": "https://gateway.example.com", "tokenTtl": "eleventy"}
}`

	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokenTtl")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			BaseURL: "https://gateway.example.com",
			Addr:    ":8080",
			Identity: IdentityConfig{
				ClientID:         "grove-gateway",
				AuthorizationURL: "https://id.example.com/authorize",
				TokenURL:         "https://id.example.com/token",
				UserInfoURL:      "https://id.example.com/userinfo",
				RedirectURI:      "https://gateway.example.com/oauth/callback",
			},
			OAuth: OAuthConfig{Issuer: "https://gateway.example.com"},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing baseUrl", func(c *Config) { c.BaseURL = "" }, "baseUrl"},
		{"missing addr", func(c *Config) { c.Addr = "" }, "addr"},
		{"missing issuer", func(c *Config) { c.OAuth.Issuer = "" }, "issuer"},
		{"missing clientId", func(c *Config) { c.Identity.ClientID = "" }, "clientId"},
		{"missing identity endpoints", func(c *Config) { c.Identity.TokenURL = "" }, "identity endpoints"},
		{"missing redirectUri", func(c *Config) { c.Identity.RedirectURI = "" }, "redirectUri"},
		{"service without baseUrl", func(c *Config) {
			c.Services = map[string]ServiceConfig{"amber": {}}
		}, "services.amber"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "***", s.String())
	assert.Equal(t, "***", fmt.Sprintf("%v", s))
	assert.Equal(t, "", Secret("").String())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"***"}`, string(data))
}
