package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed.
type Secret string

// String implements fmt.Stringer to redact the secret.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// IdentityConfig configures the Grove ID identity provider client.
type IdentityConfig struct {
	ClientIDRaw     json.RawMessage `json:"clientId"`
	ClientSecretRaw json.RawMessage `json:"clientSecret"`

	AuthorizationURL string `json:"authorizationUrl"`
	TokenURL         string `json:"tokenUrl"`
	UserInfoURL      string `json:"userInfoUrl"`
	RedirectURI      string `json:"redirectUri"`

	// Computed fields
	ClientID     Secret `json:"-"`
	ClientSecret Secret `json:"-"`
}

// OAuthConfig configures the upstream-facing OAuth provider.
type OAuthConfig struct {
	Issuer           string          `json:"issuer"`
	TokenTTL         time.Duration   `json:"-"`
	TokenTTLRaw      string          `json:"tokenTtl,omitempty"`
	JWTSecretRaw     json.RawMessage `json:"jwtSecret"`
	EncryptionKeyRaw json.RawMessage `json:"encryptionKey"`

	// Computed fields
	JWTSecret     Secret `json:"-"`
	EncryptionKey Secret `json:"-"`
}

// ServiceConfig is the endpoint for a downstream REST service.
type ServiceConfig struct {
	BaseURL string `json:"baseUrl"`
}

// Config is the top-level gateway configuration.
type Config struct {
	BaseURL     string                   `json:"baseUrl"`
	Addr        string                   `json:"addr"`
	Environment string                   `json:"environment,omitempty"`
	Identity    IdentityConfig           `json:"identity"`
	OAuth       OAuthConfig              `json:"oauth"`
	Services    map[string]ServiceConfig `json:"services,omitempty"`
}

// envRef is the {"$env": "VAR_NAME"} reference syntax. Explicit JSON syntax
// is used instead of bash-like $VAR substitution so config files are safe to
// handle in shell contexts and values containing $ round-trip untouched.
type envRef struct {
	Env string `json:"$env"`
}

// resolveSecret resolves a raw JSON value that is either a literal string
// or an {"$env": "VAR"} reference.
func resolveSecret(raw json.RawMessage, field string) (Secret, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var literal string
	if err := json.Unmarshal(raw, &literal); err == nil {
		return Secret(literal), nil
	}

	var ref envRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.Env == "" {
		return "", fmt.Errorf("%s: expected string or {\"$env\": ...} reference", field)
	}

	value, ok := os.LookupEnv(ref.Env)
	if !ok {
		return "", fmt.Errorf("%s: environment variable %s is not set", field, ref.Env)
	}
	return Secret(value), nil
}

// Load reads, resolves, and validates a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Identity.ClientID, err = resolveSecret(cfg.Identity.ClientIDRaw, "identity.clientId"); err != nil {
		return Config{}, err
	}
	if cfg.Identity.ClientSecret, err = resolveSecret(cfg.Identity.ClientSecretRaw, "identity.clientSecret"); err != nil {
		return Config{}, err
	}
	if cfg.OAuth.JWTSecret, err = resolveSecret(cfg.OAuth.JWTSecretRaw, "oauth.jwtSecret"); err != nil {
		return Config{}, err
	}
	if cfg.OAuth.EncryptionKey, err = resolveSecret(cfg.OAuth.EncryptionKeyRaw, "oauth.encryptionKey"); err != nil {
		return Config{}, err
	}

	cfg.OAuth.TokenTTL = time.Hour
	if cfg.OAuth.TokenTTLRaw != "" {
		ttl, err := time.ParseDuration(cfg.OAuth.TokenTTLRaw)
		if err != nil {
			return Config{}, fmt.Errorf("oauth.tokenTtl: %w", err)
		}
		cfg.OAuth.TokenTTL = ttl
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and URL syntax.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("baseUrl: %w", err)
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.OAuth.Issuer == "" {
		return fmt.Errorf("oauth.issuer is required")
	}
	if c.Identity.ClientID == "" {
		return fmt.Errorf("identity.clientId is required")
	}
	if c.Identity.AuthorizationURL == "" || c.Identity.TokenURL == "" || c.Identity.UserInfoURL == "" {
		return fmt.Errorf("identity endpoints (authorizationUrl, tokenUrl, userInfoUrl) are required")
	}
	if c.Identity.RedirectURI == "" {
		return fmt.Errorf("identity.redirectUri is required")
	}
	for name, svc := range c.Services {
		if svc.BaseURL == "" {
			return fmt.Errorf("services.%s.baseUrl is required", name)
		}
		if _, err := url.Parse(svc.BaseURL); err != nil {
			return fmt.Errorf("services.%s.baseUrl: %w", name, err)
		}
	}
	return nil
}
