package oauth

import "net/url"

// DeviceCodeGrantType is the RFC 8628 device authorization grant identifier.
const DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

func joinPath(base string, parts ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return u.JoinPath(parts...).String(), nil
}

// AuthorizationServerMetadata builds OAuth 2.0 Authorization Server Metadata per RFC 8414
// https://datatracker.ietf.org/doc/html/rfc8414
func AuthorizationServerMetadata(issuer string) (map[string]any, error) {
	authzEndpoint, err := joinPath(issuer, "authorize")
	if err != nil {
		return nil, err
	}

	tokenEndpoint, err := joinPath(issuer, "token")
	if err != nil {
		return nil, err
	}

	registerEndpoint, err := joinPath(issuer, "register")
	if err != nil {
		return nil, err
	}

	deviceEndpoint, err := joinPath(issuer, "auth", "device-code")
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"issuer":                        issuer,
		"authorization_endpoint":        authzEndpoint,
		"token_endpoint":                tokenEndpoint,
		"registration_endpoint":         registerEndpoint,
		"device_authorization_endpoint": deviceEndpoint,
		"response_types_supported": []string{
			"code",
		},
		"grant_types_supported": []string{
			"authorization_code",
			"refresh_token",
			DeviceCodeGrantType,
		},
		"code_challenge_methods_supported": []string{
			"S256",
		},
		"token_endpoint_auth_methods_supported": []string{
			"none",
			"client_secret_post",
		},
		"scopes_supported": []string{
			"openid",
			"profile",
			"email",
			"offline_access",
		},
	}, nil
}
