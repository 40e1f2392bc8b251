package oauth

import (
	"net/url"
	"time"

	"github.com/grovehq/grove-gateway/internal/crypto"
	"github.com/ory/fosite"
)

// PendingAuthorization carries the upstream client's original authorization
// parameters across the identity provider round trip. It is serialized into
// the provider's own state parameter and never persisted server-side: its only
// storage is the URL itself, so it is inherently short-lived and single-use.
type PendingAuthorization struct {
	ClientID     string     `json:"client_id"`
	RedirectURI  string     `json:"redirect_uri"`
	Scopes       []string   `json:"scopes,omitempty"`
	State        string     `json:"state"`
	ResponseType string     `json:"response_type"`
	Audience     []string   `json:"aud,omitempty"`
	Form         url.Values `json:"form,omitempty"`
}

// PendingFromRequest captures a parsed authorize request into a state blob.
// The full form is retained so PKCE parameters survive the round trip and are
// verified locally at the token endpoint; they are never forwarded to the
// identity provider.
func PendingFromRequest(ar fosite.AuthorizeRequester) PendingAuthorization {
	return PendingAuthorization{
		ClientID:     ar.GetClient().GetID(),
		RedirectURI:  ar.GetRedirectURI().String(),
		Scopes:       ar.GetRequestedScopes(),
		State:        ar.GetState(),
		ResponseType: ar.GetResponseTypes()[0],
		Audience:     ar.GetGrantedAudience(),
		Form:         ar.GetRequestForm(),
	}
}

// StateCodec signs and verifies pending-authorization state blobs.
type StateCodec struct {
	signer crypto.TokenSigner
}

// NewStateCodec creates a codec keyed on the gateway encryption key. The TTL
// bounds how long an identity-provider redirect can stay in flight.
func NewStateCodec(key []byte, ttl time.Duration) StateCodec {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return StateCodec{signer: crypto.NewTokenSigner(key, ttl)}
}

// Encode serializes and signs a pending authorization.
func (c StateCodec) Encode(pending PendingAuthorization) (string, error) {
	return c.signer.Sign(pending)
}

// Decode verifies a state parameter and recovers the pending authorization.
// Any failure (bad signature, expiry, malformed payload) is a hard error; the
// callback must be rejected.
func (c StateCodec) Decode(state string) (PendingAuthorization, error) {
	var pending PendingAuthorization
	if err := c.signer.Verify(state, &pending); err != nil {
		return PendingAuthorization{}, err
	}
	return pending, nil
}
