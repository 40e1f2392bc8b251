package oauth

import (
	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/ory/fosite"
)

// Session extends DefaultSession with the resolved identity and the ID of the
// server-side session record holding the identity provider's credentials.
// Both travel with the grant so the resource side can recover them from an
// introspected access token.
type Session struct {
	*fosite.DefaultSession
	Identity  identity.Identity `json:"identity"`
	SessionID string            `json:"session_id"`
}

// Clone implements fosite.Session
func (s *Session) Clone() fosite.Session {
	return &Session{
		DefaultSession: s.DefaultSession.Clone().(*fosite.DefaultSession),
		Identity:       s.Identity,
		SessionID:      s.SessionID,
	}
}
