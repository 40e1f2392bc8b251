package storage

import (
	"context"
	"errors"
	"time"

	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/ory/fosite"
)

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrDeviceAuthorizationNotFound is returned when a device code doesn't exist.
var ErrDeviceAuthorizationNotFound = errors.New("device authorization not found")

// Session is the server-side delegation state cached for an authenticated
// user: identity provider credentials plus the confirmed identity. Each
// session is only ever written by the single flow that created it; updates on
// refresh overwrite wholesale.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Tenants      []string  `json:"tenants,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeviceStatus is the state of a device authorization request.
type DeviceStatus string

const (
	DeviceStatusPending    DeviceStatus = "pending"
	DeviceStatusAuthorized DeviceStatus = "authorized"
	DeviceStatusDenied     DeviceStatus = "denied"
	DeviceStatusExpired    DeviceStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s DeviceStatus) Terminal() bool {
	return s == DeviceStatusAuthorized || s == DeviceStatusDenied || s == DeviceStatusExpired
}

// DeviceAuthorization is the state of a single device authorization grant.
// It transitions exactly once away from pending; terminal states are immutable.
type DeviceAuthorization struct {
	DeviceCode   string       `json:"device_code"`
	UserCode     string       `json:"user_code"`
	ClientID     string       `json:"client_id"`
	Status       DeviceStatus `json:"status"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Interval     int          `json:"interval"`
	LastPolledAt time.Time    `json:"last_polled_at,omitempty"`

	// Populated once the status is authorized.
	UserID  string   `json:"user_id,omitempty"`
	Email   string   `json:"email,omitempty"`
	Tenants []string `json:"tenants,omitempty"`

	// SessionID is set when the first successful poll creates a session.
	SessionID string `json:"session_id,omitempty"`
}

// Storage combines all storage capabilities needed by the gateway.
type Storage interface {
	// OAuth storage requirements
	fosite.Storage

	// OAuth client management
	CreateClient(ctx context.Context, clientID string, redirectURIs []string, scopes []string, issuer string) (*Client, error)
	CreateConfidentialClient(ctx context.Context, clientID string, hashedSecret []byte, redirectURIs []string, scopes []string, issuer string) (*Client, error)
	GetClientWithMetadata(ctx context.Context, clientID string) (*Client, error)

	// Session store: atomic single-row reads and writes, last write wins
	PutSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Device authorization store
	CreateDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// TransitionDeviceAuthorization performs the single pending -> terminal
	// transition as a compare-and-set. When the record is already terminal it
	// returns the decided state unchanged with changed=false.
	TransitionDeviceAuthorization(ctx context.Context, userCode string, to DeviceStatus, ident *identity.Identity) (auth *DeviceAuthorization, changed bool, err error)

	// RecordDevicePoll updates polling bookkeeping (last poll time, interval).
	RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int) error

	// AttachDeviceSession sets the session ID on an authorized device code if
	// none is set yet, and returns the effective session ID. Concurrent polls
	// agree on a single session this way.
	AttachDeviceSession(ctx context.Context, deviceCode string, sessionID string) (string, error)

	// CleanupExpired removes expired sessions and marks expired device codes.
	// Returns the number of records affected.
	CleanupExpired(ctx context.Context) (int, error)
}
