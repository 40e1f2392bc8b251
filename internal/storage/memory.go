package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grovehq/grove-gateway/internal/identity"
	"github.com/grovehq/grove-gateway/internal/log"
	"github.com/ory/fosite"
	fosite_storage "github.com/ory/fosite/storage"
)

// Ensure MemoryStorage implements required interfaces
var _ Storage = (*MemoryStorage)(nil)
var _ fosite.Storage = (*MemoryStorage)(nil)

// MemoryStorage is a simple storage layer - only stores and retrieves data.
// It extends the fosite MemoryStore with thread-safe client, session, and
// device-code management.
type MemoryStorage struct {
	*fosite_storage.MemoryStore

	clients      map[string]*Client
	clientsMutex sync.RWMutex

	sessions      map[string]*Session
	sessionsMutex sync.RWMutex

	deviceAuths      map[string]*DeviceAuthorization // keyed by device code
	userCodeIndex    map[string]string               // user code -> device code
	deviceAuthsMutex sync.Mutex
}

// NewMemoryStorage creates a new storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		MemoryStore:   fosite_storage.NewMemoryStore(),
		clients:       make(map[string]*Client),
		sessions:      make(map[string]*Session),
		deviceAuths:   make(map[string]*DeviceAuthorization),
		userCodeIndex: make(map[string]string),
	}
}

// GetClient implements fosite.Storage.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return client.ToFositeClient(), nil
}

func (s *MemoryStorage) GetClientWithMetadata(ctx context.Context, clientID string) (*Client, error) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fosite.ErrNotFound
	}
	return client, nil
}

func (s *MemoryStorage) CreateClient(ctx context.Context, clientID string, redirectURIs []string, scopes []string, issuer string) (*Client, error) {
	client := &Client{
		ID:            clientID,
		Secret:        nil,
		RedirectURIs:  redirectURIs,
		Scopes:        scopes,
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Audience:      []string{issuer},
		Public:        true,
		CreatedAt:     time.Now().Unix(),
	}

	s.clientsMutex.Lock()
	s.clients[clientID] = client
	s.clientsMutex.Unlock()

	log.Logf("Created client %s, redirect_uris: %v, scopes: %v", clientID, redirectURIs, scopes)
	return client, nil
}

func (s *MemoryStorage) CreateConfidentialClient(ctx context.Context, clientID string, hashedSecret []byte, redirectURIs []string, scopes []string, issuer string) (*Client, error) {
	client := &Client{
		ID:            clientID,
		Secret:        hashedSecret,
		RedirectURIs:  redirectURIs,
		Scopes:        scopes,
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Audience:      []string{issuer},
		Public:        false,
		CreatedAt:     time.Now().Unix(),
	}

	s.clientsMutex.Lock()
	s.clients[clientID] = client
	s.clientsMutex.Unlock()

	log.Logf("Created confidential client %s, redirect_uris: %v, scopes: %v", clientID, redirectURIs, scopes)
	return client, nil
}

// Session store

func (s *MemoryStorage) PutSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session must have an ID")
	}

	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	s.sessionsMutex.RLock()
	defer s.sessionsMutex.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStorage) DeleteSession(ctx context.Context, id string) error {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	delete(s.sessions, id)
	return nil
}

// Device authorization store

func (s *MemoryStorage) CreateDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error {
	if auth == nil || auth.DeviceCode == "" || auth.UserCode == "" {
		return fmt.Errorf("device authorization must have device and user codes")
	}

	s.deviceAuthsMutex.Lock()
	defer s.deviceAuthsMutex.Unlock()

	if _, exists := s.deviceAuths[auth.DeviceCode]; exists {
		return fmt.Errorf("device code already exists")
	}

	copied := *auth
	s.deviceAuths[auth.DeviceCode] = &copied
	s.userCodeIndex[auth.UserCode] = auth.DeviceCode
	return nil
}

// expireLocked lazily marks a pending record expired once its TTL has passed.
// Caller must hold deviceAuthsMutex.
func (s *MemoryStorage) expireLocked(auth *DeviceAuthorization) {
	if auth.Status == DeviceStatusPending && time.Now().After(auth.ExpiresAt) {
		auth.Status = DeviceStatusExpired
	}
}

func (s *MemoryStorage) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	s.deviceAuthsMutex.Lock()
	defer s.deviceAuthsMutex.Unlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, ErrDeviceAuthorizationNotFound
	}
	s.expireLocked(auth)
	copied := *auth
	return &copied, nil
}

func (s *MemoryStorage) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	s.deviceAuthsMutex.Lock()
	defer s.deviceAuthsMutex.Unlock()

	deviceCode, ok := s.userCodeIndex[userCode]
	if !ok {
		return nil, ErrDeviceAuthorizationNotFound
	}
	auth := s.deviceAuths[deviceCode]
	s.expireLocked(auth)
	copied := *auth
	return &copied, nil
}

// TransitionDeviceAuthorization performs the single pending -> terminal
// transition under the store lock. A second transition attempt is a no-op
// that returns the already-decided state.
func (s *MemoryStorage) TransitionDeviceAuthorization(ctx context.Context, userCode string, to DeviceStatus, ident *identity.Identity) (*DeviceAuthorization, bool, error) {
	if !to.Terminal() {
		return nil, false, fmt.Errorf("transition target must be terminal, got %q", to)
	}

	s.deviceAuthsMutex.Lock()
	defer s.deviceAuthsMutex.Unlock()

	deviceCode, ok := s.userCodeIndex[userCode]
	if !ok {
		return nil, false, ErrDeviceAuthorizationNotFound
	}
	auth := s.deviceAuths[deviceCode]
	s.expireLocked(auth)

	if auth.Status != DeviceStatusPending {
		copied := *auth
		return &copied, false, nil
	}

	auth.Status = to
	if to == DeviceStatusAuthorized && ident != nil {
		auth.UserID = ident.UserID
		auth.Email = ident.Email
		auth.Tenants = ident.Tenants
	}

	copied := *auth
	return &copied, true, nil
}

func (s *MemoryStorage) AttachDeviceSession(ctx context.Context, deviceCode string, sessionID string) (string, error) {
	s.deviceAuthsMutex.Lock()
	defer s.deviceAuthsMutex.Unlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return "", ErrDeviceAuthorizationNotFound
	}
	if auth.SessionID == "" {
		auth.SessionID = sessionID
	}
	return auth.SessionID, nil
}

func (s *MemoryStorage) RecordDevicePoll(ctx context.Context, deviceCode string, polledAt time.Time, interval int) error {
	s.deviceAuthsMutex.Lock()
	defer s.deviceAuthsMutex.Unlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return ErrDeviceAuthorizationNotFound
	}
	auth.LastPolledAt = polledAt
	if interval > 0 {
		auth.Interval = interval
	}
	return nil
}

// CleanupExpired removes expired sessions and marks expired device codes.
func (s *MemoryStorage) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now()
	count := 0

	s.sessionsMutex.Lock()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			count++
		}
	}
	s.sessionsMutex.Unlock()

	s.deviceAuthsMutex.Lock()
	for _, auth := range s.deviceAuths {
		if auth.Status == DeviceStatusPending && now.After(auth.ExpiresAt) {
			auth.Status = DeviceStatusExpired
			count++
		}
	}
	s.deviceAuthsMutex.Unlock()

	return count, nil
}
