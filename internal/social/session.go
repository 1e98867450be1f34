package social

import (
	"context"
	"strings"
	"sync"

	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
)

// CredentialSource supplies the credentials used for auto-login.
type CredentialSource interface {
	Credentials() (Credentials, error)
}

// Session owns the authentication state against a single backend. It starts
// unauthenticated and becomes authenticated after the first successful login;
// there is no way back.
type Session struct {
	backend Backend
	source  CredentialSource

	mu            sync.RWMutex
	authenticated bool
	actorID       string
}

// NewSession returns an unauthenticated session. source may be nil, in which
// case AutoLogin always reports missing configuration.
func NewSession(backend Backend, source CredentialSource) *Session {
	return &Session{backend: backend, source: source}
}

// Login authenticates with explicit credentials. Backend failures are returned
// unchanged and leave the session state as it was.
func (s *Session) Login(ctx context.Context, identifier, secret string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ValidationError{Field: "identifier", Reason: "must not be empty"}
	}
	if secret == "" {
		return ValidationError{Field: "password", Reason: "must not be empty"}
	}

	actorID, err := s.backend.Authenticate(ctx, identifier, secret)
	if err != nil {
		logutil.Errorf("login failed: identifier=%s err=%v", identifier, err)
		return err
	}

	s.mu.Lock()
	s.authenticated = true
	s.actorID = actorID
	s.mu.Unlock()

	logutil.Infof("logged in to bluesky: did=%s", actorID)
	return nil
}

// AutoLogin authenticates with credentials from configuration. Missing
// configuration is reported before the backend is contacted.
func (s *Session) AutoLogin(ctx context.Context) error {
	if s.source == nil {
		return ConfigurationError{Provider: "bluesky", Variables: []string{"BLUESKY_IDENTIFIER", "BLUESKY_PASSWORD"}}
	}
	creds, err := s.source.Credentials()
	if err != nil {
		return err
	}
	return s.Login(ctx, creds.Identifier, creds.Secret)
}

// RequireAuthenticated fails with ErrNotAuthenticated until a login succeeds.
func (s *Session) RequireAuthenticated() error {
	if !s.IsLoggedIn() {
		return ErrNotAuthenticated
	}
	return nil
}

// IsLoggedIn reports whether a login has succeeded.
func (s *Session) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// ActorID returns the DID recorded at login, or "" before it.
func (s *Session) ActorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actorID
}
