// Package auth defines the authentication provider crewsync consumes.
//
// Identity and sessions are owned by an external provider. crewsync only
// asks who the user is, whether the session is still valid and which
// bearer token to send; it never refreshes tokens itself.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSession is returned by AccessToken when the session is not valid.
var ErrNoSession = errors.New("auth: no valid session")

// Provider supplies the signed-in identity.
type Provider interface {
	CurrentUserID() string
	SessionValid() bool
	AccessToken(ctx context.Context) (string, error)
}

// Static is a Provider backed by fixed credentials, typically read from
// configuration.
type Static struct {
	mu     sync.RWMutex
	userID string
	token  string
	valid  bool
}

var _ Provider = (*Static)(nil)

// NewStatic returns a provider for userID. The session is valid while
// userID is set.
func NewStatic(userID, token string) *Static {
	return &Static{userID: userID, token: token, valid: userID != ""}
}

func (s *Static) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Static) SessionValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// AccessToken returns the configured token. An empty token is allowed for
// backends that only need the api key.
func (s *Static) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return "", ErrNoSession
	}
	return s.token, nil
}

// SignOut invalidates the session.
func (s *Static) SignOut() {
	s.mu.Lock()
	s.valid = false
	s.token = ""
	s.mu.Unlock()
}
