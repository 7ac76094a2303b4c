package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/dukerupert/driverlink/internal/apperr"
)

var errNoSession = errors.New("no signed-in driver")

// Authenticator exchanges credentials for a token (POST /auth/login).
type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// PasswordSession is an Upstream backed by the driver's login. The
// credentials live in memory only and are dropped on SignOut.
type PasswordSession struct {
	client Authenticator

	mu       sync.RWMutex
	email    string
	password string
}

func NewPasswordSession(client Authenticator) *PasswordSession {
	return &PasswordSession{client: client}
}

func (s *PasswordSession) SignIn(email, password string) {
	s.mu.Lock()
	s.email, s.password = email, password
	s.mu.Unlock()
}

func (s *PasswordSession) SignOut() {
	s.mu.Lock()
	s.email, s.password = "", ""
	s.mu.Unlock()
}

// Authenticate logs in again with the remembered credentials.
func (s *PasswordSession) Authenticate(ctx context.Context) (string, error) {
	s.mu.RLock()
	email, password := s.email, s.password
	s.mu.RUnlock()

	if email == "" {
		return "", apperr.New(apperr.ErrAuth, "authenticate", errNoSession)
	}
	return s.client.Login(ctx, email, password)
}
