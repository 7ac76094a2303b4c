package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/driverlink/internal/apperr"
)

// expirySkew is how early a token is treated as expired.
const expirySkew = 30 * time.Second

// ErrInvalidated reports a refresh that finished after the session was
// invalidated.
var ErrInvalidated = errors.New("session invalidated during refresh")

// Upstream is the identity provider that can mint a fresh token for the
// signed-in driver.
type Upstream interface {
	Authenticate(ctx context.Context) (string, error)
}

// TokenStore persists the token across restarts.
type TokenStore interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	DeleteToken() error
}

// Provider hands out the session credential. Concurrent refreshes share
// one upstream call.
type Provider struct {
	upstream Upstream
	store    TokenStore
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	// mu also serializes persistence so a delete on logout cannot be
	// overtaken by a save from a refresh.
	mu         sync.Mutex
	token      string
	generation uint64 // bumped whenever token changes
	epoch      uint64 // bumped on Invalidate
}

// NewProvider creates a provider and loads any token persisted by a previous run.
func NewProvider(upstream Upstream, store TokenStore, logger *slog.Logger) *Provider {
	p := &Provider{
		upstream: upstream,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
	if tok, err := store.LoadToken(); err != nil {
		logger.Warn("load persisted token", "error", err)
	} else {
		p.token = tok
	}
	return p
}

// Token returns the cached token unless forceRefresh is set, nothing is
// cached, or the cached token has expired; then it fetches and persists a
// fresh one. Failures are apperr.ErrAuth.
func (p *Provider) Token(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	tok, gen := p.token, p.generation
	p.mu.Unlock()

	if !forceRefresh && p.usable(tok) {
		return tok, nil
	}

	// The shared call outlives any single caller; the upstream client
	// carries its own timeout.
	refreshCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan("refresh", func() (any, error) {
		return p.refresh(refreshCtx, gen, forceRefresh)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apperr.New(apperr.ErrAuth, "refresh token", ctx.Err())
	}
}

func (p *Provider) refresh(ctx context.Context, gen uint64, forced bool) (string, error) {
	p.mu.Lock()
	if p.generation != gen && p.usable(p.token) {
		// Someone else refreshed since the caller looked.
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}
	epoch := p.epoch
	p.mu.Unlock()

	fresh, err := p.upstream.Authenticate(ctx)
	if err != nil {
		if !errors.Is(err, apperr.ErrAuth) {
			err = apperr.New(apperr.ErrAuth, "refresh token", err)
		}
		return "", err
	}
	if fresh == "" {
		return "", apperr.New(apperr.ErrAuth, "refresh token", errors.New("empty token"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		p.logger.Debug("discarding token refreshed across logout")
		return "", apperr.New(apperr.ErrAuth, "refresh token", ErrInvalidated)
	}
	if err := p.store.SaveToken(fresh); err != nil {
		p.logger.Error("persist token", "error", err)
	}
	p.token = fresh
	p.generation++

	p.logger.Debug("token refreshed", "forced", forced)
	return fresh, nil
}

// Invalidate forgets the token in memory and in durable storage. A refresh
// in flight when it runs is discarded.
func (p *Provider) Invalidate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.generation++
	p.epoch++

	if err := p.store.DeleteToken(); err != nil {
		return fmt.Errorf("invalidate token: %w", err)
	}
	return nil
}

func (p *Provider) usable(tok string) bool {
	if tok == "" {
		return false
	}
	c, err := ParseClaims(tok)
	if err != nil {
		// Opaque tokens carry no expiry we can read.
		return true
	}
	return !c.Expired(p.now(), expirySkew)
}
