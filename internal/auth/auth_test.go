package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/driverlink/internal/apperr"
	"github.com/dukerupert/driverlink/internal/logging"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

type memStore struct {
	mu    sync.Mutex
	token string
	saves int
}

func (m *memStore) LoadToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memStore) SaveToken(tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = tok
	m.saves++
	return nil
}

func (m *memStore) DeleteToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

type fakeUpstream struct {
	calls  int32
	tokens []string
	err    error
	delay  time.Duration
}

func (f *fakeUpstream) Authenticate(ctx context.Context) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	i := int(n) - 1
	if i >= len(f.tokens) {
		i = len(f.tokens) - 1
	}
	return f.tokens[i], nil
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signToken(t, jwt.MapClaims{"driverId": "drv-9", "sub": "user-1", "exp": exp.Unix()})

	c, err := ParseClaims(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.DriverID != "drv-9" {
		t.Errorf("DriverID = %q, want %q", c.DriverID, "drv-9")
	}
	if c.Subject != "user-1" {
		t.Errorf("Subject = %q, want %q", c.Subject, "user-1")
	}
	if !c.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, exp)
	}
}

func TestParseClaimsNumericID(t *testing.T) {
	tok := signToken(t, jwt.MapClaims{"id": 42})
	c, err := ParseClaims(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.DriverID != "42" {
		t.Errorf("DriverID = %q, want %q", c.DriverID, "42")
	}
}

func TestDriverIDFallbacks(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{DriverID: "local-7"})

	tests := []struct {
		name       string
		token      string
		wantID     string
		wantSource Source
	}{
		{"driver claim", signToken(t, jwt.MapClaims{"driver_id": "drv-1", "sub": "u"}), "drv-1", SourceClaims},
		{"subject", signToken(t, jwt.MapClaims{"sub": "u-2"}), "u-2", SourceClaims},
		{"no id claims", signToken(t, jwt.MapClaims{"role": "driver"}), "local-7", SourceContext},
		{"opaque token", "not-a-jwt", "local-7", SourceContext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, src, err := DriverID(ctx, tt.token)
			if err != nil {
				t.Fatalf("DriverID: %v", err)
			}
			if id != tt.wantID || src != tt.wantSource {
				t.Errorf("got (%q, %q), want (%q, %q)", id, src, tt.wantID, tt.wantSource)
			}
		})
	}
}

func TestDriverIDUnknown(t *testing.T) {
	_, _, err := DriverID(context.Background(), "not-a-jwt")
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestProviderReturnsCached(t *testing.T) {
	store := &memStore{token: "persisted"}
	up := &fakeUpstream{tokens: []string{"fresh"}}
	p := NewProvider(up, store, logging.Discard())

	tok, err := p.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "persisted" {
		t.Errorf("token = %q, want persisted token", tok)
	}
	if up.calls != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls)
	}
}

func TestProviderForceRefreshPersists(t *testing.T) {
	store := &memStore{token: "persisted"}
	up := &fakeUpstream{tokens: []string{"fresh"}}
	p := NewProvider(up, store, logging.Discard())

	tok, err := p.Token(context.Background(), true)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("token = %q, want fresh", tok)
	}
	if store.token != "fresh" || store.saves != 1 {
		t.Errorf("store = %q (%d saves), want fresh persisted once", store.token, store.saves)
	}
}

func TestProviderRefreshesExpired(t *testing.T) {
	expired := signToken(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})
	store := &memStore{token: expired}
	up := &fakeUpstream{tokens: []string{"fresh"}}
	p := NewProvider(up, store, logging.Discard())

	tok, err := p.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("token = %q, want fresh", tok)
	}
}

func TestProviderUpstreamFailureIsAuthError(t *testing.T) {
	up := &fakeUpstream{err: errors.New("identity service down")}
	p := NewProvider(up, &memStore{}, logging.Discard())

	_, err := p.Token(context.Background(), false)
	if !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}
}

func TestProviderConcurrentRefreshShared(t *testing.T) {
	up := &fakeUpstream{tokens: []string{"fresh-1", "fresh-2"}, delay: 20 * time.Millisecond}
	p := NewProvider(up, &memStore{}, logging.Discard())

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.Token(context.Background(), false)
			if err != nil {
				t.Errorf("token: %v", err)
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&up.calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	for i, r := range results {
		if r != "fresh-1" {
			t.Errorf("results[%d] = %q, want fresh-1", i, r)
		}
	}
}

func TestProviderInvalidate(t *testing.T) {
	store := &memStore{token: "persisted"}
	p := NewProvider(&fakeUpstream{err: apperr.New(apperr.ErrAuth, "authenticate", errNoSession)}, store, logging.Discard())

	if err := p.Invalidate(); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if store.token != "" {
		t.Error("expected persisted token removed")
	}
	if _, err := p.Token(context.Background(), false); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("expected ErrAuth after logout, got %v", err)
	}
}

type blockingUpstream struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingUpstream) Authenticate(ctx context.Context) (string, error) {
	close(b.entered)
	<-b.release
	return "fresh-token", nil
}

func TestProviderInvalidateDuringRefresh(t *testing.T) {
	store := &memStore{}
	up := &blockingUpstream{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewProvider(up, store, logging.Discard())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Token(context.Background(), true)
		errCh <- err
	}()

	<-up.entered
	if err := p.Invalidate(); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	close(up.release)

	err := <-errCh
	if !errors.Is(err, apperr.ErrAuth) || !errors.Is(err, ErrInvalidated) {
		t.Errorf("expected ErrAuth wrapping ErrInvalidated, got %v", err)
	}
	if tok, _ := store.LoadToken(); tok != "" {
		t.Errorf("persisted token = %q after logout, want none", tok)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}

	p.mu.Lock()
	cached := p.token
	p.mu.Unlock()
	if cached != "" {
		t.Errorf("cached token = %q after logout, want none", cached)
	}
}

func TestProviderCallerContextCancelled(t *testing.T) {
	up := &blockingUpstream{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewProvider(up, &memStore{}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Token(ctx, false)
		errCh <- err
	}()

	<-up.entered
	cancel()
	if err := <-errCh; !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("expected ErrAuth, got %v", err)
	}

	close(up.release)
	tok, err := p.Token(context.Background(), false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("token = %q, want the shared refresh result", tok)
	}
}

type fakeAuthenticator struct {
	email, password string
}

func (f *fakeAuthenticator) Login(_ context.Context, email, password string) (string, error) {
	f.email, f.password = email, password
	return "tok-" + email, nil
}

func TestPasswordSession(t *testing.T) {
	fa := &fakeAuthenticator{}
	s := NewPasswordSession(fa)

	if _, err := s.Authenticate(context.Background()); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("expected ErrAuth before sign in, got %v", err)
	}

	s.SignIn("d@example.com", "pw")
	tok, err := s.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if tok != "tok-d@example.com" || fa.password != "pw" {
		t.Errorf("unexpected login: token %q, password %q", tok, fa.password)
	}

	s.SignOut()
	if _, err := s.Authenticate(context.Background()); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("expected ErrAuth after sign out, got %v", err)
	}
}
