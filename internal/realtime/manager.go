// Package realtime owns the single live channel to the dispatch backend.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/driverlink/internal/apperr"
	"github.com/dukerupert/driverlink/internal/auth"
	"github.com/dukerupert/driverlink/internal/metrics"
)

// State represents the live channel state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var allStates = []string{string(StateDisconnected), string(StateConnecting), string(StateConnected)}

// StateCallback is called whenever the state changes. It runs with the
// manager locked and must not call back into the manager.
type StateCallback func(State)

// Identify resolves the driver ID announced in the register message.
type Identify func(ctx context.Context, token string) (string, error)

// TokenRefresher supplies a fresh token after the server rejected one.
type TokenRefresher interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// Config tunes the reconnect policy. Zero values take the defaults.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	SendBuffer       int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager keeps at most one channel open and reconnects it with bounded
// exponential backoff.
type Manager struct {
	dialer    Dialer
	cfg       Config
	identify  Identify
	refresher TokenRefresher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// after is swapped in tests to observe backoff delays.
	after func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	state    State
	session  uint64
	current  *run
	out      chan Envelope
	handler  func(Event)
	callback StateCallback
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg.withDefaults() } }

func WithIdentify(fn Identify) Option { return func(m *Manager) { m.identify = fn } }

func WithRefresher(r TokenRefresher) Option { return func(m *Manager) { m.refresher = r } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func NewManager(d Dialer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer:   d,
		cfg:      Config{}.withDefaults(),
		identify: identifyFromToken,
		logger:   logger,
		after:    time.After,
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.ConnectionState(string(m.state), allStates...)
	return m
}

func identifyFromToken(ctx context.Context, token string) (string, error) {
	id, _, err := auth.DriverID(ctx, token)
	return id, err
}

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnState registers the state-change callback.
func (m *Manager) OnState(cb StateCallback) {
	m.mu.Lock()
	m.callback = cb
	m.mu.Unlock()
}

// OnEvent registers the single consumer of inbound events. Events are
// delivered in arrival order from the read loop; the handler must not block.
func (m *Manager) OnEvent(h func(Event)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Connect opens the channel with token. It is a no-op while connecting or
// connected. The channel outlives ctx; only its values are kept.
func (m *Manager) Connect(ctx context.Context, token string) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	prev := m.current
	m.session++
	id := m.session
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.current = r
	m.setState(id, StateConnecting)
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go m.loop(runCtx, id, token, prev, r.done)
}

// Disconnect cancels pending retries and closes the channel. It is safe to
// call when already disconnected. It must not be called from the event
// handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	r := m.current
	m.current = nil
	m.session++
	m.out = nil
	if m.state != StateDisconnected {
		m.state = StateDisconnected
		m.notify()
	}
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
	m.logger.Info("live channel disconnected")
}

// Send queues a message for the server. It never blocks: while the channel
// is not connected, or the queue is full, the message is dropped.
func (m *Manager) Send(event string, payload any) {
	m.mu.Lock()
	out := m.out
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || out == nil {
		m.drop(event, "not connected")
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("encode outbound message", "event", event, "error", err)
		return
	}
	select {
	case out <- Envelope{Event: event, Data: data}:
	default:
		m.drop(event, "send queue full")
	}
}

func (m *Manager) drop(event, reason string) {
	m.metrics.SendDropped(event)
	m.logger.Debug("outbound message dropped", "event", event, "reason", reason)
}

// setState applies s when session id is still current. Caller holds m.mu.
func (m *Manager) setState(id uint64, s State) bool {
	if id != m.session {
		return false
	}
	if m.state != s {
		m.state = s
		m.notify()
	}
	return true
}

func (m *Manager) notify() {
	m.metrics.ConnectionState(string(m.state), allStates...)
	if m.callback != nil {
		m.callback(m.state)
	}
}

func (m *Manager) transition(id uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setState(id, s)
}

func (m *Manager) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.cfg.BaseDelay)
	b = retry.WithCappedDuration(m.cfg.MaxDelay, b)
	return retry.WithMaxRetries(uint64(m.cfg.MaxAttempts), b)
}

func (m *Manager) loop(ctx context.Context, id uint64, token string, prev *run, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev.done
	}

	backoff := m.newBackoff()
	attempt := 0
	for {
		established, err := m.establish(ctx, id, token)
		if ctx.Err() != nil {
			return
		}
		if !m.transition(id, StateDisconnected) {
			return
		}

		if established {
			// A channel that was up earns a fresh retry budget.
			backoff = m.newBackoff()
			attempt = 0
			m.logger.Warn("live channel lost", "error", err)
		} else {
			m.logger.Warn("live channel connect failed", "attempt", attempt+1, "error", err)
		}

		delay, stop := backoff.Next()
		if stop {
			m.logger.Warn("live channel reconnect attempts exhausted", "attempts", attempt)
			return
		}
		attempt++
		m.metrics.ReconnectAttempt()

		select {
		case <-ctx.Done():
			return
		case <-m.after(delay):
		}

		if errors.Is(err, ErrRejected) && m.refresher != nil {
			fresh, rerr := m.refresher.Token(ctx, true)
			if rerr != nil {
				m.logger.Warn("live channel credential refresh failed, waiting for login", "error", rerr)
				return
			}
			token = fresh
		}

		if !m.transition(id, StateConnecting) {
			return
		}
	}
}

// establish runs one channel until it fails. established reports whether
// the server acknowledged the handshake.
func (m *Manager) establish(ctx context.Context, id uint64, token string) (established bool, err error) {
	hsCtx, hsCancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer hsCancel()

	conn, err := m.dialer.Dial(hsCtx, token)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	for {
		env, err := conn.Read(hsCtx)
		if err != nil {
			return false, apperr.New(apperr.ErrConnection, "live channel handshake", err)
		}
		ev := Decode(env)
		m.deliver(ev)
		if h, ok := ev.(Handshake); ok && h.Event == EventConnected {
			break
		}
	}
	hsCancel()

	out := make(chan Envelope, m.cfg.SendBuffer)
	m.mu.Lock()
	if id != m.session {
		m.mu.Unlock()
		return false, nil
	}
	m.out = out
	m.setState(id, StateConnected)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.out == out {
			m.out = nil
		}
		m.mu.Unlock()
	}()
	m.logger.Info("live channel connected")

	m.register(ctx, token, out)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.writeLoop(sessCtx, conn, out)

	return true, m.readLoop(sessCtx, conn)
}

// register queues the one register message of this channel ahead of any
// other outbound traffic.
func (m *Manager) register(ctx context.Context, token string, out chan<- Envelope) {
	driverID, err := m.identify(ctx, token)
	if err != nil || driverID == "" {
		m.logger.Warn("driver identity unknown, skipping register", "error", err)
		return
	}
	data, _ := json.Marshal(map[string]string{"driverId": driverID})
	out <- Envelope{Event: EventRegister, Data: data}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperr.New(apperr.ErrConnection, "live channel read", err)
		}
		m.deliver(Decode(env))
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn Conn, out <-chan Envelope) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-out:
			if err := conn.Write(ctx, env); err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("live channel write failed", "event", env.Event, "error", err)
				}
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					m.logger.Warn("live channel ping failed", "error", err)
				}
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) deliver(ev Event) {
	m.metrics.Event(ev.Name())
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
