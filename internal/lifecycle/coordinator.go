// Package lifecycle ties login, app foreground/background transitions and
// the tracking flag to the live channel and the location sampler.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/driverlink/internal/api"
	"github.com/dukerupert/driverlink/internal/apperr"
	"github.com/dukerupert/driverlink/internal/auth"
	"github.com/dukerupert/driverlink/internal/location"
	"github.com/dukerupert/driverlink/internal/metrics"
	"github.com/dukerupert/driverlink/internal/realtime"
)

const DefaultFallbackPeriod = 60 * time.Second

var (
	errNotLoggedIn = errors.New("not logged in")
	errLoggedOut   = errors.New("logged out during session setup")
)

// Credentials hands out the session token.
type Credentials interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
	Invalidate() error
}

// Session holds the driver's login for the upstream identity service.
type Session interface {
	SignIn(email, password string)
	SignOut()
}

// Channel is the live channel.
type Channel interface {
	Connect(ctx context.Context, token string)
	Disconnect()
	Send(event string, payload any)
	State() realtime.State
	OnState(cb realtime.StateCallback)
}

// Tracker is the location sampler.
type Tracker interface {
	Start(ctx context.Context, opts location.Options, fn func(location.Sample)) error
	Stop()
	Running() bool
	BackgroundGranted() bool
	Last() (location.Sample, bool)
	Current(ctx context.Context) (location.Sample, error)
	CheckPermission(ctx context.Context) (bool, error)
}

// Notifications is the notification cache.
type Notifications interface {
	Fetch(ctx context.Context) error
	Clear()
	UnreadCount() int
	OnChange(fn func(unread int))
}

// Acks reports location acknowledgements and drains pending event work.
type Acks interface {
	LastAck() time.Time
	OnAck(fn func(time.Time))
	Wait()
}

// Profiles resolves the driver profile after login.
type Profiles interface {
	Profile(ctx context.Context) (*api.Profile, error)
}

// LocationPoster forwards a sample over REST.
type LocationPoster interface {
	UpdateLocation(ctx context.Context, s location.Sample) error
}

// Config holds the coordinator settings.
type Config struct {
	Location       location.Options
	FallbackPeriod time.Duration
	// RESTFallback posts samples over REST while the channel is down.
	RESTFallback bool
	// DriverID is announced when neither the token nor the profile names
	// the driver.
	DriverID string
}

// Deps are the collaborators of a Coordinator. Profiles and Locations are
// optional.
type Deps struct {
	Credentials   Credentials
	Session       Session
	Channel       Channel
	Sampler       Tracker
	Notifications Notifications
	Acks          Acks
	Profiles      Profiles
	Locations     LocationPoster
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Status is a snapshot of the sync core, as shown to the driver.
type Status struct {
	LoggedIn           bool             `json:"loggedIn"`
	DriverID           string           `json:"driverId,omitempty"`
	Connection         realtime.State   `json:"connection"`
	Tracking           bool             `json:"tracking"`
	RouteActive        bool             `json:"routeActive"`
	SharingDisabled    bool             `json:"sharingDisabled"`
	Background         bool             `json:"background"`
	BackgroundLocation bool             `json:"backgroundLocation"`
	PermissionRevoked  bool             `json:"permissionRevoked"`
	UnreadCount        int              `json:"unreadCount"`
	LastAck            *time.Time       `json:"lastAck,omitempty"`
	LastSample         *location.Sample `json:"lastSample,omitempty"`
}

// Coordinator owns the tracking flag and drives the other components.
// Collaborators are never called with c.mu held.
type Coordinator struct {
	cfg  Config
	deps Deps

	mu sync.Mutex
	// epoch is bumped by Logout; session setup started under an older
	// epoch must not bring the session back.
	epoch        uint64
	loggedIn     bool
	driverID     string
	conn         realtime.State
	tracking     bool
	routeActive  bool
	sharingOff   bool
	background   bool
	revoked      bool
	lastSampleAt time.Time
	fallback     *time.Timer
	fallbackSeq  uint64
	observer     func(Status)
}

func New(cfg Config, d Deps) *Coordinator {
	if cfg.FallbackPeriod <= 0 {
		cfg.FallbackPeriod = DefaultFallbackPeriod
	}
	c := &Coordinator{cfg: cfg, deps: d, conn: d.Channel.State()}

	d.Channel.OnState(c.connectionChanged)
	d.Notifications.OnChange(func(int) { c.publish() })
	if d.Acks != nil {
		d.Acks.OnAck(func(time.Time) { c.publish() })
	}
	return c
}

// OnStatus registers fn, called with a fresh snapshot after every change.
func (c *Coordinator) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{
		LoggedIn:          c.loggedIn,
		DriverID:          c.driverID,
		Connection:        c.conn,
		Tracking:          c.tracking,
		RouteActive:       c.routeActive,
		SharingDisabled:   c.sharingOff,
		Background:        c.background,
		PermissionRevoked: c.revoked,
	}
	c.mu.Unlock()

	s.BackgroundLocation = c.deps.Sampler.BackgroundGranted()
	s.UnreadCount = c.deps.Notifications.UnreadCount()
	if c.deps.Acks != nil {
		if at := c.deps.Acks.LastAck(); !at.IsZero() {
			s.LastAck = &at
		}
	}
	if last, ok := c.deps.Sampler.Last(); ok {
		s.LastSample = &last
	}
	return s
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	fn := c.observer
	c.mu.Unlock()
	if fn != nil {
		fn(c.Status())
	}
}

// connectionChanged runs inside the channel's state callback and must not
// call back into the channel.
func (c *Coordinator) connectionChanged(s realtime.State) {
	c.mu.Lock()
	c.conn = s
	c.mu.Unlock()
	c.deps.Logger.Debug("connection state changed", "state", s)
	c.publish()
}

// Login signs the driver in and brings the session up.
func (c *Coordinator) Login(ctx context.Context, email, password string) error {
	epoch := c.currentEpoch()
	c.deps.Session.SignIn(email, password)
	tok, err := c.deps.Credentials.Token(ctx, true)
	if err != nil {
		if c.current(epoch) {
			c.deps.Session.SignOut()
		}
		return err
	}
	if err := c.start(ctx, tok, epoch); err != nil {
		return err
	}
	c.deps.Logger.Info("driver logged in", "email", email)
	return nil
}

// Resume brings a session up from the persisted token.
func (c *Coordinator) Resume(ctx context.Context) error {
	epoch := c.currentEpoch()
	tok, err := c.deps.Credentials.Token(ctx, false)
	if err != nil {
		return err
	}
	if err := c.start(ctx, tok, epoch); err != nil {
		return err
	}
	c.deps.Logger.Info("session resumed")
	return nil
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Coordinator) current(epoch uint64) bool {
	return c.currentEpoch() == epoch
}

// start brings the session up unless Logout ran since epoch was taken.
// Logout bumps the epoch before tearing down, so every step re-checked
// here either sees the logout or runs before its teardown.
func (c *Coordinator) start(ctx context.Context, tok string, epoch uint64) error {
	driverID := c.cfg.DriverID
	if c.deps.Profiles != nil {
		if p, err := c.deps.Profiles.Profile(ctx); err != nil {
			c.deps.Logger.Warn("load driver profile", "error", err)
		} else if p.ID != "" {
			driverID = p.ID
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.abandon("login")
	}
	c.loggedIn = true
	c.driverID = driverID
	c.mu.Unlock()

	c.deps.Channel.Connect(c.identity(), tok)
	if !c.current(epoch) {
		c.deps.Channel.Disconnect()
		return c.abandon("connect")
	}

	if err := c.deps.Notifications.Fetch(ctx); err != nil {
		c.deps.Logger.Warn("initial notification fetch failed", "error", err)
	}
	if !c.current(epoch) {
		c.deps.Notifications.Clear()
		return c.abandon("fetch notifications")
	}
	c.publish()
	return nil
}

func (c *Coordinator) abandon(step string) error {
	c.deps.Logger.Info("session setup abandoned after logout", "step", step)
	return apperr.New(apperr.ErrAuth, step, errLoggedOut)
}

// identity carries the locally known driver ID for the register message.
func (c *Coordinator) identity() context.Context {
	c.mu.Lock()
	id := c.driverID
	c.mu.Unlock()
	return auth.WithIdentity(context.Background(), auth.Identity{DriverID: id})
}

// Logout tears everything down and forgets the credential.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.loggedIn = false
	c.tracking = false
	c.revoked = false
	c.driverID = ""
	c.stopFallbackLocked()
	c.mu.Unlock()

	c.deps.Channel.Disconnect()
	c.deps.Sampler.Stop()
	if c.deps.Acks != nil {
		c.deps.Acks.Wait()
	}
	c.deps.Notifications.Clear()
	err := c.deps.Credentials.Invalidate()
	c.deps.Session.SignOut()

	c.deps.Logger.Info("driver logged out")
	c.publish()
	return err
}

// StartTracking begins sampling and forwarding locations. Permission errors
// leave tracking off.
func (c *Coordinator) StartTracking(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return apperr.New(apperr.ErrAuth, "start tracking", errNotLoggedIn)
	}

	if err := c.deps.Sampler.Start(ctx, c.cfg.Location, c.forward); err != nil {
		c.deps.Logger.Warn("start tracking", "error", err)
		return err
	}

	c.mu.Lock()
	c.tracking = true
	c.revoked = false
	if c.background {
		c.armFallbackLocked()
	}
	c.mu.Unlock()

	c.deps.Logger.Info("tracking started")
	c.seed(ctx)
	c.publish()
	return nil
}

// seed sends a one-shot fix so the server does not wait for the first
// periodic emission.
func (c *Coordinator) seed(ctx context.Context) {
	s, err := c.deps.Sampler.Current(ctx)
	if err != nil {
		c.deps.Logger.Warn("initial location fix", "error", err)
		return
	}
	c.mu.Lock()
	tracking := c.tracking
	if tracking {
		c.lastSampleAt = time.Now()
	}
	c.mu.Unlock()
	if tracking {
		c.send(s, "seed")
	}
}

// StopTracking stops sampling. It is safe to call when not tracking.
func (c *Coordinator) StopTracking() {
	c.deps.Sampler.Stop()

	c.mu.Lock()
	was := c.tracking
	c.tracking = false
	c.stopFallbackLocked()
	c.mu.Unlock()

	if was {
		c.deps.Logger.Info("tracking stopped")
	}
	c.publish()
}

// SetActiveRoute records whether a route is in progress and starts or
// stops tracking to match, unless the driver turned sharing off.
func (c *Coordinator) SetActiveRoute(ctx context.Context, active bool) error {
	c.mu.Lock()
	c.routeActive = active
	sharingOff, tracking := c.sharingOff, c.tracking
	c.mu.Unlock()

	switch {
	case sharingOff:
		c.publish()
		return nil
	case active && !tracking:
		return c.StartTracking(ctx)
	case !active && tracking:
		c.StopTracking()
	default:
		c.publish()
	}
	return nil
}

// SetSharing is the driver's explicit location sharing switch.
func (c *Coordinator) SetSharing(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.sharingOff = !enabled
	routeActive, tracking := c.routeActive, c.tracking
	c.mu.Unlock()

	switch {
	case !enabled && tracking:
		c.StopTracking()
	case enabled && routeActive && !tracking:
		return c.StartTracking(ctx)
	default:
		c.publish()
	}
	return nil
}

// EnterBackground arms the fallback timer while tracking.
func (c *Coordinator) EnterBackground() {
	c.mu.Lock()
	c.background = true
	if c.tracking {
		c.armFallbackLocked()
	}
	c.mu.Unlock()

	c.deps.Logger.Debug("app entered background")
	c.publish()
}

// EnterForeground disarms the fallback timer, reconnects a dropped channel
// and re-validates the location permission.
func (c *Coordinator) EnterForeground(ctx context.Context) error {
	c.mu.Lock()
	c.background = false
	c.stopFallbackLocked()
	loggedIn, tracking, epoch := c.loggedIn, c.tracking, c.epoch
	c.mu.Unlock()

	c.deps.Logger.Debug("app entered foreground")

	var err error
	if loggedIn && c.deps.Channel.State() == realtime.StateDisconnected {
		var tok string
		if tok, err = c.deps.Credentials.Token(ctx, false); err != nil {
			c.deps.Logger.Warn("reconnect on foreground", "error", err)
		} else {
			c.deps.Channel.Connect(c.identity(), tok)
			if !c.current(epoch) {
				c.deps.Channel.Disconnect()
			}
		}
	}

	if tracking {
		granted, perr := c.deps.Sampler.CheckPermission(ctx)
		if perr != nil || !granted {
			c.deps.Logger.Warn("location permission revoked, stopping tracking", "error", perr)
			c.StopTracking()
			c.mu.Lock()
			c.revoked = true
			c.mu.Unlock()
		}
	}

	c.publish()
	return err
}

func (c *Coordinator) forward(s location.Sample) {
	c.mu.Lock()
	c.lastSampleAt = time.Now()
	c.mu.Unlock()
	c.send(s, "live")
}

func (c *Coordinator) send(s location.Sample, path string) {
	if c.deps.Channel.State() == realtime.StateConnected {
		c.deps.Channel.Send(realtime.EventLocationUpdate, s)
		c.deps.Metrics.LocationSent(path)
		return
	}
	if c.cfg.RESTFallback && c.deps.Locations != nil {
		if err := c.deps.Locations.UpdateLocation(context.Background(), s); err != nil {
			c.deps.Logger.Warn("rest location update failed", "error", err)
			return
		}
		c.deps.Metrics.LocationSent("rest")
		return
	}
	c.deps.Logger.Debug("location sample not forwarded, channel down")
}

// armFallbackLocked schedules the background resend. Caller holds c.mu.
func (c *Coordinator) armFallbackLocked() {
	if c.fallback != nil {
		return
	}
	c.fallbackSeq++
	seq := c.fallbackSeq
	c.fallback = time.AfterFunc(c.cfg.FallbackPeriod, func() { c.fallbackTick(seq) })
}

func (c *Coordinator) stopFallbackLocked() {
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
	c.fallbackSeq++
}

// fallbackTick resends the last sample when the platform went quiet in the
// background, then re-arms itself. A tick from a timer that was stopped or
// replaced is ignored.
func (c *Coordinator) fallbackTick(seq uint64) {
	c.mu.Lock()
	if seq != c.fallbackSeq || c.fallback == nil || !c.background || !c.tracking {
		c.mu.Unlock()
		return
	}
	stale := time.Since(c.lastSampleAt) >= c.cfg.FallbackPeriod
	c.fallback = nil
	c.armFallbackLocked()
	c.mu.Unlock()

	if !stale {
		return
	}
	if last, ok := c.deps.Sampler.Last(); ok {
		c.deps.Logger.Debug("resending last location from background")
		c.send(last, "fallback")
	}
}
