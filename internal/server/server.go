// Package server exposes the local control and status surface of the agent.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/driverlink/internal/lifecycle"
	"github.com/dukerupert/driverlink/internal/middleware"
	"github.com/dukerupert/driverlink/internal/notify"
	ws "github.com/dukerupert/driverlink/internal/websocket"
)

// Controller is the lifecycle surface driven over HTTP.
type Controller interface {
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context) error
	StartTracking(ctx context.Context) error
	StopTracking()
	SetActiveRoute(ctx context.Context, active bool) error
	SetSharing(ctx context.Context, enabled bool) error
	EnterBackground()
	EnterForeground(ctx context.Context) error
	Status() lifecycle.Status
}

// Notifications is the notification cache as seen by the control surface.
type Notifications interface {
	Fetch(ctx context.Context) error
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	List() []notify.Notification
	UnreadCount() int
}

// Config holds the control server settings.
type Config struct {
	Addr  string
	Token string
	// LoginLimit is the number of login attempts per client per minute.
	LoginLimit int
}

type Server struct {
	cfg      Config
	ctrl     Controller
	notes    Notifications
	hub      *ws.Hub
	gatherer prometheus.Gatherer
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
	http     *http.Server
}

func New(cfg Config, ctrl Controller, notes Notifications, hub *ws.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if cfg.LoginLimit <= 0 {
		cfg.LoginLimit = 10
	}
	s := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		notes:    notes,
		hub:      hub,
		gatherer: gatherer,
		limiter:  middleware.NewRateLimiter(cfg.LoginLimit, time.Minute),
		logger:   logger,
	}
	s.http = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Router(),
		ReadTimeout: 5 * time.Second,
		// No write timeout: /ws streams for as long as the subscriber stays.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.cfg.Token))

		r.Get("/status", s.status)
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		r.Get("/ws", ws.Handler(s.hub, s.logger.With("component", "status_feed")))

		r.With(middleware.RateLimit(s.limiter)).Post("/session/login", s.login)
		r.Post("/session/logout", s.logout)

		r.Post("/tracking/start", s.startTracking)
		r.Post("/tracking/stop", s.stopTracking)
		r.Put("/route/active", s.setActiveRoute)
		r.Put("/sharing", s.setSharing)

		r.Post("/app/background", s.background)
		r.Post("/app/foreground", s.foreground)

		r.Get("/notifications", s.listNotifications)
		r.Post("/notifications/refresh", s.refreshNotifications)
		r.Post("/notifications/read-all", s.markAllRead)
		r.Post("/notifications/{id}/read", s.markRead)
	})

	return r
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
