package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dukerupert/driverlink/internal/api"
	"github.com/dukerupert/driverlink/internal/auth"
	"github.com/dukerupert/driverlink/internal/config"
	"github.com/dukerupert/driverlink/internal/database"
	"github.com/dukerupert/driverlink/internal/dispatch"
	"github.com/dukerupert/driverlink/internal/lifecycle"
	"github.com/dukerupert/driverlink/internal/location"
	"github.com/dukerupert/driverlink/internal/logging"
	"github.com/dukerupert/driverlink/internal/metrics"
	"github.com/dukerupert/driverlink/internal/notify"
	"github.com/dukerupert/driverlink/internal/realtime"
	"github.com/dukerupert/driverlink/internal/server"
	"github.com/dukerupert/driverlink/internal/store"
	ws "github.com/dukerupert/driverlink/internal/websocket"
)

// simSpeed is the simulated vehicle speed in m/s.
const simSpeed = 8.0

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "driverlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	creds, err := store.NewCredentialStore(store.NewKV(db), cfg.StoreKey)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	apiCfg := api.Config{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout}
	session := auth.NewPasswordSession(api.New(apiCfg, nil, logger.With("component", "api")))
	provider := auth.NewProvider(session, creds, logger.With("component", "auth"))
	client := api.New(apiCfg, provider, logger.With("component", "api"))

	sim, err := simulatedPlatform(cfg)
	if err != nil {
		return err
	}
	sampler := location.NewSampler(sim, logger.With("component", "location"))

	channel := realtime.NewManager(
		&realtime.WebsocketDialer{URL: cfg.WSURL},
		logger.With("component", "realtime"),
		realtime.WithRefresher(provider),
		realtime.WithMetrics(mt),
	)
	cache := notify.NewCache(client, logger.With("component", "notify"))
	dispatcher := dispatch.New(cache, logger.With("component", "dispatch"), mt)
	channel.OnEvent(dispatcher.Handle)

	coord := lifecycle.New(lifecycle.Config{
		Location: location.Options{
			Interval: cfg.LocationInterval,
			Distance: cfg.LocationDistance,
		},
		FallbackPeriod: cfg.FallbackPeriod,
		RESTFallback:   cfg.RESTFallback,
		DriverID:       cfg.DriverID,
	}, lifecycle.Deps{
		Credentials:   provider,
		Session:       session,
		Channel:       channel,
		Sampler:       sampler,
		Notifications: cache,
		Acks:          dispatcher,
		Profiles:      client,
		Locations:     client,
		Metrics:       mt,
		Logger:        logger.With("component", "lifecycle"),
	})

	hub := ws.NewHub(logger.With("component", "status_feed"))
	hub.SetSnapshot(func() ws.Update { return ws.NewUpdate(ws.TypeStatus, coord.Status()) })
	coord.OnStatus(func(s lifecycle.Status) { hub.Broadcast(ws.NewUpdate(ws.TypeStatus, s)) })

	srv := server.New(server.Config{Addr: cfg.ListenAddr, Token: cfg.ControlToken}, coord, cache, hub, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startSession(ctx, coord, cfg, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown control server", "error", err)
	}
	channel.Disconnect()
	sampler.Stop()
	dispatcher.Wait()
	return nil
}

func simulatedPlatform(cfg *config.Config) (*location.Simulated, error) {
	sc := location.SimConfig{Speed: simSpeed}
	if cfg.SimRoute != "" {
		wps, err := location.LoadWaypoints(cfg.SimRoute)
		if err != nil {
			return nil, err
		}
		sc.Waypoints = wps
	}
	return location.NewSimulated(sc), nil
}

// startSession resumes the persisted session, or logs in with configured
// credentials. Failures leave the agent waiting for a login request.
func startSession(ctx context.Context, coord *lifecycle.Coordinator, cfg *config.Config, logger *slog.Logger) {
	if cfg.Email != "" && cfg.Password != "" {
		if err := coord.Login(ctx, cfg.Email, cfg.Password); err != nil {
			logger.Warn("auto login failed", "error", err)
		}
		return
	}
	if err := coord.Resume(ctx); err != nil {
		logger.Info("no resumable session, waiting for login", "error", err)
	}
}
