package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds the static settings read once at startup.
type Config struct {
	APIURL         string
	WSURL          string
	RequestTimeout time.Duration

	DBPath   string
	StoreKey string

	ListenAddr   string
	ControlToken string
	LogLevel     string
	LogFormat    string

	LocationInterval time.Duration
	LocationDistance float64
	FallbackPeriod   time.Duration
	RESTFallback     bool
	SimRoute         string

	DriverID string
	Email    string
	Password string
}

// Load reads configuration in order: .env (if present) → environment → flags.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: .env not loaded: %v", err)
	}

	cfg := &Config{
		APIURL:       envString("DRIVERLINK_API_URL", defaultAPIURL),
		WSURL:        envString("DRIVERLINK_WS_URL", ""),
		DBPath:       envString("DRIVERLINK_DB_PATH", defaultDBPath),
		StoreKey:     envString("DRIVERLINK_STORE_KEY", ""),
		ListenAddr:   envString("DRIVERLINK_LISTEN_ADDR", defaultListenAddr),
		ControlToken: envString("DRIVERLINK_CONTROL_TOKEN", ""),
		LogLevel:     envString("DRIVERLINK_LOG_LEVEL", defaultLogLevel),
		LogFormat:    envString("DRIVERLINK_LOG_FORMAT", defaultLogFormat),
		SimRoute:     envString("DRIVERLINK_SIM_ROUTE", ""),
		DriverID:     envString("DRIVERLINK_DRIVER_ID", ""),
		Email:        envString("DRIVERLINK_EMAIL", ""),
		Password:     envString("DRIVERLINK_PASSWORD", ""),
	}

	var err error
	if cfg.RequestTimeout, err = envDuration("DRIVERLINK_REQUEST_TIMEOUT", defaultRequestTimeout); err != nil {
		return nil, err
	}
	if cfg.LocationInterval, err = envDuration("DRIVERLINK_LOCATION_INTERVAL", defaultLocationInterval); err != nil {
		return nil, err
	}
	if cfg.FallbackPeriod, err = envDuration("DRIVERLINK_FALLBACK_PERIOD", defaultFallbackPeriod); err != nil {
		return nil, err
	}
	if cfg.LocationDistance, err = envFloat("DRIVERLINK_LOCATION_DISTANCE", defaultLocationDistance); err != nil {
		return nil, err
	}
	if cfg.RESTFallback, err = envBool("DRIVERLINK_REST_FALLBACK", false); err != nil {
		return nil, err
	}

	flags := pflag.NewFlagSet("driverlink", pflag.ContinueOnError)
	flags.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "base URL of the delivery API")
	flags.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "live channel URL (derived from --api-url when empty)")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "timeout for each REST request")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the local SQLite database")
	flags.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "address of the local control server")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	flags.DurationVar(&cfg.LocationInterval, "location-interval", cfg.LocationInterval, "minimum time between location samples")
	flags.Float64Var(&cfg.LocationDistance, "location-distance", cfg.LocationDistance, "minimum distance in meters between location samples")
	flags.DurationVar(&cfg.FallbackPeriod, "fallback-period", cfg.FallbackPeriod, "resend period for the last sample while backgrounded")
	flags.BoolVar(&cfg.RESTFallback, "rest-fallback", cfg.RESTFallback, "post location over REST while the live channel is down")
	flags.StringVar(&cfg.SimRoute, "sim-route", cfg.SimRoute, "waypoint file for the simulated location source")
	flags.StringVar(&cfg.DriverID, "driver-id", cfg.DriverID, "driver identity used when the token carries none")

	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.WSURL == "" {
		ws, err := DeriveWSURL(cfg.APIURL)
		if err != nil {
			return nil, err
		}
		cfg.WSURL = ws
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api url: %q", c.APIURL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %v", c.RequestTimeout)
	}
	if c.LocationInterval <= 0 {
		return fmt.Errorf("invalid location interval: %v", c.LocationInterval)
	}
	if c.LocationDistance < 0 {
		return fmt.Errorf("invalid location distance: %v", c.LocationDistance)
	}
	if c.FallbackPeriod <= 0 {
		return fmt.Errorf("invalid fallback period: %v", c.FallbackPeriod)
	}
	return nil
}

// DeriveWSURL maps the API base URL to the live channel endpoint on the same
// host: http→ws, https→wss, path /ws.
func DeriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid api url scheme: %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
