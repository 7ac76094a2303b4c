package config

import "time"

const (
	defaultAPIURL           = "http://localhost:3000/api"
	defaultRequestTimeout   = 15 * time.Second
	defaultDBPath           = "driverlink.db"
	defaultListenAddr       = "127.0.0.1:8787"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultLocationInterval = 30 * time.Second
	defaultLocationDistance = 50.0
	defaultFallbackPeriod   = 60 * time.Second
)
