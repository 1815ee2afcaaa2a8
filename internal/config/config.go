package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultPort            = "8080"
	defaultGraceDays       = 7
	defaultKeyAPITimeout   = 5 * time.Second
	defaultUsageWindowDays = 30
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	// GracePeriod is how long a deactivated user is kept before the sweep
	// may delete them.
	GracePeriod time.Duration

	// KeyAPITimeout bounds every remote call to a server's key-management API.
	KeyAPITimeout time.Duration

	// UsageWindow is the trailing window measured when a key is retired.
	UsageWindow time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:          defaultPort,
		GracePeriod:   defaultGraceDays * 24 * time.Hour,
		KeyAPITimeout: defaultKeyAPITimeout,
		UsageWindow:   defaultUsageWindowDays * 24 * time.Hour,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	jwtSecret := os.Getenv("API_JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("API_JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if days, err := intEnv("PROFILE_DELETE_DELAY_DAYS"); err != nil {
		return nil, err
	} else if days > 0 {
		cfg.GracePeriod = time.Duration(days) * 24 * time.Hour
	}

	if secs, err := intEnv("KEY_API_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	} else if secs > 0 {
		cfg.KeyAPITimeout = time.Duration(secs) * time.Second
	}

	if days, err := intEnv("USAGE_WINDOW_DAYS"); err != nil {
		return nil, err
	} else if days > 0 {
		cfg.UsageWindow = time.Duration(days) * 24 * time.Hour
	}

	return cfg, nil
}

// intEnv parses an optional positive-integer variable; 0 means unset.
func intEnv(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}
