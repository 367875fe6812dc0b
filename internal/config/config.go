// Package config loads gateway settings from AGENTGATE_* environment
// variables. Everything has a usable default except the auth secret.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr          = "AGENTGATE_LISTEN_ADDR"
	envPGDSN               = "AGENTGATE_PG_DSN"
	envAuthSecret          = "AGENTGATE_AUTH_SECRET"
	envAuthIssuer          = "AGENTGATE_AUTH_ISSUER"
	envWhitelist           = "AGENTGATE_WHITELIST"
	envApprovedRoot        = "AGENTGATE_APPROVED_ROOT"
	envSessionIdleTimeout  = "AGENTGATE_SESSION_IDLE_TIMEOUT"
	envRateCapacity        = "AGENTGATE_RATE_CAPACITY"
	envRateRefill          = "AGENTGATE_RATE_REFILL"
	envCostLimit           = "AGENTGATE_COST_LIMIT"
	envConfirmationTimeout = "AGENTGATE_CONFIRMATION_TIMEOUT"
	envPatternSetVersion   = "AGENTGATE_PATTERN_SET_VERSION"
)

// Config carries every runtime setting the gateway binary needs.
type Config struct {
	ListenAddr string
	PGDSN      string

	AuthSecret string
	AuthIssuer string
	Whitelist  []string

	ApprovedRoot        string
	PatternSetVersion   string // empty means the built-in default
	SessionIdleTimeout  time.Duration
	RateCapacity        float64
	RateRefill          float64
	CostLimit           float64
	ConfirmationTimeout time.Duration
}

// Load reads the environment. Missing AGENTGATE_AUTH_SECRET is an error;
// everything else falls back to a default.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:          getenv(envListenAddr, ":8080"),
		PGDSN:               os.Getenv(envPGDSN),
		AuthSecret:          strings.TrimSpace(os.Getenv(envAuthSecret)),
		AuthIssuer:          getenv(envAuthIssuer, "agentgate"),
		ApprovedRoot:        getenv(envApprovedRoot, "."),
		PatternSetVersion:   strings.TrimSpace(os.Getenv(envPatternSetVersion)),
		SessionIdleTimeout:  time.Hour,
		RateCapacity:        10,
		RateRefill:          0.5,
		CostLimit:           0,
		ConfirmationTimeout: 60 * time.Second,
	}

	if cfg.AuthSecret == "" {
		return Config{}, errors.New("config: " + envAuthSecret + " is required")
	}

	if raw := os.Getenv(envWhitelist); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.Whitelist = append(cfg.Whitelist, id)
			}
		}
	}

	var err error
	if cfg.SessionIdleTimeout, err = durationEnv(envSessionIdleTimeout, cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConfirmationTimeout, err = durationEnv(envConfirmationTimeout, cfg.ConfirmationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateCapacity, err = floatEnv(envRateCapacity, cfg.RateCapacity); err != nil {
		return Config{}, err
	}
	if cfg.RateRefill, err = floatEnv(envRateRefill, cfg.RateRefill); err != nil {
		return Config{}, err
	}
	if cfg.CostLimit, err = floatEnv(envCostLimit, cfg.CostLimit); err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, errors.New("config: session idle timeout must be positive")
	}
	if cfg.ConfirmationTimeout <= 0 {
		return Config{}, errors.New("config: confirmation timeout must be positive")
	}
	if cfg.RateCapacity <= 0 || cfg.RateRefill <= 0 {
		return Config{}, errors.New("config: rate capacity and refill must be positive")
	}
	if cfg.CostLimit < 0 {
		return Config{}, errors.New("config: cost limit must not be negative")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
