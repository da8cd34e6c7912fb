// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the lifecycle engine.
type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string // optional; empty disables notification fan-out
	JWTSecret      string
	CommissionRate float64

	// GatewayBaseURL points at the hosted-checkout collaborator. Empty means
	// offline mode: escrow funds immediately without a redirect.
	GatewayBaseURL       string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration

	// PayoutExpiry is how long a payout request may sit in pending before
	// the sweep rejects it.
	PayoutExpiry time.Duration
	// RiskThreshold is the score at or above which a new job is rejected
	// instead of opened.
	RiskThreshold int
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          dbURL,
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            secret,
		CommissionRate:       0.10,
		GatewayBaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       10 * time.Second,
		PayoutExpiry:         14 * 24 * time.Hour,
		RiskThreshold:        70,
	}

	if s := os.Getenv("COMMISSION_RATE"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v <= 0 || v >= 1 {
			return nil, fmt.Errorf("COMMISSION_RATE must be a fraction in (0,1), got %q", s)
		}
		cfg.CommissionRate = v
	}

	if s := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be a positive integer, got %q", s)
		}
		cfg.GatewayTimeout = time.Duration(v) * time.Second
	}

	if s := os.Getenv("PAYOUT_EXPIRY_DAYS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("PAYOUT_EXPIRY_DAYS must be a positive integer, got %q", s)
		}
		cfg.PayoutExpiry = time.Duration(v) * 24 * time.Hour
	}

	if s := os.Getenv("RISK_THRESHOLD"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > 100 {
			return nil, fmt.Errorf("RISK_THRESHOLD must be in [1,100], got %q", s)
		}
		cfg.RiskThreshold = v
	}

	if cfg.GatewayBaseURL != "" && cfg.GatewayWebhookSecret == "" {
		return nil, fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required when GATEWAY_BASE_URL is set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
