package config

import (
	"fmt"
	"log/slog" // Use the new structured logger
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
	"github.com/ibrahimkeyboad/gopay/internal/core/policy"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LocksLocal = "local"
	LocksRedis = "redis"
)

type Config struct {
	Port        string
	Env         string
	LogLevel    slog.Level
	Store       string
	DatabaseURL string
	RedisAddr   string
	Locks       string

	WebhookURL    string
	WebhookSecret string

	FeePercent     decimal.Decimal
	TxLimits       map[domain.Currency]decimal.Decimal
	TxDefaultLimit decimal.Decimal
	LockTimeout    time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	NodeID              int64
	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration
}

// LoadConfig reads the .env file, then the environment.
func LoadConfig() (*Config, error) {
	// Try loading .env file (it might not exist in Production, which is fine)
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, relying on System Env Variables")
	}
	return FromEnv(getEnv)
}

// FromEnv builds a Config from a lookup function. Every key has a default.
func FromEnv(lookup func(key, fallback string) string) (*Config, error) {
	p := parser{lookup: lookup}

	cfg := &Config{
		Port:          lookup("PORT", "3000"),
		Env:           lookup("ENV", "development"),
		Store:         lookup("STORE", StorePostgres),
		DatabaseURL:   lookup("DATABASE_URL", ""),
		RedisAddr:     lookup("REDIS_ADDR", ""),
		Locks:         lookup("LOCKS", LocksLocal),
		WebhookURL:    lookup("WEBHOOK_URL", ""),
		WebhookSecret: lookup("WEBHOOK_SECRET", ""),

		LogLevel:            p.level("LOG_LEVEL", "info"),
		FeePercent:          p.decimal("FEE_PERCENT", "3.0"),
		TxLimits:            p.limits("TX_LIMITS", "USD=10000,EUR=9200,GBP=7800,CHF=8600,PLN=40000"),
		TxDefaultLimit:      p.decimal("TX_DEFAULT_LIMIT", "1000"),
		LockTimeout:         p.duration("LOCK_TIMEOUT", "5s"),
		RateLimitMax:        p.int("RATE_LIMIT_MAX", "10"),
		RateLimitWindow:     p.duration("RATE_LIMIT_WINDOW", "5m"),
		NodeID:              int64(p.int("NODE_ID", "1")),
		ReconcileInterval:   p.duration("RECONCILE_INTERVAL", "1m"),
		ReconcileStaleAfter: p.duration("RECONCILE_STALE_AFTER", "10m"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	switch c.Locks {
	case LocksLocal:
	case LocksRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LOCKS=%s", LocksRedis)
		}
		// Memory-store accounts live in one process; a shared lock guards nothing there.
		if c.Store == StoreMemory {
			return fmt.Errorf("LOCKS=%s needs STORE=%s", LocksRedis, StorePostgres)
		}
	default:
		return fmt.Errorf("LOCKS must be %q or %q, got %q", LocksLocal, LocksRedis, c.Locks)
	}

	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	// The reconciler must never touch a stage that may still be waiting for locks.
	if c.ReconcileStaleAfter <= 2*c.LockTimeout {
		return fmt.Errorf("RECONCILE_STALE_AFTER (%s) must exceed twice LOCK_TIMEOUT (%s)",
			c.ReconcileStaleAfter, c.LockTimeout)
	}
	return nil
}

// Policy builds the immutable fee and limit policies handed to the engine.
func (c *Config) Policy() (policy.Policy, error) {
	fees, err := policy.NewFeePolicy(c.FeePercent)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("FEE_PERCENT: %w", err)
	}
	limits, err := policy.NewLimitPolicy(c.TxLimits, c.TxDefaultLimit)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("TX_LIMITS: %w", err)
	}
	return policy.Policy{Fees: fees, Limits: limits}, nil
}

// Helper to get env with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// parser keeps the first error so FromEnv reads like a plain struct literal.
type parser struct {
	lookup func(key, fallback string) string
	err    error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	raw := p.lookup(key, fallback)
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
	}
	return d
}

func (p *parser) duration(key, fallback string) time.Duration {
	raw := p.lookup(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return d
}

func (p *parser) int(key, fallback string) int {
	raw := p.lookup(key, fallback)
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return n
}

func (p *parser) level(key, fallback string) slog.Level {
	raw := p.lookup(key, fallback)
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		p.fail(key, raw, err)
	}
	return lvl
}

// limits parses "USD=10000,EUR=9200".
func (p *parser) limits(key, fallback string) map[domain.Currency]decimal.Decimal {
	raw := p.lookup(key, fallback)
	out := make(map[domain.Currency]decimal.Decimal)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, amount, ok := strings.Cut(pair, "=")
		if !ok {
			p.fail(key, raw, fmt.Errorf("%q is not CODE=AMOUNT", pair))
			return out
		}
		currency := domain.Currency(strings.ToUpper(strings.TrimSpace(code)))
		if !currency.Valid() {
			p.fail(key, raw, fmt.Errorf("%q is not a currency code", code))
			return out
		}
		limit, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			p.fail(key, raw, err)
			return out
		}
		out[currency] = limit
	}
	return out
}
