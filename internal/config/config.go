// Package config loads the demo server settings from the environment (and an optional .env file).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lowc1012/throttle-policy-go/rate_limiter"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Policy  PolicyConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port string
	// KeyHeaders, when set, keys requests by these headers instead of the client IP.
	KeyHeaders        []string
	TrustForwardedFor bool
	PerRoute          bool
}

type StorageConfig struct {
	Type  string
	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PolicyConfig struct {
	Name     string
	Prefixes []string

	PerSecond *int64
	PerMinute *int64
	PerHour   *int64
	PerDay    *int64

	// Limiters are extra rules evaluated before the named-period ones. A rule
	// may not share its period with a configured THROTTLE_PER_* setting.
	Limiters []*rate_limiter.Limiter
}

type LogConfig struct {
	Level string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	trustXFF, err := strconv.ParseBool(getEnv("TRUST_X_FORWARDED_FOR", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid TRUST_X_FORWARDED_FOR: %w", err)
	}
	perRoute, err := strconv.ParseBool(getEnv("THROTTLE_PER_ROUTE", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid THROTTLE_PER_ROUTE: %w", err)
	}

	policy, err := buildPolicyConfig()
	if err != nil {
		return Config{}, err
	}

	storageType := strings.ToLower(getEnv("STORE_TYPE", "memory"))
	if storageType != "memory" && storageType != "redis" {
		return Config{}, fmt.Errorf("unsupported STORE_TYPE: %s", storageType)
	}

	return Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			KeyHeaders:        splitList(os.Getenv("KEY_HEADERS")),
			TrustForwardedFor: trustXFF,
			PerRoute:          perRoute,
		},
		Storage: StorageConfig{
			Type: storageType,
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: os.Getenv("REDIS_PASSWORD"),
				DB:       redisDB,
			},
		},
		Policy: policy,
		Log:    LogConfig{Level: getEnv("LOG_LEVEL", "info")},
	}, nil
}

func buildPolicyConfig() (PolicyConfig, error) {
	cfg := PolicyConfig{
		Name:     getEnv("POLICY_NAME", "default"),
		Prefixes: splitList(os.Getenv("POLICY_PREFIXES")),
	}

	named := []struct {
		env    string
		period time.Duration
		target **int64
	}{
		{"THROTTLE_PER_SECOND", time.Second, &cfg.PerSecond},
		{"THROTTLE_PER_MINUTE", time.Minute, &cfg.PerMinute},
		{"THROTTLE_PER_HOUR", time.Hour, &cfg.PerHour},
		{"THROTTLE_PER_DAY", 24 * time.Hour, &cfg.PerDay},
	}
	for _, n := range named {
		raw := strings.TrimSpace(os.Getenv(n.env))
		if raw == "" {
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return PolicyConfig{}, fmt.Errorf("invalid %s: %w", n.env, err)
		}
		*n.target = &count
	}

	limiters, err := ParseLimiters(os.Getenv("THROTTLE_LIMITERS"))
	if err != nil {
		return PolicyConfig{}, err
	}
	// the named setting replaces the first limiter with its period, which
	// would silently drop the custom rule
	for _, n := range named {
		if *n.target == nil {
			continue
		}
		for _, l := range limiters {
			if l.Period == n.period {
				return PolicyConfig{}, fmt.Errorf("THROTTLE_LIMITERS rule %s overlaps %s", l, n.env)
			}
		}
	}
	cfg.Limiters = limiters
	return cfg, nil
}

// ParseLimiters reads a comma separated list of COUNT:PERIOD[:LOCK] rules,
// durations in time.ParseDuration syntax, e.g. "5:1m:1h,100:24h".
func ParseLimiters(raw string) ([]*rate_limiter.Limiter, error) {
	var limiters []*rate_limiter.Limiter
	for _, item := range splitList(raw) {
		parts := strings.Split(item, ":")
		if len(parts) != 2 && len(parts) != 3 {
			return nil, fmt.Errorf("limiter must follow COUNT:PERIOD[:LOCK]: %s", item)
		}

		count, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid count in limiter %s: %w", item, err)
		}
		period, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid period in limiter %s: %w", item, err)
		}
		if period <= 0 {
			return nil, fmt.Errorf("period must be positive in limiter %s", item)
		}

		limiter := rate_limiter.NewLimiter().Limit(count).Over(period)
		if len(parts) == 3 {
			lock, err := time.ParseDuration(strings.TrimSpace(parts[2]))
			if err != nil {
				return nil, fmt.Errorf("invalid lock duration in limiter %s: %w", item, err)
			}
			limiter.LockFor(lock)
		}
		limiters = append(limiters, limiter)
	}
	return limiters, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
