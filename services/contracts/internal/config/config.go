package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/contracts.yaml"

type Config struct {
	ServiceID string
	Env       string
	LogLevel  string
	HTTPPort  int

	DatabaseURL    string
	MaxDBConns     int32
	MigrateOnStart bool

	RedisURL       string
	IdempotencyTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string
	JWTIssuer string

	MaxBodyBytes       int64
	RateLimitPerMinute int

	// ExpiryLocation closes date-only expiry dates at end of day.
	ExpiryLocation *time.Location
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
		HTTPPort int    `yaml:"http_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL  string   `yaml:"postgres_url"`
		MaxDBConns   int32    `yaml:"max_db_conns"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"dependencies"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"auth"`
	Limits struct {
		MaxBodyBytes       int64  `yaml:"max_body_bytes"`
		RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
		IdempotencyTTL     string `yaml:"idempotency_ttl"`
	} `yaml:"limits"`
	Contracts struct {
		ExpiryTimezone string `yaml:"expiry_timezone"`
		MigrateOnStart *bool  `yaml:"migrate_on_start"`
	} `yaml:"contracts"`
}

// Load resolves configuration in priority order: defaults -> file -> env.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		ServiceID:          "kraken-contracts",
		Env:                "production",
		LogLevel:           "info",
		HTTPPort:           8082,
		MaxDBConns:         10,
		MigrateOnStart:     true,
		IdempotencyTTL:     24 * time.Hour,
		KafkaTopic:         "kraken.contracts.events",
		MaxBodyBytes:       1 << 20,
		RateLimitPerMinute: 0,
		ExpiryLocation:     time.Local,
	}
	tz := ""

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.ID != "" {
			cfg.ServiceID = f.Service.ID
		}
		if f.Service.Env != "" {
			cfg.Env = f.Service.Env
		}
		if f.Service.LogLevel != "" {
			cfg.LogLevel = f.Service.LogLevel
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Dependencies.PostgresURL != "" {
			cfg.DatabaseURL = f.Dependencies.PostgresURL
		}
		if f.Dependencies.MaxDBConns > 0 {
			cfg.MaxDBConns = f.Dependencies.MaxDBConns
		}
		if f.Dependencies.RedisURL != "" {
			cfg.RedisURL = f.Dependencies.RedisURL
		}
		if len(f.Dependencies.KafkaBrokers) > 0 {
			cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
		}
		if f.Dependencies.KafkaTopic != "" {
			cfg.KafkaTopic = f.Dependencies.KafkaTopic
		}
		if f.Auth.JWTSecret != "" {
			cfg.JWTSecret = f.Auth.JWTSecret
		}
		if f.Auth.JWTIssuer != "" {
			cfg.JWTIssuer = f.Auth.JWTIssuer
		}
		if f.Limits.MaxBodyBytes > 0 {
			cfg.MaxBodyBytes = f.Limits.MaxBodyBytes
		}
		if f.Limits.RateLimitPerMinute > 0 {
			cfg.RateLimitPerMinute = f.Limits.RateLimitPerMinute
		}
		if f.Limits.IdempotencyTTL != "" {
			d, parseErr := time.ParseDuration(f.Limits.IdempotencyTTL)
			if parseErr != nil {
				return Config{}, fmt.Errorf("parse limits.idempotency_ttl: %w", parseErr)
			}
			cfg.IdempotencyTTL = d
		}
		if f.Contracts.ExpiryTimezone != "" {
			tz = f.Contracts.ExpiryTimezone
		}
		if f.Contracts.MigrateOnStart != nil {
			cfg.MigrateOnStart = *f.Contracts.MigrateOnStart
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg.Env = envDefault("APP_ENV", cfg.Env)
	cfg.LogLevel = envDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPPort = envIntDefault("SERVICE_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = envDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrateOnStart = envBoolDefault("MIGRATE_ON_START", cfg.MigrateOnStart)
	cfg.RedisURL = envDefault("REDIS_URL", cfg.RedisURL)
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.KafkaBrokers = splitCSV(brokers)
	}
	cfg.KafkaTopic = envDefault("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.JWTSecret = envDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.MaxBodyBytes = envInt64Default("MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.RateLimitPerMinute = envIntDefault("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	tz = envDefault("EXPIRY_TIMEZONE", tz)
	if tz != "" {
		loc, locErr := time.LoadLocation(tz)
		if locErr != nil {
			return Config{}, fmt.Errorf("load expiry timezone %q: %w", tz, locErr)
		}
		cfg.ExpiryLocation = loc
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return def
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}

func envInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
