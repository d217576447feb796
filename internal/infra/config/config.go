package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env               string
	HTTPAddr          string
	StoreDriver       string
	MongoURI          string
	MongoDB           string
	KafkaBrokers      []string
	KafkaTopicPrefix  string
	ChatTokenSecret   string
	AccessTokenSecret string
	ChatTokenLifetime time.Duration
	ChatTokenMargin   time.Duration
	BackendURL        string
	BackendTimeout    time.Duration
	GatewayUID        string
	ListingsFixtures  string
	CORSOrigins       []string
	EnsureIndexes     bool

	OutboxPollInterval time.Duration
	RetryBackoff       []time.Duration
}

// Development reports whether insecure defaults are acceptable.
func (c Config) Development() bool {
	return c.Env == "dev" || c.Env == "local" || c.Env == "test"
}

// Load parses configuration from the current environment.
func Load() (Config, error) {
	cfg := Config{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:       strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		MongoURI:          os.Getenv("MONGO_URI"),
		MongoDB:           getEnv("MONGO_DB", "agrichat"),
		KafkaTopicPrefix:  getEnv("KAFKA_TOPIC_PREFIX", ""),
		ChatTokenSecret:   os.Getenv("CHAT_TOKEN_SECRET"),
		AccessTokenSecret: os.Getenv("ACCESS_TOKEN_SECRET"),
		BackendURL:        strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8080"), "/"),
		GatewayUID:        getEnv("GATEWAY_UID", "chat-gateway"),
		ListingsFixtures:  getEnv("LISTINGS_FIXTURES", "fixtures/listings.json"),
		CORSOrigins:       splitList(getEnv("CORS_ORIGINS", "*")),
	}
	cfg.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", ""))

	lifetime, err := parseDurationEnv("CHAT_TOKEN_LIFETIME", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatTokenLifetime = lifetime

	margin, err := parseDurationEnv("CHAT_TOKEN_REFRESH_MARGIN", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatTokenMargin = margin

	backendTimeout, err := parseDurationEnv("BACKEND_TIMEOUT", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.BackendTimeout = backendTimeout

	ensure, err := parseBoolEnv("MONGO_ENSURE_INDEXES", true)
	if err != nil {
		return Config{}, err
	}
	cfg.EnsureIndexes = ensure

	poll, err := parseDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxPollInterval = poll

	for _, raw := range splitList(getEnv("RETRY_BACKOFF", "1s,5s,30s")) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RETRY_BACKOFF component %q: %w", raw, err)
		}
		cfg.RetryBackoff = append(cfg.RetryBackoff, d)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER=%s", StoreMongo)
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ChatTokenLifetime <= 0 {
		return fmt.Errorf("CHAT_TOKEN_LIFETIME must be positive")
	}
	if c.ChatTokenMargin < 0 || c.ChatTokenMargin >= c.ChatTokenLifetime {
		return fmt.Errorf("CHAT_TOKEN_REFRESH_MARGIN must be below CHAT_TOKEN_LIFETIME")
	}
	if c.ChatTokenSecret == "" {
		if !c.Development() {
			return fmt.Errorf("CHAT_TOKEN_SECRET is required")
		}
		c.ChatTokenSecret = "dev-chat-secret"
	}
	if c.AccessTokenSecret == "" {
		if !c.Development() {
			return fmt.Errorf("ACCESS_TOKEN_SECRET is required")
		}
		c.AccessTokenSecret = "dev-access-secret"
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}
