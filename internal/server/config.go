// Package server provides configuration helpers that define runtime defaults,
// validation, and environment overrides for the relaychat service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MalformedPolicy decides what happens to a connection that sends a frame
// which is not a valid envelope.
type MalformedPolicy string

const (
	// MalformedSkip logs and drops the frame; the connection stays open.
	MalformedSkip MalformedPolicy = "skip"
	// MalformedClose tears the connection down.
	MalformedClose MalformedPolicy = "close"
)

// ParseMalformedPolicy converts a configuration string to a MalformedPolicy.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch p := MalformedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case MalformedSkip, MalformedClose:
		return p, nil
	}
	return "", fmt.Errorf("unknown malformed message policy %q (want %q or %q)", s, MalformedSkip, MalformedClose)
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// KeepaliveConfig controls the transport-level idle detection applied to every
// WebSocket stream.
type KeepaliveConfig struct {
	PongWait     time.Duration
	PingInterval time.Duration
	WriteWait    time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Address           string
	Port              string
	Threads           int
	AllowedOrigins    []string
	MaxMessageSize    int64
	MaxUsernameLength int
	MaxQueuedMessages int
	RegistryShards    int
	MalformedPolicy   MalformedPolicy
	RateLimit         RateLimitConfig
	Keepalive         KeepaliveConfig
	LogFormat         string
	LogLevel          string
}

func defaultConfig() Config {
	return Config{
		Address: "0.0.0.0",
		Port:    "8080",
		Threads: 1,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:    4096,
		MaxUsernameLength: 32,
		MaxQueuedMessages: 256,
		RegistryShards:    1,
		MalformedPolicy:   MalformedSkip,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Keepalive: KeepaliveConfig{
			PongWait:     60 * time.Second,
			PingInterval: 54 * time.Second,
			WriteWait:    10 * time.Second,
		},
		LogFormat: "json",
		LogLevel:  "info",
	}
}

// Sanitize replaces zero or invalid values with defaults and returns the result.
func (cfg Config) Sanitize() Config {
	def := defaultConfig()

	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = def.MaxUsernameLength
	}
	if cfg.MaxQueuedMessages <= 0 {
		cfg.MaxQueuedMessages = def.MaxQueuedMessages
	}
	if cfg.RegistryShards <= 0 {
		cfg.RegistryShards = def.RegistryShards
	}
	if _, err := ParseMalformedPolicy(string(cfg.MalformedPolicy)); err != nil {
		cfg.MalformedPolicy = def.MalformedPolicy
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Keepalive.PongWait <= 0 {
		cfg.Keepalive.PongWait = def.Keepalive.PongWait
	}
	if cfg.Keepalive.PingInterval <= 0 || cfg.Keepalive.PingInterval >= cfg.Keepalive.PongWait {
		cfg.Keepalive.PingInterval = cfg.Keepalive.PongWait * 9 / 10
	}
	if cfg.Keepalive.WriteWait <= 0 {
		cfg.Keepalive.WriteWait = def.Keepalive.WriteWait
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
// Address, port and thread count come only from the command line.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if maxName := os.Getenv("MAX_USERNAME_LENGTH"); maxName != "" {
		cfg.MaxUsernameLength = parseIntValue(maxName, cfg.MaxUsernameLength)
	}
	if queued := os.Getenv("MAX_QUEUED_MESSAGES"); queued != "" {
		cfg.MaxQueuedMessages = parseIntValue(queued, cfg.MaxQueuedMessages)
	}
	if shards := os.Getenv("REGISTRY_SHARDS"); shards != "" {
		cfg.RegistryShards = parseIntValue(shards, cfg.RegistryShards)
	}
	if policy := os.Getenv("MALFORMED_POLICY"); policy != "" {
		if p, err := ParseMalformedPolicy(policy); err == nil {
			cfg.MalformedPolicy = p
		}
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}
	if wait := os.Getenv("PONG_WAIT"); wait != "" {
		cfg.Keepalive.PongWait = parseSeconds(wait, cfg.Keepalive.PongWait)
		cfg.Keepalive.PingInterval = cfg.Keepalive.PongWait * 9 / 10
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
