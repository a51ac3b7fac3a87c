// Package config validates the focus process's environment and turns it
// into a typed, defaulted Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the focus process.
type Config struct {
	// Required
	JWTSecret   string
	Port        string
	BridgeAddrs []string // comma-separated BRIDGE_ADDRS, host:port each

	// XMPP / registry
	XMPPDomain    string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional
	GoEnv    string
	LogLevel string

	// Admission tunables (spec.md §4/§5)
	MaxParticipantsPerConference int
	MaxSourcesPerEndpoint        int
	MaxGroupsPerEndpoint         int
	MinParticipants              int
	MaxAudioSenders              int
	MaxVideoSenders              int
	ParticipantsSoftLimit        int
	RestartShortWindow           time.Duration
	RestartShortWindowLimit      int
	RestartLongWindow            time.Duration
	RestartLongWindowLimit       int
	ConferenceStartTimeout       time.Duration
	SingleParticipantTimeout     time.Duration
	ReconnectTimeout             time.Duration
	PinSweepInterval             time.Duration
	IOPoolConcurrency            int
	BridgeHealthCheckInterval    time.Duration

	// Rate limits (admin HTTP surface)
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
	RateLimitAPIRooms  string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error describing every problem found, not just the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	bridgeAddrs := os.Getenv("BRIDGE_ADDRS")
	if bridgeAddrs == "" {
		errs = append(errs, "BRIDGE_ADDRS is required")
	} else {
		for _, addr := range strings.Split(bridgeAddrs, ",") {
			addr = strings.TrimSpace(addr)
			if !isValidHostPort(addr) {
				errs = append(errs, fmt.Sprintf("BRIDGE_ADDRS must be a comma-separated list of 'host:port' (got '%s')", addr))
				continue
			}
			cfg.BridgeAddrs = append(cfg.BridgeAddrs, addr)
		}
	}

	cfg.XMPPDomain = os.Getenv("XMPP_DOMAIN")
	if cfg.XMPPDomain == "" {
		errs = append(errs, "XMPP_DOMAIN is required")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.MaxParticipantsPerConference = getEnvIntOrDefault("MAX_PARTICIPANTS_PER_CONFERENCE", 500, &errs)
	cfg.MaxSourcesPerEndpoint = getEnvIntOrDefault("MAX_SOURCES_PER_ENDPOINT", 20, &errs)
	cfg.MaxGroupsPerEndpoint = getEnvIntOrDefault("MAX_GROUPS_PER_ENDPOINT", 4, &errs)
	cfg.MinParticipants = getEnvIntOrDefault("MIN_PARTICIPANTS", 2, &errs)
	cfg.MaxAudioSenders = getEnvIntOrDefault("MAX_AUDIO_SENDERS", 25, &errs)
	cfg.MaxVideoSenders = getEnvIntOrDefault("MAX_VIDEO_SENDERS", 25, &errs)
	cfg.ParticipantsSoftLimit = getEnvIntOrDefault("PARTICIPANTS_SOFT_LIMIT", 50, &errs)
	cfg.RestartShortWindow = getEnvDurationOrDefault("RESTART_SHORT_WINDOW", 10*time.Second, &errs)
	cfg.RestartShortWindowLimit = getEnvIntOrDefault("RESTART_SHORT_WINDOW_LIMIT", 1, &errs)
	cfg.RestartLongWindow = getEnvDurationOrDefault("RESTART_LONG_WINDOW", 60*time.Second, &errs)
	cfg.RestartLongWindowLimit = getEnvIntOrDefault("RESTART_LONG_WINDOW_LIMIT", 3, &errs)
	cfg.ConferenceStartTimeout = getEnvDurationOrDefault("CONFERENCE_START_TIMEOUT", 15*time.Second, &errs)
	cfg.SingleParticipantTimeout = getEnvDurationOrDefault("SINGLE_PARTICIPANT_TIMEOUT", 20*time.Second, &errs)
	cfg.ReconnectTimeout = getEnvDurationOrDefault("RECONNECT_TIMEOUT", 30*time.Second, &errs)
	cfg.PinSweepInterval = getEnvDurationOrDefault("PIN_SWEEP_INTERVAL", 30*time.Second, &errs)
	cfg.IOPoolConcurrency = getEnvIntOrDefault("IO_POOL_CONCURRENCY", 8, &errs)
	cfg.BridgeHealthCheckInterval = getEnvDurationOrDefault("BRIDGE_HEALTH_CHECK_INTERVAL", 15*time.Second, &errs)

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"bridge_addrs", cfg.BridgeAddrs,
		"xmpp_domain", cfg.XMPPDomain,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_participants_per_conference", cfg.MaxParticipantsPerConference,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
