package config

import (
	"os"
	"strings"
	"testing"
)

var managedEnvKeys = []string{
	"JWT_SECRET", "PORT", "BRIDGE_ADDRS", "XMPP_DOMAIN",
	"REDIS_ENABLED", "REDIS_ADDR", "GO_ENV", "LOG_LEVEL",
}

func setupTestEnv(t *testing.T) func() {
	orig := make(map[string]string, len(managedEnvKeys))
	for _, k := range managedEnvKeys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func setValidRequiredEnv(t *testing.T) {
	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("BRIDGE_ADDRS", "bridge-1.example.com:8442")
	os.Setenv("XMPP_DOMAIN", "conference.example.com")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected PORT '8080', got '%s'", cfg.Port)
	}
	if len(cfg.BridgeAddrs) != 1 || cfg.BridgeAddrs[0] != "bridge-1.example.com:8442" {
		t.Errorf("expected one bridge addr, got %v", cfg.BridgeAddrs)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.MaxParticipantsPerConference != 500 {
		t.Errorf("expected default MaxParticipantsPerConference 500, got %d", cfg.MaxParticipantsPerConference)
	}
}

func TestValidateEnv_MultipleBridgeAddrs(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("BRIDGE_ADDRS", "bridge-1.example.com:8442, bridge-2.example.com:8442")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.BridgeAddrs) != 2 {
		t.Fatalf("expected 2 bridge addrs, got %v", cfg.BridgeAddrs)
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	defer setupTestEnv(t)()
	os.Setenv("PORT", "8080")
	os.Setenv("BRIDGE_ADDRS", "bridge-1.example.com:8442")
	os.Setenv("XMPP_DOMAIN", "conference.example.com")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Fatalf("expected JWT_SECRET error, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("JWT_SECRET", "short")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Fatalf("expected short-secret error, got: %v", err)
	}
}

func TestValidateEnv_MissingBridgeAddrs(t *testing.T) {
	defer setupTestEnv(t)()
	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("XMPP_DOMAIN", "conference.example.com")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "BRIDGE_ADDRS is required") {
		t.Fatalf("expected BRIDGE_ADDRS error, got: %v", err)
	}
}

func TestValidateEnv_InvalidBridgeAddr(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("BRIDGE_ADDRS", "no-port-here")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "BRIDGE_ADDRS must be a comma-separated list") {
		t.Fatalf("expected BRIDGE_ADDRS format error, got: %v", err)
	}
}

func TestValidateEnv_MissingXMPPDomain(t *testing.T) {
	defer setupTestEnv(t)()
	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("BRIDGE_ADDRS", "bridge-1.example.com:8442")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "XMPP_DOMAIN is required") {
		t.Fatalf("expected XMPP_DOMAIN error, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil || !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Fatalf("expected REDIS_ADDR format error, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestValidateEnv_TunableOverrides(t *testing.T) {
	defer setupTestEnv(t)()
	setValidRequiredEnv(t)
	os.Setenv("MAX_PARTICIPANTS_PER_CONFERENCE", "50")
	os.Setenv("RESTART_SHORT_WINDOW", "5s")
	defer os.Unsetenv("MAX_PARTICIPANTS_PER_CONFERENCE")
	defer os.Unsetenv("RESTART_SHORT_WINDOW")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.MaxParticipantsPerConference != 50 {
		t.Errorf("expected override to 50, got %d", cfg.MaxParticipantsPerConference)
	}
	if cfg.RestartShortWindow.Seconds() != 5 {
		t.Errorf("expected override to 5s, got %v", cfg.RestartShortWindow)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactSecret(tt.secret); got != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidHostPort(tt.addr); got != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, got, tt.expected)
			}
		})
	}
}
