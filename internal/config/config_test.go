package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	config := DefaultConfig()
	config.Auth.SecretKey = testSecret
	return config
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Database.Path == "" {
		t.Error("Default database path should not be empty")
	}
	if config.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.HTTP.Port)
	}
	if config.Auth.CookieName != "coursechat_session" {
		t.Errorf("Expected cookie coursechat_session, got %s", config.Auth.CookieName)
	}
	if config.Room.RateLimit != 100 || config.Room.RateWindow != time.Minute {
		t.Errorf("Expected 100 posts per minute, got %d per %v", config.Room.RateLimit, config.Room.RateWindow)
	}
	if config.Mail.Provider != "console" {
		t.Errorf("Expected console mail provider by default, got %s", config.Mail.Provider)
	}

	// No secret ships by default
	if err := config.Validate(); err == nil {
		t.Error("DefaultConfig without a secret should not validate")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"nil section", func(c *Config) { c.Room = nil }, "sections are required"},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }, "HTTP port"},
		{"port too high", func(c *Config) { c.HTTP.Port = 65536 }, "HTTP port"},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }, "HTTP host"},
		{"zero ping", func(c *Config) { c.WebSocket.PingInterval = 0 }, "ping interval"},
		{"read timeout under ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }, "exceed the ping interval"},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }, "buffer size"},
		{"short secret", func(c *Config) { c.Auth.SecretKey = "short" }, "secret key"},
		{"empty cookie", func(c *Config) { c.Auth.CookieName = "" }, "cookie name"},
		{"zero history", func(c *Config) { c.Room.HistoryLimit = 0 }, "history limit"},
		{"zero rate", func(c *Config) { c.Room.RateLimit = 0 }, "rate limit"},
		{"zero concurrency", func(c *Config) { c.Notify.Concurrency = 0 }, "concurrency"},
		{"unknown mail provider", func(c *Config) { c.Mail.Provider = "pigeon" }, "unknown mail provider"},
		{"sendgrid without key", func(c *Config) { c.Mail.Provider = "sendgrid" }, "SENDGRID_API_KEY"},
		{"sendgrid with key", func(c *Config) { c.Mail.Provider = "sendgrid"; c.Mail.SendGridAPIKey = "SG.x" }, ""},
		{"zero upload size", func(c *Config) { c.Storage.MaxUploadBytes = 0 }, "max upload bytes"},
		{"unknown storage", func(c *Config) { c.Storage.Provider = "tape" }, "unknown storage provider"},
		{"nats without url", func(c *Config) { c.Storage.Provider = "nats" }, "nats storage"},
		{"nats with url", func(c *Config) { c.Storage.Provider = "nats"; c.Storage.NATSURL = "nats://localhost:4222" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("COURSECHAT_HTTP_PORT", "9090")
	t.Setenv("COURSECHAT_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("COURSECHAT_AUTH_SECRET", testSecret)
	t.Setenv("COURSECHAT_ROOM_RATE_WINDOW", "30s")
	t.Setenv("COURSECHAT_NOTIFY_CONCURRENCY", "3")
	t.Setenv("COURSECHAT_WEBSOCKET_ALLOWED_ORIGINS", "https://lms.example.edu, http://localhost:3000")

	config := LoadFromEnv()

	if config.HTTP.Port != 9090 {
		t.Errorf("Expected HTTP port 9090, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path /tmp/test.db, got %s", config.Database.Path)
	}
	if config.Auth.SecretKey != testSecret {
		t.Error("Expected auth secret from environment")
	}
	if config.Room.RateWindow != 30*time.Second {
		t.Errorf("Expected rate window 30s, got %v", config.Room.RateWindow)
	}
	if config.Notify.Concurrency != 3 {
		t.Errorf("Expected concurrency 3, got %d", config.Notify.Concurrency)
	}
	if len(config.WebSocket.AllowedOrigins) != 2 || config.WebSocket.AllowedOrigins[1] != "http://localhost:3000" {
		t.Errorf("Unexpected allowed origins: %v", config.WebSocket.AllowedOrigins)
	}
}

func TestConfig_LoadFromEnvInvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("COURSECHAT_HTTP_PORT", "invalid")
	t.Setenv("COURSECHAT_HTTP_READ_TIMEOUT", "soon")

	config := LoadFromEnv()
	if config.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080 when env var is invalid, got %d", config.HTTP.Port)
	}
	if config.HTTP.ReadTimeout != DefaultConfig().HTTP.ReadTimeout {
		t.Error("Should fall back to default when duration parsing fails")
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"database": {"path": "/tmp/testfile.db", "timeout": "2s"},
		"http": {"port": 8081, "read_timeout": "10s"},
		"room": {"history_limit": 20, "idle_timeout": "1m"},
		"mail": {"provider": "console", "from_address": "lms@example.edu"}
	}`)

	config, err := LoadFromFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFromFile should succeed: %v", err)
	}

	if config.Database.Path != "/tmp/testfile.db" || config.Database.Timeout != 2*time.Second {
		t.Errorf("Unexpected database section: %+v", config.Database)
	}
	if config.HTTP.Port != 8081 || config.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("Unexpected http section: %+v", config.HTTP)
	}
	// Untouched fields keep their defaults
	if config.HTTP.WriteTimeout != 30*time.Second {
		t.Errorf("Expected default write timeout, got %v", config.HTTP.WriteTimeout)
	}
	if config.Room.HistoryLimit != 20 || config.Room.IdleTimeout != time.Minute {
		t.Errorf("Unexpected room section: %+v", config.Room)
	}
	if config.Mail.FromAddress != "lms@example.edu" {
		t.Errorf("Unexpected mail from address: %s", config.Mail.FromAddress)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{"database": {"path": "/tmp/x.db"`},
		{"invalid duration", `{"websocket": {"ping_interval": "often"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromFile(writeConfigFile(t, tt.content), nil); err == nil {
				t.Error("LoadFromFile should fail")
			}
		})
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("LoadFromFile should fail for a missing file")
	}
}

func TestConfig_LoadPrecedence(t *testing.T) {
	t.Setenv("COURSECHAT_AUTH_SECRET", testSecret)
	t.Setenv("COURSECHAT_HTTP_PORT", "9999")
	t.Setenv("COURSECHAT_HTTP_HOST", "127.0.0.1")

	// Environment over defaults
	config, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.HTTP.Port != 9999 {
		t.Errorf("Expected env var port 9999, got %d", config.HTTP.Port)
	}

	// File over environment, environment still fills what the file leaves out
	path := writeConfigFile(t, `{"http": {"port": 7777}}`)
	config, err = Load(path)
	if err != nil {
		t.Fatalf("Load with file failed: %v", err)
	}
	if config.HTTP.Port != 7777 {
		t.Errorf("Expected file config port 7777, got %d", config.HTTP.Port)
	}
	if config.HTTP.Host != "127.0.0.1" {
		t.Errorf("Expected env host to survive file overlay, got %s", config.HTTP.Host)
	}

	// File path from the environment
	t.Setenv("COURSECHAT_CONFIG_FILE", path)
	config, err = Load("")
	if err != nil {
		t.Fatalf("Load via COURSECHAT_CONFIG_FILE failed: %v", err)
	}
	if config.HTTP.Port != 7777 {
		t.Errorf("Expected port from COURSECHAT_CONFIG_FILE, got %d", config.HTTP.Port)
	}
}

func TestConfig_LoadRejectsInvalid(t *testing.T) {
	t.Setenv("COURSECHAT_AUTH_SECRET", "")
	if _, err := Load(""); err == nil {
		t.Error("Load should fail without an auth secret")
	}
}
