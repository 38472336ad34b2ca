package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "COURSECHAT_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Room      *RoomConfig      `json:"room"`
	Notify    *NotifyConfig    `json:"notify"`
	Mail      *MailConfig      `json:"mail"`
	Storage   *StorageConfig   `json:"storage"`
}

// DatabaseConfig: Timeout bounds course store lookups, WriteTimeout bounds each
// queued write on the single writer
type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	MigrationsPath string        `json:"migrations_path"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration tuned for long-lived browser tabs
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
	// AllowedOrigins empty means any origin may upgrade
	AllowedOrigins []string `json:"allowed_origins"`
}

// AuthConfig configures the session token shared with the login surface
type AuthConfig struct {
	SecretKey  string        `json:"-"`
	CookieName string        `json:"cookie_name"`
	Issuer     string        `json:"issuer"`
	TokenTTL   time.Duration `json:"token_ttl"`
}

type RoomConfig struct {
	HistoryLimit int           `json:"history_limit"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	RateLimit    int           `json:"rate_limit"`
	RateWindow   time.Duration `json:"rate_window"`
}

type NotifyConfig struct {
	Concurrency int `json:"concurrency"`
}

// MailConfig selects the outbound mail provider: "console" or "sendgrid"
type MailConfig struct {
	Provider       string `json:"provider"`
	SendGridAPIKey string `json:"-"`
	FromAddress    string `json:"from_address"`
	FromName       string `json:"from_name"`
}

// StorageConfig selects the attachment store: "local" disk or a "nats" JetStream object bucket
type StorageConfig struct {
	Provider       string `json:"provider"`
	UploadDir      string `json:"upload_dir"`
	BaseURL        string `json:"base_url"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
	NATSURL        string `json:"nats_url"`
	NATSBucket     string `json:"nats_bucket"`
}

// DefaultConfig returns settings suitable for a single course-scale node.
// The auth secret has no default and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:         "./data/coursechat.db",
			Timeout:      5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{
			CookieName: "coursechat_session",
			Issuer:     "coursechat",
			TokenTTL:   24 * time.Hour,
		},
		Room: &RoomConfig{
			HistoryLimit: 50,
			QueueSize:    64,
			IdleTimeout:  5 * time.Minute,
			RateLimit:    100,
			RateWindow:   time.Minute,
		},
		Notify: &NotifyConfig{
			Concurrency: 8,
		},
		Mail: &MailConfig{
			Provider:    "console",
			FromAddress: "no-reply@coursechat.local",
			FromName:    "Course Chat",
		},
		Storage: &StorageConfig{
			Provider:       "local",
			UploadDir:      "./data/uploads",
			BaseURL:        "/uploads",
			MaxUploadBytes: 10 << 20,
			NATSBucket:     "coursechat-attachments",
		},
	}
}

// Validate catches invalid configurations before any component starts
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil ||
		c.Room == nil || c.Notify == nil || c.Mail == nil || c.Storage == nil {
		return errors.New("all configuration sections are required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.WriteTimeout <= 0 {
		return fmt.Errorf("database write timeout must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	// TECHNICAL DISCOVERY: Read deadline must outlive the ping interval or healthy
	// idle connections are dropped between pongs
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if len(c.Auth.SecretKey) < 32 {
		return fmt.Errorf("auth secret key must be at least 32 bytes (set %sAUTH_SECRET)", EnvPrefix)
	}
	if c.Auth.CookieName == "" {
		return fmt.Errorf("auth cookie name cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Room.HistoryLimit <= 0 {
		return fmt.Errorf("room history limit must be positive")
	}
	if c.Room.QueueSize <= 0 {
		return fmt.Errorf("room queue size must be positive")
	}
	if c.Room.IdleTimeout <= 0 {
		return fmt.Errorf("room idle timeout must be positive")
	}
	if c.Room.RateLimit <= 0 || c.Room.RateWindow <= 0 {
		return fmt.Errorf("room rate limit and window must be positive")
	}

	if c.Notify.Concurrency <= 0 {
		return fmt.Errorf("notify concurrency must be positive")
	}

	switch c.Mail.Provider {
	case "console":
	case "sendgrid":
		if c.Mail.SendGridAPIKey == "" {
			return fmt.Errorf("sendgrid mail provider requires %sMAIL_SENDGRID_API_KEY", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown mail provider %q", c.Mail.Provider)
	}
	if c.Mail.FromAddress == "" {
		return fmt.Errorf("mail from address cannot be empty")
	}

	switch c.Storage.Provider {
	case "local":
		if c.Storage.UploadDir == "" {
			return fmt.Errorf("storage upload dir cannot be empty")
		}
	case "nats":
		if c.Storage.NATSURL == "" || c.Storage.NATSBucket == "" {
			return fmt.Errorf("nats storage requires a server URL and a bucket")
		}
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage max upload bytes must be positive")
	}

	return nil
}

// LoadFromEnv overlays COURSECHAT_* environment variables on the defaults.
// Unparseable values are ignored and the default kept.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envDuration("DATABASE_WRITE_TIMEOUT", &config.Database.WriteTimeout)
	envString("DATABASE_MIGRATIONS_PATH", &config.Database.MigrationsPath)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	if origins := os.Getenv(EnvPrefix + "WEBSOCKET_ALLOWED_ORIGINS"); origins != "" {
		config.WebSocket.AllowedOrigins = splitList(origins)
	}

	envString("AUTH_SECRET", &config.Auth.SecretKey)
	envString("AUTH_COOKIE_NAME", &config.Auth.CookieName)
	envString("AUTH_ISSUER", &config.Auth.Issuer)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)

	envInt("ROOM_HISTORY_LIMIT", &config.Room.HistoryLimit)
	envInt("ROOM_QUEUE_SIZE", &config.Room.QueueSize)
	envDuration("ROOM_IDLE_TIMEOUT", &config.Room.IdleTimeout)
	envInt("ROOM_RATE_LIMIT", &config.Room.RateLimit)
	envDuration("ROOM_RATE_WINDOW", &config.Room.RateWindow)

	envInt("NOTIFY_CONCURRENCY", &config.Notify.Concurrency)

	envString("MAIL_PROVIDER", &config.Mail.Provider)
	envString("MAIL_SENDGRID_API_KEY", &config.Mail.SendGridAPIKey)
	envString("MAIL_FROM_ADDRESS", &config.Mail.FromAddress)
	envString("MAIL_FROM_NAME", &config.Mail.FromName)

	envString("STORAGE_PROVIDER", &config.Storage.Provider)
	envString("STORAGE_UPLOAD_DIR", &config.Storage.UploadDir)
	envString("STORAGE_NATS_URL", &config.Storage.NATSURL)
	envString("STORAGE_NATS_BUCKET", &config.Storage.NATSBucket)
	envString("STORAGE_BASE_URL", &config.Storage.BaseURL)
	if v := os.Getenv(EnvPrefix + "STORAGE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Storage.MaxUploadBytes = n
		}
	}

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings;
// empty fields leave the underlying value untouched
type ConfigFile struct {
	Database *struct {
		Path           string `json:"path"`
		Timeout        string `json:"timeout"`
		WriteTimeout   string `json:"write_timeout"`
		MigrationsPath string `json:"migrations_path"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		Host         string `json:"host"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval   string   `json:"ping_interval"`
		ReadTimeout    string   `json:"read_timeout"`
		WriteTimeout   string   `json:"write_timeout"`
		BufferSize     int      `json:"buffer_size"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"websocket"`
	Auth *struct {
		CookieName string `json:"cookie_name"`
		Issuer     string `json:"issuer"`
		TokenTTL   string `json:"token_ttl"`
	} `json:"auth"`
	Room *struct {
		HistoryLimit int    `json:"history_limit"`
		QueueSize    int    `json:"queue_size"`
		IdleTimeout  string `json:"idle_timeout"`
		RateLimit    int    `json:"rate_limit"`
		RateWindow   string `json:"rate_window"`
	} `json:"room"`
	Notify *struct {
		Concurrency int `json:"concurrency"`
	} `json:"notify"`
	Mail *struct {
		Provider    string `json:"provider"`
		FromAddress string `json:"from_address"`
		FromName    string `json:"from_name"`
	} `json:"mail"`
	Storage *struct {
		Provider       string `json:"provider"`
		UploadDir      string `json:"upload_dir"`
		BaseURL        string `json:"base_url"`
		MaxUploadBytes int64  `json:"max_upload_bytes"`
		NATSURL        string `json:"nats_url"`
		NATSBucket     string `json:"nats_bucket"`
	} `json:"storage"`
}

// LoadFromFile overlays a JSON config file on base. Secrets are never read from
// the file; they come from the environment only.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := base
	if config == nil {
		config = DefaultConfig()
	}

	var errs []error
	duration := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}
	str := func(value string, dst *string) {
		if value != "" {
			*dst = value
		}
	}
	num := func(value int, dst *int) {
		if value > 0 {
			*dst = value
		}
	}

	if f := file.Database; f != nil {
		str(f.Path, &config.Database.Path)
		str(f.MigrationsPath, &config.Database.MigrationsPath)
		duration("database.timeout", f.Timeout, &config.Database.Timeout)
		duration("database.write_timeout", f.WriteTimeout, &config.Database.WriteTimeout)
	}
	if f := file.HTTP; f != nil {
		num(f.Port, &config.HTTP.Port)
		str(f.Host, &config.HTTP.Host)
		duration("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
	}
	if f := file.WebSocket; f != nil {
		num(f.BufferSize, &config.WebSocket.BufferSize)
		duration("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
		if len(f.AllowedOrigins) > 0 {
			config.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
	}
	if f := file.Auth; f != nil {
		str(f.CookieName, &config.Auth.CookieName)
		str(f.Issuer, &config.Auth.Issuer)
		duration("auth.token_ttl", f.TokenTTL, &config.Auth.TokenTTL)
	}
	if f := file.Room; f != nil {
		num(f.HistoryLimit, &config.Room.HistoryLimit)
		num(f.QueueSize, &config.Room.QueueSize)
		num(f.RateLimit, &config.Room.RateLimit)
		duration("room.idle_timeout", f.IdleTimeout, &config.Room.IdleTimeout)
		duration("room.rate_window", f.RateWindow, &config.Room.RateWindow)
	}
	if f := file.Notify; f != nil {
		num(f.Concurrency, &config.Notify.Concurrency)
	}
	if f := file.Mail; f != nil {
		str(f.Provider, &config.Mail.Provider)
		str(f.FromAddress, &config.Mail.FromAddress)
		str(f.FromName, &config.Mail.FromName)
	}
	if f := file.Storage; f != nil {
		str(f.Provider, &config.Storage.Provider)
		str(f.UploadDir, &config.Storage.UploadDir)
		str(f.BaseURL, &config.Storage.BaseURL)
		str(f.NATSURL, &config.Storage.NATSURL)
		str(f.NATSBucket, &config.Storage.NATSBucket)
		if f.MaxUploadBytes > 0 {
			config.Storage.MaxUploadBytes = f.MaxUploadBytes
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid durations in %s: %w", path, err)
	}

	return config, nil
}

// Load builds the runtime configuration.
// FUNCTIONAL DISCOVERY: Precedence is defaults < environment (.env first, real
// environment wins) < JSON file named by COURSECHAT_CONFIG_FILE or the path argument
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := LoadFromEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG_FILE")
	}
	if path != "" {
		var err error
		if config, err = LoadFromFile(path, config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
