package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings
// coordinator - clean separation between configuration and business logic
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Redis     *RedisConfig     `json:"redis"`
	Auth      *AuthConfig      `json:"auth"`
	Cache     *CacheConfig     `json:"cache"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig drives the gateway's keepalive and write behavior.
type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	PongWait        time.Duration `json:"pong_wait"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BufferSize      int           `json:"buffer_size"`
	SignalRateLimit int           `json:"signal_rate_limit"`
}

// RedisConfig selects the cross-instance relay transport. An empty Addr
// runs the gateway single-instance on the in-memory transport.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// AuthConfig holds the two independent token secrets and their lifetimes.
type AuthConfig struct {
	DeviceSecret   string        `json:"device_secret"`
	UserSecret     string        `json:"user_secret"`
	DeviceLifetime time.Duration `json:"device_lifetime"`
	UserLifetime   time.Duration `json:"user_lifetime"`
}

// CacheConfig sets the TTLs of the replicated relay caches.
type CacheConfig struct {
	ScreenshotTTL time.Duration `json:"screenshot_ttl"`
	FlightPathTTL time.Duration `json:"flight_path_ttl"`
	LastSeenTTL   time.Duration `json:"last_seen_ttl"`
}

// DefaultConfig returns production-ready defaults: 30s heartbeat with a
// 10s pong deadline, 60s screenshot and 300s presence windows.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/classbridge.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			PongWait:        10 * time.Second,
			WriteTimeout:    5 * time.Second,
			BufferSize:      100,
			SignalRateLimit: 120,
		},
		Redis: &RedisConfig{},
		Auth: &AuthConfig{
			DeviceSecret:   "dev-only-device-secret",
			UserSecret:     "dev-only-user-secret",
			DeviceLifetime: 30 * 24 * time.Hour,
			UserLifetime:   12 * time.Hour,
		},
		Cache: &CacheConfig{
			ScreenshotTTL: 60 * time.Second,
			FlightPathTTL: time.Hour,
			LastSeenTTL:   5 * time.Minute,
		},
	}
}

// Validate catches invalid configurations before any component starts.
func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= 0 {
		return fmt.Errorf("WebSocket pong wait must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.SignalRateLimit <= 0 {
		return fmt.Errorf("signal rate limit must be positive")
	}

	if c.Auth == nil || c.Auth.DeviceSecret == "" || c.Auth.UserSecret == "" {
		return fmt.Errorf("auth secrets cannot be empty")
	}
	if c.Auth.DeviceSecret == c.Auth.UserSecret {
		return fmt.Errorf("device and user token secrets must differ")
	}
	if c.Auth.DeviceLifetime <= 0 || c.Auth.UserLifetime <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}

	if c.Cache == nil {
		return fmt.Errorf("cache configuration is required")
	}
	if c.Cache.ScreenshotTTL <= 0 || c.Cache.FlightPathTTL <= 0 || c.Cache.LastSeenTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}

	return nil
}

// LoadFromEnv overrides defaults from CLASSBRIDGE_* environment variables,
// falling back silently on unparseable values.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("CLASSBRIDGE_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("CLASSBRIDGE_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("CLASSBRIDGE_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if timeout := os.Getenv("CLASSBRIDGE_DATABASE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Database.Timeout = d
		}
	}

	if interval := os.Getenv("CLASSBRIDGE_WEBSOCKET_PING_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}
	if wait := os.Getenv("CLASSBRIDGE_WEBSOCKET_PONG_WAIT"); wait != "" {
		if d, err := time.ParseDuration(wait); err == nil {
			config.WebSocket.PongWait = d
		}
	}
	if timeout := os.Getenv("CLASSBRIDGE_WEBSOCKET_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.WriteTimeout = d
		}
	}
	if size := os.Getenv("CLASSBRIDGE_WEBSOCKET_BUFFER_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.WebSocket.BufferSize = n
		}
	}
	if limit := os.Getenv("CLASSBRIDGE_SIGNAL_RATE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.WebSocket.SignalRateLimit = n
		}
	}

	if addr := os.Getenv("CLASSBRIDGE_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("CLASSBRIDGE_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	if db := os.Getenv("CLASSBRIDGE_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.Redis.DB = n
		}
	}

	if secret := os.Getenv("CLASSBRIDGE_DEVICE_TOKEN_SECRET"); secret != "" {
		config.Auth.DeviceSecret = secret
	}
	if secret := os.Getenv("CLASSBRIDGE_USER_TOKEN_SECRET"); secret != "" {
		config.Auth.UserSecret = secret
	}
	if lifetime := os.Getenv("CLASSBRIDGE_DEVICE_TOKEN_LIFETIME"); lifetime != "" {
		if d, err := time.ParseDuration(lifetime); err == nil {
			config.Auth.DeviceLifetime = d
		}
	}
	if lifetime := os.Getenv("CLASSBRIDGE_USER_TOKEN_LIFETIME"); lifetime != "" {
		if d, err := time.ParseDuration(lifetime); err == nil {
			config.Auth.UserLifetime = d
		}
	}

	if ttl := os.Getenv("CLASSBRIDGE_SCREENSHOT_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Cache.ScreenshotTTL = d
		}
	}
	if ttl := os.Getenv("CLASSBRIDGE_FLIGHT_PATH_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Cache.FlightPathTTL = d
		}
	}
	if ttl := os.Getenv("CLASSBRIDGE_LAST_SEEN_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Cache.LastSeenTTL = d
		}
	}

	return config
}

// ConfigFile is the JSON structure for file-based configuration; durations
// are strings so operators can write "30s" instead of nanosecond counts.
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Redis     *RedisConfig         `json:"redis"`
	Auth      *AuthConfigFile      `json:"auth"`
	Cache     *CacheConfigFile     `json:"cache"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval    string `json:"ping_interval"`
	PongWait        string `json:"pong_wait"`
	WriteTimeout    string `json:"write_timeout"`
	BufferSize      int    `json:"buffer_size"`
	SignalRateLimit int    `json:"signal_rate_limit"`
}

type AuthConfigFile struct {
	DeviceSecret   string `json:"device_secret"`
	UserSecret     string `json:"user_secret"`
	DeviceLifetime string `json:"device_lifetime"`
	UserLifetime   string `json:"user_lifetime"`
}

type CacheConfigFile struct {
	ScreenshotTTL string `json:"screenshot_ttl"`
	FlightPathTTL string `json:"flight_path_ttl"`
	LastSeenTTL   string `json:"last_seen_ttl"`
}

// LoadFromFile reads a JSON config file over the defaults and validates
// the result.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		setDuration(&config.Database.Timeout, file.Database.Timeout)
	}

	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		setDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}

	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		if file.WebSocket.SignalRateLimit > 0 {
			config.WebSocket.SignalRateLimit = file.WebSocket.SignalRateLimit
		}
		setDuration(&config.WebSocket.PingInterval, file.WebSocket.PingInterval)
		setDuration(&config.WebSocket.PongWait, file.WebSocket.PongWait)
		setDuration(&config.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
	}

	if file.Redis != nil {
		config.Redis = file.Redis
	}

	if file.Auth != nil {
		if file.Auth.DeviceSecret != "" {
			config.Auth.DeviceSecret = file.Auth.DeviceSecret
		}
		if file.Auth.UserSecret != "" {
			config.Auth.UserSecret = file.Auth.UserSecret
		}
		setDuration(&config.Auth.DeviceLifetime, file.Auth.DeviceLifetime)
		setDuration(&config.Auth.UserLifetime, file.Auth.UserLifetime)
	}

	if file.Cache != nil {
		setDuration(&config.Cache.ScreenshotTTL, file.Cache.ScreenshotTTL)
		setDuration(&config.Cache.FlightPathTTL, file.Cache.FlightPathTTL)
		setDuration(&config.Cache.LastSeenTTL, file.Cache.LastSeenTTL)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

func setDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}

// LoadConfigWithPrecedence applies file > environment > defaults. File
// errors are ignored so environment-driven deployments keep working without
// a config file on disk.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}
