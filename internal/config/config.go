package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/partnerhub/messaging-backend/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	JWT            JWTConfig            `yaml:"jwt"`
	CORS           CORSConfig           `yaml:"cors"`
	Realtime       RealtimeConfig       `yaml:"realtime"`
	Messaging      MessagingConfig      `yaml:"messaging"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	DirectoryCache DirectoryCacheConfig `yaml:"directory_cache"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DBName          string `yaml:"dbname"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// GetDSN builds the MySQL DSN
func (d DatabaseConfig) GetDSN() string {
	cfg := mysqldriver.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
	cfg.DBName = d.DBName
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type JWTConfig struct {
	Secret    string `yaml:"secret"`
	ExpiresIn int    `yaml:"expires_in"` // seconds
}

type CORSConfig struct {
	AllowOrigins string `yaml:"allow_origins"` // comma separated
}

type RealtimeConfig struct {
	PublishTimeoutMs int    `yaml:"publish_timeout_ms"`
	SendBufferSize   int    `yaml:"send_buffer_size"`
	AllowedOrigins   string `yaml:"allowed_origins"`
	Channel          string `yaml:"channel"`
	PresenceFanout   int    `yaml:"presence_fanout"`
}

// PublishTimeout returns the bound for a single asynchronous publish
func (r RealtimeConfig) PublishTimeout() time.Duration {
	return time.Duration(r.PublishTimeoutMs) * time.Millisecond
}

type MessagingConfig struct {
	DefaultPageSize  int    `yaml:"default_page_size"`
	MaxPageSize      int    `yaml:"max_page_size"`
	MaxContentLength int    `yaml:"max_content_length"`
	AttachmentHosts  string `yaml:"attachment_hosts"` // comma separated, empty allows any host
	SystemSenderID   string `yaml:"system_sender_id"`
}

type RateLimitConfig struct {
	SendPerMinute int `yaml:"send_per_minute"`
}

type DirectoryCacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the cache TTL for directory lookups
func (d DirectoryCacheConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// Load reads a YAML config file, expands ${VAR} references and applies
// defaults and environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		logger.Warn("config file %s not found, using defaults and environment", path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.JWT.ExpiresIn == 0 {
		cfg.JWT.ExpiresIn = 900
	}
	if cfg.Realtime.PublishTimeoutMs == 0 {
		cfg.Realtime.PublishTimeoutMs = 2000
	}
	if cfg.Realtime.SendBufferSize == 0 {
		cfg.Realtime.SendBufferSize = 256
	}
	if cfg.Realtime.Channel == "" {
		cfg.Realtime.Channel = "messaging:events"
	}
	if cfg.Realtime.PresenceFanout == 0 {
		cfg.Realtime.PresenceFanout = 50
	}
	if cfg.Messaging.DefaultPageSize == 0 {
		cfg.Messaging.DefaultPageSize = 50
	}
	if cfg.Messaging.MaxPageSize == 0 {
		cfg.Messaging.MaxPageSize = 100
	}
	if cfg.Messaging.MaxContentLength == 0 {
		cfg.Messaging.MaxContentLength = 4000
	}
	if cfg.Messaging.SystemSenderID == "" {
		cfg.Messaging.SystemSenderID = "system"
	}
	if cfg.RateLimit.SendPerMinute == 0 {
		cfg.RateLimit.SendPerMinute = 60
	}
	if cfg.DirectoryCache.TTLSeconds == 0 {
		cfg.DirectoryCache.TTLSeconds = 30
	}
}

// applyEnvOverrides lets deployment secrets win over the YAML file
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Env, "APP_ENV")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.DBName, "DB_NAME")
	setString(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.JWT.Secret, "JWT_SECRET")
	setString(&cfg.CORS.AllowOrigins, "CORS_ALLOW_ORIGINS")

	if cfg.Redis.Host != "" {
		cfg.Redis.Enabled = true
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required (set JWT_SECRET)")
	}
	if c.Messaging.MaxPageSize < c.Messaging.DefaultPageSize {
		return fmt.Errorf("messaging.max_page_size (%d) must be >= default_page_size (%d)",
			c.Messaging.MaxPageSize, c.Messaging.DefaultPageSize)
	}
	return nil
}

// LogResolved prints the effective configuration with secrets masked
func LogResolved(cfg *Config) {
	logger.GetLogger().Info().
		Int("port", cfg.Server.Port).
		Str("mode", cfg.Server.Mode).
		Str("db", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName)).
		Str("db_password", mask(cfg.Database.Password)).
		Bool("redis", cfg.Redis.Enabled).
		Str("redis_addr", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)).
		Str("jwt_secret", mask(cfg.JWT.Secret)).
		Int("publish_timeout_ms", cfg.Realtime.PublishTimeoutMs).
		Int("max_page_size", cfg.Messaging.MaxPageSize).
		Msg("config resolved")
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// SplitList splits a comma separated config value
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
