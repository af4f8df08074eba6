package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":8080"
	DefaultJWTExpiresIn = "24h"
	DefaultPGHost       = "127.0.0.1"
	DefaultPGPort       = 5432
	DefaultPGUser       = "postgres"
	DefaultPGDatabase   = "hostwise"
	DefaultPGSSLMode    = "disable"
	DefaultRedisAddr    = "127.0.0.1:6379"
	DefaultAgentTimeout = "10s"
)

type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Credentials CredentialsConfig `toml:"credentials"`
	Session     SessionConfig     `toml:"session"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
	Inbound     InboundConfig     `toml:"inbound"`
	Agent       AgentConfig       `toml:"agent"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN builds the connection string used by both the pool and the
// migration runner.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// CredentialsConfig selects where pairing material is persisted.
// Backend is one of "postgres", "redis", or "memory".
type CredentialsConfig struct {
	Backend string `toml:"backend"`
}

// SessionConfig is the static connection strategy for the messaging
// network. Durations are Go duration strings.
type SessionConfig struct {
	Network              string `toml:"network"`
	DialTimeout          string `toml:"dial_timeout"`
	PairingWindow        string `toml:"pairing_window"`
	PairingMaxRefreshes  int    `toml:"pairing_max_refreshes"`
	ReconnectBase        string `toml:"reconnect_base"`
	ReconnectMax         string `toml:"reconnect_max"`
	ReconnectMaxAttempts int    `toml:"reconnect_max_attempts"`
}

type DispatchConfig struct {
	RetryMax         int    `toml:"retry_max"`
	RetryBackoff     string `toml:"retry_backoff"`
	MaxQueuedAge     string `toml:"max_queued_age"`
	PollInterval     string `toml:"poll_interval"`
	QueueLimit       int    `toml:"queue_limit"`
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerCooldown  string `toml:"breaker_cooldown"`
}

type InboundConfig struct {
	QueueSize        int    `toml:"queue_size"`
	HandleTimeout    string `toml:"handle_timeout"`
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerCooldown  string `toml:"breaker_cooldown"`
}

type AgentConfig struct {
	WebhookURL string `toml:"webhook_url"`
	Timeout    string `toml:"timeout"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
		Credentials: CredentialsConfig{
			Backend: "postgres",
		},
		Session: SessionConfig{
			Network: "local",
		},
		Agent: AgentConfig{
			Timeout: DefaultAgentTimeout,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Duration parses a duration string, falling back when the value is
// empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
