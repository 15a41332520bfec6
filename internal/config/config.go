// Package config loads relay settings from the environment (and an optional
// .env file) and validates them.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/messaging"
	"github.com/marketchat/relay/internal/ws"
)

var validate = validator.New()

// Config is the full relay configuration.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080" validate:"required"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256" validate:"min=1"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000" validate:"min=1"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s" validate:"gt=0"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"gt=0"`
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" default:"30s" validate:"gt=0"`
	PongTimeout    time.Duration `envconfig:"PONG_TIMEOUT" default:"10s" validate:"gt=0"`
	ServerName     string        `envconfig:"SERVER_NAME" default:"relay-1" validate:"required"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379" validate:"required"`

	StoreBackend  string        `envconfig:"STORE_BACKEND" default:"redis" validate:"oneof=redis postgres badger"`
	PostgresDSN   string        `envconfig:"POSTGRES_DSN" validate:"required_if=StoreBackend postgres"`
	BadgerPath    string        `envconfig:"BADGER_PATH" validate:"required_if=StoreBackend badger"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m" validate:"gt=0"`

	// Empty disables cross-instance fanout.
	NATSURL string `envconfig:"NATS_URL"`

	// Upgrades per IP per minute; 0 disables admission control.
	ConnectLimit int `envconfig:"CONNECT_LIMIT" default:"30" validate:"min=0"`

	AdminEmail    string `envconfig:"ADMIN_EMAIL" validate:"omitempty,email"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" validate:"required_with=AdminEmail"`
	JWTSecret     string `envconfig:"JWT_SECRET" validate:"required_with=AdminEmail,omitempty,min=16"`
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AdminEnabled reports whether admin login is configured.
func (c Config) AdminEnabled() bool {
	return c.AdminEmail != "" && c.AdminPassword != "" && c.JWTSecret != ""
}

// Server converts to the transport settings.
func (c Config) Server() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	return sc
}

// Heartbeat converts to the ping/pong settings.
func (c Config) Heartbeat() ws.HeartbeatConfig {
	return ws.HeartbeatConfig{Interval: c.PingInterval, Timeout: c.PongTimeout}
}

// NATS converts to the fanout connection settings.
func (c Config) NATS() messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = c.ServerName
	return nc
}

// Store converts to the backend selection, sharing rdb for the Redis backend.
func (c Config) Store(rdb *redis.Client) chat.OpenOptions {
	return chat.OpenOptions{
		Backend:     c.StoreBackend,
		Redis:       rdb,
		PostgresDSN: c.PostgresDSN,
		BadgerPath:  c.BadgerPath,
	}
}
