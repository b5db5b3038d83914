package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Presence PresenceConfig `mapstructure:"presence" validate:"required"`
	Dispatch DispatchConfig `mapstructure:"dispatch" validate:"required"`
	Realtime RealtimeConfig `mapstructure:"realtime" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// AuthConfig contains authentication settings for the realtime handshake.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gte=0"`
}

// Presence backend selection values.
const (
	PresenceBackendMemory = "memory"
	PresenceBackendRedis  = "redis"
)

// PresenceConfig selects and tunes the presence tracking backend.
// The memory backend is single-process only; multi-process deployments
// must use the redis backend so reconnects land on consistent state.
type PresenceConfig struct {
	Backend    string `mapstructure:"backend"     validate:"required,oneof=memory redis"`
	TTLSeconds int    `mapstructure:"ttl_seconds" validate:"required,gt=0"`
	RedisAddr  string `mapstructure:"redis_addr"  validate:"required_if=Backend redis"`
	RedisDB    int    `mapstructure:"redis_db"    validate:"gte=0"`
}

// DispatchConfig tunes the asynchronous notification dispatcher.
type DispatchConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"   validate:"required,gt=0"`
	BaseDelayMS  int `mapstructure:"base_delay_ms"  validate:"required,gt=0"`
	WorkerCount  int `mapstructure:"worker_count"   validate:"required,gt=0"`
	QueueSize    int `mapstructure:"queue_size"     validate:"required,gt=0"`
	TTLDays      int `mapstructure:"ttl_days"       validate:"required,gt=0"`
	MaxPageLimit int `mapstructure:"max_page_limit" validate:"gt=0"`
}

// RealtimeConfig tunes the websocket transport layer.
type RealtimeConfig struct {
	Enabled                  bool     `mapstructure:"enabled"`
	HeartbeatIntervalSeconds int      `mapstructure:"heartbeat_interval_seconds" validate:"gte=0"`
	MaxPayloadBytes          int64    `mapstructure:"max_payload_bytes"          validate:"gt=0"`
	AllowedOrigins           []string `mapstructure:"allowed_origins"`
}
