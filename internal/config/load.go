// Package config handles loading, validation, and management of application configuration.
// It uses viper for reading environment variables and config files, and
// go-playground/validator for struct validation.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables (prefixed with RELAY_)
// and an optional config.yaml file in the working directory, applies
// defaults, unmarshals into Config, and validates the result.
//
// Environment variables take precedence over the config file. Nested keys
// map with underscores, e.g. RELAY_SERVER_PORT sets server.port.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Viper's AutomaticEnv only resolves keys it already knows about, so
	// bind each key explicitly before unmarshal.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine; env vars and defaults cover everything.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("presence.backend", PresenceBackendMemory)
	v.SetDefault("presence.ttl_seconds", 60)
	v.SetDefault("presence.redis_addr", "")
	v.SetDefault("presence.redis_db", 0)

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.base_delay_ms", 750)
	v.SetDefault("dispatch.worker_count", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.ttl_days", 30)
	v.SetDefault("dispatch.max_page_limit", 100)

	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.heartbeat_interval_seconds", 25)
	v.SetDefault("realtime.max_payload_bytes", 1<<20)
	v.SetDefault("realtime.allowed_origins", []string{})
}
