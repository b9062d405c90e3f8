// Package config loads server settings from the environment and an
// optional config file via viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything the server needs to start.
type Config struct {
	// ListenAddr is the TCP address the server binds.
	ListenAddr string `mapstructure:"listen_addr"`
	// UsersFile is the path of the line-oriented account store.
	UsersFile string `mapstructure:"users_file"`
	// LogLevel is a zerolog level name: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// RedisAddr, when set, switches the account snapshot cache from the
	// in-process backend to Redis at this address.
	RedisAddr string `mapstructure:"redis_addr"`
	// CacheTTL bounds how long the account snapshot may serve reads
	// before the users file is parsed again.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration, in increasing priority: defaults, an
// optional chess-server.yaml in the working directory, then CHESS_*
// environment variables (e.g. CHESS_LISTEN_ADDR).
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":2048")
	v.SetDefault("users_file", "users.txt")
	v.SetDefault("log_level", "info")
	v.SetDefault("redis_addr", "")
	v.SetDefault("cache_ttl", time.Minute)

	v.SetConfigName("chess-server")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("chess")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
