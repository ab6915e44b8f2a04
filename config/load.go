package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the Easel configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return globalConfig, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetConfigName("easel")
	v.SetConfigType("toml")

	// Search order: project dir, then user config dir
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "easel"))
	}

	// Environment overrides: EASEL_SERVER_PORT, EASEL_DATABASE_PATH, ...
	v.SetEnvPrefix("EASEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	// Missing config file is fine; defaults and env carry the day
	_ = v.ReadInConfig()

	viperInstance = v
	return v
}

// GetServerPort resolves the server port (env > config > default)
func GetServerPort() int {
	cfg, err := Load()
	if err != nil || cfg.Server.Port == nil || *cfg.Server.Port <= 0 {
		return DefaultServerPort
	}
	return *cfg.Server.Port
}

// GetDatabasePath resolves the SQLite database path
func GetDatabasePath() string {
	cfg, err := Load()
	if err != nil || cfg.Database.Path == "" {
		return "easel.db"
	}
	return cfg.Database.Path
}

// GetWSPath resolves the WebSocket endpoint path
func GetWSPath() string {
	cfg, err := Load()
	if err != nil || cfg.Server.WSPath == "" {
		return "/ws"
	}
	return cfg.Server.WSPath
}

// GetAllowedOrigins resolves the allowed WebSocket origins
func GetAllowedOrigins() []string {
	cfg, err := Load()
	if err != nil || len(cfg.Server.AllowedOrigins) == 0 {
		return []string{"http://localhost", "https://localhost", "http://127.0.0.1"}
	}
	return cfg.Server.AllowedOrigins
}
