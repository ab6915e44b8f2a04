package config

// Config represents the core Easel configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Easel collaboration server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"`    // Server port: nil = default 8420 (omit for default)
	WSPath         string   `mapstructure:"ws_path"` // WebSocket endpoint path (default: /ws)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ClientConfig configures the client-side sync layer
type ClientConfig struct {
	QueuePath string `mapstructure:"queue_path"` // Durable pending-event database path
}

// Server port constants
const (
	DefaultServerPort  = 8420 // Development port (above privileged range)
	FallbackServerPort = 8421 // Fallback when the default is taken
)
