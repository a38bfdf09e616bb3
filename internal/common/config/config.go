// Package config provides configuration management for the ClawDeck daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for ClawDeck.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Claude  ClaudeConfig  `mapstructure:"claude"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Push    PushConfig    `mapstructure:"push"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds bearer token authentication configuration.
type AuthConfig struct {
	// TokenFile is the path of the persisted bearer token.
	// A random token is generated on first start if the file does not exist.
	TokenFile string `mapstructure:"tokenFile"`
}

// ClaudeConfig holds the external agent contract configuration.
type ClaudeConfig struct {
	// Binary is the agent CLI executable.
	Binary string `mapstructure:"binary"`

	// ProjectsDir is the agent's per-project session log directory.
	ProjectsDir string `mapstructure:"projectsDir"`

	// SettingsFile is the agent settings file where the notification hook
	// is registered on startup and removed on shutdown.
	SettingsFile string `mapstructure:"settingsFile"`
}

// EventsConfig holds event bus configuration.
// An empty URL selects the in-memory bus.
type EventsConfig struct {
	NatsURL string `mapstructure:"natsUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
// Tracing is disabled unless an endpoint is configured.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// PushConfig holds Web Push configuration.
type PushConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"dbPath"`
	Subject string `mapstructure:"subject"` // VAPID subject (mailto: or https: URL)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CLAWDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// dataDir returns the daemon state directory (~/.clawdeck).
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawdeck"
	}
	return filepath.Join(home, ".clawdeck")
}

// claudeDir returns the agent home directory (~/.claude).
func claudeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. Localhost only: the daemon mediates permission
	// prompts, exposing it on all interfaces is a footgun.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8547)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE connections are long-lived

	// Auth defaults
	v.SetDefault("auth.tokenFile", filepath.Join(dataDir(), "token"))

	// Agent contract defaults
	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.projectsDir", filepath.Join(claudeDir(), "projects"))
	v.SetDefault("claude.settingsFile", filepath.Join(claudeDir(), "settings.json"))

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults (disabled)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "clawdeck")

	// Push defaults
	v.SetDefault("push.enabled", true)
	v.SetDefault("push.dbPath", filepath.Join(dataDir(), "clawdeck.db"))
	v.SetDefault("push.subject", "mailto:admin@localhost")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAWDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or in ~/.clawdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CLAWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("auth.tokenFile", "CLAWDECK_AUTH_TOKEN_FILE")
	_ = v.BindEnv("claude.projectsDir", "CLAWDECK_CLAUDE_PROJECTS_DIR")
	_ = v.BindEnv("claude.settingsFile", "CLAWDECK_CLAUDE_SETTINGS_FILE")
	_ = v.BindEnv("events.natsUrl", "CLAWDECK_EVENTS_NATS_URL")
	_ = v.BindEnv("tracing.otlpEndpoint", "CLAWDECK_TRACING_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(dataDir())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Claude.Binary == "" {
		errs = append(errs, "claude.binary is required")
	}
	if cfg.Claude.ProjectsDir == "" {
		errs = append(errs, "claude.projectsDir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Push.Enabled && cfg.Push.DBPath == "" {
		errs = append(errs, "push.dbPath is required when push.enabled is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
