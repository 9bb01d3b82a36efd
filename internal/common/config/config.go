// Package config provides configuration management for Skylight.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Skylight.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	ReloadCache  ReloadCacheConfig  `mapstructure:"reloadCache"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OrchestratorConfig holds the agent orchestration limits and capacities.
type OrchestratorConfig struct {
	// MaxAgents bounds concurrent agents across the whole process.
	MaxAgents int `mapstructure:"maxAgents"`

	// MonitorBudget bounds concurrent action-producing operations per monitor.
	MonitorBudget int `mapstructure:"monitorBudget"`

	// MainQueueSize caps the per-monitor main task queue.
	MainQueueSize int `mapstructure:"mainQueueSize"`

	// ContextCap is the soft cap on main messages kept in the context tape.
	ContextCap int `mapstructure:"contextCap"`

	// TimelineSize is the interaction timeline ring capacity.
	TimelineSize int `mapstructure:"timelineSize"`

	// ResetTimeout bounds the wait for in-flight turns during a pool reset, in seconds.
	ResetTimeout int `mapstructure:"resetTimeout"`

	// AcquireTimeout bounds limiter waits for window and task agents, in seconds.
	AcquireTimeout int `mapstructure:"acquireTimeout"`

	// PruneClosedWindows drops a window's context tape entries when the
	// window closes.
	PruneClosedWindows bool `mapstructure:"pruneClosedWindows"`
}

// ProviderConfig holds LLM provider selection and the task profile registry.
type ProviderConfig struct {
	// Default names the provider used for spawns until SET_PROVIDER changes it.
	Default string `mapstructure:"default"`

	// WarmPoolSize is the number of pre-initialized handles kept per provider.
	WarmPoolSize int `mapstructure:"warmPoolSize"`

	// ProfilesPath points at the YAML file defining task tool profiles.
	ProfilesPath string `mapstructure:"profilesPath"`
}

// ReloadCacheConfig holds the action replay cache settings.
type ReloadCacheConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the JSON store location on disk.
	Path string `mapstructure:"path"`

	// SimilarityThreshold is the minimum fuzzy score for a candidate.
	SimilarityThreshold float64 `mapstructure:"similarityThreshold"`

	// MaxCandidates caps the candidates returned by a lookup.
	MaxCandidates int `mapstructure:"maxCandidates"`

	// MemoizeSize sizes the LRU over normalized fingerprint content.
	MemoizeSize int `mapstructure:"memoizeSize"`
}

// SessionsConfig holds session log storage and the catalog database.
type SessionsConfig struct {
	// Dir is the root directory holding one subdirectory per session.
	Dir string `mapstructure:"dir"`

	// RestoreOnBoot replays the newest session log into the desktop state.
	RestoreOnBoot bool `mapstructure:"restoreOnBoot"`

	// CatalogDriver selects the catalog backend: sqlite or postgres.
	CatalogDriver string `mapstructure:"catalogDriver"`

	// SQLitePath is the catalog database file when catalogDriver is sqlite.
	SQLitePath string `mapstructure:"sqlitePath"`

	// Postgres connection settings when catalogDriver is postgres.
	PGHost     string `mapstructure:"pgHost"`
	PGPort     int    `mapstructure:"pgPort"`
	PGUser     string `mapstructure:"pgUser"`
	PGPassword string `mapstructure:"pgPassword"`
	PGDBName   string `mapstructure:"pgDbName"`
	PGSSLMode  string `mapstructure:"pgSslMode"`
	PGMaxConns int    `mapstructure:"pgMaxConns"`
	PGMinConns int    `mapstructure:"pgMinConns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ResetTimeoutDuration returns the reset wait bound as a time.Duration.
func (o *OrchestratorConfig) ResetTimeoutDuration() time.Duration {
	return time.Duration(o.ResetTimeout) * time.Second
}

// AcquireTimeoutDuration returns the limiter wait bound as a time.Duration.
func (o *OrchestratorConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(o.AcquireTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SKYLIGHT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.allowedOrigins", []string{"*"})

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "skylight-backend")
	v.SetDefault("nats.maxReconnects", 10)

	// Orchestrator defaults
	v.SetDefault("orchestrator.maxAgents", 16)
	v.SetDefault("orchestrator.monitorBudget", 4)
	v.SetDefault("orchestrator.mainQueueSize", 10)
	v.SetDefault("orchestrator.contextCap", 200)
	v.SetDefault("orchestrator.timelineSize", 64)
	v.SetDefault("orchestrator.resetTimeout", 30)
	v.SetDefault("orchestrator.acquireTimeout", 10)
	v.SetDefault("orchestrator.pruneClosedWindows", true)

	// Provider defaults
	v.SetDefault("provider.default", "scripted")
	v.SetDefault("provider.warmPoolSize", 2)
	v.SetDefault("provider.profilesPath", "")

	// Reload cache defaults
	v.SetDefault("reloadCache.enabled", true)
	v.SetDefault("reloadCache.path", "~/.skylight/reload-cache.json")
	v.SetDefault("reloadCache.similarityThreshold", 0.6)
	v.SetDefault("reloadCache.maxCandidates", 3)
	v.SetDefault("reloadCache.memoizeSize", 256)

	// Session defaults
	v.SetDefault("sessions.dir", "~/.skylight/sessions")
	v.SetDefault("sessions.restoreOnBoot", true)
	v.SetDefault("sessions.catalogDriver", "sqlite")
	v.SetDefault("sessions.sqlitePath", "~/.skylight/catalog.db")
	v.SetDefault("sessions.pgHost", "")
	v.SetDefault("sessions.pgPort", 5432)
	v.SetDefault("sessions.pgUser", "skylight")
	v.SetDefault("sessions.pgPassword", "")
	v.SetDefault("sessions.pgDbName", "skylight")
	v.SetDefault("sessions.pgSslMode", "disable")
	v.SetDefault("sessions.pgMaxConns", 25)
	v.SetDefault("sessions.pgMinConns", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SKYLIGHT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/skylight/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SKYLIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("orchestrator.maxAgents", "SKYLIGHT_ORCHESTRATOR_MAX_AGENTS")
	_ = v.BindEnv("orchestrator.monitorBudget", "SKYLIGHT_ORCHESTRATOR_MONITOR_BUDGET")
	_ = v.BindEnv("orchestrator.mainQueueSize", "SKYLIGHT_ORCHESTRATOR_MAIN_QUEUE_SIZE", "MAX_QUEUE_SIZE")
	_ = v.BindEnv("provider.default", "SKYLIGHT_PROVIDER_DEFAULT")
	_ = v.BindEnv("reloadCache.path", "SKYLIGHT_RELOAD_CACHE_PATH")
	_ = v.BindEnv("sessions.dir", "SKYLIGHT_SESSIONS_DIR")
	_ = v.BindEnv("sessions.catalogDriver", "SKYLIGHT_SESSIONS_CATALOG_DRIVER")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/skylight/")

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

	expandHome(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Orchestrator validation
	if cfg.Orchestrator.MaxAgents <= 0 {
		errs = append(errs, "orchestrator.maxAgents must be positive")
	}
	if cfg.Orchestrator.MonitorBudget <= 0 {
		errs = append(errs, "orchestrator.monitorBudget must be positive")
	}
	if cfg.Orchestrator.MainQueueSize <= 0 {
		errs = append(errs, "orchestrator.mainQueueSize must be positive")
	}
	if cfg.Orchestrator.ContextCap <= 0 {
		errs = append(errs, "orchestrator.contextCap must be positive")
	}
	if cfg.Orchestrator.TimelineSize <= 0 {
		errs = append(errs, "orchestrator.timelineSize must be positive")
	}

	// Reload cache validation
	if cfg.ReloadCache.SimilarityThreshold < 0 || cfg.ReloadCache.SimilarityThreshold > 1 {
		errs = append(errs, "reloadCache.similarityThreshold must be within [0, 1]")
	}
	if cfg.ReloadCache.MaxCandidates <= 0 {
		errs = append(errs, "reloadCache.maxCandidates must be positive")
	}

	// Session catalog validation
	switch cfg.Sessions.CatalogDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "sessions.catalogDriver must be sqlite or postgres")
	}
	if cfg.Sessions.CatalogDriver == "postgres" && cfg.Sessions.PGHost == "" {
		errs = append(errs, "sessions.pgHost is required when catalogDriver is postgres")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string for the session catalog.
func (s *SessionsConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.PGHost, s.PGPort, s.PGUser, s.PGPassword, s.PGDBName, s.PGSSLMode,
	)
}

// expandHome resolves a leading ~/ in path-valued settings.
func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return home + p[1:]
		}
		return p
	}
	cfg.ReloadCache.Path = expand(cfg.ReloadCache.Path)
	cfg.Sessions.Dir = expand(cfg.Sessions.Dir)
	cfg.Sessions.SQLitePath = expand(cfg.Sessions.SQLitePath)
	cfg.Provider.ProfilesPath = expand(cfg.Provider.ProfilesPath)
}
