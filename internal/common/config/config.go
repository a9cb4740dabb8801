// Package config provides configuration management for Agor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Agor daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins  []string `mapstructure:"corsOrigins"`
}

// DatabaseConfig holds database connection configuration.
// Driver selects the storage backend: "sqlite3" (default) or "pgx".
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Name          string `mapstructure:"name"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ExecutorConfig controls how the daemon spawns executor workers.
type ExecutorConfig struct {
	// BinaryPath overrides the agor-executor binary location. Empty means
	// the binary is resolved next to the daemon executable, then on PATH.
	BinaryPath string `mapstructure:"binaryPath"`

	// DaemonURL is the websocket URL advertised to executors. Empty means
	// derive from server.host/server.port.
	DaemonURL string `mapstructure:"daemonUrl"`

	// SpawnTimeout bounds executor process startup in seconds.
	SpawnTimeout int `mapstructure:"spawnTimeout"`

	// TokenTTL bounds how long an executor session token stays valid, in
	// seconds. Tokens are also revoked when their task completes.
	TokenTTL int `mapstructure:"tokenTtl"`

	// Env is the per-user environment map forwarded to executor processes.
	// Entries here take precedence over the inherited system environment.
	Env map[string]string `mapstructure:"env"`
}

// AgentsConfig holds per-tool defaults for prompt execution.
type AgentsConfig struct {
	DefaultPermissionMode string            `mapstructure:"defaultPermissionMode"`
	DefaultModels         map[string]string `mapstructure:"defaultModels"`
	ThinkingMode          string            `mapstructure:"thinkingMode"` // auto, manual, off
	ManualThinkingTokens  int               `mapstructure:"manualThinkingTokens"`
}

// MCPConfig holds MCP server catalog and loopback configuration.
type MCPConfig struct {
	// CatalogPath points at the global mcp_servers.yaml catalog.
	CatalogPath string `mapstructure:"catalogPath"`

	// LoopbackEnabled controls the embedded Agor MCP server.
	LoopbackEnabled bool `mapstructure:"loopbackEnabled"`

	// LoopbackPort is the port the loopback MCP server binds to.
	LoopbackPort int `mapstructure:"loopbackPort"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SpawnTimeoutDuration returns the executor spawn timeout as a time.Duration.
func (e *ExecutorConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(e.SpawnTimeout) * time.Second
}

// TokenTTLDuration returns the executor token TTL as a time.Duration.
func (e *ExecutorConfig) TokenTTLDuration() time.Duration {
	return time.Duration(e.TokenTTL) * time.Second
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
	if env := os.Getenv("AGOR_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Database defaults - SQLite unless a postgres driver is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.sqlitePath", "~/.agor/agor.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "agor-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Executor defaults
	v.SetDefault("executor.binaryPath", "")
	v.SetDefault("executor.daemonUrl", "")
	v.SetDefault("executor.spawnTimeout", 30)
	v.SetDefault("executor.tokenTtl", 86400) // 24 hours; revoked earlier on task completion
	v.SetDefault("executor.env", map[string]string{})

	// Agent defaults
	v.SetDefault("agents.defaultPermissionMode", "default")
	v.SetDefault("agents.defaultModels", map[string]string{
		"claude-code": "claude-sonnet-4-5",
		"gemini":      "gemini-2.5-pro",
		"codex":       "gpt-5-codex",
		"opencode":    "",
	})
	v.SetDefault("agents.thinkingMode", "auto")
	v.SetDefault("agents.manualThinkingTokens", 10000)

	// MCP defaults
	v.SetDefault("mcp.catalogPath", "~/.agor/mcp_servers.yaml")
	v.SetDefault("mcp.loopbackEnabled", true)
	v.SetDefault("mcp.loopbackPort", 9090)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.agor/, or /etc/agor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.sqlitePath", "AGOR_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("executor.binaryPath", "AGOR_EXECUTOR_BINARY_PATH")
	_ = v.BindEnv("executor.daemonUrl", "AGOR_EXECUTOR_DAEMON_URL")
	_ = v.BindEnv("mcp.catalogPath", "AGOR_MCP_CATALOG_PATH")
	_ = v.BindEnv("mcp.loopbackPort", "AGOR_MCP_LOOPBACK_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.agor")
	}
	v.AddConfigPath("/etc/agor/")

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

	expandPaths(&cfg)

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

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
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

	// Executor validation
	if cfg.Executor.SpawnTimeout <= 0 {
		errs = append(errs, "executor.spawnTimeout must be positive")
	}
	if cfg.Executor.TokenTTL <= 0 {
		errs = append(errs, "executor.tokenTtl must be positive")
	}

	// Agent validation
	validThinking := map[string]bool{"auto": true, "manual": true, "off": true}
	if !validThinking[strings.ToLower(cfg.Agents.ThinkingMode)] {
		errs = append(errs, "agents.thinkingMode must be one of: auto, manual, off")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandPaths resolves ~ prefixes in filesystem paths after validation.
func expandPaths(cfg *Config) {
	cfg.Database.SQLitePath = expandHome(cfg.Database.SQLitePath)
	cfg.MCP.CatalogPath = expandHome(cfg.MCP.CatalogPath)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
