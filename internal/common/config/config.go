// Package config provides configuration management for OpenCoWork.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections shared by the control plane and
// dispatcher binaries. Each binary reads the sections it cares about.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Queue        QueueConfig        `mapstructure:"queue"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlPlane"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite3" or "pgx"; for sqlite3 the Path is used, for pgx the
// host/port/user/password fields build the DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite3 database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the executor pool.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// QueueConfig holds run queue tuning for the control plane.
type QueueConfig struct {
	LeaseSeconds       int `mapstructure:"leaseSeconds"`
	MaxAttempts        int `mapstructure:"maxAttempts"`
	NightlyStartHour   int `mapstructure:"nightlyStartHour"`   // UTC hour the nightly window opens
	NightlyWindowMin   int `mapstructure:"nightlyWindowMin"`   // window length in minutes
	ScheduledGraceSecs int `mapstructure:"scheduledGraceSecs"` // how far in the past scheduled_at may be
}

// ControlPlaneConfig holds control-plane-only settings.
type ControlPlaneConfig struct {
	InternalToken string `mapstructure:"internalToken"`
	DefaultModel  string `mapstructure:"defaultModel"`
	EncryptionKey string `mapstructure:"encryptionKey"` // base64 AES key for env var values
	DispatcherURL string `mapstructure:"dispatcherUrl"` // best-effort cancel relay target
}

// DispatcherConfig holds dispatcher-only settings.
type DispatcherConfig struct {
	ControlPlaneURL       string `mapstructure:"controlPlaneUrl"`
	InternalToken         string `mapstructure:"internalToken"`
	PollIntervalSecs      int    `mapstructure:"pollIntervalSecs"`
	MaxConcurrentTasks    int    `mapstructure:"maxConcurrentTasks"`
	MaxExecutorContainers int    `mapstructure:"maxExecutorContainers"`
	ExecutorImage         string `mapstructure:"executorImage"`
	ExecutorPort          int    `mapstructure:"executorPort"`
	HeartbeatSecs         int    `mapstructure:"heartbeatSecs"`
}

// WorkspaceConfig holds workspace staging and lifecycle settings.
type WorkspaceConfig struct {
	Root            string `mapstructure:"root"`
	IgnoreDotFiles  bool   `mapstructure:"ignoreDotFiles"`
	CleanupInterval int    `mapstructure:"cleanupInterval"` // minutes between cleaner passes
	MaxAgeHours     int    `mapstructure:"maxAgeHours"`
}

// StorageConfig holds S3-compatible object storage settings for workspace export.
type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	UseSSL    bool   `mapstructure:"useSsl"`
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

// Lease returns the claim lease as a time.Duration.
func (q *QueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// PollInterval returns the puller poll interval as a time.Duration.
func (d *DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSecs) * time.Second
}

// HeartbeatInterval returns the lease heartbeat interval as a time.Duration.
func (d *DispatcherConfig) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatSecs) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("OPENCOWORK_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "opencowork.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "opencowork")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "opencowork")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "opencowork-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Queue defaults
	v.SetDefault("queue.leaseSeconds", 30)
	v.SetDefault("queue.maxAttempts", 5)
	v.SetDefault("queue.nightlyStartHour", 2)
	v.SetDefault("queue.nightlyWindowMin", 360)
	v.SetDefault("queue.scheduledGraceSecs", 60)

	// Control plane defaults
	v.SetDefault("controlPlane.internalToken", "")
	v.SetDefault("controlPlane.defaultModel", "claude-sonnet-4-20250514")
	v.SetDefault("controlPlane.encryptionKey", "")
	v.SetDefault("controlPlane.dispatcherUrl", "")

	// Dispatcher defaults
	v.SetDefault("dispatcher.controlPlaneUrl", "http://localhost:8080")
	v.SetDefault("dispatcher.internalToken", "")
	v.SetDefault("dispatcher.pollIntervalSecs", 2)
	v.SetDefault("dispatcher.maxConcurrentTasks", 4)
	v.SetDefault("dispatcher.maxExecutorContainers", 10)
	v.SetDefault("dispatcher.executorImage", "opencowork/executor:latest")
	v.SetDefault("dispatcher.executorPort", 8900)
	v.SetDefault("dispatcher.heartbeatSecs", 10)

	// Workspace defaults
	v.SetDefault("workspace.root", "/var/lib/opencowork/workspaces")
	v.SetDefault("workspace.ignoreDotFiles", false)
	v.SetDefault("workspace.cleanupInterval", 60)
	v.SetDefault("workspace.maxAgeHours", 24)

	// Storage defaults - empty endpoint disables workspace export
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.bucket", "opencowork-workspaces")
	v.SetDefault("storage.accessKey", "")
	v.SetDefault("storage.secretKey", "")
	v.SetDefault("storage.useSsl", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENCOWORK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/opencowork/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPENCOWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dispatcher.controlPlaneUrl", "OPENCOWORK_DISPATCHER_CONTROL_PLANE_URL")
	_ = v.BindEnv("dispatcher.maxConcurrentTasks", "OPENCOWORK_DISPATCHER_MAX_CONCURRENT_TASKS")
	_ = v.BindEnv("dispatcher.maxExecutorContainers", "OPENCOWORK_DISPATCHER_MAX_EXECUTOR_CONTAINERS")
	_ = v.BindEnv("dispatcher.executorImage", "OPENCOWORK_DISPATCHER_EXECUTOR_IMAGE")
	_ = v.BindEnv("controlPlane.internalToken", "OPENCOWORK_CONTROL_PLANE_INTERNAL_TOKEN")
	_ = v.BindEnv("controlPlane.defaultModel", "OPENCOWORK_CONTROL_PLANE_DEFAULT_MODEL")
	_ = v.BindEnv("controlPlane.encryptionKey", "OPENCOWORK_CONTROL_PLANE_ENCRYPTION_KEY")
	_ = v.BindEnv("queue.nightlyStartHour", "OPENCOWORK_QUEUE_NIGHTLY_START_HOUR")
	_ = v.BindEnv("queue.nightlyWindowMin", "OPENCOWORK_QUEUE_NIGHTLY_WINDOW_MIN")
	_ = v.BindEnv("workspace.ignoreDotFiles", "OPENCOWORK_WORKSPACE_IGNORE_DOT_FILES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/opencowork/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for pgx")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for pgx")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	if cfg.Queue.LeaseSeconds <= 0 {
		errs = append(errs, "queue.leaseSeconds must be positive")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, "queue.maxAttempts must be positive")
	}
	if cfg.Queue.NightlyStartHour < 0 || cfg.Queue.NightlyStartHour > 23 {
		errs = append(errs, "queue.nightlyStartHour must be between 0 and 23")
	}
	if cfg.Queue.NightlyWindowMin <= 0 || cfg.Queue.NightlyWindowMin > 24*60 {
		errs = append(errs, "queue.nightlyWindowMin must be between 1 and 1440")
	}

	if cfg.Dispatcher.MaxConcurrentTasks <= 0 {
		errs = append(errs, "dispatcher.maxConcurrentTasks must be positive")
	}
	if cfg.Dispatcher.MaxExecutorContainers <= 0 {
		errs = append(errs, "dispatcher.maxExecutorContainers must be positive")
	}

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

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite3" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
