// Package config provides configuration management for the sandbox
// orchestration service. It supports loading configuration from environment
// variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Docker      DockerConfig      `mapstructure:"docker"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Builder     BuilderConfig     `mapstructure:"builder"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Pool        PoolConfig        `mapstructure:"pool"`
	SyncGate    SyncGateConfig    `mapstructure:"syncgate"`
	Snapshots   SnapshotsConfig   `mapstructure:"snapshots"`
	Multiplayer MultiplayerConfig `mapstructure:"multiplayer"`
	Skills      SkillsConfig      `mapstructure:"skills"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration used by the image builder.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// ProviderConfig selects and configures the sandbox backend.
type ProviderConfig struct {
	// Kind is "local" (host processes) or "hosted" (remote sandbox API).
	Kind   string               `mapstructure:"kind"`
	Local  LocalProviderConfig  `mapstructure:"local"`
	Hosted HostedProviderConfig `mapstructure:"hosted"`
}

// LocalProviderConfig configures the host-process backend.
type LocalProviderConfig struct {
	BaseDir     string `mapstructure:"baseDir"`
	SnapshotDir string `mapstructure:"snapshotDir"`
}

// HostedProviderConfig configures the remote serverless backend. Credentials
// fall back to the TOKEN_ID, TOKEN_SECRET, APP_NAME and API_BASE_URL
// environment variables when unset.
type HostedProviderConfig struct {
	TokenID        string `mapstructure:"tokenId"`
	TokenSecret    string `mapstructure:"tokenSecret"`
	AppName        string `mapstructure:"appName"`
	APIBaseURL     string `mapstructure:"apiBaseUrl"`
	PublicHost     string `mapstructure:"publicHost"`     // host suffix for sandbox public URLs
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// GitHubAppConfig holds GitHub App credentials for repository access.
type GitHubAppConfig struct {
	AppID          string `mapstructure:"appId"`
	PrivateKey     string `mapstructure:"privateKey"`
	InstallationID string `mapstructure:"installationId"`
	APIBaseURL     string `mapstructure:"apiBaseUrl"`
}

// BuildHistoryConfig selects where finished build records are kept.
type BuildHistoryConfig struct {
	Driver     string `mapstructure:"driver"` // memory, sqlite, postgres
	SQLitePath string `mapstructure:"sqlitePath"`
}

// BuilderConfig holds image builder configuration.
type BuilderConfig struct {
	Enabled             bool               `mapstructure:"enabled"`
	GitHub              GitHubAppConfig    `mapstructure:"github"`
	RegistryPrefix      string             `mapstructure:"registryPrefix"` // optional registry host prepended to tags
	BaseImage           string             `mapstructure:"baseImage"`
	MaxConcurrentBuilds int                `mapstructure:"maxConcurrentBuilds"`
	BuildTimeout        int                `mapstructure:"buildTimeout"` // in seconds
	TestCommand         string             `mapstructure:"testCommand"`  // empty disables the test stage
	TestTimeout         int                `mapstructure:"testTimeout"`  // in seconds
	RebuildInterval     int                `mapstructure:"rebuildInterval"` // in minutes
	TargetsFile         string             `mapstructure:"targetsFile"`     // YAML list of {repo, branch}
	MaxImagesPerBranch  int                `mapstructure:"maxImagesPerBranch"`
	MaxImageAge         int                `mapstructure:"maxImageAge"` // in hours
	History             BuildHistoryConfig `mapstructure:"history"`
}

// DatabaseConfig holds the PostgreSQL connection used by the postgres build
// history repository. Optional; the memory driver needs none of it.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// PoolConfig holds warm pool configuration.
type PoolConfig struct {
	Size              int  `mapstructure:"size"`
	TTL               int  `mapstructure:"ttl"`               // in seconds
	ReplenishInterval int  `mapstructure:"replenishInterval"` // in seconds
	TypingTrigger     bool `mapstructure:"typingTrigger"`
}

// SyncGateConfig holds sync gate configuration.
type SyncGateConfig struct {
	RetryInterval int `mapstructure:"retryInterval"` // in milliseconds
	MaxWaitTime   int `mapstructure:"maxWaitTime"`   // in milliseconds
}

// SnapshotsConfig holds snapshot manager configuration.
type SnapshotsConfig struct {
	MaxPerSession int `mapstructure:"maxPerSession"`
	TTL           int `mapstructure:"ttl"` // in seconds
}

// MultiplayerConfig holds multiplayer session configuration.
type MultiplayerConfig struct {
	MaxUsers     int `mapstructure:"maxUsers"`
	MaxQueueSize int `mapstructure:"maxQueueSize"`
}

// SkillsConfig holds skill registry configuration.
type SkillsConfig struct {
	Dir string `mapstructure:"dir"` // optional directory of skill documents
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the hosted API request timeout as a time.Duration.
func (h *HostedProviderConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}

// BuildTimeoutDuration returns the build timeout as a time.Duration.
func (b *BuilderConfig) BuildTimeoutDuration() time.Duration {
	return time.Duration(b.BuildTimeout) * time.Second
}

// TestTimeoutDuration returns the test timeout as a time.Duration.
func (b *BuilderConfig) TestTimeoutDuration() time.Duration {
	return time.Duration(b.TestTimeout) * time.Second
}

// RebuildIntervalDuration returns the schedule interval as a time.Duration.
func (b *BuilderConfig) RebuildIntervalDuration() time.Duration {
	return time.Duration(b.RebuildInterval) * time.Minute
}

// MaxImageAgeDuration returns the image retention age as a time.Duration.
func (b *BuilderConfig) MaxImageAgeDuration() time.Duration {
	return time.Duration(b.MaxImageAge) * time.Hour
}

// TTLDuration returns the pool entry TTL as a time.Duration.
func (p *PoolConfig) TTLDuration() time.Duration {
	return time.Duration(p.TTL) * time.Second
}

// ReplenishIntervalDuration returns the sweep interval as a time.Duration.
func (p *PoolConfig) ReplenishIntervalDuration() time.Duration {
	return time.Duration(p.ReplenishInterval) * time.Second
}

// RetryIntervalDuration returns the poll interval as a time.Duration.
func (s *SyncGateConfig) RetryIntervalDuration() time.Duration {
	return time.Duration(s.RetryInterval) * time.Millisecond
}

// MaxWaitTimeDuration returns the wait ceiling as a time.Duration.
func (s *SyncGateConfig) MaxWaitTimeDuration() time.Duration {
	return time.Duration(s.MaxWaitTime) * time.Millisecond
}

// TTLDuration returns the snapshot TTL as a time.Duration.
func (s *SnapshotsConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// expandHome expands a leading ~/ to the user's home directory. The path is
// returned unchanged when the home directory cannot be resolved.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
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
	if env := os.Getenv("OPENCODE_ENV"); env == "production" || env == "prod" {
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

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "opencode-cluster")
	v.SetDefault("nats.clientId", "sandbox-manager")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Provider defaults
	v.SetDefault("provider.kind", "local")
	v.SetDefault("provider.local.baseDir", "~/.opencode/sandboxes")
	v.SetDefault("provider.local.snapshotDir", "~/.opencode/snapshots")
	v.SetDefault("provider.hosted.tokenId", "")
	v.SetDefault("provider.hosted.tokenSecret", "")
	v.SetDefault("provider.hosted.appName", "")
	v.SetDefault("provider.hosted.apiBaseUrl", "")
	v.SetDefault("provider.hosted.publicHost", "")
	v.SetDefault("provider.hosted.requestTimeout", 30)

	// Builder defaults
	v.SetDefault("builder.enabled", true)
	v.SetDefault("builder.github.appId", "")
	v.SetDefault("builder.github.privateKey", "")
	v.SetDefault("builder.github.installationId", "")
	v.SetDefault("builder.github.apiBaseUrl", "https://api.github.com")
	v.SetDefault("builder.registryPrefix", "")
	v.SetDefault("builder.baseImage", "ubuntu:24.04")
	v.SetDefault("builder.maxConcurrentBuilds", 2)
	v.SetDefault("builder.buildTimeout", 600)
	v.SetDefault("builder.testCommand", "")
	v.SetDefault("builder.testTimeout", 300)
	v.SetDefault("builder.rebuildInterval", 30)
	v.SetDefault("builder.targetsFile", "")
	v.SetDefault("builder.maxImagesPerBranch", 5)
	v.SetDefault("builder.maxImageAge", 168)
	v.SetDefault("builder.history.driver", "memory")
	v.SetDefault("builder.history.sqlitePath", "~/.opencode/builds.db")

	// Database defaults (postgres build history only)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "opencode")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "opencode")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Warm pool defaults
	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.ttl", 600)
	v.SetDefault("pool.replenishInterval", 60)
	v.SetDefault("pool.typingTrigger", false)

	// Sync gate defaults
	v.SetDefault("syncgate.retryInterval", 1000)
	v.SetDefault("syncgate.maxWaitTime", 30000)

	// Snapshot defaults
	v.SetDefault("snapshots.maxPerSession", 10)
	v.SetDefault("snapshots.ttl", 86400)

	// Multiplayer defaults
	v.SetDefault("multiplayer.maxUsers", 8)
	v.SetDefault("multiplayer.maxQueueSize", 50)

	// Skills defaults
	v.SetDefault("skills.dir", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPENCODE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/opencode/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPENCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	// The hosted backend additionally accepts the unprefixed credential names.
	_ = v.BindEnv("provider.hosted.tokenId", "OPENCODE_PROVIDER_HOSTED_TOKEN_ID", "TOKEN_ID")
	_ = v.BindEnv("provider.hosted.tokenSecret", "OPENCODE_PROVIDER_HOSTED_TOKEN_SECRET", "TOKEN_SECRET")
	_ = v.BindEnv("provider.hosted.appName", "OPENCODE_PROVIDER_HOSTED_APP_NAME", "APP_NAME")
	_ = v.BindEnv("provider.hosted.apiBaseUrl", "OPENCODE_PROVIDER_HOSTED_API_BASE_URL", "API_BASE_URL")
	_ = v.BindEnv("provider.hosted.publicHost", "OPENCODE_PROVIDER_HOSTED_PUBLIC_HOST")
	_ = v.BindEnv("provider.local.baseDir", "OPENCODE_PROVIDER_LOCAL_BASE_DIR")
	_ = v.BindEnv("provider.local.snapshotDir", "OPENCODE_PROVIDER_LOCAL_SNAPSHOT_DIR")
	_ = v.BindEnv("builder.github.appId", "OPENCODE_BUILDER_GITHUB_APP_ID")
	_ = v.BindEnv("builder.github.privateKey", "OPENCODE_BUILDER_GITHUB_PRIVATE_KEY")
	_ = v.BindEnv("builder.github.installationId", "OPENCODE_BUILDER_GITHUB_INSTALLATION_ID")
	_ = v.BindEnv("builder.registryPrefix", "OPENCODE_BUILDER_REGISTRY_PREFIX")
	_ = v.BindEnv("builder.maxConcurrentBuilds", "OPENCODE_BUILDER_MAX_CONCURRENT_BUILDS")
	_ = v.BindEnv("syncgate.retryInterval", "OPENCODE_SYNCGATE_RETRY_INTERVAL")
	_ = v.BindEnv("syncgate.maxWaitTime", "OPENCODE_SYNCGATE_MAX_WAIT_TIME")
	_ = v.BindEnv("snapshots.maxPerSession", "OPENCODE_SNAPSHOTS_MAX_PER_SESSION")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/opencode/")

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

	cfg.Provider.Local.BaseDir = expandHome(cfg.Provider.Local.BaseDir)
	cfg.Provider.Local.SnapshotDir = expandHome(cfg.Provider.Local.SnapshotDir)
	cfg.Builder.History.SQLitePath = expandHome(cfg.Builder.History.SQLitePath)

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

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Provider.Kind {
	case "local":
		if cfg.Provider.Local.BaseDir == "" {
			errs = append(errs, "provider.local.baseDir is required for the local provider")
		}
	case "hosted":
		if cfg.Provider.Hosted.APIBaseURL == "" {
			errs = append(errs, "provider.hosted.apiBaseUrl (or API_BASE_URL) is required for the hosted provider")
		}
		if cfg.Provider.Hosted.TokenID == "" || cfg.Provider.Hosted.TokenSecret == "" {
			errs = append(errs, "provider.hosted credentials (TOKEN_ID / TOKEN_SECRET) are required for the hosted provider")
		}
	default:
		errs = append(errs, "provider.kind must be one of: local, hosted")
	}

	if cfg.Builder.MaxConcurrentBuilds <= 0 {
		errs = append(errs, "builder.maxConcurrentBuilds must be positive")
	}
	if cfg.Builder.RebuildInterval <= 0 {
		errs = append(errs, "builder.rebuildInterval must be positive")
	}
	if cfg.Builder.MaxImagesPerBranch <= 0 {
		errs = append(errs, "builder.maxImagesPerBranch must be positive")
	}
	switch cfg.Builder.History.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when builder.history.driver is postgres")
		}
	default:
		errs = append(errs, "builder.history.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Pool.Size < 0 {
		errs = append(errs, "pool.size must not be negative")
	}
	if cfg.Pool.ReplenishInterval <= 0 {
		errs = append(errs, "pool.replenishInterval must be positive")
	}

	if cfg.SyncGate.RetryInterval <= 0 {
		errs = append(errs, "syncgate.retryInterval must be positive")
	}
	if cfg.SyncGate.MaxWaitTime <= 0 {
		errs = append(errs, "syncgate.maxWaitTime must be positive")
	}

	if cfg.Snapshots.MaxPerSession <= 0 {
		errs = append(errs, "snapshots.maxPerSession must be positive")
	}

	if cfg.Multiplayer.MaxUsers <= 0 {
		errs = append(errs, "multiplayer.maxUsers must be positive")
	}
	if cfg.Multiplayer.MaxQueueSize <= 0 {
		errs = append(errs, "multiplayer.maxQueueSize must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
