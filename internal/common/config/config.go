// Package config provides configuration management for oppi.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for oppi.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds storage backend connection configuration (spec §6's
// "simple key/value persistence of sessions, workspaces, and config").
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration, used when the event ring's
// fan-out needs to cross process boundaries (e.g. a push-notification
// bridge or a second process on the host).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for the container
// workspace runtime (spec §4.6's "container" preset).
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	// Image is the agent runtime image every container-backed session runs,
	// expected to already contain the provider CLIs stdio.CommandResolver
	// resolves (claude-agent, codex-agent).
	Image string `mapstructure:"image"`
}

// AuthConfig holds pairing/device-token authentication configuration.
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwtSecret"`
	PairingTokenTTL   int    `mapstructure:"pairingTokenTtl"`   // seconds
	RateLimitBurst    int    `mapstructure:"rateLimitBurst"`    // pairing.Exchanger failure budget
	RateLimitReplenish int   `mapstructure:"rateLimitReplenish"` // seconds between budget refills
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkspaceConfig holds workspace runtime defaults (spec §4.6): how many
// sessions a workspace/process may run concurrently, and how long an idle
// workspace is kept warm before its container runtime is torn down.
type WorkspaceConfig struct {
	MaxSessionsPerWorkspace int `mapstructure:"maxSessionsPerWorkspace"`
	MaxSessionsGlobal       int `mapstructure:"maxSessionsGlobal"`
	IdleTimeoutSeconds      int `mapstructure:"idleTimeoutSeconds"`
}

// IdleTimeoutDuration returns the workspace idle timeout as a time.Duration.
func (w *WorkspaceConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeoutSeconds) * time.Second
}

// PolicyConfig holds policy engine defaults (spec §4.5).
type PolicyConfig struct {
	DefaultPreset         string `mapstructure:"defaultPreset"` // "host" or "container"
	ApprovalTimeoutSeconds int   `mapstructure:"approvalTimeoutSeconds"` // 0 = never expires
}

// ApprovalTimeoutDuration returns the permission approval timeout as a
// time.Duration, or zero if pending permissions never expire.
func (p *PolicyConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(p.ApprovalTimeoutSeconds) * time.Second
}

// ProxyConfig holds the credential-substitution proxy's upstream base URLs
// (spec §4.8).
type ProxyConfig struct {
	ListenHost           string `mapstructure:"listenHost"`
	ListenPort           int    `mapstructure:"listenPort"`
	AnthropicBaseURL     string `mapstructure:"anthropicBaseUrl"`
	OpenAICodexBaseURL   string `mapstructure:"openaiCodexBaseUrl"`
	ChatGPTAccountID     string `mapstructure:"chatGptAccountId"`
	CredentialsFilePath  string `mapstructure:"credentialsFilePath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PairingTokenTTLDuration returns the pairing token lifetime as a
// time.Duration.
func (a *AuthConfig) PairingTokenTTLDuration() time.Duration {
	return time.Duration(a.PairingTokenTTL) * time.Second
}

// RateLimitReplenishDuration returns the pairing rate-limit replenish
// interval as a time.Duration.
func (a *AuthConfig) RateLimitReplenishDuration() time.Duration {
	return time.Duration(a.RateLimitReplenish) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPPI_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./oppi.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "oppi")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "oppi")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "oppi-cluster")
	v.SetDefault("nats.clientId", "oppi-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Docker defaults — platform-aware host and volume path
	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "oppi-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())
	v.SetDefault("docker.image", "oppi-agent-runtime:latest")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.pairingTokenTtl", 600) // 10 minutes
	v.SetDefault("auth.rateLimitBurst", 6)
	v.SetDefault("auth.rateLimitReplenish", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Workspace defaults
	v.SetDefault("workspace.maxSessionsPerWorkspace", 4)
	v.SetDefault("workspace.maxSessionsGlobal", 16)
	v.SetDefault("workspace.idleTimeoutSeconds", 600)

	// Policy defaults
	v.SetDefault("policy.defaultPreset", "host")
	v.SetDefault("policy.approvalTimeoutSeconds", 120)

	// Proxy defaults
	v.SetDefault("proxy.listenHost", "127.0.0.1")
	v.SetDefault("proxy.listenPort", 8081)
	v.SetDefault("proxy.anthropicBaseUrl", "https://api.anthropic.com")
	v.SetDefault("proxy.openaiCodexBaseUrl", "https://chatgpt.com/backend-api/codex")
	v.SetDefault("proxy.chatGptAccountId", "")
	v.SetDefault("proxy.credentialsFilePath", "~/.oppi/credentials.json")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "oppi", "volumes")
	}
	return "/var/lib/oppi/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPPI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/oppi/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys);
	// AutomaticEnv does not handle camelCase-to-SNAKE_CASE conversion.
	_ = v.BindEnv("logging.level", "OPPI_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "OPPI_EVENTS_NAMESPACE")
	_ = v.BindEnv("proxy.chatGptAccountId", "OPPI_PROXY_CHATGPT_ACCOUNT_ID")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/oppi/")

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

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.PairingTokenTTL <= 0 {
		errs = append(errs, "auth.pairingTokenTtl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Workspace.MaxSessionsPerWorkspace <= 0 {
		errs = append(errs, "workspace.maxSessionsPerWorkspace must be positive")
	}
	if cfg.Workspace.MaxSessionsGlobal <= 0 {
		errs = append(errs, "workspace.maxSessionsGlobal must be positive")
	}

	validPresets := map[string]bool{"host": true, "container": true}
	if !validPresets[strings.ToLower(cfg.Policy.DefaultPreset)] {
		errs = append(errs, "policy.defaultPreset must be one of: host, container")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix.
	// In production, users should set OPPI_AUTH_JWTSECRET.
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
