// Package config provides configuration management for opsrelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport mode names for Transport.Mode.
const (
	TransportBroker     = "broker"
	TransportDirectHTTP = "direct_http"
)

// Config holds all configuration sections for opsrelay.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Router     RouterConfig     `mapstructure:"router"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Slack      SlackConfig      `mapstructure:"slack"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds PostgreSQL connection configuration.
// An empty Host selects the embedded SQLite store instead.
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

// SQLiteConfig holds the embedded store configuration used when no
// PostgreSQL host is configured.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TransportConfig selects the communication substrate strategy and holds
// the peer endpoints used by the direct HTTP strategy.
type TransportConfig struct {
	Mode          string `mapstructure:"mode"`          // broker | direct_http
	AgentURL      string `mapstructure:"agentUrl"`      // worker /api/v1/process endpoint base
	DispatcherURL string `mapstructure:"dispatcherUrl"` // dispatcher /api/v1/deliver endpoint base
	APIKey        string `mapstructure:"apiKey"`        // tool-scope key sent on peer calls
	HTTPTimeout   int    `mapstructure:"httpTimeout"`   // in seconds
}

// JWTIssuer describes one trusted token issuer.
type JWTIssuer struct {
	Issuer       string   `mapstructure:"issuer"`
	Audience     string   `mapstructure:"audience"`
	JWKSURL      string   `mapstructure:"jwksUrl"`
	Algorithms   []string `mapstructure:"algorithms"`
	SubjectClaim string   `mapstructure:"subjectClaim"`
}

// AuthConfig holds authentication configuration for inbound surfaces.
type AuthConfig struct {
	JWTEnabled          bool              `mapstructure:"jwtEnabled"`
	JWTIssuers          []JWTIssuer       `mapstructure:"jwtIssuers"`
	JWTLeewaySeconds    int               `mapstructure:"jwtLeewaySeconds"`
	APIKeysEnabled      bool              `mapstructure:"apiKeysEnabled"`
	WebAPIKeys          map[string]string `mapstructure:"webApiKeys"`  // key -> user id
	ToolAPIKeys         map[string]string `mapstructure:"toolApiKeys"` // key -> tool principal
	TrustedProxyEnabled bool              `mapstructure:"trustedProxyEnabled"`
}

// RouterConfig holds request router behavior configuration.
type RouterConfig struct {
	GenericEndpointEnabled bool `mapstructure:"genericEndpointEnabled"`
	MaxContentBytes        int  `mapstructure:"maxContentBytes"`
	SyncTimeoutSeconds     int  `mapstructure:"syncTimeoutSeconds"`
	SessionIdleTTLMinutes  int  `mapstructure:"sessionIdleTtlMinutes"`
}

// AgentConfig holds agent runtime boundary configuration.
type AgentConfig struct {
	RuntimeURL     string `mapstructure:"runtimeUrl"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	MaxRetries     int    `mapstructure:"maxRetries"`
	DefaultAgentID string `mapstructure:"defaultAgentId"`
	MockEnabled    bool   `mapstructure:"mockEnabled"`
}

// IntegrationDefault holds the system-wide fallback delivery configuration
// for one integration kind. A user override row takes precedence.
type IntegrationDefault struct {
	Enabled           bool           `mapstructure:"enabled"`
	Priority          int            `mapstructure:"priority"`
	RetryCount        int            `mapstructure:"retryCount"`
	RetryDelaySeconds int            `mapstructure:"retryDelaySeconds"`
	RetryBackoff      string         `mapstructure:"retryBackoff"` // linear | exponential
	Config            map[string]any `mapstructure:"config"`
}

// DispatcherConfig holds integration dispatcher configuration.
type DispatcherConfig struct {
	Instance            string                        `mapstructure:"instance"` // pod/instance identity for event claims
	MaxParallel         int                           `mapstructure:"maxParallel"`
	RetryScanSeconds    int                           `mapstructure:"retryScanSeconds"`
	TemplatePath        string                        `mapstructure:"templatePath"`
	IntegrationDefaults map[string]IntegrationDefault `mapstructure:"integrationDefaults"`
}

// SlackConfig holds Slack surface and delivery configuration.
type SlackConfig struct {
	SigningSecret string `mapstructure:"signingSecret"`
	BotToken      string `mapstructure:"botToken"`
}

// SMTPConfig holds outbound email configuration.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	ReplyTo  string `mapstructure:"replyTo"`
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

// HTTPTimeoutDuration returns the direct transport timeout as a time.Duration.
func (t *TransportConfig) HTTPTimeoutDuration() time.Duration {
	return time.Duration(t.HTTPTimeout) * time.Second
}

// SyncTimeout returns the synchronous response wait deadline.
func (r *RouterConfig) SyncTimeout() time.Duration {
	return time.Duration(r.SyncTimeoutSeconds) * time.Second
}

// SessionIdleTTL returns how long an inactive session keeps being reused.
func (r *RouterConfig) SessionIdleTTL() time.Duration {
	return time.Duration(r.SessionIdleTTLMinutes) * time.Minute
}

// Timeout returns the agent runtime invocation deadline.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPSRELAY_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.writeTimeout", 150) // must exceed the sync response wait

	// Database defaults - empty host means use the embedded SQLite store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "opsrelay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "opsrelay")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("sqlite.path", "./opsrelay.db")

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "opsrelay")
	v.SetDefault("nats.maxReconnects", 10)

	// Transport defaults
	v.SetDefault("transport.mode", TransportBroker)
	v.SetDefault("transport.agentUrl", "http://localhost:8080")
	v.SetDefault("transport.dispatcherUrl", "http://localhost:8080")
	v.SetDefault("transport.apiKey", "")
	v.SetDefault("transport.httpTimeout", 130)

	// Auth defaults
	v.SetDefault("auth.jwtEnabled", false)
	v.SetDefault("auth.jwtLeewaySeconds", 60)
	v.SetDefault("auth.apiKeysEnabled", true)
	v.SetDefault("auth.webApiKeys", map[string]string{})
	v.SetDefault("auth.toolApiKeys", map[string]string{})
	v.SetDefault("auth.trustedProxyEnabled", false)

	// Router defaults
	v.SetDefault("router.genericEndpointEnabled", false)
	v.SetDefault("router.maxContentBytes", 64*1024)
	v.SetDefault("router.syncTimeoutSeconds", 120)
	v.SetDefault("router.sessionIdleTtlMinutes", 30)

	// Agent runtime defaults
	v.SetDefault("agent.runtimeUrl", "http://localhost:9090")
	v.SetDefault("agent.timeoutSeconds", 110)
	v.SetDefault("agent.maxRetries", 2)
	v.SetDefault("agent.defaultAgentId", "routing-agent")
	v.SetDefault("agent.mockEnabled", false)

	// Dispatcher defaults
	v.SetDefault("dispatcher.instance", defaultInstanceID())
	v.SetDefault("dispatcher.maxParallel", 8)
	v.SetDefault("dispatcher.retryScanSeconds", 5)
	v.SetDefault("dispatcher.templatePath", "")
	v.SetDefault("dispatcher.integrationDefaults", map[string]IntegrationDefault{})

	// Slack / SMTP defaults
	v.SetDefault("slack.signingSecret", "")
	v.SetDefault("slack.botToken", "")
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.replyTo", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// applyIntegrationAutoEnable derives the Enabled flag for integration
// defaults whose transport has an availability predicate: email needs an
// SMTP host, slack needs a bot token, and the test integration runs only
// outside production. An explicit enabled key in the config file or
// environment wins over the derivation.
func applyIntegrationAutoEnable(v *viper.Viper, cfg *Config) {
	predicates := map[string]bool{
		"email": cfg.SMTP.Host != "",
		"slack": cfg.Slack.BotToken != "",
		"test":  devMode(),
	}

	if cfg.Dispatcher.IntegrationDefaults == nil {
		cfg.Dispatcher.IntegrationDefaults = make(map[string]IntegrationDefault, len(predicates))
	}
	for kind, available := range predicates {
		if v.IsSet("dispatcher.integrationDefaults." + kind + ".enabled") {
			continue
		}
		def := cfg.Dispatcher.IntegrationDefaults[kind]
		def.Enabled = available
		cfg.Dispatcher.IntegrationDefaults[kind] = def
	}
}

// devMode reports whether the process runs outside production.
func devMode() bool {
	env := os.Getenv("OPSRELAY_ENV")
	return env != "production" && env != "prod"
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "opsrelay-0"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPSRELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/opsrelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("OPSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("slack.signingSecret", "SLACK_SIGNING_SECRET", "OPSRELAY_SLACK_SIGNING_SECRET")
	_ = v.BindEnv("slack.botToken", "SLACK_BOT_TOKEN", "OPSRELAY_SLACK_BOT_TOKEN")
	_ = v.BindEnv("smtp.host", "SMTP_HOST", "OPSRELAY_SMTP_HOST")
	_ = v.BindEnv("smtp.port", "SMTP_PORT", "OPSRELAY_SMTP_PORT")
	_ = v.BindEnv("smtp.username", "SMTP_USERNAME", "OPSRELAY_SMTP_USERNAME")
	_ = v.BindEnv("smtp.password", "SMTP_PASSWORD", "OPSRELAY_SMTP_PASSWORD")
	_ = v.BindEnv("transport.mode", "OPSRELAY_TRANSPORT_MODE")
	_ = v.BindEnv("sqlite.path", "OPSRELAY_DB_PATH", "OPSRELAY_SQLITE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/opsrelay/")

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

	applyIntegrationAutoEnable(v, &cfg)

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

	// Database validation - only if host is set (SQLite mode otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	switch cfg.Transport.Mode {
	case TransportBroker, TransportDirectHTTP:
	default:
		errs = append(errs, "transport.mode must be one of: broker, direct_http")
	}
	if cfg.Transport.Mode == TransportDirectHTTP {
		if cfg.Transport.AgentURL == "" {
			errs = append(errs, "transport.agentUrl is required in direct_http mode")
		}
		if cfg.Transport.DispatcherURL == "" {
			errs = append(errs, "transport.dispatcherUrl is required in direct_http mode")
		}
	}

	if cfg.Auth.JWTEnabled && len(cfg.Auth.JWTIssuers) == 0 {
		errs = append(errs, "auth.jwtIssuers must not be empty when auth.jwtEnabled is set")
	}
	for i, issuer := range cfg.Auth.JWTIssuers {
		if issuer.Issuer == "" {
			errs = append(errs, fmt.Sprintf("auth.jwtIssuers[%d].issuer is required", i))
		}
		if issuer.JWKSURL == "" {
			errs = append(errs, fmt.Sprintf("auth.jwtIssuers[%d].jwksUrl is required", i))
		}
	}

	if cfg.Router.MaxContentBytes <= 0 {
		errs = append(errs, "router.maxContentBytes must be positive")
	}
	if cfg.Router.SyncTimeoutSeconds <= 0 {
		errs = append(errs, "router.syncTimeoutSeconds must be positive")
	}

	if cfg.Agent.TimeoutSeconds <= 0 {
		errs = append(errs, "agent.timeoutSeconds must be positive")
	}

	if cfg.Dispatcher.MaxParallel <= 0 {
		errs = append(errs, "dispatcher.maxParallel must be positive")
	}
	for kind, def := range cfg.Dispatcher.IntegrationDefaults {
		if def.RetryBackoff != "" && def.RetryBackoff != "linear" && def.RetryBackoff != "exponential" {
			errs = append(errs, fmt.Sprintf("dispatcher.integrationDefaults.%s.retryBackoff must be linear or exponential", kind))
		}
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
