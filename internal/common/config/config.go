// Package config loads BetaForge settings from defaults, an optional
// config.yaml and BETAFORGE_* environment variables, in increasing order
// of precedence. Durations accept Go duration strings such as "90s".
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/betaforge/betaforge/internal/common/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// WriteTimeout must stay 0 while session streams are served: any
	// positive value cuts SSE and WebSocket connections.
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	CORSOrigins  []string      `mapstructure:"corsOrigins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the session store. Path is used by sqlite and may
// be ":memory:". The remaining fields describe a postgres server.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
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

// DSN returns the PostgreSQL keyword/value connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig configures the cross-replica event bus. An empty URL selects
// the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubjectPrefix namespaces every subject so several deployments can
	// share one NATS server.
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig bounds agent deployment.
type OrchestratorConfig struct {
	AgentTimeout time.Duration `mapstructure:"agentTimeout"`
	// Preflight probes the target URL once before any agent is deployed.
	Preflight        bool          `mapstructure:"preflight"`
	PreflightTimeout time.Duration `mapstructure:"preflightTimeout"`
}

// StreamConfig tunes session stream subscriptions.
type StreamConfig struct {
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	BufferSize        int           `mapstructure:"bufferSize"`
}

type RegistryConfig struct {
	// CatalogPath overrides the embedded persona catalog when set.
	CatalogPath string `mapstructure:"catalogPath"`
}

type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "0s")
	v.SetDefault("server.corsOrigins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./betaforge.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "betaforge")
	v.SetDefault("database.dbName", "betaforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "betaforge")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "betaforge")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("orchestrator.agentTimeout", "10m")
	v.SetDefault("orchestrator.preflight", true)
	v.SetDefault("orchestrator.preflightTimeout", "10s")

	v.SetDefault("stream.pollInterval", "2s")
	v.SetDefault("stream.heartbeatInterval", "15s")
	v.SetDefault("stream.bufferSize", 256)

	v.SetDefault("tracing.serviceName", "betaforge")
}

// envAliases are accepted next to the BETAFORGE_SECTION_KEY names that
// AutomaticEnv derives, which never match camelCase keys.
var envAliases = map[string][]string{
	"database.driver":           {"BETAFORGE_DB_DRIVER"},
	"database.path":             {"BETAFORGE_DB_PATH"},
	"orchestrator.agentTimeout": {"BETAFORGE_AGENT_TIMEOUT"},
	"stream.pollInterval":       {"BETAFORGE_STREAM_POLL_INTERVAL"},
	"tracing.endpoint":          {"BETAFORGE_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads config.yaml from dir when given, then from the working
// directory and /etc/betaforge. A missing file is not an error.
func LoadWithPath(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BETAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/betaforge/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	check(c.Server.WriteTimeout >= 0, "server.writeTimeout must not be negative")

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
		check(c.Database.Path != "", "database.path is required for the sqlite driver")
	case "postgres":
		check(c.Database.Port > 0 && c.Database.Port <= 65535, "database.port must be between 1 and 65535")
		check(c.Database.User != "", "database.user is required for the postgres driver")
		check(c.Database.DBName != "", "database.dbName is required for the postgres driver")
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of: sqlite, postgres, got %q", c.Database.Driver))
	}

	level := strings.ToLower(c.Logging.Level)
	check(slices.Contains([]string{"debug", "info", "warn", "error"}, level),
		"logging.level must be one of: debug, info, warn, error")
	format := strings.ToLower(c.Logging.Format)
	check(slices.Contains([]string{"json", "text", "console"}, format),
		"logging.format must be one of: json, text, console")

	check(c.Orchestrator.AgentTimeout > 0, "orchestrator.agentTimeout must be positive")
	check(!c.Orchestrator.Preflight || c.Orchestrator.PreflightTimeout > 0,
		"orchestrator.preflightTimeout must be positive when preflight is enabled")

	check(c.Stream.PollInterval > 0, "stream.pollInterval must be positive")
	check(c.Stream.HeartbeatInterval > 0, "stream.heartbeatInterval must be positive")
	check(c.Stream.BufferSize > 0, "stream.bufferSize must be positive")

	return errors.Join(errs...)
}
