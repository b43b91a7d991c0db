// Package config provides configuration management for helix-mcp.
// Settings come from, in increasing precedence: built-in defaults, an optional
// mcpconfig.toml / mcpconfig.yaml file, and environment variables with the
// HELIX_MCP_ prefix (HELIX_MCP_HELIX_PORT overrides helix.port).
//
// A few unprefixed variables are honoured for compatibility with existing
// deployments: HELIX_ENDPOINT, HELIX_PORT, OPENAI_API_KEY and GEMINI_API_KEY.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrypster/helixmcp/pkg/apperrors"
)

// EnvPrefix is the prefix for every configuration environment variable.
const EnvPrefix = "HELIX_MCP"

// Config holds all configuration settings for helix-mcp.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Helix       HelixConfig       `mapstructure:"helix"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig contains the MCP transport configuration.
type ServerConfig struct {
	Name      string  `mapstructure:"name"`       // Server name reported on initialize (default: helix-mcp)
	Version   string  `mapstructure:"version"`    // Server version reported on initialize
	Transport string  `mapstructure:"transport"`  // stdio, http or tcp (default: stdio)
	Host      string  `mapstructure:"host"`       // Bind host for http/tcp (default: 127.0.0.1)
	HTTPPort  int     `mapstructure:"http_port"`  // HTTP port (default: 9527)
	TCPPort   int     `mapstructure:"tcp_port"`   // TCP port (default: 8766)
	RateLimit float64 `mapstructure:"rate_limit"` // HTTP requests per second, 0 disables (default: 50)
	RateBurst int     `mapstructure:"rate_burst"` // HTTP burst size (default: 100)
	APIToken  string  `mapstructure:"api_token"`  // Bearer token required on HTTP when set

	CORSOrigins []string `mapstructure:"cors_origins"` // Origins allowed on /mcp and /ws/events (default: localhost)

	TCPNoDelay   bool          `mapstructure:"tcp_nodelay"`   // Disable Nagle on TCP connections (default: true)
	TCPKeepAlive time.Duration `mapstructure:"tcp_keepalive"` // TCP keep-alive period, 0 disables (default: 60s)
}

// HelixConfig contains the backend connection configuration.
type HelixConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`         // Backend base URL (default: http://localhost)
	Port            int           `mapstructure:"port"`             // Backend port, ignored when endpoint has one (default: 6969)
	Timeout         time.Duration `mapstructure:"timeout"`          // Per-request timeout (default: 30s)
	MaxRetries      int           `mapstructure:"max_retries"`      // Retry budget for read-only queries (default: 3)
	BreakerFailures int           `mapstructure:"breaker_failures"` // Consecutive failures before the breaker opens (default: 5)
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`  // Open-state duration (default: 30s)
}

// EmbeddingConfig selects where embeddings are generated.
type EmbeddingConfig struct {
	// Mode is "helixdb" (backend embeds via Embed(text)) or "mcp" (this
	// process embeds and sends vectors). Default: helixdb
	Mode       string        `mapstructure:"mode"`
	Provider   string        `mapstructure:"provider"`    // openai, gemini, ollama, local, tcp (default: openai)
	Model      string        `mapstructure:"model"`       // Model name (default: text-embedding-3-small)
	OpenAIURL  string        `mapstructure:"openai_url"`  // OpenAI base URL
	GeminiURL  string        `mapstructure:"gemini_url"`  // Gemini OpenAI-compatible base URL
	OllamaURL  string        `mapstructure:"ollama_url"`  // Ollama base URL
	LocalURL   string        `mapstructure:"local_url"`   // Local embedding endpoint
	TCPAddress string        `mapstructure:"tcp_address"` // OVNT embedding server host:port (default: 127.0.0.1:8787)
	TCPTimeout time.Duration `mapstructure:"tcp_timeout"` // Per-request timeout of the tcp provider (default: 30s)
	APIKey     string        `mapstructure:"api_key"`     // Provider API key
	Dimensions int           `mapstructure:"dimensions"`  // Vector size (default: 1536)
	Timeout    time.Duration `mapstructure:"timeout"`     // Per-request timeout (default: 30s)
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`   // Embedding cache TTL, 0 disables (default: 10m)
}

// SessionsConfig bounds the traversal session registry.
type SessionsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`            // Idle time before eviction (default: 30m)
	Max           int           `mapstructure:"max"`            // Concurrent session cap (default: 1000)
	SweepInterval time.Duration `mapstructure:"sweep_interval"` // Reaper period (default: 1m)
	PageSize      int           `mapstructure:"page_size"`      // Items fetched per backend page (default: 100)
}

// ConsistencyConfig bounds the embedding replacement retries.
type ConsistencyConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`    // Attempts of the drop/add/link group (default: 4)
	InitialBackoff time.Duration `mapstructure:"initial_backoff"` // First retry delay (default: 200ms)
}

// JournalConfig selects the repair journal store.
type JournalConfig struct {
	Engine   string `mapstructure:"engine"`    // sqlite, postgres or none (default: sqlite)
	DSN      string `mapstructure:"dsn"`       // Postgres DSN
	DataPath string `mapstructure:"data_path"` // Directory for the sqlite file (default: ./data)
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error (default: info)
	Format string `mapstructure:"format"` // json or console (default: json)
	File   string `mapstructure:"file"`   // Optional rotated log file
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`  // Export spans (default: false)
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint (default: localhost:4318)
}

// Load reads configuration from defaults, the optional file at path (or
// mcpconfig.{toml,yaml} in the working directory when path is empty) and
// the environment.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcpconfig")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = providerKey(v, cfg.Embedding.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading files or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed variables used by existing HelixDB deployments.
	_ = v.BindEnv("helix.endpoint", EnvPrefix+"_HELIX_ENDPOINT", "HELIX_ENDPOINT")
	_ = v.BindEnv("helix.port", EnvPrefix+"_HELIX_PORT", "HELIX_PORT")
	_ = v.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("gemini_api_key", "GEMINI_API_KEY")
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "helix-mcp")
	v.SetDefault("server.version", "0.1.0")
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.http_port", 9527)
	v.SetDefault("server.tcp_port", 8766)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.cors_origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
	v.SetDefault("server.tcp_nodelay", true)
	v.SetDefault("server.tcp_keepalive", 60*time.Second)

	v.SetDefault("helix.endpoint", "http://localhost")
	v.SetDefault("helix.port", 6969)
	v.SetDefault("helix.timeout", 30*time.Second)
	v.SetDefault("helix.max_retries", 3)
	v.SetDefault("helix.breaker_failures", 5)
	v.SetDefault("helix.breaker_timeout", 30*time.Second)

	v.SetDefault("embedding.mode", "helixdb")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.openai_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.gemini_url", "https://generativelanguage.googleapis.com/v1beta/openai")
	v.SetDefault("embedding.ollama_url", "http://localhost:11434")
	v.SetDefault("embedding.local_url", "http://localhost:8699/embed")
	v.SetDefault("embedding.tcp_address", "127.0.0.1:8787")
	v.SetDefault("embedding.tcp_timeout", 30*time.Second)
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.cache_ttl", 10*time.Minute)

	v.SetDefault("sessions.ttl", 30*time.Minute)
	v.SetDefault("sessions.max", 1000)
	v.SetDefault("sessions.sweep_interval", time.Minute)
	v.SetDefault("sessions.page_size", 100)

	v.SetDefault("consistency.max_attempts", 4)
	v.SetDefault("consistency.initial_backoff", 200*time.Millisecond)

	v.SetDefault("journal.engine", "sqlite")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.data_path", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// providerKey falls back to the vendor's conventional environment variable.
func providerKey(v *viper.Viper, provider string) string {
	switch provider {
	case "openai":
		return v.GetString("openai_api_key")
	case "gemini":
		return v.GetString("gemini_api_key")
	}
	return ""
}

// Validate rejects values outside the supported enums and ranges.
func (c *Config) Validate() error {
	var problems []string

	switch c.Server.Transport {
	case "stdio", "http", "tcp":
	default:
		problems = append(problems, fmt.Sprintf("server.transport %q must be stdio, http or tcp", c.Server.Transport))
	}
	switch c.Embedding.Mode {
	case "helixdb", "mcp":
	default:
		problems = append(problems, fmt.Sprintf("embedding.mode %q must be helixdb or mcp", c.Embedding.Mode))
	}
	switch c.Embedding.Provider {
	case "openai", "gemini", "ollama", "local":
	case "tcp":
		if c.Embedding.TCPAddress == "" {
			problems = append(problems, "embedding.tcp_address is required for the tcp embedding provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("embedding.provider %q is not supported", c.Embedding.Provider))
	}
	switch c.Journal.Engine {
	case "sqlite", "none":
	case "postgres":
		if c.Journal.DSN == "" {
			problems = append(problems, "journal.dsn is required for the postgres journal")
		}
	default:
		problems = append(problems, fmt.Sprintf("journal.engine %q must be sqlite, postgres or none", c.Journal.Engine))
	}
	if _, err := url.Parse(c.Helix.Endpoint); err != nil || c.Helix.Endpoint == "" {
		problems = append(problems, fmt.Sprintf("helix.endpoint %q is not a valid URL", c.Helix.Endpoint))
	}
	if c.Sessions.Max <= 0 {
		problems = append(problems, "sessions.max must be positive")
	}
	if c.Sessions.PageSize <= 0 {
		problems = append(problems, "sessions.page_size must be positive")
	}
	if c.Consistency.MaxAttempts <= 0 {
		problems = append(problems, "consistency.max_attempts must be positive")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.CodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// HelixBaseURL joins endpoint and port. A port already present in the
// endpoint wins.
func (c *Config) HelixBaseURL() string {
	endpoint := strings.TrimRight(c.Helix.Endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Port() != "" || c.Helix.Port == 0 {
		return endpoint
	}
	u.Host = fmt.Sprintf("%s:%d", u.Host, c.Helix.Port)
	return u.String()
}

// EmbeddingsClientSide reports whether this process generates vectors.
func (c *Config) EmbeddingsClientSide() bool {
	return c.Embedding.Mode == "mcp"
}
