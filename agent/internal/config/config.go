package config

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval = 30 * time.Second
	DefaultBufferSize     = 1000
	DefaultDialTimeout    = 5 * time.Second
	DefaultLogLevel       = "info"
)

// Metric selection modes.
const (
	ModeAuto  = "auto"
	ModeRate  = "rate"
	ModeValue = "value"
)

// Config holds the agent configuration parsed from the `agent:` section of
// config.yaml. The `server:` key in the same file is ignored.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerEndpoint is the perfdata ingest address of perfmatrix-server (host:port).
	ServerEndpoint string `yaml:"server_endpoint"`

	// Owner is stamped on every reading. Defaults to the host name.
	Owner string `yaml:"owner"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	// ScrapeInterval controls how often each source is polled. Readings from
	// one round are shipped as one batch.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// BufferSize is the maximum number of batches held in memory while the
	// server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// DialTimeout bounds connecting and writing one batch.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Sources is the list of endpoints to scrape.
	Sources []Source `yaml:"sources"`
}

// Source describes one scraped endpoint.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Type is the exposition flavour: prometheus | otelcol | loki | fluentbit.
	Type string `yaml:"type"`

	// Endpoint is the full URL of the metrics endpoint (base URL for fluentbit).
	Endpoint string `yaml:"endpoint"`

	// PathPrefix is prepended to every datapoint key. Defaults to ID.
	PathPrefix string `yaml:"path_prefix"`

	// Metrics selects what gets shipped. Empty uses the per-type defaults.
	Metrics []MetricSelector `yaml:"metrics"`

	// CheckCert adds a cert_days_left reading for https endpoints.
	CheckCert bool `yaml:"check_cert"`

	// Auth configures how the agent authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// Prefix returns the datapoint key prefix for the source.
func (s Source) Prefix() string {
	if p := strings.TrimRight(s.PathPrefix, "/"); p != "" {
		return p
	}
	return s.ID
}

// MetricSelector picks series out of a scrape.
type MetricSelector struct {
	// Name matches the sample name; shell patterns (path.Match) are allowed.
	Name string `yaml:"name"`

	// Labels must all be present on a sample with equal values.
	Labels map[string]string `yaml:"labels"`

	// Key overrides the datapoint key (relative to the source prefix). When
	// set, all matching series are summed into that one key.
	Key string `yaml:"key"`

	// Mode is one of: auto | rate | value. auto ships counters as per-minute
	// rates and everything else as-is.
	Mode string `yaml:"mode"`
}

// EffectiveMode returns Mode, or auto when unset.
func (m MetricSelector) EffectiveMode() string {
	if m.Mode == "" {
		return ModeAuto
	}
	return m.Mode
}

// AuthConfig specifies the authentication mode for a source.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS client certificate, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header carries the key when Mode == "apikey".
	Header string `yaml:"header"`
	// KeyEnv is the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token when Mode == "bearer".
	TokenEnv string `yaml:"token_env"`

	// Username and PasswordEnv are used when Mode == "basic".
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification for the source.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// SlogLevel maps LogLevel to a slog.Level; unknown values map to Info.
func (a AgentConfig) SlogLevel() slog.Level {
	switch a.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("agent config: parse yaml: %w", err)
	}
	if cfg.Agent.Owner == "" {
		cfg.Agent.Owner = hostname()
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}
	return cfg, nil
}

// hostname is a var so tests can pin it.
var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "perfmatrix-agent"
	}
	return h
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:       DefaultLogLevel,
			ScrapeInterval: DefaultScrapeInterval,
			BufferSize:     DefaultBufferSize,
			DialTimeout:    DefaultDialTimeout,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := &cfg.Agent
	if a.ServerEndpoint == "" {
		return fmt.Errorf("agent.server_endpoint is required")
	}
	switch a.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level %q unknown: want debug|info|warn|error", a.LogLevel)
	}
	if a.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if a.DialTimeout <= 0 {
		return fmt.Errorf("agent.dial_timeout must be positive")
	}

	seen := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		switch src.Type {
		case "prometheus", "otelcol", "loki", "fluentbit":
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
		for j, m := range src.Metrics {
			if m.Name == "" {
				return fmt.Errorf("sources[%d] %q: metrics[%d]: name is required", i, src.ID, j)
			}
			if _, err := path.Match(m.Name, ""); err != nil {
				return fmt.Errorf("sources[%d] %q: metrics[%d]: bad pattern %q: %w", i, src.ID, j, m.Name, err)
			}
			switch m.EffectiveMode() {
			case ModeAuto, ModeRate, ModeValue:
			default:
				return fmt.Errorf("sources[%d] %q: metrics[%d]: unknown mode %q", i, src.ID, j, m.Mode)
			}
		}
	}
	return nil
}
