package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
)

// Default values for the server configuration.
const (
	DefaultListenAddr     = ":8999"
	DefaultGRPCPort       = 50051
	DefaultHTTPPort       = 8080
	DefaultLogLevel       = "info"
	DefaultQueueCapacity  = 500
	DefaultMaxFrameBytes  = 4 << 20
	DefaultReadTimeout    = 10 * time.Second
	DefaultMaxConns       = 64
	DefaultUpdateInterval = time.Second
	DefaultSnapshotDir    = "./data"
	DefaultSnapshotFile   = "pmatrix-history.xml"
	DefaultArchiveMax     = 1
	DefaultPersistEvery   = 5 * time.Minute
	DefaultAlertCooldown  = 15 * time.Minute
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the perfdata ingest socket binds (default ":8999").
	ListenAddr string `yaml:"listen_addr"`

	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// GRPCPort is the port of the gRPC health service (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	Ingest IngestConfig `yaml:"ingest"`

	// UpdateInterval is how often change listeners are notified (default 1s).
	UpdateInterval time.Duration `yaml:"update_interval"`

	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Auth configures how the server authenticates REST and gRPC clients.
	Auth AuthConfig `yaml:"auth"`

	// Alerts holds severity rules and webhook delivery targets.
	Alerts AlertsConfig `yaml:"alerts"`

	// Matrices are the display tables whose datapoints get provisioned.
	Matrices []Matrix `yaml:"matrices"`
}

// IngestConfig tunes the perfdata socket and its hand-off queue.
type IngestConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`

	// MaxConns caps connections being read at once; more are closed unread.
	MaxConns int `yaml:"max_conns"`
}

// SnapshotConfig controls history persistence.
type SnapshotConfig struct {
	// Enabled turns persistence on; when false nothing is read or written.
	Enabled bool `yaml:"enabled"`

	Dir      string `yaml:"dir"`
	FileName string `yaml:"file_name"`

	// ArchiveMax is how many rotated copies are kept. Negative keeps all.
	ArchiveMax int `yaml:"archive_max"`

	// Interval is the period of the background persist (default 5m).
	Interval time.Duration `yaml:"interval"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header (and gRPC metadata key) carrying the key.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// AlertsConfig holds alert rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule fires when a datapoint's latest range reaches Severity.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as part of the dedup key.
	Name string `yaml:"name"`

	// KeyPrefix restricts the rule to datapoints whose key starts with it.
	// Empty matches every datapoint.
	KeyPrefix string `yaml:"key_prefix"`

	// Severity is the lowest range that fires: warning | minor | major | critical.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Matrix is one display table.
type Matrix struct {
	Name       string      `yaml:"name"`
	DataPoints []DataPoint `yaml:"datapoints"`
}

// DataPoint is one cell of a matrix. A cell with StaticText is a label and
// has no calculator behind it.
type DataPoint struct {
	Key        string            `yaml:"key"`
	Row        string            `yaml:"row"`
	Col        string            `yaml:"col"`
	Calculator string            `yaml:"calculator"`
	Config     calculator.Config `yaml:"config"`
	StaticText string            `yaml:"static_text"`
}

// IsStatic reports whether the cell is a text label.
func (d DataPoint) IsStatic() bool { return d.StaticText != "" }

// Kind returns the calculator kind, movingAverage when unset.
func (d DataPoint) Kind() calculator.Kind {
	if d.Calculator == "" {
		return calculator.KindMovingAverage
	}
	return calculator.Kind(d.Calculator)
}

// SlogLevel maps LogLevel to a slog.Level; unknown values map to Info.
func (s ServerConfig) SlogLevel() slog.Level {
	switch s.LogLevel {
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

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
			GRPCPort:   DefaultGRPCPort,
			HTTPPort:   DefaultHTTPPort,
			LogLevel:   DefaultLogLevel,
			Ingest: IngestConfig{
				QueueCapacity: DefaultQueueCapacity,
				MaxFrameBytes: DefaultMaxFrameBytes,
				ReadTimeout:   DefaultReadTimeout,
				MaxConns:      DefaultMaxConns,
			},
			UpdateInterval: DefaultUpdateInterval,
			Snapshot: SnapshotConfig{
				Enabled:    true,
				Dir:        DefaultSnapshotDir,
				FileName:   DefaultSnapshotFile,
				ArchiveMax: DefaultArchiveMax,
				Interval:   DefaultPersistEvery,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", s.LogLevel)
	}
	if s.Ingest.QueueCapacity <= 0 {
		return fmt.Errorf("server.ingest.queue_capacity must be positive")
	}
	if s.Ingest.MaxFrameBytes <= 0 {
		return fmt.Errorf("server.ingest.max_frame_bytes must be positive")
	}
	if s.Ingest.MaxConns <= 0 {
		return fmt.Errorf("server.ingest.max_conns must be positive")
	}
	if s.Ingest.ReadTimeout < 0 {
		return fmt.Errorf("server.ingest.read_timeout must not be negative")
	}
	if s.UpdateInterval <= 0 {
		return fmt.Errorf("server.update_interval must be positive")
	}
	if s.Snapshot.Enabled {
		if s.Snapshot.FileName == "" {
			return fmt.Errorf("server.snapshot.file_name must not be empty")
		}
		if s.Snapshot.Interval < 0 {
			return fmt.Errorf("server.snapshot.interval must not be negative")
		}
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	for i, r := range s.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("server.alerts.rules[%d]: name must not be empty", i)
		}
		sev, err := calculator.ParseSeverity(r.Severity)
		if err != nil || sev < calculator.Warning {
			return fmt.Errorf("server.alerts.rules[%d]: severity %q unknown: want warning|minor|major|critical", i, r.Severity)
		}
	}
	for i, m := range s.Matrices {
		for j, dp := range m.DataPoints {
			if dp.IsStatic() {
				continue
			}
			if _, err := calculator.ParseKind(string(dp.Kind())); err != nil {
				return fmt.Errorf("server.matrices[%d].datapoints[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}
