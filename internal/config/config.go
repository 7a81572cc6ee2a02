// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/tracevia/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `tracevia:` root key in YAML.
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Source   SourceConfig   `mapstructure:"source" yaml:"source"`
	Parser   ParserConfig   `mapstructure:"parser" yaml:"parser"`
	Tracker  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Emitter  EmitterConfig  `mapstructure:"emitter" yaml:"emitter"`
	Topology TopologyConfig `mapstructure:"topology" yaml:"topology"`
	Sinks    []SinkConfig   `mapstructure:"sinks" yaml:"sinks"`
	AMI      AMIConfig      `mapstructure:"ami" yaml:"ami"`
}

// ─── Logging ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── HTTP surface ───

// MetricsConfig configures the HTTP server carrying metrics and the API.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// HTTPConfig holds cross-origin settings for the HTTP surface.
type HTTPConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// ─── Pipeline ───

// Source types.
const (
	SourceReplay = "replay"
	SourceLive   = "live"
)

// SourceConfig selects where packets come from.
type SourceConfig struct {
	Type      string      `mapstructure:"type" yaml:"type"` // replay / live
	File      string      `mapstructure:"file" yaml:"file"`
	Speed     float64     `mapstructure:"speed" yaml:"speed"` // replay pacing, 0 = as fast as possible
	Interface string      `mapstructure:"interface" yaml:"interface"`
	BPFFilter string      `mapstructure:"bpf_filter" yaml:"bpf_filter"`
	SnapLen   int         `mapstructure:"snap_len" yaml:"snap_len"`
	SIPPorts  []uint16    `mapstructure:"sip_ports" yaml:"sip_ports"`
	Retry     RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig bounds source restarts after transient failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// ParserConfig configures the SIP parser stage.
type ParserConfig struct {
	Workers int  `mapstructure:"workers" yaml:"workers"`
	Sniff   bool `mapstructure:"sniff" yaml:"sniff"`
}

// TrackerConfig configures the dialog state tracker.
type TrackerConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	FadeOut           time.Duration `mapstructure:"fade_out" yaml:"fade_out"`
	MaxHistory        int           `mapstructure:"max_history" yaml:"max_history"`
	Partitions        int           `mapstructure:"partitions" yaml:"partitions"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// EmitterConfig configures frame emission.
type EmitterConfig struct {
	Policy  string        `mapstructure:"policy" yaml:"policy"` // cadence / on_change / both
	Cadence time.Duration `mapstructure:"cadence" yaml:"cadence"`
	Palette string        `mapstructure:"palette" yaml:"palette"` // normal / high_contrast
}

// TopologyConfig configures the layout.
type TopologyConfig struct {
	Iterations    int `mapstructure:"iterations" yaml:"iterations"`
	PositionCache int `mapstructure:"position_cache" yaml:"position_cache"`
}

// SinkConfig names a reporter plugin and its options.
type SinkConfig struct {
	Type    string         `mapstructure:"type" yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// AMIConfig configures the Asterisk Manager Interface presence feed.
type AMIConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Address        string        `mapstructure:"address" yaml:"address"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Secret         string        `mapstructure:"secret" yaml:"-"`
	Context        string        `mapstructure:"context" yaml:"context"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `tracevia: ...`.
type configRoot struct {
	Tracevia GlobalConfig `mapstructure:"tracevia"`
}

// Load loads configuration from file.
// The YAML file uses `tracevia:` as root key; env vars use the TRACEVIA_
// prefix (e.g., TRACEVIA_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the configuration used when no file is given.
func Default() (*GlobalConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// The `tracevia.` key prefix maps to `TRACEVIA_` in env vars via the
	// key replacer (key "tracevia.log.level" → env "TRACEVIA_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Tracevia

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "tracevia." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("tracevia.log.level", "info")
	v.SetDefault("tracevia.log.format", "json")
	v.SetDefault("tracevia.log.outputs.file.enabled", false)
	v.SetDefault("tracevia.log.outputs.file.path", "/var/log/tracevia/tracevia.log")
	v.SetDefault("tracevia.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("tracevia.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("tracevia.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("tracevia.log.outputs.file.rotation.compress", true)
	v.SetDefault("tracevia.log.outputs.loki.enabled", false)
	v.SetDefault("tracevia.log.outputs.loki.batch_size", 100)
	v.SetDefault("tracevia.log.outputs.loki.batch_timeout", "5s")

	// Metrics defaults
	v.SetDefault("tracevia.metrics.enabled", true)
	v.SetDefault("tracevia.metrics.listen", ":9091")
	v.SetDefault("tracevia.metrics.path", "/metrics")

	// Source defaults
	v.SetDefault("tracevia.source.type", SourceLive)
	v.SetDefault("tracevia.source.interface", "any")
	v.SetDefault("tracevia.source.snap_len", 65535)
	v.SetDefault("tracevia.source.sip_ports", []uint16{5060, 5061})
	v.SetDefault("tracevia.source.retry.max_attempts", 5)
	v.SetDefault("tracevia.source.retry.backoff", "500ms")

	v.SetDefault("tracevia.parser.workers", 2)
	v.SetDefault("tracevia.parser.sniff", true)

	// Tracker defaults
	v.SetDefault("tracevia.tracker.inactivity_timeout", "15m")
	v.SetDefault("tracevia.tracker.fade_out", "5s")
	v.SetDefault("tracevia.tracker.max_history", 32)
	v.SetDefault("tracevia.tracker.partitions", 4)
	v.SetDefault("tracevia.tracker.sweep_interval", "1s")

	// Emitter defaults
	v.SetDefault("tracevia.emitter.policy", "both")
	v.SetDefault("tracevia.emitter.cadence", "250ms")
	v.SetDefault("tracevia.emitter.palette", "normal")

	v.SetDefault("tracevia.topology.iterations", 30)
	v.SetDefault("tracevia.topology.position_cache", 4096)

	v.SetDefault("tracevia.sinks", []map[string]any{{"type": "console"}})

	v.SetDefault("tracevia.ami.enabled", false)
	v.SetDefault("tracevia.ami.address", "127.0.0.1:5038")
	v.SetDefault("tracevia.ami.reconnect_delay", "5s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every error wraps core.ErrConfigInvalid.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return invalid("log.outputs.loki.endpoint is required when loki output is enabled")
	}

	// ── Source ──
	switch cfg.Source.Type {
	case SourceReplay:
		if cfg.Source.File == "" {
			return invalid("source.file is required for replay")
		}
	case SourceLive:
		if cfg.Source.Interface == "" {
			return invalid("source.interface is required for live capture")
		}
	default:
		return invalid("unsupported source.type: %s (must be replay/live)", cfg.Source.Type)
	}
	if cfg.Source.Speed < 0 {
		return invalid("source.speed must not be negative")
	}
	if cfg.Source.Retry.MaxAttempts < 0 {
		return invalid("source.retry.max_attempts must not be negative")
	}

	if cfg.Parser.Workers <= 0 {
		cfg.Parser.Workers = 1
	}

	// ── Tracker ──
	if cfg.Tracker.InactivityTimeout <= 0 {
		return invalid("tracker.inactivity_timeout must be positive")
	}
	if cfg.Tracker.MaxHistory <= 0 {
		return invalid("tracker.max_history must be positive")
	}
	if cfg.Tracker.FadeOut < 0 {
		cfg.Tracker.FadeOut = 0
	}

	// ── Emitter ──
	switch cfg.Emitter.Policy {
	case "cadence", "on_change", "both":
	default:
		return invalid("invalid emitter.policy: %s (must be cadence/on_change/both)", cfg.Emitter.Policy)
	}
	if cfg.Emitter.Cadence <= 0 {
		return invalid("emitter.cadence must be positive")
	}

	// ── Sinks ──
	for i, s := range cfg.Sinks {
		if s.Type == "" {
			return invalid("sinks[%d].type is required", i)
		}
	}

	// ── AMI ──
	if cfg.AMI.Enabled {
		if cfg.AMI.Address == "" || cfg.AMI.Username == "" {
			return invalid("ami.address and ami.username are required when ami.enabled=true")
		}
		if cfg.AMI.Context == "" {
			cfg.AMI.Context = "default"
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfigInvalid)
}
