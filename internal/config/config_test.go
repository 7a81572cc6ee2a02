package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firestige.xyz/tracevia/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
tracevia:
  log:
    level: "debug"
    format: "text"
  metrics:
    listen: "127.0.0.1:9100"
  http:
    allowed_origins: ["https://wall.example.com"]
  source:
    type: replay
    file: /tmp/calls.pcap
    speed: 2
    sip_ports: [5060, 5080]
    retry:
      max_attempts: 3
      backoff: 1s
  parser:
    workers: 4
  tracker:
    inactivity_timeout: 30s
    fade_out: 2s
    max_history: 16
  emitter:
    policy: on_change
    cadence: 100ms
    palette: high_contrast
  sinks:
    - type: console
      options:
        format: text
    - type: websocket
  ami:
    enabled: true
    address: "pbx:5038"
    username: monitor
    secret: s3cret
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9100" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if len(cfg.HTTP.AllowedOrigins) != 1 {
		t.Errorf("allowed_origins = %v", cfg.HTTP.AllowedOrigins)
	}
	if cfg.Source.Type != SourceReplay || cfg.Source.File != "/tmp/calls.pcap" || cfg.Source.Speed != 2 {
		t.Errorf("source = %+v", cfg.Source)
	}
	if len(cfg.Source.SIPPorts) != 2 || cfg.Source.SIPPorts[1] != 5080 {
		t.Errorf("sip_ports = %v", cfg.Source.SIPPorts)
	}
	if cfg.Source.Retry.MaxAttempts != 3 || cfg.Source.Retry.Backoff != time.Second {
		t.Errorf("retry = %+v", cfg.Source.Retry)
	}
	if cfg.Parser.Workers != 4 {
		t.Errorf("workers = %d", cfg.Parser.Workers)
	}
	if cfg.Tracker.InactivityTimeout != 30*time.Second || cfg.Tracker.FadeOut != 2*time.Second || cfg.Tracker.MaxHistory != 16 {
		t.Errorf("tracker = %+v", cfg.Tracker)
	}
	if cfg.Tracker.Partitions != 4 {
		t.Errorf("partitions default = %d", cfg.Tracker.Partitions)
	}
	if cfg.Emitter.Policy != "on_change" || cfg.Emitter.Cadence != 100*time.Millisecond || cfg.Emitter.Palette != "high_contrast" {
		t.Errorf("emitter = %+v", cfg.Emitter)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[0].Type != "console" || cfg.Sinks[0].Options["format"] != "text" {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
	if !cfg.AMI.Enabled || cfg.AMI.Secret != "s3cret" || cfg.AMI.Context != "default" {
		t.Errorf("ami = %+v", cfg.AMI)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "log level",
			content: "tracevia:\n  log:\n    level: verbose\n",
			wantMsg: "invalid log level",
		},
		{
			name:    "log format",
			content: "tracevia:\n  log:\n    format: xml\n",
			wantMsg: "invalid log format",
		},
		{
			name:    "replay without file",
			content: "tracevia:\n  source:\n    type: replay\n",
			wantMsg: "source.file",
		},
		{
			name:    "unknown source",
			content: "tracevia:\n  source:\n    type: tap\n",
			wantMsg: "unsupported source.type",
		},
		{
			name:    "policy",
			content: "tracevia:\n  emitter:\n    policy: sometimes\n",
			wantMsg: "emitter.policy",
		},
		{
			name:    "zero inactivity",
			content: "tracevia:\n  tracker:\n    inactivity_timeout: 0s\n",
			wantMsg: "inactivity_timeout",
		},
		{
			name:    "sink without type",
			content: "tracevia:\n  sinks:\n    - options: {format: json}\n",
			wantMsg: "sinks[0].type",
		},
		{
			name:    "ami without user",
			content: "tracevia:\n  ami:\n    enabled: true\n",
			wantMsg: "ami.username",
		},
		{
			name:    "loki without endpoint",
			content: "tracevia:\n  log:\n    outputs:\n      loki:\n        enabled: true\n",
			wantMsg: "loki.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("error %v does not wrap ErrConfigInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, "tracevia:\n  log:\n    level: info\n")

	t.Setenv("TRACEVIA_LOG_LEVEL", "debug")
	t.Setenv("TRACEVIA_TRACKER_INACTIVITY_TIMEOUT", "45s")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Log.Level)
	}
	if cfg.Tracker.InactivityTimeout != 45*time.Second {
		t.Errorf("Expected inactivity timeout 45s from env var, got %v", cfg.Tracker.InactivityTimeout)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != ":9091" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if cfg.Source.Type != SourceLive || cfg.Source.Interface != "any" || cfg.Source.SnapLen != 65535 {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Tracker.InactivityTimeout != 15*time.Minute || cfg.Tracker.MaxHistory != 32 {
		t.Errorf("tracker = %+v", cfg.Tracker)
	}
	if cfg.Emitter.Policy != "both" || cfg.Emitter.Cadence != 250*time.Millisecond {
		t.Errorf("emitter = %+v", cfg.Emitter)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "console" {
		t.Errorf("sinks = %+v", cfg.Sinks)
	}
	if cfg.AMI.Enabled {
		t.Error("AMI should be disabled by default")
	}
}
