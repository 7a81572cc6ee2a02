// Package sip implements the SIP parser plugin.
// It selects SIP traffic by port or message prefix and decodes each
// transport frame into a sip.Packet stamped with its transport metadata.
package sip

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/time/rate"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/metrics"
	sipmsg "firestige.xyz/tracevia/internal/sip"
	"firestige.xyz/tracevia/pkg/plugin"
)

var defaultPorts = []uint16{5060, 5061}

// Config represents SIP parser configuration.
type Config struct {
	Ports []uint16 `mapstructure:"ports"`
	// Sniff accepts frames on any port when they start like a SIP message.
	Sniff bool `mapstructure:"sniff"`
	// LogRate limits parse-error log lines per second.
	LogRate  float64 `mapstructure:"log_rate"`
	LogBurst int     `mapstructure:"log_burst"`
}

// SIPParser parses SIP signaling messages.
type SIPParser struct {
	name    string
	config  Config
	limiter *rate.Limiter

	parsed atomic.Uint64
	failed atomic.Uint64
}

// NewSIPParser creates a new SIP parser.
func NewSIPParser() plugin.Parser {
	p := &SIPParser{name: "sip"}
	_ = p.Init(nil)
	return p
}

// Name returns the plugin name.
func (p *SIPParser) Name() string {
	return p.name
}

// Init initializes the parser with configuration.
func (p *SIPParser) Init(config map[string]any) error {
	cfg := Config{
		Ports:    slices.Clone(defaultPorts),
		Sniff:    true,
		LogRate:  1,
		LogBurst: 5,
	}
	if err := plugin.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	p.config = cfg
	p.limiter = rate.NewLimiter(rate.Limit(cfg.LogRate), cfg.LogBurst)
	return nil
}

// Start starts the parser.
func (p *SIPParser) Start(ctx context.Context) error {
	return nil
}

// Stop stops the parser.
func (p *SIPParser) Stop(ctx context.Context) error {
	slog.Info("sip parser stopped",
		"parsed", p.parsed.Load(),
		"failed", p.failed.Load(),
	)
	return nil
}

// Ports returns the configured SIP ports.
func (p *SIPParser) Ports() []uint16 {
	return slices.Clone(p.config.Ports)
}

// CanHandle checks if this frame is likely SIP.
// Fast check: configured port or SIP magic bytes.
func (p *SIPParser) CanHandle(frame *core.RawFrame) bool {
	if slices.Contains(p.config.Ports, frame.Meta.Src.Port()) ||
		slices.Contains(p.config.Ports, frame.Meta.Dst.Port()) {
		return true
	}
	if !p.config.Sniff {
		return false
	}
	return looksLikeSIP(frame.Payload)
}

var sipPrefixes = [][]byte{
	[]byte("SIP/2.0 "),
	[]byte("INVITE "),
	[]byte("ACK "),
	[]byte("BYE "),
	[]byte("CANCEL "),
	[]byte("OPTIONS "),
	[]byte("REGISTER "),
	[]byte("PRACK "),
	[]byte("SUBSCRIBE "),
	[]byte("NOTIFY "),
	[]byte("PUBLISH "),
	[]byte("INFO "),
	[]byte("REFER "),
	[]byte("MESSAGE "),
	[]byte("UPDATE "),
}

func looksLikeSIP(b []byte) bool {
	for _, prefix := range sipPrefixes {
		if bytes.HasPrefix(b, prefix) {
			return true
		}
	}
	return false
}

// Handle parses one frame. Parse failures are counted, logged at a bounded
// rate and returned; they never affect other frames.
func (p *SIPParser) Handle(frame *core.RawFrame) (*sipmsg.Packet, error) {
	msg, err := sipmsg.Parse(frame.Payload)
	if err != nil {
		p.failed.Add(1)
		field := "unknown"
		var pe *sipmsg.ParseError
		if errors.As(err, &pe) {
			field = pe.Field
		}
		metrics.ParseErrorsTotal.WithLabelValues(field).Inc()
		if p.limiter.Allow() {
			slog.Warn("dropping malformed sip frame",
				"src", frame.Meta.Src,
				"dst", frame.Meta.Dst,
				"error", err,
			)
		}
		return nil, err
	}
	p.parsed.Add(1)
	return &sipmsg.Packet{
		Msg:       msg,
		Meta:      frame.Meta,
		Timestamp: frame.Timestamp,
	}, nil
}
