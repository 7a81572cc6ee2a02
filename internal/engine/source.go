package engine

import (
	"fmt"

	"firestige.xyz/tracevia/internal/config"
	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
	"firestige.xyz/tracevia/plugins/capture"
)

// Plugin names the source config maps to.
const (
	replayCapturer = "pcapfile"
	liveCapturer   = "afpacket"
	sipParser      = "sip"
)

// newCapturer resolves and initializes the capturer for src.
func newCapturer(src config.SourceConfig) (plugin.Capturer, error) {
	var (
		name string
		opts map[string]any
	)
	switch src.Type {
	case config.SourceReplay:
		name = replayCapturer
		opts = map[string]any{
			"file":       src.File,
			"bpf_filter": src.BPFFilter,
			"speed":      src.Speed,
		}
	case config.SourceLive:
		name = liveCapturer
		filter := src.BPFFilter
		if filter == "" {
			filter = capture.SIPPortFilter(src.SIPPorts)
		}
		opts = map[string]any{
			"interface":  src.Interface,
			"bpf_filter": filter,
		}
		if src.SnapLen > 0 {
			opts["snap_len"] = src.SnapLen
		}
	default:
		return nil, fmt.Errorf("source type %q: %w", src.Type, core.ErrConfigInvalid)
	}

	factory, err := plugin.GetCapturerFactory(name)
	if err != nil {
		return nil, fmt.Errorf("capturer %q: %w", name, err)
	}
	c := factory()
	if err := c.Init(opts); err != nil {
		return nil, fmt.Errorf("capturer %q init: %w", name, err)
	}
	return c, nil
}

func newParser(src config.SourceConfig, pc config.ParserConfig) (plugin.Parser, error) {
	factory, err := plugin.GetParserFactory(sipParser)
	if err != nil {
		return nil, fmt.Errorf("parser %q: %w", sipParser, err)
	}
	p := factory()
	opts := map[string]any{"sniff": pc.Sniff}
	if len(src.SIPPorts) > 0 {
		ports := make([]any, len(src.SIPPorts))
		for i, port := range src.SIPPorts {
			ports[i] = port
		}
		opts["ports"] = ports
	}
	if err := p.Init(opts); err != nil {
		return nil, fmt.Errorf("parser %q init: %w", sipParser, err)
	}
	return p, nil
}
