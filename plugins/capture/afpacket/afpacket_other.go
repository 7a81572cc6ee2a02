//go:build !linux

package afpacket

import (
	"context"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
)

// AFPacketCapturer is unavailable outside Linux; Init always fails.
type AFPacketCapturer struct{}

// NewAFPacketCapturer creates a capturer that reports it is unsupported.
func NewAFPacketCapturer() plugin.Capturer {
	return &AFPacketCapturer{}
}

func (c *AFPacketCapturer) Name() string { return pluginName }

func (c *AFPacketCapturer) Init(cfg map[string]any) error {
	if _, err := parseConfig(cfg); err != nil {
		return err
	}
	return fmt.Errorf("afpacket: live capture requires linux: %w", core.ErrPluginInitFailed)
}

func (c *AFPacketCapturer) Start(ctx context.Context) error { return nil }
func (c *AFPacketCapturer) Stop(ctx context.Context) error  { return nil }

func (c *AFPacketCapturer) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	return fmt.Errorf("afpacket: live capture requires linux: %w", core.ErrTransientIO)
}

func (c *AFPacketCapturer) Stats() plugin.CaptureStats { return plugin.CaptureStats{} }

func (c *AFPacketCapturer) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
