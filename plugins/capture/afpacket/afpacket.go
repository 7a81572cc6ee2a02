//go:build linux

// Package afpacket implements AF_PACKET_V3 live capture.
package afpacket

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
	"firestige.xyz/tracevia/plugins/capture"
)

// AFPacketCapturer implements the Capturer interface using AF_PACKET_V3.
type AFPacketCapturer struct {
	name   string
	config Config

	// Runtime state
	handle *afpacket.TPacket
	cancel context.CancelFunc

	// Statistics (atomic counters)
	packetsReceived  atomic.Uint64
	packetsDropped   atomic.Uint64
	packetsIfDropped atomic.Uint64
}

// NewAFPacketCapturer creates a new AF_PACKET capturer instance.
func NewAFPacketCapturer() plugin.Capturer {
	return &AFPacketCapturer{
		name: pluginName,
	}
}

// Name returns the plugin name.
func (c *AFPacketCapturer) Name() string {
	return c.name
}

// Init initializes the capturer with configuration.
func (c *AFPacketCapturer) Init(cfg map[string]any) error {
	config, err := parseConfig(cfg)
	if err != nil {
		return err
	}
	c.config = config

	slog.Debug("afpacket initialized",
		"interface", c.config.Interface,
		"bpf_filter", c.config.BPFFilter,
		"snap_len", c.config.SnapLen,
		"fanout_id", c.config.FanoutID,
		"fanout_type", c.config.FanoutType)
	return nil
}

// Start starts the capturer (no-op for afpacket, actual work in Capture).
func (c *AFPacketCapturer) Start(ctx context.Context) error {
	return nil
}

// Stop stops the capturer by cancelling the running Capture.
//
// handle.Close() is not called here. The TPacket handle is owned by
// Capture, which closes it once the read loop observes cancellation;
// closing it here would race with ZeroCopyReadPacketData against the
// TPACKET_V3 mmap ring.
func (c *AFPacketCapturer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// LinkType is always Ethernet for AF_PACKET sockets bound to an interface.
func (c *AFPacketCapturer) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

// Capture captures packets from the network interface.
// This is a blocking call that runs until ctx is cancelled or an error occurs.
func (c *AFPacketCapturer) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	ctx, c.cancel = context.WithCancel(ctx)

	opts := []interface{}{
		afpacket.OptInterface(c.config.Interface),
		afpacket.OptFrameSize(c.config.SnapLen),
		afpacket.OptBlockSize(c.config.BlockSize),
		afpacket.OptNumBlocks(c.config.NumBlocks),
		afpacket.OptPollTimeout(100 * time.Millisecond),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	}

	handle, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return fmt.Errorf("afpacket: open %s: %w: %v", c.config.Interface, core.ErrTransientIO, err)
	}
	c.handle = handle
	defer func() {
		c.handle.Close()
		c.handle = nil
	}()

	if c.config.FanoutType != "" {
		fanoutType, err := parseFanoutType(c.config.FanoutType)
		if err != nil {
			return fmt.Errorf("invalid fanout_type: %w", err)
		}
		if err := c.handle.SetFanout(fanoutType, uint16(c.config.FanoutID)); err != nil {
			return fmt.Errorf("failed to set fanout: %w", err)
		}
		slog.Info("afpacket fanout configured",
			"interface", c.config.Interface,
			"fanout_id", c.config.FanoutID,
			"fanout_type", c.config.FanoutType)
	}

	if c.config.BPFFilter != "" {
		insns, err := capture.CompileBPF(layers.LinkTypeEthernet, c.config.SnapLen, c.config.BPFFilter)
		if err != nil {
			return err
		}
		if err := c.handle.SetBPF(insns); err != nil {
			return fmt.Errorf("failed to set BPF: %w", err)
		}
		slog.Debug("BPF filter applied", "filter", c.config.BPFFilter)
	}

	if err := c.handle.InitSocketStats(); err != nil {
		slog.Warn("failed to init socket stats", "error", err)
	}

	slog.Info("afpacket capture started", "interface", c.config.Interface)

	// Direct read loop: gopacket.PacketSource would spawn a goroutine that
	// keeps touching the mmap ring after Close.
	for {
		select {
		case <-ctx.Done():
			slog.Info("afpacket capture stopped", "interface", c.config.Interface)
			return nil
		default:
		}

		data, ci, err := c.handle.ZeroCopyReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("afpacket capture stopped", "interface", c.config.Interface)
				return nil
			}
			// poll timeout, EINTR
			continue
		}

		c.packetsReceived.Add(1)
		if socketStats, _, statsErr := c.handle.SocketStats(); statsErr == nil {
			c.packetsIfDropped.Store(uint64(socketStats.Drops()))
		}

		// data is only valid until the next read; receivers own their copy
		raw := core.RawPacket{
			Data:           bytes.Clone(data),
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}

		// Non-blocking send: prefer drop over stalling the ring.
		select {
		case output <- raw:
		case <-ctx.Done():
			slog.Info("afpacket capture stopped", "interface", c.config.Interface)
			return nil
		default:
			c.packetsDropped.Add(1)
			slog.Debug("output channel full, dropping packet",
				"interface", c.config.Interface)
		}
	}
}

// Stats returns capture statistics.
func (c *AFPacketCapturer) Stats() plugin.CaptureStats {
	return plugin.CaptureStats{
		PacketsReceived:  c.packetsReceived.Load(),
		PacketsDropped:   c.packetsDropped.Load(),
		PacketsIfDropped: c.packetsIfDropped.Load(),
	}
}

// parseFanoutType converts fanout type string to afpacket constant.
// gopacket/afpacket v1.1.19 only exports FanoutHash.
func parseFanoutType(ft string) (afpacket.FanoutType, error) {
	switch ft {
	case "hash":
		return afpacket.FanoutHash, nil
	default:
		return 0, fmt.Errorf("unknown fanout type: %q (only 'hash' is supported)", ft)
	}
}
