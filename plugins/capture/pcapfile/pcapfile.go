// Package pcapfile implements a capture plugin that replays a pcap or
// pcapng trace file.
package pcapfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
	"firestige.xyz/tracevia/plugins/capture"
)

const pluginName = "pcapfile"

// Config represents pcapfile-specific configuration.
type Config struct {
	File      string `mapstructure:"file"`       // required
	BPFFilter string `mapstructure:"bpf_filter"` // optional
	// Speed paces replay relative to capture timestamps: 0 replays as fast
	// as possible, 1 in real time, 2 twice as fast.
	Speed float64 `mapstructure:"speed"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Capturer replays packets from a trace file. The read position survives
// Capture restarts, so a restarted capture never delivers a packet twice.
type Capturer struct {
	name   string
	config Config

	file   *os.File
	reader packetReader
	filter *bpf.VM

	// replay clock: first packet timestamp and the wall time it was sent
	firstTS   time.Time
	firstWall time.Time
	exhausted bool

	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
}

// NewCapturer creates a new pcap file capturer instance.
func NewCapturer() plugin.Capturer {
	return &Capturer{name: pluginName}
}

// Name returns the plugin name.
func (c *Capturer) Name() string {
	return c.name
}

// Init initializes the capturer with configuration.
func (c *Capturer) Init(cfg map[string]any) error {
	c.config = Config{}
	if err := plugin.DecodeConfig(cfg, &c.config); err != nil {
		return err
	}
	if c.config.File == "" {
		return fmt.Errorf("pcapfile: file is required: %w", core.ErrPluginInitFailed)
	}
	if c.config.Speed < 0 {
		return fmt.Errorf("pcapfile: speed must not be negative: %w", core.ErrPluginInitFailed)
	}
	return nil
}

// Start opens the trace file and reads its header.
func (c *Capturer) Start(ctx context.Context) error {
	f, err := os.Open(c.config.File)
	if err != nil {
		return fmt.Errorf("pcapfile: open %s: %w", c.config.File, err)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return fmt.Errorf("pcapfile: read header of %s: %w", c.config.File, err)
	}

	var r packetReader
	if string(magic) == "\x0a\x0d\x0d\x0a" {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("pcapfile: %s: %w", c.config.File, err)
	}

	if c.config.BPFFilter != "" {
		vm, err := capture.NewFilterVM(r.LinkType(), 65535, c.config.BPFFilter)
		if err != nil {
			f.Close()
			return fmt.Errorf("pcapfile: %w", err)
		}
		c.filter = vm
	}

	c.file = f
	c.reader = r
	c.exhausted = false
	slog.Info("pcapfile replay opened",
		"file", c.config.File,
		"link_type", r.LinkType(),
		"bpf_filter", c.config.BPFFilter,
		"speed", c.config.Speed)
	return nil
}

// Stop closes the trace file.
func (c *Capturer) Stop(ctx context.Context) error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.reader = nil
	return err
}

// LinkType reports the link type declared by the trace file.
func (c *Capturer) LinkType() layers.LinkType {
	if c.reader == nil {
		return layers.LinkTypeEthernet
	}
	return c.reader.LinkType()
}

// Capture replays packets until the file ends or ctx is cancelled. Sends
// block: a replay never drops packets.
func (c *Capturer) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	if c.reader == nil {
		return fmt.Errorf("pcapfile: capture before start: %w", core.ErrTransientIO)
	}
	if c.exhausted {
		return core.ErrSourceExhausted
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		data, ci, err := c.reader.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			c.exhausted = true
			slog.Info("pcapfile replay finished",
				"file", c.config.File,
				"packets", c.packetsReceived.Load(),
				"filtered", c.packetsDropped.Load())
			return core.ErrSourceExhausted
		}
		if err != nil {
			return fmt.Errorf("pcapfile: read %s: %w: %v", c.config.File, core.ErrTransientIO, err)
		}
		c.packetsReceived.Add(1)

		if c.filter != nil {
			if n, err := c.filter.Run(data); err != nil || n == 0 {
				c.packetsDropped.Add(1)
				continue
			}
		}

		if err := c.pace(ctx, ci.Timestamp); err != nil {
			return nil
		}

		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
		}
		select {
		case output <- raw:
		case <-ctx.Done():
			return nil
		}
	}
}

// pace sleeps until ts is due on the replay clock.
func (c *Capturer) pace(ctx context.Context, ts time.Time) error {
	if c.config.Speed == 0 {
		return nil
	}
	now := time.Now()
	if c.firstWall.IsZero() {
		c.firstTS, c.firstWall = ts, now
		return nil
	}
	due := c.firstWall.Add(time.Duration(float64(ts.Sub(c.firstTS)) / c.config.Speed))
	wait := due.Sub(now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns capture statistics. Dropped counts packets rejected by the
// filter.
func (c *Capturer) Stats() plugin.CaptureStats {
	return plugin.CaptureStats{
		PacketsReceived: c.packetsReceived.Load(),
		PacketsDropped:  c.packetsDropped.Load(),
	}
}
