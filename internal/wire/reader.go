// Package wire implements the wire reader: it drives a capture source,
// decodes link-layer packets and delivers transport frames in source order.
package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/core/decoder"
	"firestige.xyz/tracevia/internal/metrics"
	"firestige.xyz/tracevia/pkg/plugin"
)

// Config contains reader configuration.
type Config struct {
	Decoder    decoder.Config
	BufferSize int           // raw packet channel buffer size
	FlushEvery time.Duration // how often reassembly state is aged out
}

// Reader turns a Capturer into an ordered stream of RawFrames. Decoder state
// survives Run restarts; the capturer is expected to resume where it
// stopped.
type Reader struct {
	capturer plugin.Capturer
	cfg      Config
	decoder  *decoder.Decoder

	packets atomic.Uint64
	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewReader creates a reader over a started capturer.
func NewReader(c plugin.Capturer, cfg Config) *Reader {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	return &Reader{capturer: c, cfg: cfg}
}

// Run delivers frames to out until ctx is cancelled (nil), the source is
// exhausted (core.ErrSourceExhausted) or the capture fails
// (core.ErrTransientIO). Sends to out block; frames are never dropped or
// reordered here.
func (r *Reader) Run(ctx context.Context, out chan<- core.RawFrame) error {
	if r.decoder == nil {
		d, err := decoder.New(r.capturer.LinkType(), r.cfg.Decoder)
		if err != nil {
			return err
		}
		r.decoder = d
	}

	packets := make(chan core.RawPacket, r.cfg.BufferSize)
	g, gctx := errgroup.WithContext(ctx)

	var captureErr error
	g.Go(func() error {
		defer close(packets)
		captureErr = r.capturer.Capture(gctx, packets)
		return nil
	})
	g.Go(func() error {
		return r.decodeLoop(gctx, packets, out)
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	switch {
	case captureErr == nil:
		return nil
	case errors.Is(captureErr, core.ErrSourceExhausted):
		for _, f := range r.decoder.FlushAll() {
			if !r.send(ctx, out, f) {
				return nil
			}
		}
		r.logStats()
		return core.ErrSourceExhausted
	case errors.Is(captureErr, core.ErrTransientIO):
		return captureErr
	default:
		return fmt.Errorf("%w: %v", core.ErrTransientIO, captureErr)
	}
}

func (r *Reader) decodeLoop(ctx context.Context, packets <-chan core.RawPacket, out chan<- core.RawFrame) error {
	source := r.capturer.Name()
	ticker := time.NewTicker(r.cfg.FlushEvery)
	defer ticker.Stop()

	var lastTS time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			// packet time, not wall time, so replays age state correctly
			if lastTS.IsZero() {
				continue
			}
			for _, f := range r.decoder.Flush(lastTS) {
				if !r.send(ctx, out, f) {
					return ctx.Err()
				}
			}

		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			r.packets.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues(source).Inc()
			if pkt.Timestamp.After(lastTS) {
				lastTS = pkt.Timestamp
			}

			frames, err := r.decoder.Decode(pkt)
			if err != nil {
				r.dropped.Add(1)
				metrics.CaptureDropsTotal.WithLabelValues(source, "decode").Inc()
				slog.Debug("packet decode failed", "source", source, "error", err)
				continue
			}
			for _, f := range frames {
				if !r.send(ctx, out, f) {
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Reader) send(ctx context.Context, out chan<- core.RawFrame, f core.RawFrame) bool {
	select {
	case out <- f:
		r.frames.Add(1)
		metrics.FramesReadTotal.WithLabelValues(f.Meta.Transport.String()).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Reader) logStats() {
	s := r.Stats()
	slog.Info("wire reader finished",
		"source", r.capturer.Name(),
		"packets", s.Packets,
		"frames", s.Frames,
		"dropped", s.Dropped)
}

// Stats returns reader statistics.
func (r *Reader) Stats() Stats {
	s := Stats{
		Packets: r.packets.Load(),
		Frames:  r.frames.Load(),
		Dropped: r.dropped.Load(),
	}
	if r.decoder != nil {
		s.StreamDrops = r.decoder.StreamDrops()
	}
	return s
}

// Stats represents reader statistics.
type Stats struct {
	Packets     uint64
	Frames      uint64
	Dropped     uint64
	StreamDrops uint64
}
