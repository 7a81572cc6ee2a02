// Package emitter turns tracker state into render frames and hands them to
// a frame sink. Delivery is latest-wins: a slow sink only ever sees the
// newest frame.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/dialog"
	"firestige.xyz/tracevia/internal/metrics"
	"firestige.xyz/tracevia/internal/topology"
	"firestige.xyz/tracevia/pkg/plugin"
)

// Policy selects what triggers an emission.
type Policy string

const (
	PolicyCadence  Policy = "cadence"
	PolicyOnChange Policy = "on_change"
	PolicyBoth     Policy = "both"
)

const defaultCadence = 250 * time.Millisecond

// Config holds emitter settings.
type Config struct {
	Surface string
	Run     string
	Policy  Policy
	Cadence time.Duration
	Palette string
	Clock   func() time.Time
	// Seq numbers frames. Emitters that share it continue one sequence;
	// nil starts a fresh one.
	Seq *atomic.Uint64
}

// Snapshotter is the read side of the dialog tracker.
type Snapshotter interface {
	Snapshot() []dialog.Snapshot
}

// Emitter builds frames from tracker snapshots.
type Emitter struct {
	cfg     Config
	src     Snapshotter
	builder *topology.Builder
	palette Palette

	// mu orders frame construction so sequence numbers reach the mailbox
	// in increasing order.
	mu      sync.Mutex
	seq     *atomic.Uint64
	latest  atomic.Pointer[core.Frame]
	mailbox chan *core.Frame
	changed chan struct{}

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// New creates an emitter for the surface in cfg.
func New(cfg Config, src Snapshotter, builder *topology.Builder) (*Emitter, error) {
	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyBoth
	case PolicyCadence, PolicyOnChange, PolicyBoth:
	default:
		return nil, fmt.Errorf("unknown emit policy %q: %w", cfg.Policy, core.ErrConfigInvalid)
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = defaultCadence
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	palette, err := LookupPalette(cfg.Palette)
	if err != nil {
		return nil, err
	}
	seq := cfg.Seq
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	return &Emitter{
		cfg:     cfg,
		seq:     seq,
		src:     src,
		builder: builder,
		palette: palette,
		mailbox: make(chan *core.Frame, 1),
		changed: make(chan struct{}, 1),
	}, nil
}

// Notify signals a state change. It never blocks; bursts of transitions
// collapse into one emission.
func (e *Emitter) Notify(dialog.Transition) {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

// Latest returns the most recently built frame, or nil.
func (e *Emitter) Latest() *core.Frame {
	return e.latest.Load()
}

// Stats returns frames built and frames replaced before delivery.
func (e *Emitter) Stats() (emitted, dropped uint64) {
	return e.emitted.Load(), e.dropped.Load()
}

// Emit builds one frame from the current tracker state and posts it for
// delivery, replacing any frame the sink has not picked up yet.
func (e *Emitter) Emit() *core.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.builder.Build(e.src.Snapshot())
	f := e.frame(g, e.seq.Add(1))
	e.latest.Store(f)
	e.emitted.Add(1)
	metrics.FramesEmittedTotal.WithLabelValues(e.cfg.Surface).Inc()

	for {
		select {
		case e.mailbox <- f:
			return f
		default:
		}
		select {
		case <-e.mailbox:
			e.dropped.Add(1)
			metrics.FramesDroppedTotal.WithLabelValues(e.cfg.Surface).Inc()
		default:
		}
	}
}

func (e *Emitter) frame(g topology.Graph, seq uint64) *core.Frame {
	f := &core.Frame{
		Surface: e.cfg.Surface,
		Run:     e.cfg.Run,
		Seq:     seq,
		Emitted: e.cfg.Clock(),
		Nodes:   make([]core.Node, 0, len(g.Nodes)),
		Edges:   make([]core.Edge, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		node := core.Node{
			ID:       string(n.ID),
			Label:    n.Label(),
			Address:  n.Addr.String(),
			Position: n.Position,
			Color:    e.palette.Node,
		}
		if n.Presence != nil {
			node.Presence = n.Presence.Text
			node.Color = e.palette.Presence(n.Presence.Status)
		}
		f.Nodes = append(f.Nodes, node)
	}
	for _, ed := range g.Edges {
		f.Edges = append(f.Edges, core.Edge{
			ID:     ed.ID,
			CallID: ed.CallID,
			From:   string(ed.From),
			To:     string(ed.To),
			Label:  ed.Label(),
			Status: ed.State.String(),
			Color:  e.palette.StateColor(ed.State),
			Fade:   ed.Fade,
		})
	}
	return f
}

// Run emits according to the policy and delivers frames to sink until ctx
// is cancelled. Sink errors are logged and counted; they do not stop Run.
func (e *Emitter) Run(ctx context.Context, sink plugin.Reporter) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.trigger(ctx)
		return nil
	})
	g.Go(func() error {
		e.deliver(ctx, sink)
		return nil
	})

	err := g.Wait()
	if ferr := sink.Flush(context.WithoutCancel(ctx)); ferr != nil {
		slog.Warn("flush frame sink failed", "surface", e.cfg.Surface, "error", ferr)
	}
	return err
}

func (e *Emitter) trigger(ctx context.Context) {
	var tick <-chan time.Time
	if e.cfg.Policy != PolicyOnChange {
		ticker := time.NewTicker(e.cfg.Cadence)
		defer ticker.Stop()
		tick = ticker.C
	}
	var changed <-chan struct{}
	if e.cfg.Policy != PolicyCadence {
		changed = e.changed
	}

	// The first frame goes out immediately so a sink never starts blank.
	e.Emit()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			e.Emit()
		case <-changed:
			e.Emit()
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, sink plugin.Reporter) {
	for {
		select {
		case <-ctx.Done():
			// A frame posted just before shutdown still reaches the sink.
			select {
			case f := <-e.mailbox:
				if err := sink.Report(context.WithoutCancel(ctx), f); err != nil {
					slog.Warn("frame sink report failed", "surface", e.cfg.Surface, "sink", sink.Name(), "seq", f.Seq, "error", err)
				}
			default:
			}
			return
		case f := <-e.mailbox:
			if err := sink.Report(ctx, f); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.ReporterErrorsTotal.WithLabelValues(sink.Name()).Inc()
				slog.Warn("frame sink report failed",
					"surface", e.cfg.Surface,
					"sink", sink.Name(),
					"seq", f.Seq,
					"error", err)
			}
		}
	}
}
