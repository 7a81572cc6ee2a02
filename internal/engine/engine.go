// Package engine assembles the monitor pipeline and owns its lifecycle:
// construction yields an inert handle, Start binds a surface and a sink and
// begins pumping, Stop cancels every stage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/tracevia/internal/ami"
	"firestige.xyz/tracevia/internal/config"
	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/dialog"
	"firestige.xyz/tracevia/internal/emitter"
	"firestige.xyz/tracevia/internal/metrics"
	"firestige.xyz/tracevia/internal/topology"
	"firestige.xyz/tracevia/internal/wire"
	"firestige.xyz/tracevia/pkg/plugin"
)

// State represents the engine lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	frameBuffer  = 1024
	laneBuffer   = 256
	drainTimeout = 5 * time.Second
)

// Option customizes an engine.
type Option func(*Engine)

// WithCapturer replaces the capturer the source config would select.
func WithCapturer(c plugin.Capturer) Option {
	return func(e *Engine) { e.capturer = c }
}

// WithClock sets the time source for the tracker and the emitter.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// Engine is the running monitor. All methods are safe for concurrent use.
type Engine struct {
	cfg   *config.GlobalConfig
	clock func() time.Time

	capturer plugin.Capturer
	parser   plugin.Parser
	reader   *wire.Reader
	retry    wire.RetryPolicy
	tracker  *dialog.Tracker
	registry *topology.Registry
	builder  *topology.Builder
	ami      *ami.Client

	current atomic.Pointer[emitter.Emitter]
	// seq carries frame numbering across restarts.
	seq atomic.Uint64

	mu        sync.Mutex
	state     State
	run       string
	surface   string
	sink      plugin.Reporter
	server    *metrics.Server
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
}

// New resolves and initializes every stage from cfg. Nothing runs until
// Start.
func New(cfg *config.GlobalConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config: %w", core.ErrConfigInvalid)
	}
	e := &Engine{cfg: cfg, state: StateCreated, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	if e.capturer == nil {
		c, err := newCapturer(cfg.Source)
		if err != nil {
			return nil, err
		}
		e.capturer = c
	}
	p, err := newParser(cfg.Source, cfg.Parser)
	if err != nil {
		return nil, err
	}
	e.parser = p

	e.reader = wire.NewReader(e.capturer, wire.Config{})
	e.retry = wire.RetryPolicy{
		MaxAttempts: cfg.Source.Retry.MaxAttempts,
		Backoff:     cfg.Source.Retry.Backoff,
	}

	e.tracker = dialog.New(dialog.Config{
		InactivityTimeout: cfg.Tracker.InactivityTimeout,
		FadeOut:           cfg.Tracker.FadeOut,
		MaxHistory:        cfg.Tracker.MaxHistory,
		Partitions:        cfg.Tracker.Partitions,
		SweepInterval:     cfg.Tracker.SweepInterval,
		Clock:             e.clock,
	})
	e.tracker.OnTransition(func(tr dialog.Transition) {
		if em := e.current.Load(); em != nil {
			em.Notify(tr)
		}
	})

	e.registry = topology.NewRegistry()
	e.builder, err = topology.NewBuilder(e.registry, topology.Config{
		Iterations:    cfg.Topology.Iterations,
		PositionCache: cfg.Topology.PositionCache,
	})
	if err != nil {
		return nil, err
	}

	// Palette and policy errors surface here rather than at Start.
	if _, err := emitter.LookupPalette(cfg.Emitter.Palette); err != nil {
		return nil, err
	}

	if cfg.AMI.Enabled {
		e.ami = ami.NewClient(ami.Config{
			Address:        cfg.AMI.Address,
			Username:       cfg.AMI.Username,
			Secret:         cfg.AMI.Secret,
			Context:        cfg.AMI.Context,
			ReconnectDelay: cfg.AMI.ReconnectDelay,
		}, e.registry)
	}

	slog.Debug("engine created",
		"source", cfg.Source.Type,
		"capturer", e.capturer.Name(),
		"parser_workers", cfg.Parser.Workers,
		"partitions", cfg.Tracker.Partitions)
	return e, nil
}

// Start binds frames to surface, delivers them to sink and starts the
// pipeline. It returns once every stage is running; the pipeline keeps
// going until ctx is cancelled, Stop is called or the source ends.
// An engine that stopped may be started again; dialog state is kept.
func (e *Engine) Start(ctx context.Context, surface string, sink plugin.Reporter) error {
	if surface == "" {
		return fmt.Errorf("empty surface id: %w", core.ErrConfigInvalid)
	}
	if sink == nil {
		return fmt.Errorf("nil sink: %w", core.ErrConfigInvalid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return core.ErrEngineStarted
	case StateStopping:
		return core.ErrEngineStopped
	}

	run := uuid.NewString()
	em, err := emitter.New(emitter.Config{
		Surface: surface,
		Run:     run,
		Policy:  emitter.Policy(e.cfg.Emitter.Policy),
		Cadence: e.cfg.Emitter.Cadence,
		Palette: e.cfg.Emitter.Palette,
		Clock:   e.clock,
		Seq:     &e.seq,
	}, e.tracker, e.builder)
	if err != nil {
		return err
	}

	if err := sink.Start(ctx); err != nil {
		return e.fail(fmt.Errorf("sink %s start: %w", sink.Name(), err))
	}
	if err := e.parser.Start(ctx); err != nil {
		_ = sink.Stop(ctx)
		return e.fail(fmt.Errorf("parser start: %w", err))
	}
	if err := e.capturer.Start(ctx); err != nil {
		_ = e.parser.Stop(ctx)
		_ = sink.Stop(ctx)
		return e.fail(fmt.Errorf("capturer %s start: %w", e.capturer.Name(), err))
	}

	var server *metrics.Server
	if e.cfg.Metrics.Enabled {
		server = e.newServer(sink)
		if err := server.Start(ctx); err != nil {
			_ = e.capturer.Stop(ctx)
			_ = e.parser.Stop(ctx)
			_ = sink.Stop(ctx)
			return e.fail(err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	e.current.Store(em)
	e.run = run
	e.surface = surface
	e.sink = sink
	e.server = server
	e.cancel = cancel
	e.done = make(chan struct{})
	e.err = nil
	e.startedAt = e.clock()
	e.setState(StateRunning)

	go func() {
		defer stop()
		e.finish(e.pump(runCtx, em, sink))
	}()

	slog.Info("engine started",
		"surface", surface,
		"run", run,
		"sink", sink.Name(),
		"capturer", e.capturer.Name())
	return nil
}

// Stop cancels the pipeline and waits for it to wind down or for ctx to
// end. The pipeline's own outcome is reported by Wait.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.done == nil {
		e.mu.Unlock()
		return core.ErrEngineNotStarted
	}
	if e.state == StateRunning {
		e.setState(StateStopping)
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the pipeline ends. It returns nil after Stop or
// cancellation, and core.ErrSourceExhausted when a finite source ran out.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return core.ErrEngineNotStarted
	}
	<-done

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Latest returns the newest frame, or nil before the first emission.
func (e *Engine) Latest() *core.Frame {
	if em := e.current.Load(); em != nil {
		return em.Latest()
	}
	return nil
}

// Dialogs returns a snapshot of every dialog the tracker holds.
func (e *Engine) Dialogs() []dialog.Snapshot {
	return e.tracker.Snapshot()
}

// Endpoints returns every endpoint seen so far.
func (e *Engine) Endpoints() []topology.Endpoint {
	return e.registry.Endpoints()
}

// Status is a point-in-time view of the engine.
type Status struct {
	State     State     `json:"state"`
	Run       string    `json:"run,omitempty"`
	Surface   string    `json:"surface,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Frames    uint64    `json:"frames_read"`
	Emitted   uint64    `json:"frames_emitted"`
	Dropped   uint64    `json:"frames_dropped"`
	Error     string    `json:"error,omitempty"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		State:     e.state,
		Run:       e.run,
		Surface:   e.surface,
		StartedAt: e.startedAt,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	e.mu.Unlock()

	s.Frames = e.reader.Stats().Frames
	if em := e.current.Load(); em != nil {
		s.Emitted, s.Dropped = em.Stats()
	}
	return s
}

func (e *Engine) newServer(sink plugin.Reporter) *metrics.Server {
	s := metrics.NewServer(e.cfg.Metrics.Listen, e.cfg.Metrics.Path, e.cfg.HTTP.AllowedOrigins)
	if h := streamHandler(sink); h != nil {
		s.Handle("/ws", h)
	}
	s.Handle("/api/frame", metrics.JSONHandler(e.Latest))
	s.Handle("/api/dialogs", metrics.JSONHandler(e.Dialogs))
	s.Handle("/api/endpoints", metrics.JSONHandler(e.Endpoints))
	s.Handle("/api/status", metrics.JSONHandler(e.Status))
	return s
}

// pump runs every stage until the source ends or ctx is cancelled. When
// the source ends first, queued packets are applied and one last frame is
// emitted before the stages stop.
func (e *Engine) pump(ctx context.Context, em *emitter.Emitter, sink plugin.Reporter) error {
	coreCtx, stopCore := context.WithCancel(ctx)
	defer stopCore()

	var stages errgroup.Group
	stages.Go(func() error { return e.tracker.Run(coreCtx) })
	stages.Go(func() error { return em.Run(coreCtx, sink) })
	if e.ami != nil {
		stages.Go(func() error {
			if err := e.ami.Run(coreCtx); err != nil {
				slog.Error("ami presence feed stopped", "error", err)
			}
			return nil
		})
	}

	srcErr := e.ingest(ctx)
	if ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, drainTimeout)
		if err := e.tracker.Drain(dctx); err != nil {
			slog.Warn("tracker drain incomplete", "error", err)
		}
		cancel()
		em.Emit()
	}

	stopCore()
	return errors.Join(srcErr, stages.Wait())
}

// ingest reads the source and feeds parsed packets to the tracker. It
// returns when the source ends (its error) or ctx is cancelled (nil).
func (e *Engine) ingest(ctx context.Context) error {
	workers := max(e.cfg.Parser.Workers, 1)
	g, gctx := errgroup.WithContext(ctx)

	frames := make(chan core.RawFrame, frameBuffer)
	lanes := make([]chan core.RawFrame, workers)
	for i := range lanes {
		lanes[i] = make(chan core.RawFrame, laneBuffer)
	}

	var srcErr error
	g.Go(func() error {
		defer close(frames)
		srcErr = wire.Retry(gctx, e.reader, frames, e.retry)
		return nil
	})
	g.Go(func() error {
		defer func() {
			for _, l := range lanes {
				close(l)
			}
		}()
		for f := range frames {
			select {
			case lanes[lane(f.Meta, workers)] <- f:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for i := range lanes {
		g.Go(func() error {
			for f := range lanes[i] {
				e.handle(gctx, &f)
			}
			return nil
		})
	}

	_ = g.Wait()
	return srcErr
}

func (e *Engine) handle(ctx context.Context, f *core.RawFrame) {
	if ctx.Err() != nil || !e.parser.CanHandle(f) {
		return
	}
	pkt, err := e.parser.Handle(f)
	if err != nil {
		// counted and logged by the parser
		return
	}
	_ = e.tracker.Submit(ctx, pkt)
}

// finish stops the plugins and records the pipeline outcome.
func (e *Engine) finish(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	e.mu.Lock()
	sink, server := e.sink, e.server
	e.mu.Unlock()

	if err := e.capturer.Stop(ctx); err != nil {
		slog.Warn("capturer stop error", "error", err)
	}
	if err := e.parser.Stop(ctx); err != nil {
		slog.Warn("parser stop error", "error", err)
	}
	if err := sink.Stop(ctx); err != nil {
		slog.Warn("sink stop error", "sink", sink.Name(), "error", err)
	}
	if server != nil {
		if err := server.Stop(ctx); err != nil {
			slog.Warn("http server stop error", "error", err)
		}
	}

	e.mu.Lock()
	e.err = err
	switch {
	case err == nil, errors.Is(err, core.ErrSourceExhausted):
		e.setState(StateStopped)
	default:
		e.setState(StateFailed)
	}
	done := e.done
	e.mu.Unlock()

	if err != nil {
		slog.Info("engine pipeline ended", "error", err)
	}
	close(done)
}

// fail records a start failure. Caller holds mu.
func (e *Engine) fail(err error) error {
	e.setState(StateFailed)
	return err
}

// setState updates the state. Caller holds mu.
func (e *Engine) setState(s State) {
	e.state = s
	slog.Debug("engine state changed", "state", s)
}
