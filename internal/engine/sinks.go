package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"firestige.xyz/tracevia/internal/config"
	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
)

// Fanout delivers each frame to several sinks. A failing sink does not
// keep the frame from the others.
type Fanout struct {
	sinks []plugin.Reporter
}

// NewFanout combines sinks into one reporter.
func NewFanout(sinks ...plugin.Reporter) *Fanout {
	return &Fanout{sinks: sinks}
}

// Sinks returns the combined reporters.
func (f *Fanout) Sinks() []plugin.Reporter { return f.sinks }

// Name joins the member names, e.g. "console+websocket".
func (f *Fanout) Name() string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Init is a no-op; members are initialized when they are built.
func (f *Fanout) Init(map[string]any) error { return nil }

// Start starts every member. Members started before a failure are stopped
// again.
func (f *Fanout) Start(ctx context.Context) error {
	for i, s := range f.sinks {
		if err := s.Start(ctx); err != nil {
			for _, started := range f.sinks[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("sink %s start: %w", s.Name(), err)
		}
	}
	return nil
}

func (f *Fanout) Stop(ctx context.Context) error {
	return f.each(func(s plugin.Reporter) error { return s.Stop(ctx) })
}

func (f *Fanout) Report(ctx context.Context, frame *core.Frame) error {
	return f.each(func(s plugin.Reporter) error { return s.Report(ctx, frame) })
}

func (f *Fanout) Flush(ctx context.Context) error {
	return f.each(func(s plugin.Reporter) error { return s.Flush(ctx) })
}

func (f *Fanout) each(fn func(plugin.Reporter) error) error {
	var errs []error
	for _, s := range f.sinks {
		if err := fn(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// BuildSinks resolves, constructs and initializes the configured sinks.
// Several sinks are combined with a Fanout.
func BuildSinks(cfgs []config.SinkConfig) (plugin.Reporter, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no sinks configured: %w", core.ErrConfigInvalid)
	}
	factories := make([]plugin.Factory[plugin.Reporter], len(cfgs))
	for i, sc := range cfgs {
		f, err := plugin.GetReporterFactory(sc.Type)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", sc.Type, err)
		}
		factories[i] = f
	}

	sinks := make([]plugin.Reporter, len(cfgs))
	for i, sc := range cfgs {
		s := factories[i]()
		if err := s.Init(sc.Options); err != nil {
			return nil, fmt.Errorf("sink %q init: %w", sc.Type, err)
		}
		sinks[i] = s
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewFanout(sinks...), nil
}

// streamHandler finds a sink that serves browser clients itself.
func streamHandler(sink plugin.Reporter) http.Handler {
	if h, ok := sink.(http.Handler); ok {
		return h
	}
	if f, ok := sink.(*Fanout); ok {
		for _, s := range f.sinks {
			if h := streamHandler(s); h != nil {
				return h
			}
		}
	}
	return nil
}
