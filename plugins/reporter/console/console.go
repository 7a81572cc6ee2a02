// Package console implements the console frame sink.
// It prints each frame to stdout, one line per frame plus one per edge in
// text mode, or one JSON document per frame.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
)

// ConsoleReporter writes frames to the console for debugging.
type ConsoleReporter struct {
	name   string
	format string // "json" or "text"

	mu  sync.Mutex
	out io.Writer

	reportedCount atomic.Uint64
}

// Config represents console reporter configuration.
type Config struct {
	Format string `mapstructure:"format"` // "json" or "text", default "text"
}

// NewConsoleReporter creates a new console reporter.
func NewConsoleReporter() plugin.Reporter {
	return &ConsoleReporter{
		name:   "console",
		format: "text",
		out:    os.Stdout,
	}
}

// Name returns the plugin name.
func (r *ConsoleReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *ConsoleReporter) Init(config map[string]any) error {
	cfg := Config{Format: r.format}
	if err := plugin.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Format != "json" && cfg.Format != "text" {
		return fmt.Errorf("invalid format %q, must be json or text: %w", cfg.Format, core.ErrPluginInitFailed)
	}
	r.format = cfg.Format
	return nil
}

// Start starts the reporter.
func (r *ConsoleReporter) Start(ctx context.Context) error {
	slog.Info("console reporter started", "format", r.format)
	return nil
}

// Stop stops the reporter.
func (r *ConsoleReporter) Stop(ctx context.Context) error {
	slog.Info("console reporter stopped", "total_reported", r.reportedCount.Load())
	return nil
}

// Report writes one frame.
func (r *ConsoleReporter) Report(ctx context.Context, f *core.Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reportedCount.Add(1)

	if r.format == "json" {
		return r.reportJSON(f)
	}
	return r.reportText(f)
}

func (r *ConsoleReporter) reportJSON(f *core.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	data = append(data, '\n')
	_, err = r.out.Write(data)
	return err
}

func (r *ConsoleReporter) reportText(f *core.Frame) error {
	if _, err := fmt.Fprintf(r.out, "[%s] %s #%d nodes=%d edges=%d\n",
		f.Emitted.Format("15:04:05.000"), f.Surface, f.Seq, len(f.Nodes), len(f.Edges)); err != nil {
		return err
	}
	for _, e := range f.Edges {
		from, _ := f.NodeByID(e.From)
		to, _ := f.NodeByID(e.To)
		line := fmt.Sprintf("  %s -> %s  %s  %s", from.Label, to.Label, e.Label, e.ID)
		if e.Fade > 0 {
			line += fmt.Sprintf("  fade=%.2f", e.Fade)
		}
		if _, err := fmt.Fprintln(r.out, line); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op for console reporter (stdout auto-flushes).
func (r *ConsoleReporter) Flush(ctx context.Context) error {
	return nil
}
