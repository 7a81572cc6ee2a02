// Package log configures the process-wide slog logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/tracevia/internal/config"
)

// Init installs the global logger described by cfg. The returned closer
// releases file and Loki outputs; it is never nil.
func Init(cfg config.LogConfig) (io.Closer, error) {
	return initWith(cfg, os.Stdout)
}

func initWith(cfg config.LogConfig, stdout io.Writer) (io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nopCloser{}, fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{stdout}
	var closers multiCloser

	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return nopCloser{}, fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, w)
		closers = append(closers, w)
	}

	if cfg.Outputs.Loki.Enabled {
		w, err := createLokiWriter(cfg.Outputs.Loki)
		if err != nil {
			closers.Close()
			return nopCloser{}, fmt.Errorf("failed to create loki output: %w", err)
		}
		writers = append(writers, w)
		closers = append(closers, w)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		closers.Close()
		return nopCloser{}, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	slog.SetDefault(slog.New(handler))
	return closers, nil
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}

func createLokiWriter(lc config.LokiOutputConfig) (*LokiWriter, error) {
	if lc.Endpoint == "" {
		return nil, fmt.Errorf("loki output requires 'endpoint' field")
	}
	return NewLokiWriter(LokiConfig{
		Endpoint:      lc.Endpoint,
		Labels:        lc.Labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.BatchTimeout,
	}), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
