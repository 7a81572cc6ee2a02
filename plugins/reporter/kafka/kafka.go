// Package kafka implements the Kafka frame sink.
// Each frame becomes one message keyed by surface, so a consumer group sees
// one surface's frames in order on a single partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/pkg/plugin"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// messageWriter is the part of kafka.Writer the reporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes frames to Kafka.
type KafkaReporter struct {
	name   string
	writer messageWriter
	config Config

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// Config represents Kafka reporter configuration.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // required
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3
}

// NewKafkaReporter creates a new Kafka reporter.
func NewKafkaReporter() plugin.Reporter {
	return &KafkaReporter{
		name: "kafka",
	}
}

// Name returns the plugin name.
func (r *KafkaReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *KafkaReporter) Init(config map[string]any) error {
	if config == nil {
		return fmt.Errorf("kafka reporter requires configuration: %w", core.ErrPluginInitFailed)
	}

	cfg := Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
	if err := plugin.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("brokers is required: %w", core.ErrPluginInitFailed)
	}
	for i, b := range cfg.Brokers {
		if b == "" {
			return fmt.Errorf("empty broker at index %d: %w", i, core.ErrPluginInitFailed)
		}
	}
	if cfg.Topic == "" {
		return fmt.Errorf("topic is required: %w", core.ErrPluginInitFailed)
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // surface key pins a surface to one partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false,
	}

	switch cfg.Compression {
	case "none", "":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return fmt.Errorf("invalid compression type %q: %w", cfg.Compression, core.ErrPluginInitFailed)
	}

	r.config = cfg
	r.writer = kafka.NewWriter(writerConfig)
	return nil
}

// Start starts the reporter.
func (r *KafkaReporter) Start(ctx context.Context) error {
	slog.Info("kafka reporter started",
		"brokers", r.config.Brokers,
		"topic", r.config.Topic,
		"batch_size", r.config.BatchSize,
		"batch_timeout", r.config.BatchTimeout,
		"compression", r.config.Compression,
	)
	return nil
}

// Stop closes the writer, flushing pending messages.
func (r *KafkaReporter) Stop(ctx context.Context) error {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
			return err
		}
	}
	slog.Info("kafka reporter stopped",
		"total_reported", r.reportedCount.Load(),
		"total_errors", r.errorCount.Load(),
	)
	return nil
}

// Report publishes one frame.
func (r *KafkaReporter) Report(ctx context.Context, f *core.Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}

	msg, err := frameMessage(f)
	if err != nil {
		r.errorCount.Add(1)
		return err
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}

	r.reportedCount.Add(1)
	return nil
}

func frameMessage(f *core.Frame) (kafka.Message, error) {
	value, err := json.Marshal(f)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize frame failed: %w", err)
	}
	return kafka.Message{
		Key:   []byte(f.Surface),
		Value: value,
		Time:  f.Emitted,
		Headers: []kafka.Header{
			{Key: "seq", Value: []byte(strconv.FormatUint(f.Seq, 10))},
			{Key: "run", Value: []byte(f.Run)},
		},
	}, nil
}

// Flush is a no-op: the writer is synchronous, so Report returns only after
// the batch holding the frame was written.
func (r *KafkaReporter) Flush(ctx context.Context) error {
	return nil
}
