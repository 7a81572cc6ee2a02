package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/tracevia/internal/core"
)

func TestKafkaReporter_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "missing brokers",
			config:  map[string]any{"topic": "test"},
			wantErr: true,
		},
		{
			name:    "missing topic",
			config:  map[string]any{"brokers": []any{"localhost:9092"}},
			wantErr: true,
		},
		{
			name: "valid minimal config",
			config: map[string]any{
				"brokers": []any{"localhost:9092"},
				"topic":   "test-topic",
			},
			wantErr: false,
		},
		{
			name: "valid full config",
			config: map[string]any{
				"brokers":       []any{"broker1:9092", "broker2:9092"},
				"topic":         "test-topic",
				"batch_size":    float64(200),
				"batch_timeout": "200ms",
				"compression":   "gzip",
				"max_attempts":  float64(5),
			},
			wantErr: false,
		},
		{
			name: "comma separated brokers",
			config: map[string]any{
				"brokers": "broker1:9092,broker2:9092",
				"topic":   "test-topic",
			},
			wantErr: false,
		},
		{
			name: "invalid compression",
			config: map[string]any{
				"brokers":     []any{"localhost:9092"},
				"topic":       "test-topic",
				"compression": "invalid",
			},
			wantErr: true,
		},
		{
			name: "invalid batch_timeout",
			config: map[string]any{
				"brokers":       []any{"localhost:9092"},
				"topic":         "test-topic",
				"batch_timeout": "invalid",
			},
			wantErr: true,
		},
		{
			name: "empty broker",
			config: map[string]any{
				"brokers": []any{""},
				"topic":   "test-topic",
			},
			wantErr: true,
		},
		{
			name: "unknown key",
			config: map[string]any{
				"brokers":   []any{"localhost:9092"},
				"topic":     "test-topic",
				"partition": 3,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewKafkaReporter().(*KafkaReporter)
			err := r.Init(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrPluginInitFailed) {
				t.Errorf("Init() error %v does not wrap ErrPluginInitFailed", err)
			}
		})
	}
}

func TestKafkaReporter_ConfigDefaults(t *testing.T) {
	r := NewKafkaReporter().(*KafkaReporter)
	config := map[string]any{
		"brokers": []any{"localhost:9092"},
		"topic":   "test-topic",
	}

	if err := r.Init(config); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if r.config.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", r.config.BatchSize, defaultBatchSize)
	}
	if r.config.BatchTimeout != defaultBatchTimeout {
		t.Errorf("BatchTimeout = %v, want %v", r.config.BatchTimeout, defaultBatchTimeout)
	}
	if r.config.Compression != defaultCompression {
		t.Errorf("Compression = %s, want %s", r.config.Compression, defaultCompression)
	}
	if r.config.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", r.config.MaxAttempts, defaultMaxAttempts)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaReporter_Report(t *testing.T) {
	w := &fakeWriter{}
	r := &KafkaReporter{name: "kafka", writer: w}
	ctx := context.Background()

	emitted := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f := &core.Frame{
		Surface: "wall",
		Run:     "run-1",
		Seq:     42,
		Emitted: emitted,
		Edges:   []core.Edge{{ID: "call-1", From: "ep-1", To: "ep-2", Status: "confirmed"}},
	}
	if err := r.Report(ctx, f); err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "wall" {
		t.Errorf("key = %q, want wall", msg.Key)
	}
	if !msg.Time.Equal(emitted) {
		t.Errorf("time = %v, want %v", msg.Time, emitted)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "42" || string(msg.Headers[1].Value) != "run-1" {
		t.Errorf("headers = %+v", msg.Headers)
	}

	var got core.Frame
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if got.Seq != 42 || len(got.Edges) != 1 || got.Edges[0].ID != "call-1" {
		t.Errorf("decoded frame = %+v", got)
	}

	if err := r.Report(ctx, nil); err == nil {
		t.Error("Report(nil) should return error")
	}

	w.err = errors.New("broker down")
	if err := r.Report(ctx, f); err == nil {
		t.Error("Report() should surface write errors")
	}
	if r.errorCount.Load() != 1 || r.reportedCount.Load() != 1 {
		t.Errorf("counts reported=%d errors=%d", r.reportedCount.Load(), r.errorCount.Load())
	}

	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if !w.closed {
		t.Error("Stop() did not close the writer")
	}
}
