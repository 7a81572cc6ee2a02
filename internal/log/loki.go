package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLokiBatch = 100
	defaultLokiFlush = 5 * time.Second
	lokiRetries      = 3
)

var errLokiClosed = errors.New("loki writer is closed")

// LokiConfig contains configuration for the Loki writer.
type LokiConfig struct {
	Endpoint      string            // push endpoint, e.g. http://loki:3100/loki/api/v1/push
	Labels        map[string]string // stream labels
	BatchSize     int
	FlushInterval time.Duration
}

// LokiWriter is an io.Writer that ships log lines to Grafana Loki in
// batches. Push failures never fail the write; they are reported on
// stderr because the logger itself may be the thing writing here.
type LokiWriter struct {
	endpoint  string
	labels    map[string]string
	batchSize int
	client    *http.Client

	mu     sync.Mutex
	batch  [][2]string
	closed bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewLokiWriter creates a Loki writer and starts its flusher.
func NewLokiWriter(cfg LokiConfig) *LokiWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultLokiBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultLokiFlush
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "tracevia"
	}

	lw := &LokiWriter{
		endpoint:  cfg.Endpoint,
		labels:    labels,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: 10 * time.Second},
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.run(cfg.FlushInterval)
	return lw
}

// Write queues one log line. A full batch wakes the flusher.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return 0, errLokiClosed
	}
	lw.batch = append(lw.batch, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(lw.batch) >= lw.batchSize
	lw.mu.Unlock()

	if full {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Close stops the flusher and pushes whatever is still queued.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.done)
	lw.wg.Wait()
	return lw.flush(context.Background())
}

func (lw *LokiWriter) run(every time.Duration) {
	defer lw.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-lw.done:
			return
		case <-ticker.C:
		case <-lw.kick:
		}
		if err := lw.flush(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "loki flush: %v\n", err)
		}
	}
}

// flush takes the queued lines and pushes them outside the lock.
func (lw *LokiWriter) flush(ctx context.Context) error {
	lw.mu.Lock()
	values := lw.batch
	lw.batch = nil
	lw.mu.Unlock()
	if len(values) == 0 {
		return nil
	}

	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	delay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = lw.push(ctx, data)
		if err == nil || attempt == lokiRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return fmt.Errorf("loki push failed after %d attempts: %w", lokiRetries, err)
	}
	return nil
}

func (lw *LokiWriter) push(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return nil
}
