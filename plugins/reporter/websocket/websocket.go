// Package websocket implements the browser frame sink.
// Connected clients receive every frame as a JSON text message; a client
// that falls behind skips to the newest frame instead of queueing.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/metrics"
	"firestige.xyz/tracevia/pkg/plugin"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultMaxClients   = 64
)

// Config represents websocket reporter configuration.
type Config struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxClients     int           `mapstructure:"max_clients"`
	OriginPatterns []string      `mapstructure:"origin_patterns"`
}

// WebsocketReporter broadcasts frames to browser clients. It is also the
// http.Handler mounted on the websocket endpoint.
type WebsocketReporter struct {
	name   string
	config Config

	mu      sync.Mutex
	clients map[string]*client
	latest  []byte
	closed  bool

	reportedCount atomic.Uint64
}

type client struct {
	id   string
	send chan []byte
}

// offer replaces any undelivered payload with b.
func (c *client) offer(b []byte) {
	for {
		select {
		case c.send <- b:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// NewWebsocketReporter creates a new websocket reporter.
func NewWebsocketReporter() plugin.Reporter {
	r := &WebsocketReporter{
		name:    "websocket",
		clients: make(map[string]*client),
	}
	_ = r.Init(nil)
	return r
}

// Name returns the plugin name.
func (r *WebsocketReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *WebsocketReporter) Init(config map[string]any) error {
	cfg := Config{
		WriteTimeout: defaultWriteTimeout,
		MaxClients:   defaultMaxClients,
	}
	if err := plugin.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive: %w", core.ErrPluginInitFailed)
	}
	r.config = cfg
	return nil
}

// Start accepts clients again after a Stop. The frame kept from an earlier
// run is dropped.
func (r *WebsocketReporter) Start(ctx context.Context) error {
	r.mu.Lock()
	r.closed = false
	r.latest = nil
	r.mu.Unlock()
	slog.Info("websocket reporter started", "max_clients", r.config.MaxClients)
	return nil
}

// Stop disconnects every client.
func (r *WebsocketReporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for id, c := range r.clients {
		close(c.send)
		delete(r.clients, id)
	}
	r.mu.Unlock()
	slog.Info("websocket reporter stopped", "total_reported", r.reportedCount.Load())
	return nil
}

// Report broadcasts one frame and keeps it for clients connecting later.
func (r *WebsocketReporter) Report(ctx context.Context, f *core.Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = b
	for _, c := range r.clients {
		c.offer(b)
	}
	r.reportedCount.Add(1)
	return nil
}

// Flush is a no-op; clients only ever need the newest frame.
func (r *WebsocketReporter) Flush(ctx context.Context) error {
	return nil
}

// Clients returns the number of connected clients.
func (r *WebsocketReporter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *WebsocketReporter) register() (*client, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, errors.New("reporter stopped")
	}
	if len(r.clients) >= r.config.MaxClients {
		return nil, nil, errors.New("too many clients")
	}
	c := &client{id: uuid.NewString(), send: make(chan []byte, 1)}
	r.clients[c.id] = c
	metrics.WebsocketClients.Inc()
	return c, r.latest, nil
}

func (r *WebsocketReporter) unregister(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; ok {
		delete(r.clients, c.id)
		close(c.send)
	}
	metrics.WebsocketClients.Dec()
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away or the reporter stops.
func (r *WebsocketReporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	c, latest, err := r.register()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer r.unregister(c)

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: r.config.OriginPatterns,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	slog.Info("websocket client connected", "client_id", c.id, "remote", req.RemoteAddr)

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(req.Context())

	if latest != nil {
		if err := r.write(ctx, conn, latest); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("websocket client disconnected", "client_id", c.id)
			return
		case b, ok := <-c.send:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := r.write(ctx, conn, b); err != nil {
				var ce websocket.CloseError
				if !errors.As(err, &ce) && ctx.Err() == nil {
					slog.Warn("websocket write failed", "client_id", c.id, "error", err)
				}
				return
			}
		}
	}
}

func (r *WebsocketReporter) write(ctx context.Context, conn *websocket.Conn, b []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}
