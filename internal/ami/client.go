package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/metrics"
	"firestige.xyz/tracevia/internal/topology"
)

// ErrAuthFailed is returned by Run when Asterisk rejects the credentials.
var ErrAuthFailed = errors.New("ami: authentication failed")

const (
	defaultReconnectDelay = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

// Config contains AMI connection settings.
type Config struct {
	Address        string
	Username       string
	Secret         string
	Context        string // dialplan context queried for extension state
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
}

// PresenceSink receives extension status updates.
type PresenceSink interface {
	SetPresence(topology.Presence)
}

// Client keeps one manager session alive and forwards extension status to
// a sink.
type Client struct {
	cfg     Config
	sink    PresenceSink
	limiter *rate.Limiter
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	actionID atomic.Uint64
	events   atomic.Uint64
}

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(cfg Config, sink PresenceSink) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Context == "" {
		cfg.Context = "default"
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Client{
		cfg:     cfg,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectDelay), 1),
		dial:    d.DialContext,
	}
}

// Events returns the number of status updates published so far.
func (c *Client) Events() uint64 {
	return c.events.Load()
}

// Run connects and reconnects until ctx is cancelled, which returns nil.
// Connection failures are transient; rejected credentials are not.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		slog.Warn("ami session ended, reconnecting",
			"address", c.cfg.Address,
			"error", err,
			"delay", c.cfg.ReconnectDelay)
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("ami dial %s: %v: %w", c.cfg.Address, err, core.ErrTransientIO)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)

	if err := c.login(conn, r); err != nil {
		return err
	}
	slog.Info("ami session established", "address", c.cfg.Address, "user", c.cfg.Username)

	if err := c.send(conn, Action{Name: "PJSIPShowAors"}); err != nil {
		return err
	}
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return fmt.Errorf("ami read: %v: %w", err, core.ErrTransientIO)
		}
		if err := c.handle(conn, msg); err != nil {
			return err
		}
	}
}

func (c *Client) login(conn net.Conn, r *bufio.Reader) error {
	id := c.nextID()
	err := c.send(conn, Action{Name: "Login", Fields: [][2]string{
		{"Username", c.cfg.Username},
		{"Secret", c.cfg.Secret},
		{"ActionID", id},
	}})
	if err != nil {
		return err
	}
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return fmt.Errorf("ami login: %v: %w", err, core.ErrTransientIO)
		}
		if msg.Response() == "" || msg.Get("ActionID") != id {
			continue
		}
		if msg.Response() != "Success" {
			return fmt.Errorf("%w: %s", ErrAuthFailed, msg.Get("Message"))
		}
		return nil
	}
}

// handle reacts to one inbound block. Each AOR listed is queried for its
// extension state; the answers and later ExtensionStatus events carry the
// same Exten/Status/StatusText fields.
func (c *Client) handle(conn net.Conn, msg Message) error {
	switch {
	case msg.Event() == "AorList":
		exten := msg.Get("ObjectName")
		if exten == "" {
			return nil
		}
		return c.send(conn, Action{Name: "ExtensionState", Fields: [][2]string{
			{"Exten", exten},
			{"Context", c.cfg.Context},
			{"ActionID", c.nextID()},
		}})
	case msg.Event() == "ExtensionStatus", msg.Response() == "Success":
		if p, ok := presenceOf(msg); ok {
			c.publish(p)
		}
	case msg.Response() == "Error":
		slog.Debug("ami action failed", "action_id", msg.Get("ActionID"), "message", msg.Get("Message"))
	}
	return nil
}

func (c *Client) publish(p topology.Presence) {
	c.sink.SetPresence(p)
	c.events.Add(1)
	metrics.AMIEventsTotal.WithLabelValues(p.Text).Inc()
	slog.Debug("extension status", "exten", p.Extension, "status", p.Status, "text", p.Text)
}

func (c *Client) send(conn net.Conn, a Action) error {
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write(a.Encode()); err != nil {
		return fmt.Errorf("ami write %s: %v: %w", a.Name, err, core.ErrTransientIO)
	}
	return nil
}

func (c *Client) nextID() string {
	return "tracevia-" + strconv.FormatUint(c.actionID.Add(1), 10)
}

// presenceOf extracts an extension status. Blocks lacking any of the three
// fields are not status reports.
func presenceOf(msg Message) (topology.Presence, bool) {
	exten, status, text := msg.Get("Exten"), msg.Get("Status"), msg.Get("StatusText")
	if exten == "" || status == "" || text == "" {
		return topology.Presence{}, false
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		code = -1
	}
	return topology.Presence{Extension: exten, Status: code, Text: text}, true
}
