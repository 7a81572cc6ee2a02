package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/serialx/hashring"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/metrics"
	"firestige.xyz/tracevia/internal/sip"
)

// Config holds tracker settings. Zero fields take defaults.
type Config struct {
	InactivityTimeout time.Duration
	FadeOut           time.Duration
	MaxHistory        int
	Partitions        int
	SweepInterval     time.Duration
	QueueSize         int
	// OrphanLogWindow suppresses repeated orphan warnings for one Call-ID.
	OrphanLogWindow time.Duration
	Clock           func() time.Time
}

const (
	defaultInactivityTimeout = 15 * time.Minute
	defaultFadeOut           = 5 * time.Second
	defaultMaxHistory        = 32
	defaultPartitions        = 4
	defaultSweepInterval     = time.Second
	defaultQueueSize         = 256
	defaultOrphanLogWindow   = time.Minute
)

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.FadeOut < 0 {
		c.FadeOut = 0
	} else if c.FadeOut == 0 {
		c.FadeOut = defaultFadeOut
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.OrphanLogWindow <= 0 {
		c.OrphanLogWindow = defaultOrphanLogWindow
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Result describes what Apply did with one packet.
type Result struct {
	// Created is set when the packet opened a new dialog.
	Created bool
	// Retransmission is set when the packet was dropped as a duplicate.
	Retransmission bool
	// Transition is set when the packet changed the dialog state.
	Transition *Transition
}

// Tracker correlates SIP packets into dialogs. Dialogs are spread over
// partitions by Call-ID; each partition is serialized by its own lock and
// worker, and partitions proceed in parallel.
type Tracker struct {
	cfg   Config
	ring  *hashring.HashRing
	parts map[string]*partition
	order []*partition

	orphans *cache.Cache
	// queued counts submitted packets not yet applied.
	queued atomic.Int64
	// created numbers dialogs for their ids.
	created atomic.Uint64

	lmu       sync.RWMutex
	listeners []func(Transition)
}

type partition struct {
	name    string
	mu      sync.Mutex
	live    map[string]*Dialog
	retired []*Dialog
	in      chan *sip.Packet
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:     cfg,
		parts:   make(map[string]*partition, cfg.Partitions),
		orphans: cache.New(cfg.OrphanLogWindow, 0),
	}
	names := make([]string, 0, cfg.Partitions)
	for i := 0; i < cfg.Partitions; i++ {
		p := &partition{
			name: "partition-" + strconv.Itoa(i),
			live: make(map[string]*Dialog),
			in:   make(chan *sip.Packet, cfg.QueueSize),
		}
		names = append(names, p.name)
		t.parts[p.name] = p
		t.order = append(t.order, p)
	}
	t.ring = hashring.New(names)
	return t
}

// OnTransition registers fn to receive every state change. Listeners run
// on the goroutine that applied the packet, after the partition lock is
// released.
func (t *Tracker) OnTransition(fn func(Transition)) {
	t.lmu.Lock()
	t.listeners = append(t.listeners, fn)
	t.lmu.Unlock()
}

func (t *Tracker) notify(trs []Transition) {
	if len(trs) == 0 {
		return
	}
	t.lmu.RLock()
	ls := t.listeners
	t.lmu.RUnlock()
	for _, tr := range trs {
		metrics.TransitionsTotal.WithLabelValues(tr.To.String()).Inc()
		for _, fn := range ls {
			fn(tr)
		}
	}
}

func (t *Tracker) partitionFor(callID string) *partition {
	if name, ok := t.ring.GetNode(callID); ok {
		return t.parts[name]
	}
	return t.order[0]
}

// Apply correlates one packet synchronously. Orphaned packets return an
// error wrapping core.ErrOrphanMessage and leave the dialog set unchanged.
func (t *Tracker) Apply(pkt *sip.Packet) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.ApplyLatencySeconds.Observe(time.Since(start).Seconds())
	}()

	callID := pkt.Msg.CallID()
	p := t.partitionFor(callID)

	p.mu.Lock()
	res, err := t.apply(p, pkt)
	p.mu.Unlock()

	if err != nil {
		if errors.Is(err, core.ErrOrphanMessage) {
			metrics.OrphansTotal.Inc()
			if t.orphans.Add(callID, struct{}{}, cache.DefaultExpiration) == nil {
				slog.Warn("orphan sip message",
					"call_id", callID,
					"message", pkt.Msg.StartLine(),
					"src", pkt.Meta.Src.String())
			}
		}
		return res, err
	}
	if res.Retransmission {
		metrics.RetransmissionsTotal.Inc()
	}
	if res.Transition != nil {
		t.notify([]Transition{*res.Transition})
	}
	return res, nil
}

// apply runs with p.mu held.
func (t *Tracker) apply(p *partition, pkt *sip.Packet) (Result, error) {
	msg := pkt.Msg
	now := t.cfg.Clock()
	d, ok := p.live[msg.CallID()]

	isInvite := msg.IsRequest() && msg.Method() == sip.MethodInvite
	if ok && isInvite && d.state.Terminal() && !d.retransmitted(msg) {
		// Call-ID reuse: the ended dialog fades out from the retired set.
		p.retired = append(p.retired, d)
		delete(p.live, d.callID)
		metrics.LiveDialogs.Dec()
		ok = false
	}
	switch {
	case !ok && !isInvite:
		return Result{}, fmt.Errorf("%s %s: %w", msg.CallID(), msg.StartLine(), core.ErrOrphanMessage)
	case !ok:
		id := msg.CallID() + "#" + strconv.FormatUint(t.created.Add(1), 10)
		d = newDialog(id, pkt, now, t.cfg.MaxHistory)
		d.observe(msg)
		d.record(pkt)
		p.live[d.callID] = d
		metrics.LiveDialogs.Inc()
		tr := Transition{CallID: d.callID, From: StateNone, To: StateTrying, At: now, Msg: msg}
		slog.Debug("dialog created", "call_id", d.callID, "state", d.state.String())
		return Result{Created: true, Transition: &tr}, nil
	}

	d.lastActivity = now
	if d.observe(msg) {
		return Result{Retransmission: true}, nil
	}
	d.record(pkt)
	d.preferOrigin(pkt)
	if d.state.Terminal() {
		return Result{}, nil
	}

	d.learnTags(msg)
	trigger, ok := triggerFor(msg)
	if !ok {
		return Result{}, nil
	}
	tr, changed, err := d.fire(trigger, now)
	if err != nil {
		return Result{}, fmt.Errorf("dialog %s: %w", d.callID, err)
	}
	if !changed {
		return Result{}, nil
	}
	if msg.IsResponse() && msg.CSeq().Method == sip.MethodInvite && msg.StatusCode() >= 200 {
		d.finalStatus = msg.StatusCode()
	}
	tr.Msg = msg
	tr.Annotation = d.annotation
	slog.Debug("dialog transition",
		"call_id", d.callID,
		"from", tr.From.String(),
		"state", tr.To.String(),
		"message", msg.StartLine())
	return Result{Transition: &tr}, nil
}

// Sweep applies the inactivity policy at now: dialogs idle longer than the
// inactivity timeout are terminated once, and terminal dialogs are evicted
// after the fade-out window.
func (t *Tracker) Sweep(now time.Time) {
	var trs []Transition
	for _, p := range t.order {
		p.mu.Lock()
		for id, d := range p.live {
			switch {
			case !d.state.Terminal() && now.Sub(d.lastActivity) > t.cfg.InactivityTimeout:
				tr, changed, err := d.fire(evtInactivity, now)
				if err != nil {
					slog.Error("inactivity trigger failed", "call_id", id, "error", err)
					continue
				}
				if changed {
					d.annotation = AnnotationTimedOut
					tr.Cause = core.ErrInactivityTimeout
					tr.Annotation = d.annotation
					trs = append(trs, tr)
					slog.Info("dialog timed out", "call_id", id, "idle", now.Sub(d.lastActivity).String())
				}
			case d.state.Terminal() && now.Sub(d.ended) >= t.cfg.FadeOut:
				delete(p.live, id)
				metrics.LiveDialogs.Dec()
			}
		}
		kept := p.retired[:0]
		for _, d := range p.retired {
			if now.Sub(d.ended) < t.cfg.FadeOut {
				kept = append(kept, d)
			}
		}
		clear(p.retired[len(kept):])
		p.retired = kept
		p.mu.Unlock()
	}
	t.orphans.DeleteExpired()
	t.notify(trs)
}

// Snapshot copies every retained dialog, live ones first, ordered by
// creation time then Call-ID.
func (t *Tracker) Snapshot() []Snapshot {
	now := t.cfg.Clock()
	var out []Snapshot
	for _, p := range t.order {
		p.mu.Lock()
		for _, d := range p.live {
			out = append(out, d.snapshot(now, t.cfg.FadeOut, false))
		}
		for _, d := range p.retired {
			out = append(out, d.snapshot(now, t.cfg.FadeOut, true))
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Retired != out[j].Retired {
			return !out[i].Retired
		}
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

// Lookup returns the live dialog for callID.
func (t *Tracker) Lookup(callID string) (Snapshot, bool) {
	p := t.partitionFor(callID)
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.live[callID]
	if !ok {
		return Snapshot{}, false
	}
	return d.snapshot(t.cfg.Clock(), t.cfg.FadeOut, false), true
}

// Submit queues pkt on its partition worker. It blocks while the queue is
// full and returns ctx.Err() if ctx ends first.
func (t *Tracker) Submit(ctx context.Context, pkt *sip.Packet) error {
	p := t.partitionFor(pkt.Msg.CallID())
	t.queued.Add(1)
	select {
	case p.in <- pkt:
		return nil
	case <-ctx.Done():
		t.queued.Add(-1)
		return ctx.Err()
	}
}

// Drain waits until every submitted packet has been applied. Workers must
// be running.
func (t *Tracker) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for t.queued.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run starts one worker per partition and the sweeper. It returns nil once
// ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range t.order {
		g.Go(func() error {
			t.work(ctx, p)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				t.Sweep(t.cfg.Clock())
			}
		}
	})
	return g.Wait()
}

func (t *Tracker) work(ctx context.Context, p *partition) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-p.in:
			if _, err := t.Apply(pkt); err != nil && !errors.Is(err, core.ErrOrphanMessage) {
				slog.Error("apply failed", "partition", p.name, "error", err)
			}
			t.queued.Add(-1)
		}
	}
}
