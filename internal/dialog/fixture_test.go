package dialog

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/sip"
)

var (
	alice = netip.MustParseAddrPort("10.0.0.1:5060")
	bob   = netip.MustParseAddrPort("10.0.0.2:5060")
)

// call builds the packets of one Call-ID between alice and bob.
type call struct {
	t  *testing.T
	id string
}

func newCall(t *testing.T, id string) call {
	return call{t: t, id: id}
}

func (c call) headers(branch string, seq uint32, method sip.Method, toTag string) []sip.Header {
	to := "<sip:bob@example.com>"
	if toTag != "" {
		to += ";tag=" + toTag
	}
	return []sip.Header{
		{Name: "Via", Value: "SIP/2.0/UDP 10.0.0.1:5060;branch=" + branch},
		{Name: "From", Value: `"Alice" <sip:alice@example.com>;tag=from-` + c.id},
		{Name: "To", Value: to},
		{Name: "Call-ID", Value: c.id},
		{Name: "CSeq", Value: strconv.FormatUint(uint64(seq), 10) + " " + string(method)},
	}
}

func (c call) request(method sip.Method, seq uint32, branch string) *sip.Packet {
	c.t.Helper()
	m, err := sip.NewRequest(method, "sip:bob@example.com", c.headers(branch, seq, method, ""), nil)
	require.NoError(c.t, err)
	return &sip.Packet{
		Msg:  m,
		Meta: core.TransportMeta{Src: alice, Dst: bob, Transport: core.TransportUDP},
	}
}

func (c call) response(code int, method sip.Method, seq uint32, branch, toTag string) *sip.Packet {
	c.t.Helper()
	m, err := sip.NewResponse(code, "Reason", c.headers(branch, seq, method, toTag), nil)
	require.NoError(c.t, err)
	return &sip.Packet{
		Msg:  m,
		Meta: core.TransportMeta{Src: bob, Dst: alice, Transport: core.TransportUDP},
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recorder collects transitions delivered to a listener.
type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) record(tr Transition) {
	r.mu.Lock()
	r.trs = append(r.trs, tr)
	r.mu.Unlock()
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.trs))
	for _, tr := range r.trs {
		out = append(out, fmt.Sprintf("%s>%s", tr.From, tr.To))
	}
	return out
}

func newTestTracker(clock *fakeClock) (*Tracker, *recorder) {
	tr := New(Config{
		InactivityTimeout: time.Minute,
		FadeOut:           5 * time.Second,
		MaxHistory:        8,
		Partitions:        3,
		Clock:             clock.Now,
	})
	rec := &recorder{}
	tr.OnTransition(rec.record)
	return tr, rec
}
