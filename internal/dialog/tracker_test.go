package dialog

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/sip"
)

func applyAll(t *testing.T, tr *Tracker, pkts ...*sip.Packet) {
	t.Helper()
	for _, p := range pkts {
		_, err := tr.Apply(p)
		require.NoError(t, err, p.Msg.StartLine())
	}
}

func TestTracker_BasicCall(t *testing.T) {
	clock := newFakeClock()
	tr, rec := newTestTracker(clock)
	c := newCall(t, "call-1")

	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(180, sip.MethodInvite, 1, "b1", ""),
		c.response(200, sip.MethodInvite, 1, "b1", "bob-1"),
		c.request(sip.MethodAck, 1, "b2"),
		c.request(sip.MethodBye, 2, "b3"),
		c.response(200, sip.MethodBye, 2, "b3", "bob-1"),
	)

	assert.Equal(t, []string{
		"none>trying",
		"trying>proceeding",
		"proceeding>confirmed",
		"confirmed>terminated",
	}, rec.states())

	snap, ok := tr.Lookup("call-1")
	require.True(t, ok)
	assert.Equal(t, StateTerminated, snap.State)
	assert.Equal(t, "from-call-1", snap.LocalTag)
	assert.Equal(t, "bob-1", snap.RemoteTag)
	assert.Equal(t, 200, snap.FinalStatus)
	assert.Equal(t, alice, snap.Caller.Addr)
	assert.Equal(t, bob, snap.Callee.Addr)
	assert.Equal(t, "Alice", snap.Caller.Name)
	assert.Equal(t, "bob", snap.Callee.User)
	assert.Len(t, snap.History, 6)
	assert.Equal(t, clock.Now(), snap.Ended)
	assert.Zero(t, snap.Fade)
}

func TestTracker_TransitionCarriesMessage(t *testing.T) {
	tr, rec := newTestTracker(newFakeClock())
	c := newCall(t, "call-msg")
	invite := c.request(sip.MethodInvite, 1, "b1")
	ok := c.response(200, sip.MethodInvite, 1, "b1", "t")

	applyAll(t, tr, invite, ok)

	require.Len(t, rec.trs, 2)
	assert.Same(t, invite.Msg, rec.trs[0].Msg)
	assert.Same(t, ok.Msg, rec.trs[1].Msg)
	assert.NoError(t, rec.trs[1].Cause)
}

func TestTracker_ReachableStates(t *testing.T) {
	c := newCall(t, "reach")
	invite := c.request(sip.MethodInvite, 1, "b1")

	tests := []struct {
		name string
		pkts []*sip.Packet
		want State
	}{
		{"trying", []*sip.Packet{invite}, StateTrying},
		{"proceeding", []*sip.Packet{invite, c.response(100, sip.MethodInvite, 1, "b1", "")}, StateProceeding},
		{"early from trying", []*sip.Packet{invite, c.response(183, sip.MethodInvite, 1, "b1", "x")}, StateEarly},
		{"early from proceeding", []*sip.Packet{
			invite,
			c.response(100, sip.MethodInvite, 1, "b1", ""),
			c.response(180, sip.MethodInvite, 1, "b1", "x"),
		}, StateEarly},
		{"confirmed from early", []*sip.Packet{
			invite,
			c.response(180, sip.MethodInvite, 1, "b1", "x"),
			c.response(200, sip.MethodInvite, 1, "b1", "x"),
		}, StateConfirmed},
		{"failed", []*sip.Packet{invite, c.response(486, sip.MethodInvite, 1, "b1", "x")}, StateFailed},
		{"failed from early", []*sip.Packet{
			invite,
			c.response(180, sip.MethodInvite, 1, "b1", "x"),
			c.response(603, sip.MethodInvite, 1, "b1", "x"),
		}, StateFailed},
		{"cancelled", []*sip.Packet{
			invite,
			c.response(180, sip.MethodInvite, 1, "b1", "x"),
			c.request(sip.MethodCancel, 1, "b1"),
			c.response(200, sip.MethodCancel, 1, "b1", "x"),
			c.response(487, sip.MethodInvite, 1, "b1", "x"),
		}, StateCancelled},
		{"terminated", []*sip.Packet{
			invite,
			c.response(200, sip.MethodInvite, 1, "b1", "x"),
			c.request(sip.MethodBye, 2, "b2"),
			c.response(200, sip.MethodBye, 2, "b2", "x"),
		}, StateTerminated},
		{"bye rejected keeps confirmed", []*sip.Packet{
			invite,
			c.response(200, sip.MethodInvite, 1, "b1", "x"),
			c.request(sip.MethodBye, 2, "b2"),
			c.response(481, sip.MethodBye, 2, "b2", "x"),
		}, StateConfirmed},
		{"provisional ignored once confirmed", []*sip.Packet{
			invite,
			c.response(200, sip.MethodInvite, 1, "b1", "x"),
			c.request(sip.MethodInvite, 2, "b3"),
			c.response(180, sip.MethodInvite, 2, "b3", "x"),
		}, StateConfirmed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(newFakeClock())
			applyAll(t, tr, tt.pkts...)
			snap, ok := tr.Lookup("reach")
			require.True(t, ok)
			assert.Equal(t, tt.want, snap.State)
		})
	}
}

func TestTracker_RetransmissionsAreIdempotent(t *testing.T) {
	c := newCall(t, "retx")
	pkts := []*sip.Packet{
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(100, sip.MethodInvite, 1, "b1", ""),
		c.response(180, sip.MethodInvite, 1, "b1", "bob"),
		c.response(200, sip.MethodInvite, 1, "b1", "bob"),
		c.request(sip.MethodAck, 1, "b2"),
		c.request(sip.MethodBye, 2, "b3"),
		c.response(200, sip.MethodBye, 2, "b3", "bob"),
	}

	clock := newFakeClock()
	once, onceRec := newTestTracker(clock)
	twice, twiceRec := newTestTracker(clock)

	applyAll(t, once, pkts...)
	for _, p := range pkts {
		first, err := twice.Apply(p)
		require.NoError(t, err)
		assert.False(t, first.Retransmission)
		again, err := twice.Apply(p)
		require.NoError(t, err)
		assert.True(t, again.Retransmission, p.Msg.StartLine())
		assert.Nil(t, again.Transition)
	}

	assert.Equal(t, onceRec.states(), twiceRec.states())
	opts := cmp.Options{
		cmp.Comparer(func(a, b *sip.Message) bool { return a == b }),
		cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b }),
	}
	if diff := cmp.Diff(once.Snapshot(), twice.Snapshot(), opts); diff != "" {
		t.Errorf("snapshot mismatch (-once +twice):\n%s", diff)
	}
}

func TestTracker_LateResponsesDropped(t *testing.T) {
	tr, rec := newTestTracker(newFakeClock())
	c := newCall(t, "late")

	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(200, sip.MethodInvite, 1, "b1", "x"),
	)
	res, err := tr.Apply(c.response(180, sip.MethodInvite, 1, "b1", "x"))
	require.NoError(t, err)
	assert.True(t, res.Retransmission, "provisional after final")

	res, err = tr.Apply(c.response(486, sip.MethodInvite, 1, "b1", "x"))
	require.NoError(t, err)
	assert.True(t, res.Retransmission, "second final")

	assert.Len(t, rec.trs, 2)
}

func TestTracker_Forks(t *testing.T) {
	tr, _ := newTestTracker(newFakeClock())
	c := newCall(t, "fork")

	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(180, sip.MethodInvite, 1, "b1", "leg-a"),
		c.response(183, sip.MethodInvite, 1, "b1", "leg-b"),
	)
	snap, _ := tr.Lookup("fork")
	assert.Equal(t, StateEarly, snap.State)
	assert.Equal(t, "leg-a", snap.RemoteTag)
	assert.Equal(t, []string{"leg-b"}, snap.Forks)
	assert.Equal(t, AnnotationForked, snap.Annotation)

	applyAll(t, tr, c.response(200, sip.MethodInvite, 1, "b1", "leg-b"))
	snap, _ = tr.Lookup("fork")
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Equal(t, "leg-b", snap.RemoteTag)
	assert.ElementsMatch(t, []string{"leg-a", "leg-b"}, snap.Forks)
}

func TestTracker_ProxiedInviteKeepsOriginalParties(t *testing.T) {
	proxy := netip.MustParseAddrPort("10.0.0.9:5060")
	c := newCall(t, "proxied")
	direct := c.request(sip.MethodInvite, 1, "z9hG4bK-a")
	direct.Meta.Dst = proxy

	hdrs := append([]sip.Header{
		{Name: "Via", Value: "SIP/2.0/UDP 10.0.0.9:5060;branch=z9hG4bK-p"},
	}, c.headers("z9hG4bK-a", 1, sip.MethodInvite, "")...)
	m, err := sip.NewRequest(sip.MethodInvite, "sip:bob@example.com", hdrs, nil)
	require.NoError(t, err)
	relayed := &sip.Packet{
		Msg:  m,
		Meta: core.TransportMeta{Src: proxy, Dst: bob, Transport: core.TransportUDP},
	}

	for _, order := range [][]*sip.Packet{{direct, relayed}, {relayed, direct}} {
		tr, _ := newTestTracker(newFakeClock())
		applyAll(t, tr, order...)

		snap, ok := tr.Lookup("proxied")
		require.True(t, ok)
		assert.Equal(t, alice, snap.Caller.Addr)
		assert.Equal(t, proxy, snap.Callee.Addr)
		assert.Len(t, snap.History, 2)
	}
}

func TestTracker_Orphans(t *testing.T) {
	tr, rec := newTestTracker(newFakeClock())
	c := newCall(t, "ghost")

	for _, p := range []*sip.Packet{
		c.request(sip.MethodBye, 2, "b1"),
		c.response(200, sip.MethodBye, 2, "b1", "x"),
		c.response(180, sip.MethodInvite, 1, "b0", "x"),
		c.request(sip.MethodBye, 2, "b1"),
	} {
		_, err := tr.Apply(p)
		assert.ErrorIs(t, err, core.ErrOrphanMessage)
	}
	assert.Empty(t, tr.Snapshot())
	assert.Empty(t, rec.trs)
}

func TestTracker_InactivityFiresOnce(t *testing.T) {
	clock := newFakeClock()
	tr, rec := newTestTracker(clock)
	c := newCall(t, "idle")

	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(180, sip.MethodInvite, 1, "b1", ""),
	)

	tr.Sweep(clock.Advance(30 * time.Second))
	snap, _ := tr.Lookup("idle")
	assert.Equal(t, StateProceeding, snap.State)

	tr.Sweep(clock.Advance(31 * time.Second))
	tr.Sweep(clock.Advance(time.Second))
	tr.Sweep(clock.Advance(time.Second))

	require.Len(t, rec.trs, 3)
	last := rec.trs[2]
	assert.Equal(t, StateProceeding, last.From)
	assert.Equal(t, StateTerminated, last.To)
	assert.ErrorIs(t, last.Cause, core.ErrInactivityTimeout)
	assert.Nil(t, last.Msg)
	assert.Equal(t, AnnotationTimedOut, last.Annotation)

	snap, ok := tr.Lookup("idle")
	require.True(t, ok)
	assert.Equal(t, AnnotationTimedOut, snap.Annotation)
}

func TestTracker_ActivityPostponesTimeout(t *testing.T) {
	clock := newFakeClock()
	tr, rec := newTestTracker(clock)
	c := newCall(t, "busy")

	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(200, sip.MethodInvite, 1, "b1", "x"),
	)
	clock.Advance(50 * time.Second)
	applyAll(t, tr, c.request(sip.MethodInfo, 2, "b2"))

	tr.Sweep(clock.Advance(50 * time.Second))
	snap, _ := tr.Lookup("busy")
	assert.Equal(t, StateConfirmed, snap.State)
	assert.Len(t, rec.trs, 2)
}

func TestTracker_RetransmissionsCountAsActivity(t *testing.T) {
	clock := newFakeClock()
	tr, rec := newTestTracker(clock)
	c := newCall(t, "resent")
	ok := c.response(200, sip.MethodInvite, 1, "b1", "x")

	applyAll(t, tr, c.request(sip.MethodInvite, 1, "b1"), ok)
	clock.Advance(50 * time.Second)
	res, err := tr.Apply(ok)
	require.NoError(t, err)
	require.True(t, res.Retransmission)

	tr.Sweep(clock.Advance(50 * time.Second))
	snap, _ := tr.Lookup("resent")
	assert.Equal(t, StateConfirmed, snap.State)

	tr.Sweep(clock.Advance(11 * time.Second))
	snap, _ = tr.Lookup("resent")
	assert.Equal(t, StateTerminated, snap.State)
	assert.Len(t, rec.trs, 3)
}

func TestTracker_FadeAndEvict(t *testing.T) {
	clock := newFakeClock()
	tr, _ := newTestTracker(clock)
	c := newCall(t, "fade")

	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(486, sip.MethodInvite, 1, "b1", "x"),
	)

	tr.Sweep(clock.Advance(4 * time.Second))
	snaps := tr.Snapshot()
	require.Len(t, snaps, 1)
	assert.InDelta(t, 0.8, snaps[0].Fade, 1e-9)
	assert.True(t, snaps[0].Visible())

	// Late ACK is recorded without a transition.
	applyAll(t, tr, c.request(sip.MethodAck, 1, "b1"))
	snap, _ := tr.Lookup("fade")
	assert.Equal(t, StateFailed, snap.State)
	assert.Len(t, snap.History, 3)

	tr.Sweep(clock.Advance(time.Second))
	assert.Empty(t, tr.Snapshot())

	_, err := tr.Apply(c.request(sip.MethodBye, 2, "b9"))
	assert.ErrorIs(t, err, core.ErrOrphanMessage)
}

func TestTracker_CallIDReuse(t *testing.T) {
	clock := newFakeClock()
	tr, rec := newTestTracker(clock)
	c := newCall(t, "reuse")
	invite := c.request(sip.MethodInvite, 1, "b1")

	applyAll(t, tr, invite, c.response(486, sip.MethodInvite, 1, "b1", "x"))

	res, err := tr.Apply(invite)
	require.NoError(t, err)
	assert.True(t, res.Retransmission, "retransmitted INVITE must not reopen")

	clock.Advance(time.Second)
	res, err = tr.Apply(c.request(sip.MethodInvite, 2, "b2"))
	require.NoError(t, err)
	assert.True(t, res.Created)

	snaps := tr.Snapshot()
	require.Len(t, snaps, 2)
	assert.False(t, snaps[0].Retired)
	assert.Equal(t, StateTrying, snaps[0].State)
	assert.True(t, snaps[1].Retired)
	assert.Equal(t, StateFailed, snaps[1].State)
	assert.Equal(t, []string{"none>trying", "trying>failed", "none>trying"}, rec.states())
	assert.Equal(t, snaps[0].CallID, snaps[1].CallID)
	assert.NotEqual(t, snaps[0].ID, snaps[1].ID)
	assert.True(t, strings.HasPrefix(snaps[0].ID, "reuse#"))

	tr.Sweep(clock.Advance(5 * time.Second))
	snaps = tr.Snapshot()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Retired)
}

func TestTracker_HistoryBounded(t *testing.T) {
	tr, _ := newTestTracker(newFakeClock())
	c := newCall(t, "chatty")

	applyAll(t, tr, c.request(sip.MethodInvite, 1, "b1"))
	for i := uint32(2); i < 20; i++ {
		applyAll(t, tr, c.request(sip.MethodInfo, i, fmt.Sprintf("info-%d", i)))
	}

	snap, _ := tr.Lookup("chatty")
	require.Len(t, snap.History, 8)
	assert.Equal(t, uint32(19), snap.History[7].Msg.CSeq().Seq)
	assert.Equal(t, uint32(12), snap.History[0].Msg.CSeq().Seq)
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr, _ := newTestTracker(newFakeClock())
	c := newCall(t, "copy")
	applyAll(t, tr,
		c.request(sip.MethodInvite, 1, "b1"),
		c.response(180, sip.MethodInvite, 1, "b1", "a"),
		c.response(180, sip.MethodInvite, 1, "b1", "b"),
	)

	snap, _ := tr.Lookup("copy")
	snap.Forks[0] = "mutated"
	snap.History[0] = sip.Packet{}

	again, _ := tr.Lookup("copy")
	assert.Equal(t, "b", again.Forks[0])
	assert.NotNil(t, again.History[0].Msg)
}

func TestTracker_RunAndSubmit(t *testing.T) {
	clock := newFakeClock()
	tr, rec := newTestTracker(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	for i := 0; i < 10; i++ {
		c := newCall(t, fmt.Sprintf("run-%d", i))
		require.NoError(t, tr.Submit(ctx, c.request(sip.MethodInvite, 1, "b1")))
		require.NoError(t, tr.Submit(ctx, c.response(200, sip.MethodInvite, 1, "b1", "x")))
	}

	dctx, dcancel := context.WithTimeout(ctx, time.Second)
	defer dcancel()
	require.NoError(t, tr.Drain(dctx))
	assert.Len(t, rec.states(), 20)

	for _, s := range tr.Snapshot() {
		assert.Equal(t, StateConfirmed, s.State, s.CallID)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTracker_SubmitHonorsContext(t *testing.T) {
	tr := New(Config{Partitions: 1, QueueSize: 1})
	c := newCall(t, "full")
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, tr.Submit(ctx, c.request(sip.MethodInvite, 1, "b1")))
	cancel()
	err := tr.Submit(ctx, c.request(sip.MethodInvite, 1, "b1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTracker_PartitionsAreStable(t *testing.T) {
	tr := New(Config{Partitions: 8})
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("id-%d", i)
		assert.Same(t, tr.partitionFor(id), tr.partitionFor(id))
	}
}
