// Package dialog implements the dialog state tracker.
// It correlates parsed SIP packets into dialogs keyed by Call-ID, drops
// retransmissions per transaction and drives each dialog through its call
// state machine.
package dialog

import (
	"net/netip"
	"slices"
	"time"

	"github.com/qmuntal/stateless"

	"firestige.xyz/tracevia/internal/sip"
)

// Annotations attached to a dialog.
const (
	AnnotationTimedOut = "timed out"
	AnnotationForked   = "forked"
)

// Party is one side of a dialog as first seen on the INVITE.
type Party struct {
	Addr netip.AddrPort `json:"addr"`
	Name string         `json:"name"`
	User string         `json:"user"`
	URI  string         `json:"uri"`
}

// Transition is emitted once per state change. Msg is nil when the change
// was caused by the inactivity policy, in which case Cause is set.
type Transition struct {
	CallID     string
	From       State
	To         State
	At         time.Time
	Msg        *sip.Message
	Cause      error
	Annotation string
}

// Dialog is the live, mutable record owned by one partition.
type Dialog struct {
	id        string
	callID    string
	localTag  string
	remoteTag string
	state     State
	fsm       *stateless.StateMachine

	caller Party
	callee Party
	// hops is the Via count of the INVITE the parties were taken from.
	hops      int
	inviteSeq uint32

	history    []sip.Packet
	maxHistory int

	created      time.Time
	lastActivity time.Time
	ended        time.Time

	annotation  string
	finalStatus int
	forks       []string

	txs map[txKey]*transaction
}

func newDialog(id string, pkt *sip.Packet, now time.Time, maxHistory int) *Dialog {
	msg := pkt.Msg
	from, to := msg.From(), msg.To()
	d := &Dialog{
		id:       id,
		callID:   msg.CallID(),
		localTag: msg.FromTag(),
		state:    StateTrying,
		caller: Party{
			Addr: pkt.Meta.Src,
			Name: from.Name(),
			User: from.User(),
			URI:  from.URI,
		},
		callee: Party{
			Addr: pkt.Meta.Dst,
			Name: to.Name(),
			User: to.User(),
			URI:  to.URI,
		},
		hops:         len(msg.Branches()),
		inviteSeq:    msg.CSeq().Seq,
		maxHistory:   maxHistory,
		created:      now,
		lastActivity: now,
		txs:          make(map[txKey]*transaction),
	}
	d.fsm = newMachine(d)
	return d
}

// preferOrigin takes the parties from pkt when it is a copy of the initial
// INVITE seen closer to the UAC, i.e. with fewer Via hops. A proxied call
// then keeps the same caller and callee whichever copy was applied first.
func (d *Dialog) preferOrigin(pkt *sip.Packet) {
	msg := pkt.Msg
	if !msg.IsRequest() || msg.Method() != sip.MethodInvite || msg.CSeq().Seq != d.inviteSeq {
		return
	}
	if msg.FromTag() != d.localTag {
		return
	}
	hops := len(msg.Branches())
	if hops >= d.hops {
		return
	}
	d.hops = hops
	d.caller.Addr = pkt.Meta.Src
	d.callee.Addr = pkt.Meta.Dst
}

// observe runs the retransmission filter for msg.
func (d *Dialog) observe(msg *sip.Message) (duplicate bool) {
	k := keyOf(msg)
	tx, ok := d.txs[k]
	if !ok {
		tx = &transaction{}
		d.txs[k] = tx
	}
	return tx.observe(msg)
}

// retransmitted reports whether msg repeats a request already observed,
// without recording it.
func (d *Dialog) retransmitted(msg *sip.Message) bool {
	tx, ok := d.txs[keyOf(msg)]
	return ok && msg.IsRequest() && tx.request && tx.highest == msg.CSeq().Seq
}

func (d *Dialog) record(pkt *sip.Packet) {
	if d.maxHistory <= 0 {
		return
	}
	if len(d.history) >= d.maxHistory {
		copy(d.history, d.history[1:])
		d.history = d.history[:len(d.history)-1]
	}
	d.history = append(d.history, *pkt)
}

// learnTags records the remote tag of an INVITE response. The first tag
// completes the dialog, other provisional tags are fork legs, and a 2xx tag
// always wins.
func (d *Dialog) learnTags(msg *sip.Message) {
	tag := msg.ToTag()
	if tag == "" || msg.CSeq().Method != sip.MethodInvite || msg.IsRequest() {
		return
	}
	switch {
	case d.remoteTag == "":
		d.remoteTag = tag
	case tag == d.remoteTag:
	case msg.Success():
		d.addFork(d.remoteTag)
		d.remoteTag = tag
	case msg.Provisional():
		d.addFork(tag)
	}
}

func (d *Dialog) addFork(tag string) {
	if !slices.Contains(d.forks, tag) {
		d.forks = append(d.forks, tag)
	}
	if d.annotation == "" {
		d.annotation = AnnotationForked
	}
}

// fire attempts trigger and reports the transition when the state changed.
func (d *Dialog) fire(trigger string, at time.Time) (Transition, bool, error) {
	ok, err := d.fsm.CanFire(trigger)
	if err != nil || !ok {
		return Transition{}, false, err
	}
	from := d.state
	if err := d.fsm.Fire(trigger); err != nil {
		return Transition{}, false, err
	}
	if d.state.Terminal() {
		d.ended = at
	}
	return Transition{
		CallID: d.callID,
		From:   from,
		To:     d.state,
		At:     at,
	}, true, nil
}

// Snapshot is a read-only copy of a dialog.
type Snapshot struct {
	// ID is unique per dialog, also across Call-ID reuse.
	ID           string       `json:"id"`
	CallID       string       `json:"call_id"`
	LocalTag     string       `json:"local_tag"`
	RemoteTag    string       `json:"remote_tag,omitempty"`
	State        State        `json:"state"`
	Caller       Party        `json:"caller"`
	Callee       Party        `json:"callee"`
	History      []sip.Packet `json:"-"`
	Created      time.Time    `json:"created"`
	LastActivity time.Time    `json:"last_activity"`
	Ended        time.Time    `json:"ended,omitzero"`
	Annotation   string       `json:"annotation,omitempty"`
	FinalStatus  int          `json:"final_status,omitempty"`
	Forks        []string     `json:"forks,omitempty"`
	Retired      bool         `json:"retired,omitempty"`
	// Fade runs from 0 when a dialog ends to 1 when it is evicted.
	Fade float64 `json:"fade"`
}

func (d *Dialog) snapshot(now time.Time, fadeOut time.Duration, retired bool) Snapshot {
	s := Snapshot{
		ID:           d.id,
		CallID:       d.callID,
		LocalTag:     d.localTag,
		RemoteTag:    d.remoteTag,
		State:        d.state,
		Caller:       d.caller,
		Callee:       d.callee,
		History:      slices.Clone(d.history),
		Created:      d.created,
		LastActivity: d.lastActivity,
		Ended:        d.ended,
		Annotation:   d.annotation,
		FinalStatus:  d.finalStatus,
		Forks:        slices.Clone(d.forks),
		Retired:      retired,
	}
	if d.state.Terminal() {
		s.Fade = fade(now.Sub(d.ended), fadeOut)
	}
	return s
}

func fade(elapsed, window time.Duration) float64 {
	if window <= 0 || elapsed >= window {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / float64(window)
}

// Visible reports whether the dialog is still drawn: live, or ended within the
// fade window.
func (s Snapshot) Visible() bool {
	return !s.State.Terminal() || s.Fade < 1
}
