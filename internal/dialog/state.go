package dialog

import (
	"context"

	"github.com/qmuntal/stateless"

	"firestige.xyz/tracevia/internal/sip"
)

// State is the lifecycle state of a dialog.
type State uint8

const (
	StateNone State = iota
	StateTrying
	StateProceeding
	StateEarly
	StateConfirmed
	StateTerminated
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StateNone:       "none",
	StateTrying:     "trying",
	StateProceeding: "proceeding",
	StateEarly:      "early",
	StateConfirmed:  "confirmed",
	StateTerminated: "terminated",
	StateFailed:     "failed",
	StateCancelled:  "cancelled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed || s == StateCancelled
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	evtRecvProvisional = "recv_1xx"
	evtRecvEarly       = "recv_1xx_tagged"
	evtRecv2xx         = "recv_2xx"
	evtRecv300699      = "recv_300699"
	evtByeAccepted     = "bye_2xx"
	evtCancelAccepted  = "cancel_2xx"
	evtInactivity      = "inactivity"
)

// newMachine binds a state machine to the dialog's state field. Triggers not
// permitted in the current state are rejected by CanFire and never fired.
func newMachine(d *Dialog) *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return d.state, nil
		},
		func(_ context.Context, s stateless.State) error {
			d.state = s.(State)
			return nil
		},
		stateless.FiringImmediate,
	)

	fsm.Configure(StateTrying).
		Permit(evtRecvProvisional, StateProceeding).
		Permit(evtRecvEarly, StateEarly).
		Permit(evtRecv2xx, StateConfirmed).
		Permit(evtRecv300699, StateFailed).
		Permit(evtCancelAccepted, StateCancelled).
		Permit(evtInactivity, StateTerminated)

	fsm.Configure(StateProceeding).
		Permit(evtRecvEarly, StateEarly).
		Permit(evtRecv2xx, StateConfirmed).
		Permit(evtRecv300699, StateFailed).
		Permit(evtCancelAccepted, StateCancelled).
		Permit(evtInactivity, StateTerminated)

	fsm.Configure(StateEarly).
		Permit(evtRecv2xx, StateConfirmed).
		Permit(evtRecv300699, StateFailed).
		Permit(evtCancelAccepted, StateCancelled).
		Permit(evtInactivity, StateTerminated)

	fsm.Configure(StateConfirmed).
		Permit(evtByeAccepted, StateTerminated).
		Permit(evtCancelAccepted, StateCancelled).
		Permit(evtInactivity, StateTerminated)

	fsm.Configure(StateTerminated)
	fsm.Configure(StateFailed)
	fsm.Configure(StateCancelled)

	return fsm
}

// triggerFor maps a message to the machine trigger it carries, if any.
// Requests never move a dialog; creation by INVITE is handled by the tracker.
func triggerFor(msg *sip.Message) (string, bool) {
	if !msg.IsResponse() {
		return "", false
	}
	switch msg.CSeq().Method {
	case sip.MethodInvite:
		switch {
		case msg.Provisional() && msg.ToTag() == "":
			return evtRecvProvisional, true
		case msg.Provisional():
			return evtRecvEarly, true
		case msg.Success():
			return evtRecv2xx, true
		case msg.FinalFailure():
			return evtRecv300699, true
		}
	case sip.MethodBye:
		if msg.Success() {
			return evtByeAccepted, true
		}
	case sip.MethodCancel:
		if msg.Success() {
			return evtCancelAccepted, true
		}
	}
	return "", false
}
