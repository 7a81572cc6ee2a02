package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransportString(t *testing.T) {
	tests := []struct {
		in   Transport
		want string
	}{
		{TransportUDP, "udp"},
		{TransportTCP, "tcp"},
		{TransportUnknown, "unknown"},
		{Transport(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Transport(%d).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	sentinels := []error{
		ErrTransientIO, ErrSourceExhausted, ErrParse, ErrOrphanMessage,
		ErrInactivityTimeout, ErrEngineStarted, ErrEngineNotStarted, ErrConfigInvalid,
	}
	for _, s := range sentinels {
		wrapped := fmt.Errorf("context: %w", s)
		if !errors.Is(wrapped, s) {
			t.Errorf("errors.Is failed for %v", s)
		}
	}
}

func TestFrameLookup(t *testing.T) {
	f := &Frame{
		Nodes: []Node{{ID: "ep-1"}, {ID: "ep-2"}},
		Edges: []Edge{{ID: "call-a", From: "ep-1", To: "ep-2"}},
	}
	if _, ok := f.NodeByID("ep-2"); !ok {
		t.Error("expected ep-2 to be found")
	}
	if _, ok := f.NodeByID("ep-3"); ok {
		t.Error("ep-3 should not exist")
	}
	e, ok := f.EdgeByID("call-a")
	if !ok || e.To != "ep-2" {
		t.Errorf("EdgeByID(call-a) = %+v, %v", e, ok)
	}
}
