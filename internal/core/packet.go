// Package core defines core data structures with zero external dependencies.
package core

import (
	"net/netip"
	"time"
)

// RawPacket is a link-layer packet handed over by a capturer.
type RawPacket struct {
	Data           []byte    // Raw frame data, owned by the receiver
	Timestamp      time.Time // Capture timestamp
	CaptureLen     uint32    // Actual captured length
	OrigLen        uint32    // Original frame length
	InterfaceIndex int       // Network interface index
}

// Transport identifies the L4 protocol a SIP message travelled on.
type Transport uint8

const (
	TransportUnknown Transport = iota
	TransportUDP
	TransportTCP
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// TransportMeta describes where a RawFrame was observed on the wire.
type TransportMeta struct {
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Transport Transport
}

// RawFrame is one application payload: a UDP datagram or a SIP message cut
// out of a reassembled TCP stream. Immutable once created.
type RawFrame struct {
	Payload   []byte
	Timestamp time.Time
	Meta      TransportMeta
}
