package plugin

import (
	"context"

	"github.com/google/gopacket/layers"

	"firestige.xyz/tracevia/internal/core"
)

// Capturer reads link-layer packets from a live interface or a trace file.
// Capture blocks until ctx is done or the source fails. A finite source
// returns core.ErrSourceExhausted once every packet has been delivered.
type Capturer interface {
	Plugin
	Capture(ctx context.Context, output chan<- core.RawPacket) error
	Stats() CaptureStats
	// LinkType is valid after Start.
	LinkType() layers.LinkType
}

// CaptureStats represents capture statistics.
type CaptureStats struct {
	PacketsReceived  uint64
	PacketsDropped   uint64
	PacketsIfDropped uint64
}
