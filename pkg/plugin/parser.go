package plugin

import (
	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/sip"
)

// Parser turns transport payloads into SIP packets.
type Parser interface {
	Plugin
	CanHandle(frame *core.RawFrame) bool
	Handle(frame *core.RawFrame) (*sip.Packet, error)
}
