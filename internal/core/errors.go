// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Components wrap them with fmt.Errorf("...: %w", err) and
// callers match with errors.Is.
var (
	// Wire reader errors
	ErrTransientIO     = errors.New("tracevia: transient source i/o failure")
	ErrSourceExhausted = errors.New("tracevia: source exhausted")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("tracevia: packet too short")
	ErrUnsupportedProto = errors.New("tracevia: unsupported protocol")

	// SIP handling errors
	ErrParse             = errors.New("tracevia: sip parse error")
	ErrOrphanMessage     = errors.New("tracevia: orphan sip message")
	ErrInactivityTimeout = errors.New("tracevia: dialog inactivity timeout")

	// Engine lifecycle errors
	ErrEngineStarted    = errors.New("tracevia: engine already started")
	ErrEngineNotStarted = errors.New("tracevia: engine not started")
	ErrEngineStopped    = errors.New("tracevia: engine stopped")

	// Plugin errors
	ErrPluginNotFound   = errors.New("tracevia: plugin not found")
	ErrPluginInitFailed = errors.New("tracevia: plugin init failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("tracevia: invalid configuration")
)
