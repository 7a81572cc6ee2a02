package sip

import (
	"fmt"

	"firestige.xyz/tracevia/internal/core"
)

// Field names reported by ParseError.
const (
	FieldStartLine     = "start-line"
	FieldHeader        = "header"
	FieldHeaderFolding = "header-folding"
	FieldBody          = "body"
)

// ParseError reports a malformed frame and names the element that could
// not be decoded. It matches core.ErrParse with errors.Is.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sip: malformed %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return core.ErrParse
}

func parseErr(field, format string, args ...any) *ParseError {
	return &ParseError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
