// Package sip implements the SIP message model, a line-oriented parser and a
// canonical serializer. Messages are immutable once constructed.
package sip

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/tracevia/internal/core"
)

// Message is a parsed SIP request or response.
type Message struct {
	method     Method
	requestURI string
	statusCode int
	reason     string
	headers    Headers
	body       []byte

	// derived from headers by finalize
	callID   string
	from     Address
	to       Address
	cseq     CSeq
	branches []string
	contact  Address
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return m.statusCode == 0 }

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.statusCode != 0 }

// Method returns the request method; for responses it returns the CSeq method.
func (m *Message) Method() Method {
	if m.IsRequest() {
		return m.method
	}
	return m.cseq.Method
}

func (m *Message) RequestURI() string { return m.requestURI }
func (m *Message) StatusCode() int    { return m.statusCode }
func (m *Message) Reason() string     { return m.reason }

// Provisional reports a 1xx response.
func (m *Message) Provisional() bool { return m.statusCode >= 100 && m.statusCode < 200 }

// Success reports a 2xx response.
func (m *Message) Success() bool { return m.statusCode >= 200 && m.statusCode < 300 }

// FinalFailure reports a 3xx-6xx response.
func (m *Message) FinalFailure() bool { return m.statusCode >= 300 && m.statusCode < 700 }

func (m *Message) CallID() string     { return m.callID }
func (m *Message) From() Address      { return m.from }
func (m *Message) To() Address        { return m.to }
func (m *Message) FromTag() string    { return m.from.Tag }
func (m *Message) ToTag() string      { return m.to.Tag }
func (m *Message) CSeq() CSeq         { return m.cseq }
func (m *Message) Contact() Address   { return m.contact }
func (m *Message) Body() []byte       { return bytes.Clone(m.body) }
func (m *Message) Extra() []Header    { return m.headers.extras() }
func (m *Message) TopBranch() string  { return m.branches[0] }
func (m *Message) Branches() []string { return append([]string(nil), m.branches...) }

// Header returns the first value of an interpreted header.
func (m *Message) Header(name HeaderName) (string, bool) {
	return m.headers.first(name)
}

// Values returns every value of an interpreted header in wire order.
func (m *Message) Values(name HeaderName) []string {
	return m.headers.values(name)
}

// ExtraValue returns the first value of an extension header (case-insensitive).
func (m *Message) ExtraValue(name string) (string, bool) {
	for _, h := range m.headers.extra {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// StartLine returns the Request-Line or Status-Line without CRLF.
func (m *Message) StartLine() string {
	if m.IsRequest() {
		return string(m.method) + " " + m.requestURI + " " + sipVersion
	}
	line := sipVersion + " " + strconv.Itoa(m.statusCode)
	if m.reason != "" {
		line += " " + m.reason
	}
	return line
}

// Bytes serializes m. Interpreted headers are written under their canonical
// names, extension headers follow in their original order.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	b.Grow(256 + len(m.body))
	b.WriteString(m.StartLine())
	b.WriteString("\r\n")
	for h := HeaderVia; h < headerCount; h++ {
		for _, v := range m.headers.known[h] {
			writeHeader(&b, h.String(), v)
		}
	}
	for _, h := range m.headers.extra {
		writeHeader(&b, h.Name, h.Value)
	}
	b.WriteString("\r\n")
	b.Write(m.body)
	return b.Bytes()
}

func (m *Message) String() string {
	return string(m.Bytes())
}

func writeHeader(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// finalize checks the headers correlation depends on and derives the
// correlation fields from them.
func (m *Message) finalize() error {
	callID, ok := m.headers.first(HeaderCallID)
	if !ok || callID == "" {
		return parseErr(HeaderCallID.String(), "missing mandatory header")
	}
	m.callID = callID

	raw, ok := m.headers.first(HeaderCSeq)
	if !ok {
		return parseErr(HeaderCSeq.String(), "missing mandatory header")
	}
	cseq, err := parseCSeq(raw)
	if err != nil {
		return parseErr(HeaderCSeq.String(), "%v", err)
	}
	if m.IsRequest() && cseq.Method != m.method {
		return parseErr(HeaderCSeq.String(), "method %s does not match request method %s", cseq.Method, m.method)
	}
	m.cseq = cseq

	for _, h := range []HeaderName{HeaderFrom, HeaderTo} {
		v, ok := m.headers.first(h)
		if !ok {
			return parseErr(h.String(), "missing mandatory header")
		}
		addr, ok := parseAddress(v)
		if !ok {
			return parseErr(h.String(), "malformed address %q", v)
		}
		if h == HeaderFrom {
			m.from = addr
		} else {
			m.to = addr
		}
	}

	m.branches = viaBranches(m.headers.known[HeaderVia])
	if len(m.branches) == 0 {
		return parseErr(HeaderVia.String(), "missing mandatory header")
	}

	if v, ok := m.headers.first(HeaderContact); ok && v != "*" {
		addr, ok := parseAddress(v)
		if !ok {
			return parseErr(HeaderContact.String(), "malformed address %q", v)
		}
		m.contact = addr
	}
	return nil
}

// Packet is a parsed message together with where and when it was observed.
type Packet struct {
	Msg       *Message
	Meta      core.TransportMeta
	Timestamp time.Time
}
