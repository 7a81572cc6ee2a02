package sip

import "strings"

// HeaderName is the closed set of headers the monitor interprets. Anything
// else is kept verbatim as an extension header.
type HeaderName uint8

const (
	HeaderUnknown HeaderName = iota
	HeaderVia
	HeaderFrom
	HeaderTo
	HeaderCallID
	HeaderCSeq
	HeaderContact
	HeaderMaxForwards
	HeaderRoute
	HeaderRecordRoute
	HeaderUserAgent
	HeaderServer
	HeaderAllow
	HeaderSupported
	HeaderExpires
	HeaderReason
	HeaderContentType
	HeaderContentLength

	headerCount
)

var canonicalNames = [headerCount]string{
	HeaderUnknown:       "",
	HeaderVia:           "Via",
	HeaderFrom:          "From",
	HeaderTo:            "To",
	HeaderCallID:        "Call-ID",
	HeaderCSeq:          "CSeq",
	HeaderContact:       "Contact",
	HeaderMaxForwards:   "Max-Forwards",
	HeaderRoute:         "Route",
	HeaderRecordRoute:   "Record-Route",
	HeaderUserAgent:     "User-Agent",
	HeaderServer:        "Server",
	HeaderAllow:         "Allow",
	HeaderSupported:     "Supported",
	HeaderExpires:       "Expires",
	HeaderReason:        "Reason",
	HeaderContentType:   "Content-Type",
	HeaderContentLength: "Content-Length",
}

// RFC 3261 §7.3.3 compact forms.
var compactForms = map[string]HeaderName{
	"v": HeaderVia,
	"f": HeaderFrom,
	"t": HeaderTo,
	"i": HeaderCallID,
	"m": HeaderContact,
	"k": HeaderSupported,
	"c": HeaderContentType,
	"l": HeaderContentLength,
}

var byLowerName = func() map[string]HeaderName {
	m := make(map[string]HeaderName, headerCount)
	for h := HeaderVia; h < headerCount; h++ {
		m[strings.ToLower(canonicalNames[h])] = h
	}
	return m
}()

// LookupHeader maps a header name as seen on the wire (any case, compact
// form allowed) to a HeaderName. Unknown names return HeaderUnknown.
func LookupHeader(name string) HeaderName {
	lower := strings.ToLower(name)
	if h, ok := byLowerName[lower]; ok {
		return h
	}
	if h, ok := compactForms[lower]; ok {
		return h
	}
	return HeaderUnknown
}

// String returns the canonical header name.
func (h HeaderName) String() string {
	if h >= headerCount {
		return ""
	}
	return canonicalNames[h]
}

// Header is a raw name/value pair used for extension headers and for
// building messages.
type Header struct {
	Name  string
	Value string
}

// Headers stores interpreted headers by name and extension headers in the
// order they were seen. Values keep their per-name order.
type Headers struct {
	known [headerCount][]string
	extra []Header
}

func (h *Headers) add(name string, value string) {
	if k := LookupHeader(name); k != HeaderUnknown {
		h.known[k] = append(h.known[k], value)
		return
	}
	h.extra = append(h.extra, Header{Name: name, Value: value})
}

func (h *Headers) set(k HeaderName, value string) {
	h.known[k] = []string{value}
}

func (h *Headers) first(k HeaderName) (string, bool) {
	if len(h.known[k]) == 0 {
		return "", false
	}
	return h.known[k][0], true
}

func (h *Headers) values(k HeaderName) []string {
	if len(h.known[k]) == 0 {
		return nil
	}
	out := make([]string, len(h.known[k]))
	copy(out, h.known[k])
	return out
}

func (h *Headers) extras() []Header {
	if len(h.extra) == 0 {
		return nil
	}
	out := make([]Header, len(h.extra))
	copy(out, h.extra)
	return out
}
