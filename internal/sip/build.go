package sip

import (
	"strconv"
	"strings"
)

// NewRequest builds a request from its parts. Content-Length is always
// derived from body. The result satisfies Parse(m.Bytes()) == m.
func NewRequest(method Method, uri string, headers []Header, body []byte) (*Message, error) {
	if !isToken(string(method)) {
		return nil, parseErr(FieldStartLine, "invalid method %q", method)
	}
	if uri == "" || strings.ContainsAny(uri, " \t\r\n") || !strings.Contains(uri, ":") {
		return nil, parseErr(FieldStartLine, "invalid request URI %q", uri)
	}
	m := &Message{method: method, requestURI: uri}
	return m.build(headers, body)
}

// NewResponse builds a response. The CSeq header decides which request
// method the response answers.
func NewResponse(code int, reason string, headers []Header, body []byte) (*Message, error) {
	if code < 100 || code > 699 {
		return nil, parseErr(FieldStartLine, "invalid status code %d", code)
	}
	reason = strings.TrimSpace(reason)
	if strings.ContainsAny(reason, "\r\n") {
		return nil, parseErr(FieldStartLine, "reason phrase contains a line break")
	}
	m := &Message{statusCode: code, reason: reason}
	return m.build(headers, body)
}

func (m *Message) build(headers []Header, body []byte) (*Message, error) {
	for _, h := range headers {
		if !isToken(h.Name) {
			return nil, parseErr(FieldHeader, "invalid header name %q", h.Name)
		}
		if strings.ContainsAny(h.Value, "\r\n") {
			return nil, parseErr(FieldHeader, "%s value contains a line break", h.Name)
		}
		if LookupHeader(h.Name) == HeaderContentLength {
			continue
		}
		m.headers.add(h.Name, strings.TrimSpace(h.Value))
	}
	m.headers.set(HeaderContentLength, strconv.Itoa(len(body)))
	if len(body) > 0 {
		m.body = append([]byte(nil), body...)
	}
	if err := m.finalize(); err != nil {
		return nil, err
	}
	return m, nil
}
