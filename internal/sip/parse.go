package sip

import (
	"bytes"
	"strconv"
	"strings"
)

const sipVersion = "SIP/2.0"

// Parse decodes one SIP message from a complete frame. The returned message
// does not alias data. Failures are *ParseError values.
func Parse(data []byte) (*Message, error) {
	head, body, ok := splitHead(data)
	if !ok {
		return nil, parseErr(FieldHeader, "header section is not terminated by an empty line")
	}

	lines := strings.Split(string(head), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	// skip leading keep-alive CRLFs
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return nil, parseErr(FieldStartLine, "empty message")
	}

	m := &Message{}
	if err := m.parseStartLine(strings.TrimSpace(lines[0])); err != nil {
		return nil, err
	}
	if err := m.parseHeaders(lines[1:]); err != nil {
		return nil, err
	}
	if err := m.parseBody(body); err != nil {
		return nil, err
	}
	if err := m.finalize(); err != nil {
		return nil, err
	}
	return m, nil
}

// splitHead returns the bytes before the blank line and the bytes after it.
func splitHead(data []byte) ([]byte, []byte, bool) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return nil, nil, false
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return data[:crlf], data[crlf+4:], true
	default:
		return data[:lf], data[lf+2:], true
	}
}

func (m *Message) parseStartLine(line string) error {
	if strings.HasPrefix(strings.ToUpper(line), "SIP/") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return parseErr(FieldStartLine, "status line %q", line)
		}
		if !strings.EqualFold(parts[0], sipVersion) {
			return parseErr(FieldStartLine, "unsupported version %q", parts[0])
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || len(parts[1]) != 3 || code < 100 || code > 699 {
			return parseErr(FieldStartLine, "invalid status code %q", parts[1])
		}
		m.statusCode = code
		if len(parts) == 3 {
			m.reason = strings.TrimSpace(parts[2])
		}
		return nil
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return parseErr(FieldStartLine, "request line %q", line)
	}
	if !isToken(parts[0]) {
		return parseErr(FieldStartLine, "invalid method %q", parts[0])
	}
	if parts[1] == "" || !strings.Contains(parts[1], ":") {
		return parseErr(FieldStartLine, "invalid request URI %q", parts[1])
	}
	if !strings.EqualFold(parts[2], sipVersion) {
		return parseErr(FieldStartLine, "unsupported version %q", parts[2])
	}
	m.method = Method(parts[0])
	m.requestURI = parts[1]
	return nil
}

func (m *Message) parseHeaders(lines []string) error {
	// unfold continuation lines first
	var unfolded []string
	for _, l := range lines {
		if l == "" {
			continue
		}
		if l[0] == ' ' || l[0] == '\t' {
			if len(unfolded) == 0 {
				return parseErr(FieldHeaderFolding, "continuation line before first header")
			}
			unfolded[len(unfolded)-1] += " " + strings.TrimSpace(l)
			continue
		}
		unfolded = append(unfolded, l)
	}

	for _, l := range unfolded {
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			return parseErr(FieldHeader, "line without colon %q", l)
		}
		name = strings.TrimSpace(name)
		if !isToken(name) {
			return parseErr(FieldHeader, "invalid header name %q", name)
		}
		m.headers.add(name, strings.TrimSpace(value))
	}
	return nil
}

func (m *Message) parseBody(rest []byte) error {
	raw, ok := m.headers.first(HeaderContentLength)
	if !ok {
		if len(bytes.TrimSpace(rest)) > 0 {
			return parseErr(HeaderContentLength.String(), "missing for non-empty body")
		}
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return parseErr(HeaderContentLength.String(), "invalid value %q", raw)
	}
	if n > len(rest) {
		return parseErr(FieldBody, "declared %d bytes, %d present", n, len(rest))
	}
	if n > 0 {
		m.body = bytes.Clone(rest[:n])
	}
	return nil
}
