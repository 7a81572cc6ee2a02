// Package ami reads extension presence from an Asterisk Manager Interface
// and publishes it to the endpoint registry.
package ami

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Message is one AMI block: "Key: Value" lines ended by an empty line.
// Keys keep the case Asterisk sends.
type Message map[string]string

// Get returns the value of key, falling back to a case-insensitive match.
func (m Message) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Event returns the event name, empty for responses.
func (m Message) Event() string { return m.Get("Event") }

// Response returns the response status, empty for events.
func (m Message) Response() string { return m.Get("Response") }

// ReadMessage reads the next non-empty block. Lines without a "Key:" prefix,
// like the greeting banner, are skipped. io.EOF is returned only between
// blocks; a block cut short yields io.ErrUnexpectedEOF.
func ReadMessage(r *bufio.Reader) (Message, error) {
	msg := Message{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(msg) == 0 && strings.TrimSpace(line) == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		msg[key] = strings.TrimSpace(value)
	}
}

// Action is an outgoing request; fields are written in order.
type Action struct {
	Name   string
	Fields [][2]string
}

// Encode renders the action as a CRLF-terminated block.
func (a Action) Encode() []byte {
	var b bytes.Buffer
	b.WriteString("Action: ")
	b.WriteString(a.Name)
	b.WriteString("\r\n")
	for _, f := range a.Fields {
		b.WriteString(f[0])
		b.WriteString(": ")
		b.WriteString(f[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
