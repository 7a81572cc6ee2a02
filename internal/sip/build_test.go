package sip

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageOpts = cmp.AllowUnexported(Message{}, Headers{})

func dialogHeaders(method Method, toTag string) []Header {
	to := "<sip:bob@biloxi.example.com>"
	if toTag != "" {
		to += ";tag=" + toTag
	}
	return []Header{
		{Name: "Via", Value: "SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bKnashds8"},
		{Name: "From", Value: `"Alice" <sip:alice@atlanta.example.com>;tag=9fxced76sl`},
		{Name: "To", Value: to},
		{Name: "Call-ID", Value: "3848276298220188511@atlanta.example.com"},
		{Name: "CSeq", Value: "1 " + string(method)},
	}
}

func TestRoundTrip(t *testing.T) {
	build := func(f func() (*Message, error)) *Message {
		m, err := f()
		require.NoError(t, err)
		return m
	}

	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "invite with body and extension headers",
			msg: build(func() (*Message, error) {
				h := append(dialogHeaders(MethodInvite, ""),
					Header{Name: "Contact", Value: "<sip:alice@192.0.2.101>"},
					Header{Name: "X-Custom", Value: "one"},
					Header{Name: "x-custom", Value: "two"},
					Header{Name: "Content-Type", Value: "application/sdp"})
				return NewRequest(MethodInvite, "sip:bob@biloxi.example.com", h, []byte("v=0\r\no=- 0 0 IN IP4 192.0.2.101\r\n"))
			}),
		},
		{
			name: "response with empty reason",
			msg: build(func() (*Message, error) {
				return NewResponse(200, "", dialogHeaders(MethodInvite, "8321234356"), nil)
			}),
		},
		{
			name: "response with multiple vias",
			msg: build(func() (*Message, error) {
				h := append([]Header{{Name: "Via", Value: "SIP/2.0/UDP proxy.example.com;branch=z9hG4bK1, SIP/2.0/TCP edge;branch=z9hG4bK2"}},
					dialogHeaders(MethodBye, "8321234356")...)
				return NewResponse(481, "Call/Transaction Does Not Exist", h, nil)
			}),
		},
		{
			name: "parsed message",
			msg: build(func() (*Message, error) {
				return Parse(crlf(inviteLines...))
			}),
		},
		{
			name: "parsed compact response",
			msg: build(func() (*Message, error) {
				return Parse(crlf(ringingLines...))
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.msg.Bytes())
			require.NoError(t, err)
			if diff := cmp.Diff(tt.msg, got, messageOpts); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRequestSetsContentLength(t *testing.T) {
	h := append(dialogHeaders(MethodInvite, ""), Header{Name: "Content-Length", Value: "999"})
	m, err := NewRequest(MethodInvite, "sip:bob@biloxi.example.com", h, []byte("abc"))
	require.NoError(t, err)

	assert.Equal(t, []string{"3"}, m.Values(HeaderContentLength))
	assert.Equal(t, []byte("abc"), m.Body())
}

func TestBuildRejects(t *testing.T) {
	_, err := NewRequest("IN VITE", "sip:bob@example.com", dialogHeaders(MethodInvite, ""), nil)
	assert.Error(t, err)

	_, err = NewRequest(MethodInvite, "bob", dialogHeaders(MethodInvite, ""), nil)
	assert.Error(t, err)

	_, err = NewResponse(700, "Bad", dialogHeaders(MethodInvite, ""), nil)
	assert.Error(t, err)

	h := append(dialogHeaders(MethodInvite, ""), Header{Name: "X-Evil", Value: "a\r\nVia: injected"})
	_, err = NewRequest(MethodInvite, "sip:bob@example.com", h, nil)
	assert.Error(t, err)

	_, err = NewRequest(MethodBye, "sip:bob@example.com", dialogHeaders(MethodInvite, ""), nil)
	assert.Error(t, err)
}

func TestAccessorsReturnCopies(t *testing.T) {
	m, err := Parse(crlf(ringingLines...))
	require.NoError(t, err)

	b := m.Branches()
	b[0] = "mutated"
	assert.Equal(t, "z9hG4bK4b43c2ff8.1", m.TopBranch())

	vias := m.Values(HeaderVia)
	vias[0] = "mutated"
	assert.NotEqual(t, "mutated", m.Values(HeaderVia)[0])
}
