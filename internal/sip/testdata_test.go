package sip

import "strings"

// crlf joins lines with CRLF the way messages appear on the wire.
func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

var inviteLines = []string{
	"INVITE sip:bob@biloxi.example.com SIP/2.0",
	"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bK776asdhds",
	"Max-Forwards: 70",
	`To: "Bob" <sip:bob@biloxi.example.com>`,
	`From: "Alice" <sip:alice@atlanta.example.com>;tag=1928301774`,
	"Call-ID: a84b4c76e66710@pc33.atlanta.example.com",
	"CSeq: 314159 INVITE",
	"Contact: <sip:alice@pc33.atlanta.example.com>",
	"X-Trace: abc",
	"Content-Type: application/sdp",
	"Content-Length: 4",
	"",
	"v=0\n",
}

var ringingLines = []string{
	"SIP/2.0 180 Ringing",
	"Via: SIP/2.0/UDP server10.biloxi.example.com;branch=z9hG4bK4b43c2ff8.1",
	"Via: SIP/2.0/UDP pc33.atlanta.example.com;branch=z9hG4bK776asdhds",
	`To: Bob <sip:bob@biloxi.example.com>;tag=a6c85cf`,
	`From: Alice <sip:alice@atlanta.example.com>;tag=1928301774`,
	"Call-ID: a84b4c76e66710@pc33.atlanta.example.com",
	"CSeq: 314159 INVITE",
	"Content-Length: 0",
	"",
	"",
}
