package decoder

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/tracevia/internal/core"
)

type streamFactory struct {
	decoder *Decoder
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src, _ := netip.AddrFromSlice(netFlow.Src().Raw())
	dst, _ := netip.AddrFromSlice(netFlow.Dst().Raw())
	return &sipStream{
		decoder: f.decoder,
		meta: core.TransportMeta{
			Src:       netip.AddrPortFrom(src, binary.BigEndian.Uint16(tcpFlow.Src().Raw())),
			Dst:       netip.AddrPortFrom(dst, binary.BigEndian.Uint16(tcpFlow.Dst().Raw())),
			Transport: core.TransportTCP,
		},
	}
}

// sipStream buffers one TCP direction and emits a frame per complete SIP
// message.
type sipStream struct {
	decoder *Decoder
	meta    core.TransportMeta
	buf     []byte
}

func (s *sipStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, r := range rs {
		if r.Skip != 0 {
			// gap in the byte stream; a partial message cannot be recovered
			s.buf = s.buf[:0]
		}
		s.buf = append(s.buf, r.Bytes...)
		for {
			msg, rest, ok := splitMessage(s.buf)
			if !ok {
				break
			}
			s.decoder.pending = append(s.decoder.pending, core.RawFrame{
				Payload:   msg,
				Timestamp: r.Seen,
				Meta:      s.meta,
			})
			s.buf = append(s.buf[:0], rest...)
		}
		if len(s.buf) > s.decoder.cfg.MaxStreamBuffer {
			s.decoder.streamDrops.Add(1)
			s.buf = s.buf[:0]
		}
	}
}

func (s *sipStream) ReassemblyComplete() {
	s.buf = nil
}

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// splitMessage cuts the first complete SIP message from a stream buffer,
// skipping keep-alive CRLFs in front of it. The returned message is a copy.
func splitMessage(buf []byte) (msg, rest []byte, ok bool) {
	start := 0
	for start < len(buf) && (buf[start] == '\r' || buf[start] == '\n') {
		start++
	}
	b := buf[start:]

	headEnd := -1
	if i := bytes.Index(b, crlfcrlf); i >= 0 {
		headEnd = i + len(crlfcrlf)
	}
	if i := bytes.Index(b, lflf); i >= 0 && (headEnd < 0 || i+len(lflf) < headEnd) {
		headEnd = i + len(lflf)
	}
	if headEnd < 0 {
		return nil, buf, false
	}

	n := contentLength(b[:headEnd])
	if len(b) < headEnd+n {
		return nil, buf, false
	}
	return bytes.Clone(b[:headEnd+n]), b[headEnd+n:], true
}

// contentLength reads Content-Length (or its compact form) from a header
// block. A missing or unusable value counts as zero; the parser reports it.
func contentLength(head []byte) int {
	for _, line := range strings.Split(string(head), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !strings.EqualFold(name, "Content-Length") && !strings.EqualFold(name, "l") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}
