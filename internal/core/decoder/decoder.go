// Package decoder turns captured link-layer packets into transport frames.
// UDP datagrams map to one frame each; IPv4 fragments are reassembled first;
// TCP byte streams are reassembled per flow and cut at SIP message
// boundaries.
package decoder

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/tracevia/internal/core"
)

// Config controls reassembly limits.
type Config struct {
	// FragmentTimeout discards incomplete IPv4 datagrams older than this.
	FragmentTimeout time.Duration
	// FlushDelay is how long out-of-order TCP data waits for a missing
	// segment before it is delivered anyway.
	FlushDelay time.Duration
	// MaxStreamBuffer bounds the bytes held per TCP direction while
	// waiting for a message to complete.
	MaxStreamBuffer int
}

func (c *Config) applyDefaults() {
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = 30 * time.Second
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 2 * time.Second
	}
	if c.MaxStreamBuffer <= 0 {
		c.MaxStreamBuffer = 64 * 1024
	}
}

// Decoder is not safe for concurrent use, except for StreamDrops. One
// decoder serves one capture source.
type Decoder struct {
	cfg      Config
	linkType layers.LinkType

	eth   layers.Ethernet
	dot1q layers.Dot1Q
	sll   layers.LinuxSLL
	ip4   layers.IPv4
	ip6   layers.IPv6
	udp   layers.UDP
	tcp   layers.TCP

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	defrag    *ip4defrag.IPv4Defragmenter
	assembler *tcpassembly.Assembler
	pending   []core.RawFrame

	streamDrops atomic.Uint64
}

// New creates a decoder for packets of the given link type.
func New(linkType layers.LinkType, cfg Config) (*Decoder, error) {
	cfg.applyDefaults()
	d := &Decoder{
		cfg:      cfg,
		linkType: linkType,
		decoded:  make([]gopacket.LayerType, 0, 8),
		defrag:   ip4defrag.NewIPv4Defragmenter(),
	}

	dls := []gopacket.DecodingLayer{&d.eth, &d.dot1q, &d.sll, &d.ip4, &d.ip6, &d.udp, &d.tcp}
	d.parsers = make(map[gopacket.LayerType]*gopacket.DecodingLayerParser)
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet,
		layers.LayerTypeLinuxSLL,
		layers.LayerTypeIPv4,
		layers.LayerTypeIPv6,
		layers.LayerTypeUDP,
		layers.LayerTypeTCP,
	} {
		p := gopacket.NewDecodingLayerParser(first, dls...)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}

	switch linkType {
	case layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL, layers.LinkTypeRaw,
		layers.LinkTypeIPv4, layers.LinkTypeIPv6:
	default:
		return nil, fmt.Errorf("link type %s: %w", linkType, core.ErrUnsupportedProto)
	}

	pool := tcpassembly.NewStreamPool(&streamFactory{decoder: d})
	d.assembler = tcpassembly.NewAssembler(pool)
	return d, nil
}

func (d *Decoder) firstLayer(data []byte) gopacket.LayerType {
	switch d.linkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6
	}
	if len(data) > 0 && data[0]>>4 == 6 {
		return layers.LayerTypeIPv6
	}
	return layers.LayerTypeIPv4
}

// Decode decodes one packet and returns the transport frames it completes.
// A TCP segment may complete zero or several SIP messages. The packet data
// must not be modified after the call.
func (d *Decoder) Decode(pkt core.RawPacket) ([]core.RawFrame, error) {
	if err := d.parsers[d.firstLayer(pkt.Data)].DecodeLayers(pkt.Data, &d.decoded); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}

	var src, dst netip.Addr
	var netFlow gopacket.Flow
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, dst = addrFrom(d.ip4.SrcIP), addrFrom(d.ip4.DstIP)
			netFlow = d.ip4.NetworkFlow()
			if d.ip4.Flags&layers.IPv4MoreFragments != 0 || d.ip4.FragOffset != 0 {
				return d.reassemble(pkt.Timestamp)
			}
		case layers.LayerTypeIPv6:
			src, dst = addrFrom(d.ip6.SrcIP), addrFrom(d.ip6.DstIP)
			netFlow = d.ip6.NetworkFlow()
		case layers.LayerTypeUDP:
			return d.udpFrame(src, dst, pkt.Timestamp), nil
		case layers.LayerTypeTCP:
			return d.assemble(netFlow, pkt.Timestamp), nil
		}
	}
	return nil, fmt.Errorf("no udp or tcp layer in %v: %w", d.decoded, core.ErrUnsupportedProto)
}

func (d *Decoder) udpFrame(src, dst netip.Addr, ts time.Time) []core.RawFrame {
	if len(d.udp.Payload) == 0 {
		return nil
	}
	return []core.RawFrame{{
		Payload:   bytes.Clone(d.udp.Payload),
		Timestamp: ts,
		Meta: core.TransportMeta{
			Src:       netip.AddrPortFrom(src, uint16(d.udp.SrcPort)),
			Dst:       netip.AddrPortFrom(dst, uint16(d.udp.DstPort)),
			Transport: core.TransportUDP,
		},
	}}
}

func (d *Decoder) assemble(netFlow gopacket.Flow, ts time.Time) []core.RawFrame {
	d.pending = d.pending[:0]
	d.assembler.AssembleWithTimestamp(netFlow, &d.tcp, ts)
	return d.takePending()
}

// reassemble feeds the current IPv4 fragment to the defragmenter and decodes
// the datagram once it is complete.
func (d *Decoder) reassemble(ts time.Time) ([]core.RawFrame, error) {
	frag := d.ip4
	whole, err := d.defrag.DefragIPv4WithTimestamp(&frag, ts)
	if err != nil {
		return nil, fmt.Errorf("ipv4 defrag: %w", err)
	}
	if whole == nil {
		return nil, nil
	}

	p, ok := d.parsers[whole.Protocol.LayerType()]
	if !ok {
		return nil, fmt.Errorf("reassembled protocol %s: %w", whole.Protocol, core.ErrUnsupportedProto)
	}
	if err := p.DecodeLayers(whole.Payload, &d.decoded); err != nil {
		return nil, fmt.Errorf("decode reassembled datagram: %w", err)
	}
	src, dst := addrFrom(whole.SrcIP), addrFrom(whole.DstIP)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeUDP:
			return d.udpFrame(src, dst, ts), nil
		case layers.LayerTypeTCP:
			return d.assemble(whole.NetworkFlow(), ts), nil
		}
	}
	return nil, fmt.Errorf("reassembled %s: %w", whole.Protocol, core.ErrUnsupportedProto)
}

// Flush expires incomplete fragments and pushes through TCP data that has
// waited longer than FlushDelay for a missing segment.
func (d *Decoder) Flush(now time.Time) []core.RawFrame {
	d.defrag.DiscardOlderThan(now.Add(-d.cfg.FragmentTimeout))
	d.pending = d.pending[:0]
	d.assembler.FlushOlderThan(now.Add(-d.cfg.FlushDelay))
	return d.takePending()
}

// FlushAll closes every TCP stream. Used when a finite source ends.
func (d *Decoder) FlushAll() []core.RawFrame {
	d.pending = d.pending[:0]
	d.assembler.FlushAll()
	return d.takePending()
}

// StreamDrops counts TCP byte runs discarded because no message boundary
// was found within MaxStreamBuffer.
func (d *Decoder) StreamDrops() uint64 {
	return d.streamDrops.Load()
}

func (d *Decoder) takePending() []core.RawFrame {
	if len(d.pending) == 0 {
		return nil
	}
	out := make([]core.RawFrame, len(d.pending))
	copy(out, d.pending)
	return out
}

func addrFrom(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	a, _ := netip.AddrFromSlice(ip)
	return a
}
