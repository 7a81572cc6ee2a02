// Package capture holds helpers shared by the capture plugins.
package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// CompileBPF compiles a tcpdump-style filter expression into raw BPF
// instructions for the given link type.
func CompileBPF(linkType layers.LinkType, snapLen int, expr string) ([]bpf.RawInstruction, error) {
	// Compile BPF filter using pcap (returns pcap.BPFInstruction slice)
	pcapInsns, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", expr, err)
	}

	// The structures are identical: Code->Op, Jt, Jf, K
	rawInsns := make([]bpf.RawInstruction, len(pcapInsns))
	for i, insn := range pcapInsns {
		rawInsns[i] = bpf.RawInstruction{
			Op: insn.Code,
			Jt: insn.Jt,
			Jf: insn.Jf,
			K:  insn.K,
		}
	}
	return rawInsns, nil
}

// NewFilterVM builds a userspace BPF program for sources without kernel
// filtering, such as trace files.
func NewFilterVM(linkType layers.LinkType, snapLen int, expr string) (*bpf.VM, error) {
	raw, err := CompileBPF(linkType, snapLen, expr)
	if err != nil {
		return nil, err
	}
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf filter %q contains unsupported instructions", expr)
	}
	return bpf.NewVM(insns)
}

// SIPPortFilter returns a filter expression matching UDP and TCP traffic on
// the given ports, plus IPv4 fragments that carry no port information.
func SIPPortFilter(ports []uint16) string {
	if len(ports) == 0 {
		return ""
	}
	expr := "("
	for i, p := range ports {
		if i > 0 {
			expr += " or "
		}
		expr += fmt.Sprintf("port %d", p)
	}
	return expr + ") or (ip[6:2] & 0x1fff != 0)"
}
