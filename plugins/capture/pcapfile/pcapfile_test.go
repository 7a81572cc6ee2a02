package pcapfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracevia/internal/core"
)

func writeTrace(t *testing.T, payloads ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	base := time.Unix(1700000000, 0)
	for i, p := range payloads {
		ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, 2}}
		udp := &layers.UDP{SrcPort: 5060, DstPort: 5060}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf,
			gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			&layers.Ethernet{SrcMAC: []byte{0, 1, 2, 3, 4, 5}, DstMAC: []byte{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeIPv4},
			ip, udp, gopacket.Payload(p)))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return path
}

func TestInitRequiresFile(t *testing.T) {
	c := NewCapturer()
	err := c.Init(map[string]any{})
	assert.True(t, errors.Is(err, core.ErrPluginInitFailed))

	err = c.Init(map[string]any{"file": "x.pcap", "speed": -1})
	assert.True(t, errors.Is(err, core.ErrPluginInitFailed))
}

func TestReplay(t *testing.T) {
	path := writeTrace(t, "one", "two", "three")
	c := NewCapturer()
	require.NoError(t, c.Init(map[string]any{"file": path}))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	assert.Equal(t, layers.LinkTypeEthernet, c.LinkType())

	out := make(chan core.RawPacket, 8)
	err := c.Capture(context.Background(), out)
	assert.True(t, errors.Is(err, core.ErrSourceExhausted))
	require.Len(t, out, 3)

	first := <-out
	assert.True(t, first.Timestamp.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, uint64(3), c.Stats().PacketsReceived)

	// a restart after exhaustion must not replay anything again
	err = c.Capture(context.Background(), out)
	assert.True(t, errors.Is(err, core.ErrSourceExhausted))
	assert.Len(t, out, 2)
}

func TestReplayCancelled(t *testing.T) {
	path := writeTrace(t, "one", "two")
	c := NewCapturer()
	require.NoError(t, c.Init(map[string]any{"file": path}))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan core.RawPacket)
	assert.NoError(t, c.Capture(ctx, out))
}

func TestStartMissingFile(t *testing.T) {
	c := NewCapturer()
	require.NoError(t, c.Init(map[string]any{"file": filepath.Join(t.TempDir(), "missing.pcap")}))
	assert.Error(t, c.Start(context.Background()))
}
