package capture

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/model"
)

func TestDecodeMessageJSON(t *testing.T) {
	msg := []byte(`{"timestamp":"2024-06-01T10:00:00Z","source_ip":"10.0.0.1","source_port":"5000","dest_ip":"1.2.3.4","dest_port":22,"protocol":"tcp","length":60}`)
	rec, err := DecodeMessage(msg, "sensor-a", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "sensor-a", rec.InterfaceName)
	assert.Equal(t, 22, rec.DestPort)
	assert.Equal(t, 5000, rec.SourcePort)
	assert.Equal(t, 60, rec.SizeBytes)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), rec.Timestamp)
}

func TestDecodeMessageLine(t *testing.T) {
	rec, err := DecodeMessage([]byte("IP 10.0.0.1.5353 > 224.0.0.251.5353: UDP, length 40"), "eth9", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolUDP, rec.Protocol)
	assert.Equal(t, "eth9", rec.InterfaceName)

	_, err = DecodeMessage([]byte("garbage"), "", fixedNow)
	assert.Error(t, err)
}

type fakeReader struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestConsumeKafkaDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.PacketRecord, 4)
	ring := NewRing(10)
	reader := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("eth0"), Value: []byte("IP 10.0.0.1.1000 > 10.0.0.2.80: Flags [S], length 0")},
		{Value: []byte("not a packet")},
	}}
	done := make(chan struct{})
	go func() {
		ConsumeKafka(ctx, reader, &Sink{Ring: ring, Out: out}, nil)
		close(done)
	}()

	select {
	case rec := <-out:
		assert.Equal(t, "eth0", rec.InterfaceName)
	case <-time.After(2 * time.Second):
		t.Fatal("no packet delivered")
	}
	cancel()
	<-done
	assert.True(t, reader.closed)
	assert.Equal(t, 1, ring.Len())
}

func writePcap(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xaa},
		EthernetType: layers.EthernetTypeIPv4,
	}
	write := func(ts time.Time, ls ...gopacket.SerializableLayer) {
		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, ls...))
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(sb.Bytes()), Length: len(sb.Bytes())}
		require.NoError(t, w.WritePacket(ci, sb.Bytes()))
	}

	ipTCP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{192, 168, 0, 10}, DstIP: net.IP{203, 0, 113, 7}}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 22, SYN: true, Window: 14600}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ipTCP))
	write(fixedNow, eth, ipTCP, tcp, gopacket.Payload([]byte("hello")))

	ipUDP := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{8, 8, 8, 8}}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ipUDP))
	write(fixedNow.Add(time.Second), eth, ipUDP, udp, gopacket.Payload([]byte("q")))

	arp := &layers.Ethernet{SrcMAC: eth.SrcMAC, DstMAC: eth.DstMAC, EthernetType: layers.EthernetTypeARP}
	write(fixedNow, arp, &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte(eth.SrcMAC), SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2},
	})
	return &buf
}

func TestReplayPcap(t *testing.T) {
	ring := NewRing(10)
	n, err := Replay(context.Background(), writePcap(t), "pcap0", &Sink{Ring: ring})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := ring.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, model.ProtocolTCP, snap[0].Protocol)
	assert.Equal(t, "192.168.0.10", snap[0].SourceAddress)
	assert.Equal(t, 22, snap[0].DestPort)
	assert.Equal(t, "pcap0", snap[0].InterfaceName)
	assert.Equal(t, fixedNow, snap[0].Timestamp)
	assert.Equal(t, model.ProtocolUDP, snap[1].Protocol)
	assert.Equal(t, 53, snap[1].DestPort)
}

func TestReplayRejectsNonPcap(t *testing.T) {
	_, err := Replay(context.Background(), bytes.NewReader([]byte("nope")), "x", &Sink{})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
