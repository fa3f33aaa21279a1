package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"

	"threatwatch/internal/model"
)

// ReplayFile feeds every IPv4 packet of a pcap file into sink and returns
// how many were delivered.
func ReplayFile(ctx context.Context, path, iface string, sink *Sink) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Replay(ctx, f, iface, sink)
}

func Replay(ctx context.Context, r io.Reader, iface string, sink *Sink) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open pcap: %w", err)
	}
	delivered := 0
	for {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}
		pkt := gopacket.NewPacket(data, reader.LinkType(), gopacket.Default)
		rec, ok := FromPacket(pkt, ci, iface)
		if !ok {
			continue
		}
		sink.Deliver(ctx, rec)
		delivered++
	}
}

// FromPacket converts a decoded IPv4 packet. Non-IPv4 packets are skipped.
func FromPacket(pkt gopacket.Packet, ci gopacket.CaptureInfo, iface string) (model.PacketRecord, bool) {
	l := pkt.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return model.PacketRecord{}, false
	}
	ip := l.(*layers.IPv4)
	rec := model.PacketRecord{
		ID:            uuid.NewString(),
		Timestamp:     ci.Timestamp.UTC(),
		SourceAddress: ip.SrcIP.String(),
		DestAddress:   ip.DstIP.String(),
		SizeBytes:     ci.Length,
		InterfaceName: iface,
	}
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		rec.Protocol = model.ProtocolTCP
		if t, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
			rec.SourcePort, rec.DestPort = int(t.SrcPort), int(t.DstPort)
		}
	case layers.IPProtocolUDP:
		rec.Protocol = model.ProtocolUDP
		if u, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
			rec.SourcePort, rec.DestPort = int(u.SrcPort), int(u.DstPort)
		}
	case layers.IPProtocolICMPv4:
		rec.Protocol = model.ProtocolICMP
	default:
		return model.PacketRecord{}, false
	}
	return rec, true
}
