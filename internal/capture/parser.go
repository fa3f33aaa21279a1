package capture

import (
	"strings"
	"time"

	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

// ParseLine parses one line of `tcpdump -n -t` output, e.g.
//
//	IP 192.168.1.100.52345 > 8.8.8.8.53: UDP, length 32
//
// It returns nil for lines that do not describe an IPv4 packet.
func ParseLine(line, iface string, now time.Time) *model.PacketRecord {
	trim := strings.TrimSpace(line)
	if !strings.HasPrefix(trim, "IP ") {
		return nil
	}
	parts := strings.Fields(trim)
	if len(parts) < 5 || parts[2] != ">" || !strings.HasSuffix(parts[3], ":") {
		return nil
	}
	srcAddr, srcPort := splitEndpoint(parts[1])
	dstAddr, dstPort := splitEndpoint(strings.TrimSuffix(parts[3], ":"))

	fields := normalize.PacketFields{
		Source:    srcAddr,
		SrcPort:   srcPort,
		Dest:      dstAddr,
		DstPort:   dstPort,
		Protocol:  protocolOf(parts[4:], srcPort != "" || dstPort != ""),
		Length:    lengthOf(parts),
		Interface: iface,
		Raw:       line,
	}
	rec, err := normalize.Normalize(fields, time.UTC)
	if err != nil {
		return nil
	}
	rec.Timestamp = now.UTC()
	return &rec
}

// splitEndpoint splits "a.b.c.d.port"; a bare "a.b.c.d" has no port.
func splitEndpoint(s string) (addr, port string) {
	if strings.Count(s, ".") < 4 {
		return s, ""
	}
	i := strings.LastIndexByte(s, '.')
	return s[:i], s[i+1:]
}

func protocolOf(rest []string, hasPorts bool) string {
	first := strings.TrimSuffix(rest[0], ",")
	switch strings.ToUpper(first) {
	case "UDP", "ICMP", "TCP":
		return first
	case "FLAGS":
		return "TCP"
	}
	for _, tok := range rest {
		if tok == "Flags" {
			return "TCP"
		}
	}
	// tcpdump decodes well-known UDP payloads (DNS, NTP) without a protocol tag.
	if hasPorts {
		return "UDP"
	}
	return ""
}

func lengthOf(parts []string) string {
	for i, p := range parts {
		if p == "length" && i+1 < len(parts) {
			v := strings.TrimRight(parts[i+1], ",:")
			if isDigits(v) {
				return v
			}
			return ""
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
