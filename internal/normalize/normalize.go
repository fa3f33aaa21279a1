package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/model"
)

// PacketFields carries the raw string fields of one packet event before
// normalization. Every field is optional except the addresses.
type PacketFields struct {
	Timestamp string
	Source    string
	SrcPort   string
	Dest      string
	DstPort   string
	Protocol  string
	Length    string
	Interface string
	Raw       string
}

func Normalize(fields PacketFields, loc *time.Location) (model.PacketRecord, error) {
	src := strings.TrimSpace(fields.Source)
	dst := strings.TrimSpace(fields.Dest)
	if src == "" || dst == "" {
		return model.PacketRecord{}, errors.New("missing source or destination address")
	}
	if loc == nil {
		loc = time.UTC
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.PacketRecord{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	srcPort, err := ParsePort(fields.SrcPort)
	if err != nil {
		return model.PacketRecord{}, fmt.Errorf("source port: %w", err)
	}
	dstPort, err := ParsePort(fields.DstPort)
	if err != nil {
		return model.PacketRecord{}, fmt.Errorf("dest port: %w", err)
	}
	size := 0
	if s := strings.TrimSpace(fields.Length); s != "" {
		size, err = strconv.Atoi(s)
		if err != nil || size < 0 {
			return model.PacketRecord{}, fmt.Errorf("invalid length %q", fields.Length)
		}
	}

	return model.PacketRecord{
		ID:            uuid.NewString(),
		Timestamp:     ts,
		SourceAddress: src,
		SourcePort:    srcPort,
		DestAddress:   dst,
		DestPort:      dstPort,
		Protocol:      ParseProtocol(fields.Protocol),
		SizeBytes:     size,
		InterfaceName: strings.TrimSpace(fields.Interface),
		RawLine:       fields.Raw,
	}, nil
}

// ParseProtocol maps a protocol name or IP protocol number to a Protocol.
// Unrecognized values yield ProtocolUnknown.
func ParseProtocol(value string) model.Protocol {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "TCP", "6":
		return model.ProtocolTCP
	case "UDP", "17":
		return model.ProtocolUDP
	case "ICMP", "1":
		return model.ProtocolICMP
	}
	return model.ProtocolUnknown
}

// ParsePort returns 0 for an empty value.
func ParsePort(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", value)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"15:04:05.000000",
	"15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if strings.HasPrefix(layout, "15:") {
			// tcpdump default output carries only a wall-clock time
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
