package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/model"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseLineUDP(t *testing.T) {
	rec := ParseLine("IP 192.168.1.100.52345 > 8.8.8.8.53: UDP, length 32", "eth0", fixedNow)
	require.NotNil(t, rec)
	assert.Equal(t, "192.168.1.100", rec.SourceAddress)
	assert.Equal(t, 52345, rec.SourcePort)
	assert.Equal(t, "8.8.8.8", rec.DestAddress)
	assert.Equal(t, 53, rec.DestPort)
	assert.Equal(t, model.ProtocolUDP, rec.Protocol)
	assert.Equal(t, 32, rec.SizeBytes)
	assert.Equal(t, "eth0", rec.InterfaceName)
	assert.Equal(t, fixedNow, rec.Timestamp)
	assert.NotEmpty(t, rec.ID)
}

func TestParseLineTCPFlags(t *testing.T) {
	rec := ParseLine("IP 10.0.0.2.443 > 10.0.0.9.50000: Flags [P.], seq 1:101, ack 1, win 501, length 100", "eth1", fixedNow)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProtocolTCP, rec.Protocol)
	assert.Equal(t, 100, rec.SizeBytes)
	assert.Equal(t, 443, rec.SourcePort)
}

func TestParseLineICMPHasNoPorts(t *testing.T) {
	rec := ParseLine("IP 10.0.0.1 > 10.0.0.2: ICMP echo request, id 7, seq 1, length 64", "eth0", fixedNow)
	require.NotNil(t, rec)
	assert.Equal(t, model.ProtocolICMP, rec.Protocol)
	assert.Equal(t, "10.0.0.1", rec.SourceAddress)
	assert.Equal(t, 0, rec.SourcePort)
	assert.Equal(t, 64, rec.SizeBytes)
}

func TestParseLineRejectsNoise(t *testing.T) {
	for _, line := range []string{
		"",
		"tcpdump: verbose output suppressed",
		"ARP, Request who-has 10.0.0.1 tell 10.0.0.2, length 28",
		"IP6 fe80::1.546 > ff02::1:2.547: dhcp6 solicit",
		"IP 10.0.0.1.99999 > 10.0.0.2.80: UDP, length 1",
	} {
		assert.Nil(t, ParseLine(line, "eth0", fixedNow), line)
	}
}
