package features

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"threatwatch/internal/model"
)

var (
	ErrInvalidVector = errors.New("invalid feature vector")
	ErrUnknownLabel  = errors.New("unknown label")
)

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Extract maps a packet to its feature vector. The output order is
// [size, srcPort, dstPort, protocol, hour, dstPortClass, sizeClass, srcAddrClass, dstAddrClass].
// The hour is always taken in UTC.
func Extract(p model.PacketRecord) model.FeatureVector {
	return build(p.SizeBytes, p.SourcePort, p.DestPort, p.Protocol, p.Timestamp, p.SourceAddress, p.DestAddress)
}

func build(size, srcPort, dstPort int, proto model.Protocol, ts time.Time, src, dst string) model.FeatureVector {
	return model.FeatureVector{
		float64(size),
		float64(srcPort),
		float64(dstPort),
		proto.Code(),
		float64(ts.UTC().Hour()),
		float64(PortClass(dstPort)),
		float64(SizeClass(size)),
		float64(AddressClass(src)),
		float64(AddressClass(dst)),
	}
}

// PortClass buckets a port: 1 well-known, 2 registered, 3 dynamic, 0 missing.
func PortClass(port int) int {
	switch {
	case port <= 0:
		return 0
	case port < 1024:
		return 1
	case port < 49152:
		return 2
	}
	return 3
}

func SizeClass(size int) int {
	switch {
	case size <= 0:
		return 0
	case size < 64:
		return 1
	case size < 512:
		return 2
	case size < 1024:
		return 3
	}
	return 4
}

// AddressClass returns 1 for RFC 1918 addresses, 2 for any other address
// and 0 when the address is missing.
func AddressClass(addr string) int {
	if addr == "" {
		return 0
	}
	if IsPrivate(addr) {
		return 1
	}
	return 2
}

func IsPrivate(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range privatePrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func Validate(v model.FeatureVector) error {
	if len(v) != model.FeatureLength {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidVector, len(v), model.FeatureLength)
	}
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: feature %d (%s) is not finite", ErrInvalidVector, i, model.FeatureNames[i])
		}
	}
	return nil
}

func ValidateLabel(label string) error {
	if !model.IsKnownLabel(label) {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return nil
}
