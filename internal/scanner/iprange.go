package scanner

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/corebit/corebit/internal/errors"
)

// maxRangeHosts caps a single scan request
const maxRangeHosts = 65536

// ParseIPRange expands a CIDR block ("10.0.0.0/24") or a dashed range
// ("10.0.0.1-10.0.0.50") into individual IPv4 addresses. CIDR expansion
// includes the network and broadcast addresses. Oversized and malformed
// ranges fail with a client input error.
func ParseIPRange(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.NewClientInputError("parse_ip_range", fmt.Errorf("ip range is empty")).WithField("ipRange")
	}

	switch {
	case strings.Contains(s, "/"):
		return expandCIDR(s)
	case strings.Contains(s, "-"):
		return expandDashed(s)
	default:
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return nil, errors.NewClientInputError("parse_ip_range", fmt.Errorf("%q is not an IPv4 address", s)).WithField("ipRange")
		}
		return []string{ip.To4().String()}, nil
	}
}

func expandCIDR(s string) ([]string, error) {
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, errors.NewClientInputError("parse_ip_range", err).WithField("ipRange")
	}
	if network.IP.To4() == nil {
		return nil, errors.NewClientInputError("parse_ip_range", fmt.Errorf("%q is not an IPv4 block", s)).WithField("ipRange")
	}

	ones, bits := network.Mask.Size()
	count := 1 << (bits - ones)
	if count > maxRangeHosts {
		return nil, errors.NewClientInputError("parse_ip_range",
			fmt.Errorf("range %s spans %d hosts, limit is %d", s, count, maxRangeHosts)).WithField("ipRange")
	}

	base := binary.BigEndian.Uint32(network.IP.To4())
	ips := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ips = append(ips, u32ToIP(base+uint32(i)))
	}
	return ips, nil
}

func expandDashed(s string) ([]string, error) {
	first, second, _ := strings.Cut(s, "-")
	from := net.ParseIP(strings.TrimSpace(first))
	to := net.ParseIP(strings.TrimSpace(second))
	if from == nil || from.To4() == nil || to == nil || to.To4() == nil {
		return nil, errors.NewClientInputError("parse_ip_range", fmt.Errorf("%q is not a dashed IPv4 range", s)).WithField("ipRange")
	}

	start := binary.BigEndian.Uint32(from.To4())
	end := binary.BigEndian.Uint32(to.To4())
	if end < start {
		return nil, errors.NewClientInputError("parse_ip_range", fmt.Errorf("range %s runs backwards", s)).WithField("ipRange")
	}
	count := int(end-start) + 1
	if count > maxRangeHosts {
		return nil, errors.NewClientInputError("parse_ip_range",
			fmt.Errorf("range %s spans %d hosts, limit is %d", s, count, maxRangeHosts)).WithField("ipRange")
	}

	ips := make([]string, 0, count)
	for u := start; ; u++ {
		ips = append(ips, u32ToIP(u))
		if u == end {
			break
		}
	}
	return ips, nil
}

func u32ToIP(u uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	return net.IP(b[:]).String()
}
