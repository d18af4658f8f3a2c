package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	gohost "github.com/shirou/gopsutil/v4/host"
)

// Fingerprint derives this server's stable identity: the hex sha256 of
// hostname, lowest MAC address and machine id, truncated to 32 characters.
// Missing components are simply omitted so a host without a machine-id (or
// without NICs, in containers) still fingerprints consistently.
func Fingerprint() string {
	var parts []string

	hostname, machineID := hostFacts()
	if hostname != "" {
		parts = append(parts, hostname)
	}
	if mac := lowestMAC(); mac != "" {
		parts = append(parts, mac)
	}
	if machineID != "" {
		parts = append(parts, machineID)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])[:32]
}

// hostFacts reads hostname and machine id, preferring gopsutil's host info
// (which reads /etc/machine-id on Linux) with an os fallback.
func hostFacts() (hostname, machineID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if info, err := gohost.InfoWithContext(ctx); err == nil {
		hostname = info.Hostname
		machineID = info.HostID
	} else {
		log.Debug().Err(err).Msg("Host info unavailable for fingerprint")
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return hostname, machineID
}

// lowestMAC returns the lexically smallest hardware address among real
// interfaces. Sorting makes the choice stable across interface enumeration
// order.
func lowestMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			macs = append(macs, strings.ToLower(mac))
		}
	}
	if len(macs) == 0 {
		return ""
	}
	sort.Strings(macs)
	return macs[0]
}
