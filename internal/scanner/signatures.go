package scanner

import (
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/corebit/corebit/internal/models"
)

// signature maps a banner or sysDescr pattern to the device kind a scan
// should suggest. Patterns are matched lowercase; order matters, so the
// specific entries sit above the catch-alls.
type signature struct {
	pattern    string
	label      string
	kind       models.DeviceKind
	confidence float64
}

var signatures = []signature{
	{"*routeros*", "MikroTik RouterOS", models.KindMikrotikRouter, 0.9},
	{"*mikrotik*", "MikroTik", models.KindMikrotikRouter, 0.85},
	{"*pve-manager*", "Proxmox VE", models.KindProxmox, 0.9},
	{"*proxmox*", "Proxmox VE", models.KindProxmox, 0.85},
	{"*vmware esxi*", "VMware ESXi", models.KindServer, 0.85},
	{"*vmware*", "VMware", models.KindServer, 0.7},
	{"*synology*", "Synology NAS", models.KindServer, 0.85},
	{"*diskstation*", "Synology DiskStation", models.KindServer, 0.8},
	{"*qnap*", "QNAP NAS", models.KindServer, 0.85},
	{"*qts*", "QNAP QTS", models.KindServer, 0.7},
	{"*truenas*", "TrueNAS", models.KindServer, 0.85},
	{"*freenas*", "FreeNAS", models.KindServer, 0.8},
	{"*unraid*", "Unraid", models.KindServer, 0.85},
	{"*ubiquiti*", "Ubiquiti", models.KindAccessPoint, 0.8},
	{"*unifi*", "Ubiquiti UniFi", models.KindAccessPoint, 0.8},
	{"*edgeos*", "Ubiquiti EdgeOS", models.KindMikrotikRouter, 0.7},
	{"*cisco ios*", "Cisco IOS", models.KindGenericSNMP, 0.85},
	{"*cisco*", "Cisco", models.KindGenericSNMP, 0.7},
	{"*procurve*", "HP ProCurve", models.KindGenericSNMP, 0.8},
	{"*aruba*", "HP Aruba", models.KindGenericSNMP, 0.75},
	{"*hewlett*packard*", "HP", models.KindGenericSNMP, 0.6},
	{"*fortigate*", "Fortinet FortiGate", models.KindGenericSNMP, 0.85},
	{"*fortinet*", "Fortinet", models.KindGenericSNMP, 0.8},
	{"*pfsense*", "pfSense", models.KindServer, 0.85},
	{"*opnsense*", "OPNsense", models.KindServer, 0.85},
	{"*jetdirect*", "HP JetDirect printer", models.KindGenericPing, 0.8},
	{"*laserjet*", "HP LaserJet printer", models.KindGenericPing, 0.8},
	{"*printer*", "Network printer", models.KindGenericPing, 0.6},
	{"*windows*", "Windows", models.KindServer, 0.6},
	{"*microsoft*", "Microsoft", models.KindServer, 0.5},
	{"*linux*", "Linux", models.KindServer, 0.5},
}

// classifyBanner runs the signature table over any number of inputs
// (sysDescr, HTTP Server header, page title, TLS subject). The first match
// wins; empty inputs are skipped.
func classifyBanner(inputs ...string) (signature, bool) {
	for _, in := range inputs {
		in = strings.ToLower(strings.TrimSpace(in))
		if in == "" {
			continue
		}
		for _, sig := range signatures {
			if wildcard.Match(sig.pattern, in) {
				return sig, true
			}
		}
	}
	return signature{}, false
}
