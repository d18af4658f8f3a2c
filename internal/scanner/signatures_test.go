package scanner

import (
	"testing"

	"github.com/corebit/corebit/internal/models"
)

func TestClassifyBanner(t *testing.T) {
	tests := []struct {
		input string
		kind  models.DeviceKind
		label string
	}{
		{"RouterOS RB4011iGS+", models.KindMikrotikRouter, "MikroTik RouterOS"},
		{"Linux pve-manager/8.2.4", models.KindProxmox, "Proxmox VE"},
		{"Synology DiskStation DS920+", models.KindServer, "Synology NAS"},
		{"FortiGate-60F v7.2", models.KindGenericSNMP, "Fortinet FortiGate"},
		{"HP LaserJet 400 M401dn", models.KindGenericPing, "HP LaserJet printer"},
		{"Cisco IOS Software, C2960X", models.KindGenericSNMP, "Cisco IOS"},
		{"pfSense 2.7.2-RELEASE", models.KindServer, "pfSense"},
		{"TrueNAS-13.0-U6", models.KindServer, "TrueNAS"},
		{"UniFi UAP-AC-Pro", models.KindAccessPoint, "Ubiquiti UniFi"},
		{"VMware ESXi 8.0.0", models.KindServer, "VMware ESXi"},
		{"Microsoft-IIS/10.0", models.KindServer, "Microsoft"},
		{"Linux ubuntu 6.8.0 x86_64", models.KindServer, "Linux"},
	}
	for _, tt := range tests {
		sig, ok := classifyBanner(tt.input)
		if !ok {
			t.Errorf("classifyBanner(%q) found no match", tt.input)
			continue
		}
		if sig.kind != tt.kind || sig.label != tt.label {
			t.Errorf("classifyBanner(%q) = %s/%s, want %s/%s", tt.input, sig.kind, sig.label, tt.kind, tt.label)
		}
	}
}

func TestClassifyBannerCaseInsensitive(t *testing.T) {
	sig, ok := classifyBanner("ROUTEROS 7.14")
	if !ok || sig.kind != models.KindMikrotikRouter {
		t.Fatalf("classifyBanner uppercase = %v/%v, want mikrotik_router", sig.kind, ok)
	}
}

func TestClassifyBannerSkipsEmptiesAndMisses(t *testing.T) {
	if _, ok := classifyBanner("", "  ", "generic web page"); ok {
		t.Fatal("classifyBanner matched a generic banner")
	}
	// first non-empty input that matches wins
	sig, ok := classifyBanner("", "QNAP QTS 5.1")
	if !ok || sig.label != "QNAP NAS" {
		t.Fatalf("classifyBanner = %v/%v, want QNAP NAS", sig.label, ok)
	}
}
