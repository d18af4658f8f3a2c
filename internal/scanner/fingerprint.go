package scanner

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/probe"
	"github.com/corebit/corebit/pkg/pve"
	"github.com/corebit/corebit/pkg/tlsutil"
)

// fingerprinter identifies what answered a ping. Credentialed protocols are
// tried in order of specificity (RouterOS, SNMP, Proxmox) before falling
// back to HTTP banners and the signature table.
type fingerprinter struct {
	ros     *probe.RouterOSProber
	snmp    *probe.SNMPProber
	timeout time.Duration
}

func newFingerprinter() *fingerprinter {
	return &fingerprinter{
		ros:     probe.NewRouterOSProber(),
		snmp:    probe.NewSNMPProber(),
		timeout: 5 * time.Second,
	}
}

// wantType reports whether the request asked for a probe family; an empty
// set and find_all both mean everything.
func wantType(types map[string]bool, t string) bool {
	if len(types) == 0 || types["find_all"] {
		return true
	}
	return types[t]
}

func scanDevice(ip string, kind models.DeviceKind) *models.Device {
	return &models.Device{ID: "scan-" + ip, Name: ip, Kind: kind, Address: ip}
}

func profilesOf(profiles []models.CredentialProfile, t models.CredentialType) []models.CredentialProfile {
	var out []models.CredentialProfile
	for _, p := range profiles {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// identify returns the best fingerprint for a responding host. It never
// fails: a host that answers nothing but ping still yields a low-confidence
// ping-only result.
func (f *fingerprinter) identify(ctx context.Context, ip string, profiles []models.CredentialProfile, types map[string]bool) FingerprintResult {
	if wantType(types, "mikrotik") {
		for _, p := range profilesOf(profiles, models.CredentialMikrotik) {
			if r, ok := f.tryRouterOS(ctx, ip, p); ok {
				return r
			}
		}
	}
	if wantType(types, "snmp") {
		for _, p := range profilesOf(profiles, models.CredentialSNMP) {
			if r, ok := f.trySNMP(ctx, ip, p, types); ok {
				return r
			}
		}
	}
	if wantType(types, "server") {
		for _, p := range profilesOf(profiles, models.CredentialProxmox) {
			if r, ok := f.tryProxmox(ctx, ip, p); ok {
				return r
			}
		}
		if r, ok := f.tryHTTP(ctx, ip); ok {
			return r
		}
	}
	return FingerprintResult{
		IP:          ip,
		DeviceType:  models.KindGenericPing,
		Fingerprint: Confidence{Confidence: 0.25, DetectedVia: "ping_only"},
	}
}

func (f *fingerprinter) tryRouterOS(ctx context.Context, ip string, profile models.CredentialProfile) (FingerprintResult, bool) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	device := scanDevice(ip, models.KindMikrotikRouter)
	sample, err := f.ros.Probe(cctx, device, profile.Credentials)
	f.ros.Forget(device.ID)
	if err != nil || sample == nil || !sample.Success {
		return FingerprintResult{}, false
	}
	return FingerprintResult{
		IP:                  ip,
		DeviceType:          models.KindMikrotikRouter,
		DeviceData:          sample.Data,
		CredentialProfileID: profile.ID,
		Fingerprint:         Confidence{Confidence: 1.0, DetectedVia: "routeros_api"},
	}, true
}

func (f *fingerprinter) trySNMP(ctx context.Context, ip string, profile models.CredentialProfile, types map[string]bool) (FingerprintResult, bool) {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	sample, err := f.snmp.Probe(cctx, scanDevice(ip, models.KindGenericSNMP), profile.Credentials)
	if err != nil || sample == nil || !sample.Success {
		return FingerprintResult{}, false
	}

	kind := models.KindGenericSNMP
	if types["find_all"] && sample.Data != nil {
		if sig, ok := classifyBanner(sample.Data.Model, sample.Data.Identity); ok && sig.kind != models.KindGenericPing {
			kind = sig.kind
		}
	}
	return FingerprintResult{
		IP:                  ip,
		DeviceType:          kind,
		DeviceData:          sample.Data,
		CredentialProfileID: profile.ID,
		Fingerprint:         Confidence{Confidence: 0.9, DetectedVia: "snmp"},
	}, true
}

func (f *fingerprinter) tryProxmox(ctx context.Context, ip string, profile models.CredentialProfile) (FingerprintResult, bool) {
	creds := profile.Credentials
	client, err := pve.NewClient(pve.ClientConfig{
		Host:       net.JoinHostPort(ip, creds.Get("port", "8006")),
		User:       creds.Get("username", ""),
		Password:   creds.Get("password", ""),
		Realm:      creds.Get("realm", ""),
		TokenName:  creds.Get("apiTokenId", ""),
		TokenValue: creds.Get("apiTokenSecret", ""),
		VerifySSL:  false,
		Timeout:    f.timeout,
	})
	if err != nil {
		return FingerprintResult{}, false
	}

	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	version, err := client.GetVersion(cctx)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("Proxmox fingerprint attempt failed")
		return FingerprintResult{}, false
	}
	return FingerprintResult{
		IP:                  ip,
		DeviceType:          models.KindProxmox,
		DeviceData:          &models.DeviceData{Model: "Proxmox VE", Version: version.Version},
		CredentialProfileID: profile.ID,
		Fingerprint:         Confidence{Confidence: 1.0, DetectedVia: "proxmox_api"},
	}, true
}

// httpBanner is what an uncredentialed HTTP sweep can see
type httpBanner struct {
	server     string
	title      string
	tlsSubject string
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func (f *fingerprinter) tryHTTP(ctx context.Context, ip string) (FingerprintResult, bool) {
	banner := f.fetchBanner(ctx, ip)
	if banner == nil {
		return FingerprintResult{}, false
	}

	if sig, ok := classifyBanner(banner.server, banner.title, banner.tlsSubject); ok {
		return FingerprintResult{
			IP:          ip,
			DeviceType:  sig.kind,
			DeviceData:  &models.DeviceData{Model: sig.label},
			Fingerprint: Confidence{Confidence: sig.confidence, DetectedVia: "http_banner"},
		}, true
	}
	return FingerprintResult{
		IP:          ip,
		DeviceType:  models.KindServer,
		DeviceData:  &models.DeviceData{Model: banner.server},
		Fingerprint: Confidence{Confidence: 0.4, DetectedVia: "http_banner"},
	}, true
}

func (f *fingerprinter) fetchBanner(ctx context.Context, ip string) *httpBanner {
	client := tlsutil.CreateHTTPClientWithTimeout(false, "", f.timeout)
	for _, scheme := range []string{"https", "http"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+ip+"/", nil)
		if err != nil {
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			continue
		}

		b := &httpBanner{server: resp.Header.Get("Server")}
		if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
			subject := resp.TLS.PeerCertificates[0].Subject
			b.tlsSubject = strings.TrimSpace(subject.CommonName + " " + strings.Join(subject.Organization, " "))
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if m := titleRe.FindStringSubmatch(string(body)); len(m) == 2 {
			b.title = strings.TrimSpace(m[1])
		}
		return b
	}
	return nil
}
