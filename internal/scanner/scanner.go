package scanner

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/probe"
	"github.com/corebit/corebit/internal/store"
	"github.com/corebit/corebit/internal/telemetry"
)

const (
	pingConcurrency        = 100
	fingerprintConcurrency = 8
	pingTimeout            = 3 * time.Second
	progressEvery          = 10
	progressMaxGap         = 2 * time.Second
)

// Request describes one scan
type Request struct {
	IPRange              string   `json:"ipRange"`
	CredentialProfileIDs []string `json:"credentialProfileIds,omitempty"`
	ProbeTypes           []string `json:"probeTypes,omitempty"`
}

// Event is one frame of the scan stream; Name doubles as the SSE event name
type Event struct {
	Name string
	Data any
}

type startPayload struct {
	SessionID string `json:"sessionId"`
	TotalIPs  int    `json:"totalIps"`
}

type pingFoundPayload struct {
	IP            string  `json:"ip"`
	RTT           float64 `json:"rtt"` // milliseconds
	AlreadyExists bool    `json:"alreadyExists"`
}

type progressPayload struct {
	Phase     string `json:"phase"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Found     int    `json:"found"`
}

type phaseCompletePayload struct {
	Phase string `json:"phase"`
	Found int    `json:"found"`
}

type completePayload struct {
	Discovered int `json:"discovered"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Confidence says how sure the fingerprinter is and what convinced it
type Confidence struct {
	Confidence  float64 `json:"confidence"`
	DetectedVia string  `json:"detectedVia"`
}

// FingerprintResult is one identified responder
type FingerprintResult struct {
	IP                  string             `json:"ip"`
	DeviceType          models.DeviceKind  `json:"deviceType"`
	DeviceData          *models.DeviceData `json:"deviceData,omitempty"`
	CredentialProfileID string             `json:"credentialProfileId,omitempty"`
	Fingerprint         Confidence         `json:"fingerprint"`
}

// Result is the non-streaming summary of a finished scan
type Result struct {
	SessionID  string              `json:"sessionId"`
	TotalIPs   int                 `json:"totalIps"`
	Discovered int                 `json:"discovered"`
	Results    []FingerprintResult `json:"results"`
}

// Scanner sweeps an IP range in two phases: a ping sweep to find what
// answers, then a credentialed fingerprint pass over the responders. Events
// stream over a channel so the API layer can relay them as SSE.
type Scanner struct {
	devices     store.DeviceRepo
	credentials store.CredentialRepo

	pingWeight        int64
	fingerprintWeight int64

	ping        func(ctx context.Context, ip string) (time.Duration, bool)
	fingerprint func(ctx context.Context, ip string, profiles []models.CredentialProfile, types map[string]bool) FingerprintResult
}

// New builds a scanner over the device and credential repositories
func New(devices store.DeviceRepo, credentials store.CredentialRepo) *Scanner {
	pinger := probe.NewPingProber()
	fp := newFingerprinter()
	return &Scanner{
		devices:           devices,
		credentials:       credentials,
		pingWeight:        pingConcurrency,
		fingerprintWeight: fingerprintConcurrency,
		ping: func(ctx context.Context, ip string) (time.Duration, bool) {
			sample, err := pinger.Probe(ctx, scanDevice(ip, models.KindGenericPing), nil)
			if err != nil || sample == nil || !sample.Success {
				return 0, false
			}
			return sample.RTT, true
		},
		fingerprint: fp.identify,
	}
}

// Run validates the request and starts the scan. The returned channel closes
// when the scan finishes, errors out or ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	ips, err := ParseIPRange(req.IPRange)
	if err != nil {
		return nil, err
	}
	events := make(chan Event, 64)
	go s.run(ctx, req, ips, events)
	return events, nil
}

// RunCollect runs the same pipeline but buffers everything into a Result
func (s *Scanner) RunCollect(ctx context.Context, req Request) (*Result, error) {
	events, err := s.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for ev := range events {
		switch data := ev.Data.(type) {
		case startPayload:
			res.SessionID = data.SessionID
			res.TotalIPs = data.TotalIPs
		case FingerprintResult:
			res.Results = append(res.Results, data)
		case completePayload:
			res.Discovered = data.Discovered
		case errorPayload:
			return nil, fmt.Errorf("scan failed: %s", data.Message)
		}
	}
	return res, nil
}

func (s *Scanner) run(ctx context.Context, req Request, ips []string, events chan<- Event) {
	defer close(events)

	sessionID := ulid.Make().String()
	started := time.Now()
	logger := log.With().Str("session", sessionID).Str("range", req.IPRange).Logger()
	logger.Info().Int("totalIps", len(ips)).Msg("Network scan started")

	emit := func(name string, data any) bool {
		select {
		case events <- Event{Name: name, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit("start", startPayload{SessionID: sessionID, TotalIPs: len(ips)}) {
		return
	}

	known := s.knownAddresses(ctx)
	responders, ok := s.pingSweep(ctx, ips, known, emit)
	if !ok {
		emit("error", errorPayload{Message: "scan cancelled"})
		return
	}
	if !emit("phase_complete", phaseCompletePayload{Phase: "ping_sweep", Found: len(responders)}) {
		return
	}

	profiles := s.loadProfiles(ctx, req.CredentialProfileIDs)
	types := typeSet(req.ProbeTypes)
	if !s.fingerprintPhase(ctx, responders, profiles, types, emit) {
		emit("error", errorPayload{Message: "scan cancelled"})
		return
	}

	telemetry.Get().RecordScan(time.Since(started), len(responders))
	logger.Info().
		Int("responders", len(responders)).
		Dur("took", time.Since(started)).
		Msg("Network scan finished")
	emit("complete", completePayload{Discovered: len(responders)})
}

// pingSweep fans the expanded range out over a weighted semaphore and
// reports every responder as it is found
func (s *Scanner) pingSweep(ctx context.Context, ips []string, known map[string]bool, emit func(string, any) bool) ([]string, bool) {
	type outcome struct {
		ip  string
		rtt time.Duration
		up  bool
	}
	outcomes := make(chan outcome)
	sem := semaphore.NewWeighted(s.pingWeight)

	go func() {
		var wg sync.WaitGroup
		for _, ip := range ips {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				defer sem.Release(1)
				pctx, cancel := context.WithTimeout(ctx, pingTimeout)
				rtt, up := s.ping(pctx, ip)
				cancel()
				select {
				case outcomes <- outcome{ip: ip, rtt: rtt, up: up}:
				case <-ctx.Done():
				}
			}(ip)
		}
		wg.Wait()
		close(outcomes)
	}()

	var responders []string
	completed := 0
	lastProgress := time.Now()
	for oc := range outcomes {
		completed++
		if oc.up {
			responders = append(responders, oc.ip)
			if !emit("ping_found", pingFoundPayload{
				IP:            oc.ip,
				RTT:           float64(oc.rtt.Microseconds()) / 1000.0,
				AlreadyExists: known[oc.ip],
			}) {
				return nil, false
			}
		}
		if completed%progressEvery == 0 || time.Since(lastProgress) >= progressMaxGap {
			if !emit("progress", progressPayload{Phase: "ping_sweep", Completed: completed, Total: len(ips), Found: len(responders)}) {
				return nil, false
			}
			lastProgress = time.Now()
		}
	}
	if ctx.Err() != nil {
		return nil, false
	}

	sortIPs(responders)
	return responders, true
}

// fingerprintPhase identifies each responder with a smaller worker set
func (s *Scanner) fingerprintPhase(ctx context.Context, responders []string, profiles []models.CredentialProfile, types map[string]bool, emit func(string, any) bool) bool {
	if len(responders) == 0 {
		return ctx.Err() == nil
	}

	results := make(chan FingerprintResult)
	sem := semaphore.NewWeighted(s.fingerprintWeight)

	go func() {
		var wg sync.WaitGroup
		for _, ip := range responders {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				defer sem.Release(1)
				r := s.fingerprint(ctx, ip, profiles, types)
				select {
				case results <- r:
				case <-ctx.Done():
				}
			}(ip)
		}
		wg.Wait()
		close(results)
	}()

	completed := 0
	found := 0
	lastProgress := time.Now()
	for r := range results {
		completed++
		if r.Fingerprint.DetectedVia != "ping_only" {
			found++
		}
		if !emit("fingerprint_result", r) {
			return false
		}
		if completed%progressEvery == 0 || time.Since(lastProgress) >= progressMaxGap {
			if !emit("progress", progressPayload{Phase: "fingerprint", Completed: completed, Total: len(responders), Found: found}) {
				return false
			}
			lastProgress = time.Now()
		}
	}
	return ctx.Err() == nil
}

// knownAddresses builds the set of addresses already registered as devices
func (s *Scanner) knownAddresses(ctx context.Context) map[string]bool {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list devices for scan dedupe")
		return nil
	}
	known := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.Address != "" {
			known[d.Address] = true
		}
	}
	return known
}

// loadProfiles resolves the requested credential profiles, skipping ids that
// no longer exist
func (s *Scanner) loadProfiles(ctx context.Context, ids []string) []models.CredentialProfile {
	var profiles []models.CredentialProfile
	for _, id := range ids {
		p, err := s.credentials.GetCredentialProfile(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("profile", id).Msg("Skipping unknown credential profile")
			continue
		}
		profiles = append(profiles, *p)
	}
	return profiles
}

func typeSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			set[t] = true
		}
	}
	return set
}

func sortIPs(ips []string) {
	sort.Slice(ips, func(i, j int) bool { return ipValue(ips[i]) < ipValue(ips[j]) })
}

func ipValue(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
