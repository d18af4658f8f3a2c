package probe

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/go-routeros/routeros/v3/proto"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

const (
	routerosDefaultPort    = "8728"
	routerosDefaultTLSPort = "8729"

	// detailedEvery is how many quick cycles pass between detailed
	// probes (ethernet monitor + SNMP index harvest).
	detailedEvery = 10
)

// RouterOSProber speaks the RouterOS binary API. Quick cycles read
// identity, resources and running interfaces; every tenth cycle (or when
// the running port set changes) a detailed pass walks all interfaces for
// SNMP indexes and negotiated link speeds.
type RouterOSProber struct {
	mu    sync.Mutex
	state map[string]*rosDeviceState
}

type rosDeviceState struct {
	cycles    int
	snmpIndex map[string]int
	speeds    map[string]string
	lastPorts string
}

func NewRouterOSProber() *RouterOSProber {
	return &RouterOSProber{state: make(map[string]*rosDeviceState)}
}

// Forget drops cached interface maps for a deleted device.
func (p *RouterOSProber) Forget(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, deviceID)
}

func (p *RouterOSProber) Probe(ctx context.Context, device *models.Device, creds models.Credentials) (*Sample, error) {
	useTLS := creds.GetBool("useTLS", false)
	port := creds.Get("apiPort", routerosDefaultPort)
	if useTLS && port == routerosDefaultPort {
		port = routerosDefaultTLSPort
	}
	address := net.JoinHostPort(device.Address, port)
	username := creds.Get("username", "admin")
	password := creds.Get("password", "")

	var client *routeros.Client
	var err error
	if useTLS {
		// RouterOS ships self-signed API certificates.
		client, err = routeros.DialTLSContext(ctx, address, username, password, &tls.Config{InsecureSkipVerify: true})
	} else {
		client, err = routeros.DialContext(ctx, address, username, password)
	}
	if err != nil {
		return nil, errors.Classify("routeros_dial", device.Name, err)
	}
	defer client.Close()

	data := &models.DeviceData{}

	identity, err := client.Run("/system/identity/print")
	if err != nil {
		return nil, errors.Classify("routeros_identity", device.Name, err)
	}
	if len(identity.Re) > 0 {
		data.Identity = identity.Re[0].Map["name"]
	}

	resource, err := client.Run("/system/resource/print")
	if err != nil {
		return nil, errors.Classify("routeros_resource", device.Name, err)
	}
	if len(resource.Re) > 0 {
		fillResourceData(data, resource.Re[0].Map)
	}

	st := p.stateFor(device.ID)

	running, err := client.Run("/interface/print", "?running=true",
		"=.proplist=name,default-name,mac-address,comment,rx-byte,tx-byte")
	if err != nil {
		return nil, errors.Classify("routeros_interfaces", device.Name, err)
	}

	portKey := runningPortKey(running.Re)
	detailed := st.cycles%detailedEvery == 0 || portKey != st.lastPorts
	st.cycles++
	st.lastPorts = portKey

	if detailed {
		if err := p.detailedPass(ctx, client, device, st); err != nil {
			// Quick data is still good; detail refresh waits a cycle.
			log.Debug().Err(err).Str("device", device.Name).Msg("Detailed interface pass failed")
		}
	}

	sample := &Sample{Success: true, Data: data, At: time.Now()}
	for _, re := range running.Re {
		name := re.Map["name"]
		if name == "" {
			continue
		}
		data.Ports = append(data.Ports, models.Port{
			Name:        name,
			DefaultName: re.Map["default-name"],
			Status:      "up",
			Speed:       st.speeds[name],
			MAC:         re.Map["mac-address"],
			Description: re.Map["comment"],
			SNMPIndex:   st.snmpIndex[name],
		})
		in, inOK := parseROSUint(re.Map["rx-byte"])
		out, outOK := parseROSUint(re.Map["tx-byte"])
		if inOK && outOK {
			sample.Counters = append(sample.Counters, InterfaceCounters{
				Name:      name,
				SNMPIndex: st.snmpIndex[name],
				InOctets:  in,
				OutOctets: out,
				Bits:      64,
			})
		}
	}

	return sample, nil
}

// detailedPass walks the full interface table to refresh the name-to-
// SNMP-index map (ifIndex follows list position) and reads negotiated
// speeds off every ethernet port.
func (p *RouterOSProber) detailedPass(ctx context.Context, client *routeros.Client, device *models.Device, st *rosDeviceState) error {
	all, err := client.Run("/interface/print", "=.proplist=name,type,running")
	if err != nil {
		return errors.Classify("routeros_interface_walk", device.Name, err)
	}

	index := make(map[string]int, len(all.Re))
	var ethernets []string
	for i, re := range all.Re {
		name := re.Map["name"]
		if name == "" {
			continue
		}
		index[name] = i + 1
		if re.Map["type"] == "ether" && re.Map["running"] == "true" {
			ethernets = append(ethernets, name)
		}
	}
	st.snmpIndex = index

	speeds := make(map[string]string, len(ethernets))
	for _, name := range ethernets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitor, err := client.Run("/interface/ethernet/monitor", "=numbers="+name, "=once=")
		if err != nil {
			log.Debug().Err(err).Str("device", device.Name).Str("interface", name).Msg("Ethernet monitor failed")
			continue
		}
		if len(monitor.Re) > 0 {
			if rate := monitor.Re[0].Map["rate"]; rate != "" {
				speeds[name] = rate
			}
		}
	}
	st.speeds = speeds
	return nil
}

func (p *RouterOSProber) stateFor(deviceID string) *rosDeviceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[deviceID]
	if !ok {
		st = &rosDeviceState{
			snmpIndex: make(map[string]int),
			speeds:    make(map[string]string),
		}
		p.state[deviceID] = st
	}
	return st
}

func fillResourceData(data *models.DeviceData, m map[string]string) {
	data.Model = m["board-name"]
	data.Version = m["version"]
	data.UptimeSeconds = int64(parseROSDuration(m["uptime"]).Seconds())
	if v, err := strconv.ParseFloat(m["cpu-load"], 64); err == nil {
		data.CPUPercent = v
	}
	data.MemoryPercent = usedPercent(m["free-memory"], m["total-memory"])
	data.DiskPercent = usedPercent(m["free-hdd-space"], m["total-hdd-space"])
}

func usedPercent(freeStr, totalStr string) float64 {
	free, okF := parseROSUint(freeStr)
	total, okT := parseROSUint(totalStr)
	if !okF || !okT || total == 0 {
		return 0
	}
	return 100 * float64(total-free) / float64(total)
}

func parseROSUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseROSDuration reads RouterOS compound durations like "2w3d7h25m10s".
func parseROSDuration(s string) time.Duration {
	var total time.Duration
	var num strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			num.WriteRune(r)
			continue
		}
		n, err := strconv.Atoi(num.String())
		num.Reset()
		if err != nil {
			continue
		}
		switch r {
		case 'w':
			total += time.Duration(n) * 7 * 24 * time.Hour
		case 'd':
			total += time.Duration(n) * 24 * time.Hour
		case 'h':
			total += time.Duration(n) * time.Hour
		case 'm':
			total += time.Duration(n) * time.Minute
		case 's':
			total += time.Duration(n) * time.Second
		}
	}
	return total
}

func runningPortKey(res []*proto.Sentence) string {
	names := make([]string, 0, len(res))
	for _, re := range res {
		names = append(names, re.Map["name"])
	}
	return strings.Join(names, ",")
}
