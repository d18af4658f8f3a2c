package probe

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/corebit/corebit/internal/errors"
	"github.com/corebit/corebit/internal/models"
)

const (
	pingEchoes      = 2
	pingEchoTimeout = time.Second
)

// tcpFallbackPorts are tried in order when ICMP cannot run at all.
var tcpFallbackPorts = []string{"443", "80", "22", "8291"}

// PingProber answers reachability for devices that expose no management
// protocol. Two echoes run concurrently and either reply marks the device
// up. Raw sockets need CAP_NET_RAW, so a failed privileged echo retries on
// the UDP datagram socket; when neither socket works a TCP connect to a
// common port still proves the host alive.
type PingProber struct {
	unprivileged atomic.Bool
}

func NewPingProber() *PingProber { return &PingProber{} }

func (p *PingProber) Probe(ctx context.Context, device *models.Device, creds models.Credentials) (*Sample, error) {
	type echoResult struct {
		rtt      time.Duration
		received bool
		err      error
	}

	results := make(chan echoResult, pingEchoes)
	for i := 0; i < pingEchoes; i++ {
		go func() {
			rtt, received, err := p.echo(ctx, device.Address)
			results <- echoResult{rtt: rtt, received: received, err: err}
		}()
	}

	var (
		best   time.Duration
		gotAny bool
		broken int
	)
	for i := 0; i < pingEchoes; i++ {
		r := <-results
		switch {
		case r.received:
			if !gotAny || r.rtt < best {
				best = r.rtt
			}
			gotAny = true
		case r.err != nil:
			broken++
		}
	}

	if !gotAny && broken == pingEchoes {
		if rtt, ok := tcpProbe(ctx, device.Address); ok {
			best, gotAny = rtt, true
		}
	}

	if !gotAny {
		return nil, errors.NewTransientNetworkError("ping", device.Name,
			fmt.Errorf("no reply from %s", device.Address))
	}

	data := &models.DeviceData{PingRTTMillis: float64(best.Microseconds()) / 1000}
	return &Sample{Success: true, RTT: best, Data: data, At: time.Now()}, nil
}

// echo sends one ICMP echo. received reports a reply; err means the socket
// itself was unusable, which is distinct from a quiet host.
func (p *PingProber) echo(ctx context.Context, ip string) (time.Duration, bool, error) {
	if !p.unprivileged.Load() {
		rtt, received, err := runPinger(ctx, ip, true)
		if err == nil {
			return rtt, received, nil
		}
		p.unprivileged.Store(true)
	}
	return runPinger(ctx, ip, false)
}

func runPinger(ctx context.Context, ip string, privileged bool) (time.Duration, bool, error) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return 0, false, err
	}
	pinger.Count = 1
	pinger.Timeout = pingEchoTimeout
	pinger.SetPrivileged(privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, false, err
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, false, nil
	}
	return stats.MinRtt, true, nil
}

func tcpProbe(ctx context.Context, ip string) (time.Duration, bool) {
	dialer := net.Dialer{Timeout: pingEchoTimeout}
	for _, port := range tcpFallbackPorts {
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err == nil {
			_ = conn.Close()
			return time.Since(start), true
		}
		if ctx.Err() != nil {
			break
		}
	}
	return 0, false
}
