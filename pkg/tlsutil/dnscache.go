package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverMu         sync.RWMutex
	resolverRefreshTTL = 5 * time.Minute
)

// GetDNSResolver returns the process-wide caching DNS resolver
func GetDNSResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		resolverMu.RLock()
		ttl := resolverRefreshTTL
		resolverMu.RUnlock()

		globalResolver = &dnscache.Resolver{}

		// Periodic refresh keeps entries current without per-probe lookups
		go func() {
			ticker := time.NewTicker(ttl)
			defer ticker.Stop()
			for range ticker.C {
				globalResolver.Refresh(true)
				log.Debug().Dur("ttl", ttl).Msg("DNS cache refreshed")
			}
		}()
	})
	return globalResolver
}

// SetDNSCacheTTL configures the refresh interval. Must be called before the
// first HTTP client is created.
func SetDNSCacheTTL(ttl time.Duration) {
	resolverMu.Lock()
	defer resolverMu.Unlock()

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	resolverRefreshTTL = ttl
}

// DialContextWithCache is a DialContext that resolves through the cache
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	// Literal IPs skip the resolver
	if net.ParseIP(host) != nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := GetDNSResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
