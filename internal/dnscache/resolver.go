// Package dnscache provides an IPv4-preferring resolver with a small TTL
// cache, plugged into the lightweight pipeline's connection pool.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LookupFunc resolves a hostname to IP addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

type cached struct {
	ips     []net.IP
	expires time.Time
}

// Resolver caches lookups and prefers IPv4 answers. Preferring IPv4 keeps
// the dialed address family consistent with the validator's literal
// checks.
type Resolver struct {
	mu     sync.Mutex
	cache  map[string]cached
	ttl    time.Duration
	lookup LookupFunc
	logger *zap.Logger
}

// New builds a Resolver. A nil lookup uses net.DefaultResolver.
func New(ttl time.Duration, lookup LookupFunc, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cache:  make(map[string]cached),
		ttl:    ttl,
		lookup: lookup,
		logger: logger,
	}
}

// Resolve returns addresses for host, IPv4 first, consulting the cache.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.Lock()
	if c, ok := r.cache[host]; ok && time.Now().Before(c.expires) {
		ips := c.ips
		r.mu.Unlock()
		return ips, nil
	}
	r.mu.Unlock()

	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	ips = preferIPv4(ips)

	r.mu.Lock()
	r.cache[host] = cached{ips: ips, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return ips, nil
}

// Warmup resolves host ahead of a request. Failures are ignored: warmup is
// purely an optimization and the real lookup will surface any error.
func (r *Resolver) Warmup(ctx context.Context, host string) {
	if _, err := r.Resolve(ctx, host); err != nil {
		r.logger.Debug("dns warmup failed", zap.String("host", host), zap.Error(err))
	}
}

// DialContext returns a dialer for http.Transport that resolves through
// the cache and tries addresses in preference order.
func (r *Resolver) DialContext(base *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if base == nil {
		base = &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split host port: %w", err)
		}
		ips, err := r.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, dialErr := base.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
			if ctx.Err() != nil {
				break
			}
		}
		return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
	}
}

func preferIPv4(ips []net.IP) []net.IP {
	v4 := make([]net.IP, 0, len(ips))
	v6 := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	return append(v4, v6...)
}
