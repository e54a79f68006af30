package routing

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

const dnsCacheTTL = 60 * time.Second

type dnsEntry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

// Classifier decides whether a destination host lives on a private network.
// Hostnames are resolved and cached for a minute. The network list can be
// replaced at any time by the system information refresh.
type Classifier struct {
	networks atomic.Pointer[[]netip.Prefix]
	lookup   func(ctx context.Context, host string) ([]string, error)
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]dnsEntry
}

// NewClassifier creates a classifier for the given private networks.
func NewClassifier(networks []netip.Prefix, logger *slog.Logger) *Classifier {
	c := &Classifier{
		lookup: net.DefaultResolver.LookupHost,
		logger: logger.With("subsystem", "classifier"),
		cache:  make(map[string]dnsEntry),
	}
	c.SetNetworks(networks)
	return c
}

// SetNetworks atomically replaces the private network list.
func (c *Classifier) SetNetworks(networks []netip.Prefix) {
	cp := append([]netip.Prefix(nil), networks...)
	c.networks.Store(&cp)
}

// Networks returns the current private network list.
func (c *Classifier) Networks() []netip.Prefix {
	return *c.networks.Load()
}

// IsPrivate reports whether host (an IP literal or DNS name, optionally with
// a port) resolves into one of the private networks. Resolution failures
// classify as public.
func (c *Classifier) IsPrivate(ctx context.Context, host string) bool {
	networks := c.Networks()
	if len(networks) == 0 || host == "" {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	addrs, err := c.resolve(ctx, host)
	if err != nil {
		c.logger.Debug("host resolution failed, treating as public", "host", host, "error", err)
		return false
	}
	for _, addr := range addrs {
		for _, p := range networks {
			if p.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	c.mu.Lock()
	entry, ok := c.cache[host]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.addrs, nil
	}

	names, err := c.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(names))
	for _, n := range names {
		if a, err := netip.ParseAddr(n); err == nil {
			addrs = append(addrs, a)
		}
	}

	c.mu.Lock()
	c.cache[host] = dnsEntry{addrs: addrs, expiresAt: time.Now().Add(dnsCacheTTL)}
	c.mu.Unlock()
	return addrs, nil
}

// Order classifies each candidate and returns them public first, private
// last, preserving relative order within each group.
func (c *Classifier) Order(ctx context.Context, candidates []Candidate) []Candidate {
	public := make([]Candidate, 0, len(candidates))
	var private []Candidate
	for _, cand := range candidates {
		cand.Private = c.IsPrivate(ctx, candidateHost(cand))
		if cand.Private {
			private = append(private, cand)
		} else {
			public = append(public, cand)
		}
	}
	return append(public, private...)
}
