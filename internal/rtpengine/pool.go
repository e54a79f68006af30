package rtpengine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Relay is a pool member handed to a call session: the NG client for one
// relay plus the shared DTMF event feed.
type Relay struct {
	*Client
	events *DTMFListener
}

// SubscribeDTMF registers fn for DTMF detected on callID.
func (r *Relay) SubscribeDTMF(callID string, fn func(DTMFEvent)) {
	if r.events != nil {
		r.events.Subscribe(callID, fn)
	}
}

// UnsubscribeDTMF removes the DTMF subscription for callID.
func (r *Relay) UnsubscribeDTMF(callID string) {
	if r.events != nil {
		r.events.Unsubscribe(callID)
	}
}

// PoolConfig configures relay discovery.
type PoolConfig struct {
	// Hosts are static host:port members.
	Hosts []string
	// DNSName, when set, is resolved every RefreshInterval and each address
	// joins the pool on Port.
	DNSName         string
	Port            int
	RefreshInterval time.Duration
	Timeout         time.Duration
}

// Pool holds the current relay members. Membership is replaced atomically on
// refresh; Acquire reads a snapshot and never blocks on a refresh.
type Pool struct {
	cfg    PoolConfig
	events *DTMFListener
	logger *slog.Logger
	lookup func(ctx context.Context, host string) ([]string, error)

	members atomic.Pointer[[]*Relay]
	next    atomic.Uint64

	mu      sync.Mutex // serializes refreshes
	clients map[string]*Client
}

// NewPool builds the pool and performs an initial refresh.
func NewPool(ctx context.Context, cfg PoolConfig, events *DTMFListener, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		cfg:     cfg,
		events:  events,
		logger:  logger.With("subsystem", "relay_pool"),
		lookup:  net.DefaultResolver.LookupHost,
		clients: make(map[string]*Client),
	}
	empty := []*Relay{}
	p.members.Store(&empty)
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Acquire returns the next relay in round-robin order.
func (p *Pool) Acquire() (*Relay, bool) {
	members := *p.members.Load()
	if len(members) == 0 {
		return nil, false
	}
	i := p.next.Add(1) - 1
	return members[i%uint64(len(members))], true
}

// Size returns the current member count.
func (p *Pool) Size() int {
	return len(*p.members.Load())
}

// Refresh re-resolves the member list. Existing clients are reused; clients
// for addresses that disappeared are closed.
func (p *Pool) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	addrs := slices.Clone(p.cfg.Hosts)
	if p.cfg.DNSName != "" {
		ips, err := p.lookup(ctx, p.cfg.DNSName)
		if err != nil {
			p.logger.Warn("relay dns lookup failed", "name", p.cfg.DNSName, "error", err)
		}
		for _, ip := range ips {
			addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(p.cfg.Port)))
		}
	}
	slices.Sort(addrs)
	addrs = slices.Compact(addrs)

	members := make([]*Relay, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		seen[addr] = true
		c, ok := p.clients[addr]
		if !ok {
			var err error
			c, err = Dial(addr, p.cfg.Timeout, p.logger)
			if err != nil {
				p.logger.Error("adding relay failed", "relay", addr, "error", err)
				continue
			}
			p.clients[addr] = c
			p.logger.Info("relay added", "relay", addr)
		}
		members = append(members, &Relay{Client: c, events: p.events})
	}
	p.members.Store(&members)

	for addr, c := range p.clients {
		if !seen[addr] {
			delete(p.clients, addr)
			// In-flight sessions keep their handle until they finish.
			go func() {
				time.Sleep(c.timeout)
				c.Close()
			}()
			p.logger.Info("relay removed", "relay", addr)
		}
	}

	if len(members) == 0 {
		return fmt.Errorf("refreshing relay pool: %w", ErrNoRelays)
	}
	return nil
}

// Run refreshes membership on the configured interval until ctx is done.
// It returns immediately when no DNS name is configured.
func (p *Pool) Run(ctx context.Context) {
	if p.cfg.DNSName == "" || p.cfg.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("relay pool refresh", "error", err)
			}
		}
	}
}

// Close closes every client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, c := range p.clients {
		c.Close()
		delete(p.clients, addr)
	}
	empty := []*Relay{}
	p.members.Store(&empty)
}
