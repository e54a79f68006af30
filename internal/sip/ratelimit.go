package sip

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitConfig configures the per-source INVITE limiter.
type LimitConfig struct {
	// Rate is the number of INVITEs allowed per second per source address.
	Rate rate.Limit
	// Burst is the maximum burst size per source.
	Burst int
	// CleanupInterval is how often idle sources are evicted.
	CleanupInterval time.Duration
	// MaxAge is how long an idle source is kept.
	MaxAge time.Duration
}

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SourceLimiter is a token bucket per source host applied to new INVITEs.
type SourceLimiter struct {
	mu      sync.Mutex
	entries map[string]*sourceEntry
	cfg     LimitConfig
	now     func() time.Time
	stopCh  chan struct{}
	logger  *slog.Logger
}

// NewSourceLimiter creates a limiter and starts its eviction loop.
func NewSourceLimiter(cfg LimitConfig, logger *slog.Logger) *SourceLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}
	l := &SourceLimiter{
		entries: make(map[string]*sourceEntry),
		cfg:     cfg,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		logger:  logger.With("subsystem", "invite-limiter"),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an INVITE from host may proceed. When it may not,
// retryAfter is the number of whole seconds until a token is available.
func (l *SourceLimiter) Allow(host string) (ok bool, retryAfter int) {
	now := l.now()

	l.mu.Lock()
	entry, found := l.entries[host]
	if !found {
		entry = &sourceEntry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.entries[host] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, int(math.Ceil(delay.Seconds()))
}

// Stop ends the eviction loop.
func (l *SourceLimiter) Stop() {
	close(l.stopCh)
}

func (l *SourceLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *SourceLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.MaxAge)
	removed := 0
	for host, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, host)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("invite limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}
