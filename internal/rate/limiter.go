// Package rate paces outbound requests per upstream host.
package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type PerHost struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	perSecond  float64
	burst      int
	maxEntries int
	idle       time.Duration
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New returns a limiter allowing perSecond requests per host with the given burst.
func New(perSecond float64, burst int) *PerHost {
	if burst < 1 {
		burst = 1
	}
	return &PerHost{
		m:          make(map[string]*limitEntry),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: 10000,
		idle:       time.Hour,
	}
}

func (p *PerHost) entry(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	entry, ok := p.m[host]
	if !ok {
		if len(p.m) >= p.maxEntries {
			p.evictIdle(now)
		}
		entry = &limitEntry{limiter: rate.NewLimiter(rate.Limit(p.perSecond), p.burst)}
		p.m[host] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

func (p *PerHost) evictIdle(now time.Time) {
	cutoff := now.Add(-p.idle)
	for host, entry := range p.m {
		if entry.lastUsed.Before(cutoff) {
			delete(p.m, host)
		}
	}
}

func (p *PerHost) Allow(host string) bool {
	return p.entry(host).Allow()
}

// Wait blocks until host may be contacted or ctx is done.
func (p *PerHost) Wait(ctx context.Context, host string) error {
	return p.entry(host).Wait(ctx)
}

// Len reports the number of tracked hosts.
func (p *PerHost) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
