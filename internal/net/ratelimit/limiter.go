// Package ratelimit provides a per-host token bucket, used by Vendor Clients
// to stay under a provider's documented requests-per-second ceiling without
// waiting for the provider to start returning 429s.
//
// Grounded on the teacher's hand-rolled limiter (internal/net/ratelimit),
// trimmed to the surface a Vendor Client actually drives (construct once,
// Wait before each request) and to a single Limiter — the teacher's
// multi-provider Manager wrapper has no caller here, since each Vendor
// Client owns and constructs its own Limiter directly.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter rate-limits requests per host, lazily creating one token bucket
// per host the first time it's addressed.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     float64
	burst   int
}

// NewLimiter constructs a Limiter sharing the given requests-per-second and
// burst capacity across every host it is asked about.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

// bucket returns host's token bucket, creating it on first use.
func (l *Limiter) bucket(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[host]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.buckets[host] = b
	return b
}

// Allow reports whether a request against host may proceed immediately,
// consuming a token if so.
func (l *Limiter) Allow(host string) bool {
	return l.bucket(host).Allow()
}

// Wait blocks until a token for host is available or ctx is canceled.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.bucket(host).Wait(ctx)
}
