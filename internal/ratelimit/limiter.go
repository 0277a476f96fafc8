// Package ratelimit provides per-tenant token buckets, separately for
// ingest and query traffic.
package ratelimit

import (
	"sync"
	"time"

	chronerr "github.com/chronik/chronik/internal/errors"
	"github.com/chronik/chronik/internal/metrics"
)

// Op selects which bucket an operation draws from.
type Op string

const (
	OpIngest Op = "ingest"
	OpQuery  Op = "query"
)

// Limits configures refill rate (tokens per second) and burst capacity for
// one operation class. A zero rate disables limiting for that class.
type Limits struct {
	Rate  float64
	Burst float64
}

// bucket is a token bucket refilled lazily on access.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	limits Limits
}

// Limiter holds one ingest and one query bucket per tenant. Tenants with a
// registered override use their own limits instead of the defaults.
type Limiter struct {
	ingest Limits
	query  Limits

	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	buckets   map[string]*tenantBuckets
	overrides map[string]override
}

type tenantBuckets struct {
	ingest *bucket
	query  *bucket
}

type override struct {
	ingest Limits
	query  Limits
}

// New creates a limiter with the given default limits. The clock is
// injectable for tests via SetClock.
func New(ingest, query Limits, m *metrics.Metrics) *Limiter {
	return &Limiter{
		ingest:    ingest,
		query:     query,
		metrics:   m,
		now:       time.Now,
		buckets:   make(map[string]*tenantBuckets),
		overrides: make(map[string]override),
	}
}

// SetClock replaces the time source. Test use only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Allow consumes one token from the tenant's bucket for the operation.
// When the bucket is empty it returns a rate-limit error carrying the
// interval after which one token will be available.
func (l *Limiter) Allow(tenantID string, op Op) error {
	var b *bucket
	switch op {
	case OpQuery:
		b = l.bucketsFor(tenantID).query
	default:
		b = l.bucketsFor(tenantID).ingest
	}

	if b.limits.Rate <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if b.last.IsZero() {
		b.tokens = b.limits.Burst
	} else {
		b.tokens += now.Sub(b.last).Seconds() * b.limits.Rate
		if b.tokens > b.limits.Burst {
			b.tokens = b.limits.Burst
		}
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return nil
	}

	retryAfter := time.Duration((1 - b.tokens) / b.limits.Rate * float64(time.Second))
	l.metrics.RateLimitedTotal.WithLabelValues(tenantID).Inc()
	return chronerr.NewRateLimited(tenantID, retryAfter)
}

func (l *Limiter) bucketsFor(tenantID string) *tenantBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()

	tb, ok := l.buckets[tenantID]
	if !ok {
		ingest, query := l.ingest, l.query
		if ov, ok := l.overrides[tenantID]; ok {
			ingest, query = ov.ingest, ov.query
		}
		tb = &tenantBuckets{
			ingest: &bucket{limits: ingest},
			query:  &bucket{limits: query},
		}
		l.buckets[tenantID] = tb
	}
	return tb
}

// SetOverride installs per-tenant limits in place of the defaults. A
// zero-valued Limits keeps the default for that class. Live buckets pick
// up the new limits immediately.
func (l *Limiter) SetOverride(tenantID string, ingest, query Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resolved := override{ingest: l.ingest, query: l.query}
	if ingest != (Limits{}) {
		resolved.ingest = ingest
	}
	if query != (Limits{}) {
		resolved.query = query
	}
	l.overrides[tenantID] = resolved

	if tb, ok := l.buckets[tenantID]; ok {
		tb.ingest.setLimits(resolved.ingest)
		tb.query.setLimits(resolved.query)
	}
}

// setLimits swaps a bucket's limits, clamping banked tokens to the new
// burst so a shrunk quota takes effect without a free burst.
func (b *bucket) setLimits(limits Limits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = limits
	if b.tokens > limits.Burst {
		b.tokens = limits.Burst
	}
}

// Forget drops a tenant's buckets and override, typically after tenant
// deletion.
func (l *Limiter) Forget(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, tenantID)
	delete(l.overrides, tenantID)
}
