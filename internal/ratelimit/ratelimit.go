// Package ratelimit throttles sensitive authentication operations per
// principal. Each named class (login, 2FA, password reset) keeps a token
// bucket per identifier; the bucket refills over the configured window so a
// burst of failures forces a cool-down before the next attempt.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Class names a throttled operation family.
type Class string

const (
	ClassLogin         Class = "login"
	ClassTwoFactor     Class = "2fa"
	ClassPasswordReset Class = "password_reset"
	ClassOTPSend       Class = "otp_send"
)

// Policy describes one class: at most Attempts per Window.
type Policy struct {
	Attempts int
	Window   time.Duration
}

// Default policies mirror the deployment defaults: 5 login attempts per
// 15 minutes, 3 2FA codes per 5 minutes.
var defaultPolicies = map[Class]Policy{
	ClassLogin:         {Attempts: 5, Window: 15 * time.Minute},
	ClassTwoFactor:     {Attempts: 3, Window: 5 * time.Minute},
	ClassPasswordReset: {Attempts: 3, Window: time.Hour},
	ClassOTPSend:       {Attempts: 5, Window: time.Hour},
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter tracks attempt budgets per (class, identifier).
type Limiter struct {
	mu       sync.Mutex
	policies map[Class]Policy
	buckets  map[string]*bucket
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPolicy overrides the policy for one class.
func WithPolicy(class Class, p Policy) Option {
	return func(l *Limiter) {
		if p.Attempts > 0 && p.Window > 0 {
			l.policies[class] = p
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New constructs a Limiter with the default policies.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		policies: make(map[Class]Policy, len(defaultPolicies)),
		buckets:  make(map[string]*bucket),
		ttl:      2 * time.Hour,
		now:      time.Now,
	}
	for c, p := range defaultPolicies {
		l.policies[c] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one attempt for the identifier. It reports false once the
// class budget is exhausted; the budget refills gradually over the window.
func (l *Limiter) Allow(class Class, identifier string) bool {
	p, ok := l.policies[class]
	if !ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(class) + ":" + identifier
	b, ok := l.buckets[key]
	if !ok {
		refill := rate.Every(p.Window / time.Duration(p.Attempts))
		b = &bucket{lim: rate.NewLimiter(refill, p.Attempts)}
		l.buckets[key] = b
	}
	b.seen = l.now()
	return b.lim.Allow()
}

// Reset clears the budget for an identifier, typically after a successful
// authentication so earlier failures stop counting.
func (l *Limiter) Reset(class Class, identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, string(class)+":"+identifier)
}

// Sweep drops buckets idle longer than the retention TTL. Safe to call from a
// periodic goroutine concurrently with Allow.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.ttl)
	removed := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}
