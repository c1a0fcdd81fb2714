package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore.io/internal/obs"
)

const sessionIDPrefix = "sess_"

// Registry tracks active logins per user and owns the session lifecycle.
type Registry struct {
	store Store
	now   func() time.Time

	ttl         time.Duration
	maxLifetime time.Duration
	sliding     bool
	maxPerUser  int
	retention   time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL sets the idle session lifetime.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxLifetime caps how far sliding renewal may push the expiry past
// creation time.
func WithMaxLifetime(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.maxLifetime = d
		}
	}
}

// WithSlidingExpiry toggles expiry extension on each validated use.
func WithSlidingExpiry(enabled bool) RegistryOption {
	return func(r *Registry) { r.sliding = enabled }
}

// WithMaxPerUser sets the concurrent session cap.
func WithMaxPerUser(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxPerUser = n
		}
	}
}

// WithRetention sets how long terminated sessions are kept before the sweep
// deletes them.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry with 7-day TTL, 30-day max lifetime,
// sliding expiry and a cap of 10 sessions per user.
func NewRegistry(store Store, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	r := &Registry{
		store:       store,
		now:         time.Now,
		ttl:         7 * 24 * time.Hour,
		maxLifetime: 30 * 24 * time.Hour,
		sliding:     true,
		maxPerUser:  10,
		retention:   30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create opens a session for the user, enforcing the per-user cap by evicting
// the least-recently-active sessions.
func (r *Registry) Create(ctx context.Context, userID, tenantID string, device DeviceInfo) (*Session, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" || tenantID == "" {
		return nil, errors.New("session: user_id and tenant_id are required")
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	s := &Session{
		ID:             id,
		UserID:         userID,
		TenantID:       tenantID,
		Device:         device,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.ttl),
		Active:         true,
	}

	evicted, err := r.store.Create(ctx, s, r.maxPerUser)
	if err != nil {
		return nil, err
	}
	obs.ObserveSessionCreated()
	for range evicted {
		obs.ObserveSessionEvicted()
	}
	return s, nil
}

// Validate resolves a session id to a live session. Expired sessions are
// terminated on sight; on success the last-activity timestamp is refreshed
// and, under the sliding policy, the expiry extended up to the max lifetime.
func (r *Registry) Validate(ctx context.Context, sessionID string) (*Session, error) {
	s, err := r.store.Find(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrNotFound
	}
	now := r.now().UTC()
	if s.ExpiredAt(now) {
		// Best effort: the sweep catches it anyway.
		_, _ = r.store.Invalidate(ctx, sessionID, ReasonExpired, now)
		return nil, ErrExpired
	}

	expiresAt := s.ExpiresAt
	if r.sliding {
		extended := now.Add(r.ttl)
		if limit := s.CreatedAt.Add(r.maxLifetime); extended.After(limit) {
			extended = limit
		}
		if extended.After(expiresAt) {
			expiresAt = extended
		}
	}
	if err := r.store.Touch(ctx, sessionID, now, expiresAt); err != nil {
		return nil, err
	}
	s.LastActivityAt = now
	s.ExpiresAt = expiresAt
	return s, nil
}

// Invalidate terminates one session. Invalidating an already-terminated
// session is a no-op, not an error.
func (r *Registry) Invalidate(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = ReasonLogout
	}
	_, err := r.store.Invalidate(ctx, sessionID, reason, r.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// InvalidateAllForUser terminates every other active session of the user and
// returns the count affected.
func (r *Registry) InvalidateAllForUser(ctx context.Context, userID, exceptSessionID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("session: user_id is required")
	}
	return r.store.InvalidateAllForUser(ctx, userID, exceptSessionID, ReasonLogoutAll, r.now().UTC())
}

// ListForUser returns the user's sessions, most recently active first.
func (r *Registry) ListForUser(ctx context.Context, userID string, includeInactive bool) ([]*Session, error) {
	return r.store.ListForUser(ctx, userID, includeInactive)
}

// StatsForUser aggregates the user's session history.
func (r *Registry) StatsForUser(ctx context.Context, userID string) (Stats, error) {
	sessions, err := r.store.ListForUser(ctx, userID, true)
	if err != nil {
		return Stats{}, err
	}
	now := r.now().UTC()
	var st Stats
	deviceSet := map[string]struct{}{}
	locationSet := map[string]struct{}{}
	for _, s := range sessions {
		st.Total++
		switch {
		case s.Active && !s.ExpiredAt(now):
			st.Active++
		case s.ExpiredAt(now):
			st.Expired++
		default:
			st.Invalidated++
		}
		if s.Device.DeviceType != "" {
			deviceSet[s.Device.DeviceType] = struct{}{}
		}
		if s.Device.Location != "" {
			locationSet[s.Device.Location] = struct{}{}
		}
	}
	for d := range deviceSet {
		st.Devices = append(st.Devices, d)
	}
	for l := range locationSet {
		st.Locations = append(st.Locations, l)
	}
	return st, nil
}

// Sweep terminates expired sessions and prunes terminated ones past the
// retention window. Idempotent and safe to run concurrently with traffic.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()
	expired, err := r.store.MarkExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	pruned, err := r.store.DeleteTerminatedBefore(ctx, now.Add(-r.retention))
	if err != nil {
		return expired, err
	}
	return expired + pruned, nil
}

// RunSweeper loops Sweep on the interval until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				obs.LogRequest(map[string]any{
					"level": "error",
					"msg":   "session_sweep_failed",
					"error": err.Error(),
				})
			} else if n > 0 {
				obs.LogRequest(map[string]any{
					"level":   "info",
					"msg":     "session_sweep",
					"removed": n,
				})
			}
		}
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return sessionIDPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
