package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"authcore.io/internal/ids"
	"authcore.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so recorded
// entries can be correlated with request logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Mode selects how Record persists entries.
type Mode string

const (
	// ModeStrict appends every entry synchronously; Record fails when the
	// store does.
	ModeStrict Mode = "strict"
	// ModeQueued buffers entries through a background writer. Security
	// critical events still bypass the queue and are written synchronously.
	ModeQueued Mode = "queued"
)

// Recorder is the write side of the audit log.
type Recorder struct {
	store Store
	mode  Mode
	now   func() time.Time

	queue        chan *Entry
	retryBackoff []time.Duration
	done         chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithMode selects strict or queued persistence.
func WithMode(m Mode) RecorderOption {
	return func(r *Recorder) {
		if m == ModeStrict || m == ModeQueued {
			r.mode = m
		}
	}
}

// WithQueueSize sets the queued-mode buffer capacity.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan *Entry, n)
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder. Queued mode starts one background
// writer; call Close to flush it on shutdown.
func NewRecorder(store Store, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	r := &Recorder{
		store:        store,
		mode:         ModeQueued,
		now:          time.Now,
		retryBackoff: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second},
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queue == nil {
		r.queue = make(chan *Entry, 1024)
	}
	if r.mode == ModeQueued {
		r.wg.Add(1)
		go r.drain()
	}
	return r, nil
}

// Record persists one audit entry. The id, timestamp and category are filled
// in here; callers provide the what and the who.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	e.ID = ids.New()
	e.CreatedAt = r.now().UTC()
	e.Category = CategoryOf(e.Type)
	if e.Metadata != nil {
		copied := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			copied[k] = v
		}
		e.Metadata = copied
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, 1)
		}
		e.Metadata["request_id"] = rid
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if r.mode == ModeStrict || securityCritical[e.Type] {
		if err := r.store.Append(ctx, &e); err != nil {
			return fmt.Errorf("audit: append: %w", err)
		}
		obs.ObserveAuditAppended()
		return nil
	}

	select {
	case r.queue <- &e:
		return nil
	default:
		obs.ObserveAuditDropped()
		return ErrQueueFull
	}
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.flush(e)
		case <-r.done:
			for {
				select {
				case e := <-r.queue:
					r.flush(e)
				default:
					return
				}
			}
		}
	}
}

// flush writes one queued entry, retrying transient store failures before
// giving up. The entry is only counted dropped after the last attempt.
func (r *Recorder) flush(e *Entry) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = r.store.Append(ctx, e)
		cancel()
		if lastErr == nil {
			obs.ObserveAuditAppended()
			return
		}
		if attempt >= len(r.retryBackoff) {
			break
		}
		time.Sleep(r.retryBackoff[attempt])
	}
	obs.ObserveAuditDropped()
	obs.LogRequest(map[string]any{
		"level":      "error",
		"msg":        "audit_append_failed",
		"event_type": string(e.Type),
		"attempts":   len(r.retryBackoff) + 1,
		"error":      lastErr.Error(),
	})
}

// Close stops the background writer after flushing queued entries.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
	r.wg.Wait()
	return nil
}

// LoginAttempt records a login outcome against the account's email; the user
// id may be empty when the account does not exist.
func (r *Recorder) LoginAttempt(ctx context.Context, tenantID, email, userID string, success bool, failureReason string, ip, userAgent string) error {
	t := EventLoginSuccess
	action := "user login successful"
	if !success {
		t = EventLoginFailure
		action = "user login failed"
	}
	return r.Record(ctx, Entry{
		Type:          t,
		Action:        action,
		Success:       success,
		TenantID:      tenantID,
		UserID:        userID,
		Email:         email,
		FailureReason: failureReason,
		IPAddress:     ip,
		UserAgent:     userAgent,
	})
}

// TwoFactorVerification records a 2FA check outcome.
func (r *Recorder) TwoFactorVerification(ctx context.Context, tenantID, userID, method string, success bool, ip string) error {
	t := EventTwoFactorVerifySuccess
	if !success {
		t = EventTwoFactorVerifyFailure
	}
	return r.Record(ctx, Entry{
		Type:      t,
		Action:    fmt.Sprintf("2fa verification (%s)", method),
		Success:   success,
		TenantID:  tenantID,
		UserID:    userID,
		IPAddress: ip,
		Metadata:  map[string]any{"method": method},
	})
}

// RateLimitExceeded records a throttled request.
func (r *Recorder) RateLimitExceeded(ctx context.Context, identifier, limitType, ip string) error {
	return r.Record(ctx, Entry{
		Type:          EventRateLimitExceeded,
		Action:        fmt.Sprintf("rate limit exceeded for %s", limitType),
		Success:       false,
		FailureReason: "too many attempts",
		IPAddress:     ip,
		Metadata:      map[string]any{"identifier": identifier, "limit_type": limitType},
	})
}

// SuspiciousActivity records a security anomaly.
func (r *Recorder) SuspiciousActivity(ctx context.Context, userID, reason, ip string, metadata map[string]any) error {
	return r.Record(ctx, Entry{
		Type:          EventSuspiciousActivity,
		Action:        fmt.Sprintf("suspicious activity detected: %s", reason),
		Success:       false,
		UserID:        userID,
		FailureReason: reason,
		IPAddress:     ip,
		Metadata:      metadata,
	})
}
