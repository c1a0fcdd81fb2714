package session

import (
	"context"
	"time"
)

// Store persists sessions. Implementations must make Create's cap enforcement
// atomic with the insert (the pg store locks the user's session set, the
// memory store holds its mutex) so concurrent logins can never leave more
// than cap active sessions, and must apply Touch/Invalidate only to rows that
// are still active so a validate racing an invalidate cannot resurrect one.
type Store interface {
	// Create inserts the session and, if the user is at cap, terminates the
	// least-recently-active sessions with ReasonLimitExceed. It returns the
	// evicted sessions.
	Create(ctx context.Context, s *Session, cap int) ([]*Session, error)

	Find(ctx context.Context, id string) (*Session, error)

	// Touch updates last-activity (and expiry, when it differs) on an active
	// session. Terminated sessions are left untouched.
	Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error

	// Invalidate terminates an active session. It reports false without error
	// when the session was already terminated.
	Invalidate(ctx context.Context, id, reason string, at time.Time) (bool, error)

	// InvalidateAllForUser atomically terminates every active session of the
	// user except the given one, returning the count affected.
	InvalidateAllForUser(ctx context.Context, userID, exceptID, reason string, at time.Time) (int, error)

	ListForUser(ctx context.Context, userID string, includeInactive bool) ([]*Session, error)

	// MarkExpired terminates active sessions whose expiry passed before now.
	MarkExpired(ctx context.Context, now time.Time) (int, error)

	// DeleteTerminatedBefore removes terminated sessions older than the
	// cutoff. Idempotent; safe to run concurrently with live traffic.
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
