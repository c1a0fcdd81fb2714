package audit

import (
	"context"
	"time"
)

// Store persists audit entries. Append-only: implementations must never
// mutate stored entries except through RedactUser and DeleteForUser.
type Store interface {
	Append(ctx context.Context, e *Entry) error

	Query(ctx context.Context, f Filter) ([]*Entry, error)

	// RedactUser scrubs identity fields (email, ip, user agent, metadata) on
	// every entry of the user, replacing the email with the given placeholder.
	// Event type, action, success and timestamp survive so the trail stays
	// usable for compliance. Returns the number of entries touched.
	RedactUser(ctx context.Context, userID, placeholderEmail string) (int, error)

	// DeleteForUser removes the user's entries outright. Irreversible;
	// redaction is the preferred path.
	DeleteForUser(ctx context.Context, userID string) (int, error)

	// DeleteBefore prunes entries older than the cutoff (retention sweeps).
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
