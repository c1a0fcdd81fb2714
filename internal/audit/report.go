package audit

import (
	"context"
	"fmt"
	"time"
)

// Reporter is the read and compliance side of the audit log.
type Reporter struct {
	store Store
	now   func() time.Time
}

// NewReporter constructs a Reporter.
func NewReporter(store Store) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	return &Reporter{store: store, now: time.Now}, nil
}

// EventsForUser lists the user's entries, newest first. A non-empty tenantID
// restricts the trail to that tenant's entries, so a tenant admin cannot read
// activity a user had elsewhere.
func (r *Reporter) EventsForUser(ctx context.Context, tenantID, userID string, limit int) ([]*Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}
	return r.store.Query(ctx, Filter{TenantID: tenantID, UserID: userID, Limit: limit})
}

// EventsForTenant lists all of the tenant's entries in the window, newest
// first.
func (r *Reporter) EventsForTenant(ctx context.Context, tenantID string, window time.Duration, limit int) ([]*Entry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 100
	}
	return r.store.Query(ctx, Filter{
		TenantID: tenantID,
		Since:    r.now().UTC().Add(-window),
		Limit:    limit,
	})
}

// FailedEvents lists failures in the window, newest first.
func (r *Reporter) FailedEvents(ctx context.Context, tenantID string, window time.Duration, limit int) ([]*Entry, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 100
	}
	return r.store.Query(ctx, Filter{
		TenantID:   tenantID,
		OnlyFailed: true,
		Since:      r.now().UTC().Add(-window),
		Limit:      limit,
	})
}

// SecurityEvents lists security-category entries in the window.
func (r *Reporter) SecurityEvents(ctx context.Context, tenantID string, window time.Duration, limit int) ([]*Entry, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 100
	}
	return r.store.Query(ctx, Filter{
		TenantID: tenantID,
		Category: CategorySecurity,
		Since:    r.now().UTC().Add(-window),
		Limit:    limit,
	})
}

// Statistics aggregates the tenant's activity over the window.
func (r *Reporter) Statistics(ctx context.Context, tenantID string, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	entries, err := r.store.Query(ctx, Filter{
		TenantID: tenantID,
		Since:    r.now().UTC().Add(-window),
	})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		ByType:      make(map[string]int),
		ByCategory:  make(map[string]int),
		WindowHours: int(window / time.Hour),
	}
	for _, e := range entries {
		st.Total++
		if e.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		st.ByType[string(e.Type)]++
		st.ByCategory[string(e.Category)]++
	}
	return st, nil
}

// UserExport is the portable bundle returned by ExportUser.
type UserExport struct {
	UserID      string    `json:"user_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []*Entry  `json:"audit_entries"`
}

// ExportUser returns the user's complete audit trail for a data-portability
// request.
func (r *Reporter) ExportUser(ctx context.Context, userID string) (*UserExport, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	entries, err := r.store.Query(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, err
	}
	return &UserExport{
		UserID:      userID,
		GeneratedAt: r.now().UTC(),
		Entries:     entries,
	}, nil
}

// RedactUser anonymizes the user's audit trail in place. Identity fields are
// scrubbed and the email replaced with a deterministic placeholder; the
// events themselves survive so the trail stays auditable.
func (r *Reporter) RedactUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	placeholder := RedactedEmail(userID)
	return r.store.RedactUser(ctx, userID, placeholder)
}

// RedactedEmail is the placeholder written over a redacted user's email.
func RedactedEmail(userID string) string {
	return fmt.Sprintf("deleted_user_%s@anonymized.local", userID)
}
