package audit

import (
	"context"
	"strings"
	"testing"
	"time"
)

func seedEntries(t *testing.T, store *memAuditStore, now time.Time) {
	t.Helper()
	rec, err := NewRecorder(store, WithMode(ModeStrict), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	if err := rec.LoginAttempt(ctx, "t1", "a@example.com", "user-1", true, "", "10.0.0.1", "ua-1"); err != nil {
		t.Fatalf("LoginAttempt: %v", err)
	}
	if err := rec.LoginAttempt(ctx, "t1", "a@example.com", "user-1", false, "invalid credentials", "10.0.0.1", "ua-1"); err != nil {
		t.Fatalf("LoginAttempt failure: %v", err)
	}
	if err := rec.TwoFactorVerification(ctx, "t1", "user-1", "totp", true, "10.0.0.1"); err != nil {
		t.Fatalf("TwoFactorVerification: %v", err)
	}
	if err := rec.LoginAttempt(ctx, "t1", "b@example.com", "user-2", true, "", "10.0.0.2", "ua-2"); err != nil {
		t.Fatalf("LoginAttempt user-2: %v", err)
	}
}

func TestStatisticsCountsOutcomes(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memAuditStore{}
	seedEntries(t, store, now)

	rep, err := NewReporter(store)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}
	rep.now = func() time.Time { return now.Add(time.Minute) }

	st, err := rep.Statistics(context.Background(), "", 24*time.Hour)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.Total != 4 || st.Successful != 3 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.ByType["login_failure"] != 1 || st.ByCategory["security"] != 1 {
		t.Fatalf("breakdown = %+v", st)
	}
}

func TestFailedEventsWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memAuditStore{}
	seedEntries(t, store, now)

	rep, err := NewReporter(store)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}

	// Inside the window.
	rep.now = func() time.Time { return now.Add(time.Hour) }
	failed, err := rep.FailedEvents(context.Background(), "", 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("FailedEvents: %v", err)
	}
	if len(failed) != 1 || failed[0].Type != EventLoginFailure {
		t.Fatalf("failed = %+v", failed)
	}

	// Window has moved past the entries.
	rep.now = func() time.Time { return now.Add(48 * time.Hour) }
	failed, err = rep.FailedEvents(context.Background(), "", 24*time.Hour, 0)
	if err != nil {
		t.Fatalf("FailedEvents: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("failed outside window = %d, want 0", len(failed))
	}
}

func TestEventsForUserScopedToTenant(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memAuditStore{}
	seedEntries(t, store, now)

	// The same user also has activity in another tenant.
	rec, err := NewRecorder(store, WithMode(ModeStrict), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.LoginAttempt(context.Background(), "t2", "a@example.com", "user-1", true, "", "10.0.0.9", "ua-9"); err != nil {
		t.Fatalf("LoginAttempt t2: %v", err)
	}
	_ = rec.Close()

	rep, err := NewReporter(store)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}

	scoped, err := rep.EventsForUser(context.Background(), "t1", "user-1", 0)
	if err != nil {
		t.Fatalf("EventsForUser: %v", err)
	}
	if len(scoped) != 3 {
		t.Fatalf("scoped entries = %d, want 3", len(scoped))
	}
	for _, e := range scoped {
		if e.TenantID != "t1" {
			t.Fatalf("foreign tenant entry leaked: %+v", e)
		}
	}

	// Unscoped (self-service) view sees the full trail.
	all, err := rep.EventsForUser(context.Background(), "", "user-1", 0)
	if err != nil {
		t.Fatalf("EventsForUser unscoped: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("unscoped entries = %d, want 4", len(all))
	}
}

func TestExportUserReturnsOnlyThatUser(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memAuditStore{}
	seedEntries(t, store, now)

	rep, err := NewReporter(store)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}

	export, err := rep.ExportUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("ExportUser: %v", err)
	}
	if len(export.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(export.Entries))
	}
	for _, e := range export.Entries {
		if e.UserID != "user-1" {
			t.Fatalf("foreign entry in export: %+v", e)
		}
	}
}

func TestRedactUserScrubsIdentityKeepsTrail(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memAuditStore{}
	seedEntries(t, store, now)

	rep, err := NewReporter(store)
	if err != nil {
		t.Fatalf("NewReporter: %v", err)
	}

	n, err := rep.RedactUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("RedactUser: %v", err)
	}
	if n != 3 {
		t.Fatalf("redacted = %d, want 3", n)
	}

	entries, err := store.Query(context.Background(), Filter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("trail shrank to %d entries", len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Email, "deleted_user_") {
			t.Fatalf("email not redacted: %q", e.Email)
		}
		if e.IPAddress != "" || e.UserAgent != "" || e.Metadata != nil {
			t.Fatalf("identity fields survived redaction: %+v", e)
		}
		if e.Type == "" || e.CreatedAt.IsZero() {
			t.Fatalf("event substance lost: %+v", e)
		}
	}

	// user-2 untouched.
	others, err := store.Query(context.Background(), Filter{UserID: "user-2"})
	if err != nil {
		t.Fatalf("Query user-2: %v", err)
	}
	if len(others) != 1 || others[0].Email != "b@example.com" {
		t.Fatalf("unrelated user affected: %+v", others)
	}
}
