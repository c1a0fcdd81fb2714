package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"authcore.io/internal/audit"
	"authcore.io/internal/auth"
	"authcore.io/internal/notify"
	"authcore.io/internal/obs"
	"authcore.io/internal/ratelimit"
	"authcore.io/internal/session"
	"authcore.io/internal/store/memory"
)

type capturingSender struct {
	messages []notify.Message
}

func (c *capturingSender) Send(_ context.Context, m notify.Message) error {
	c.messages = append(c.messages, m)
	return nil
}

type testEnv struct {
	svc    *auth.Service
	sender *capturingSender
	now    *time.Time
}

func newTestEnv(t *testing.T, opts ...auth.ServiceOption) *testEnv {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := &testEnv{sender: &capturingSender{}, now: &now}
	clock := func() time.Time { return *env.now }

	registry, err := session.NewRegistry(memory.NewSessionStore(), session.WithClock(clock))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	base := []auth.ServiceOption{
		auth.WithTokenSecret("test-secret"),
		auth.WithClock(clock),
		auth.WithSender(env.sender),
	}
	svc, err := auth.NewService(memory.New(), registry, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) register(t *testing.T, email string) *auth.User {
	t.Helper()
	user, err := e.svc.Register(context.Background(), "tenant-1", email, "Test User", "Sup3r$ecret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return user
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")

	_, err := env.svc.Register(context.Background(), "tenant-1", "a@example.com", "Dup", "Sup3r$ecret")
	if !errors.Is(err, auth.ErrDuplicateEmail) {
		t.Fatalf("err = %v, want ErrDuplicateEmail", err)
	}

	// Same email in another tenant is fine.
	if _, err := env.svc.Register(context.Background(), "tenant-2", "a@example.com", "Other", "Sup3r$ecret"); err != nil {
		t.Fatalf("cross-tenant Register: %v", err)
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Register(context.Background(), "tenant-1", "a@example.com", "A", "weakpass")
	if !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("err = %v, want ErrWeakPassword", err)
	}
}

func TestLoginIssuesTokensAndSession(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@example.com")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{DeviceType: "desktop"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.RequiresTwoFactor {
		t.Fatalf("unexpected 2FA challenge")
	}
	if res.Tokens == nil || res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatalf("tokens missing: %+v", res)
	}
	if res.Tokens.TokenType != "Bearer" {
		t.Fatalf("token_type = %q", res.Tokens.TokenType)
	}

	principal, err := env.svc.Authenticate(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.UserID != user.ID || principal.TenantID != "tenant-1" || principal.SessionID != res.SessionID {
		t.Fatalf("principal = %+v", principal)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")

	_, err := env.svc.Login(context.Background(), "tenant-1", "a@example.com", "wrong", session.DeviceInfo{})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownEmailIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")

	wrongPass, _ := env.svc.Login(context.Background(), "tenant-1", "a@example.com", "wrong", session.DeviceInfo{})
	unknown, err := env.svc.Login(context.Background(), "tenant-1", "nobody@example.com", "whatever", session.DeviceInfo{})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredentials", err)
	}
	_ = wrongPass
	_ = unknown
}

func TestLoginInactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@example.com")
	ctx := context.Background()

	if err := env.svc.DeactivateUser(ctx, "tenant-1", user.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}
	_, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("err = %v, want ErrAccountInactive", err)
	}
}

func loginOutcomeCount(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "auth_login_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLoginFailuresCounted(t *testing.T) {
	obs.Init()
	env := newTestEnv(t)
	user := env.register(t, "a@example.com")
	ctx := context.Background()

	if err := env.svc.DeactivateUser(ctx, "tenant-1", user.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}

	before := loginOutcomeCount(t, "failure")

	// Unknown account and inactive account both count as failures.
	if _, err := env.svc.Login(ctx, "tenant-1", "nobody@example.com", "whatever", session.DeviceInfo{}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown email err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{}); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("inactive err = %v, want ErrAccountInactive", err)
	}

	if got := loginOutcomeCount(t, "failure"); got != before+2 {
		t.Fatalf("failure count = %v, want %v", got, before+2)
	}
}

func TestDeactivateUserWrongTenant(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@example.com")
	ctx := context.Background()

	err := env.svc.DeactivateUser(ctx, "tenant-2", user.ID)
	if !errors.Is(err, auth.ErrTenantMismatch) {
		t.Fatalf("err = %v, want ErrTenantMismatch", err)
	}
	// The account is untouched.
	if _, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{}); err != nil {
		t.Fatalf("Login after failed deactivation: %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	limiter := ratelimit.New()
	env := newTestEnv(t, auth.WithRateLimiter(limiter))
	env.register(t, "a@example.com")
	ctx := context.Background()

	// Burn the 5-attempt login budget.
	for i := 0; i < 5; i++ {
		_, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "wrong", session.DeviceInfo{})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	_, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if !errors.Is(err, auth.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

// failingAuditStore rejects every append; reads are empty.
type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, *audit.Entry) error {
	return errors.New("audit store down")
}
func (failingAuditStore) Query(context.Context, audit.Filter) ([]*audit.Entry, error) {
	return nil, nil
}
func (failingAuditStore) RedactUser(context.Context, string, string) (int, error) { return 0, nil }
func (failingAuditStore) DeleteForUser(context.Context, string) (int, error)      { return 0, nil }
func (failingAuditStore) DeleteBefore(context.Context, time.Time) (int, error)    { return 0, nil }

func TestLoginFailsClosedWhenAuditDown(t *testing.T) {
	rec, err := audit.NewRecorder(failingAuditStore{}, audit.WithMode(audit.ModeStrict))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	env := newTestEnv(t, auth.WithAuditRecorder(rec))
	env.register(t, "a@example.com")

	// Correct credentials, but no session without a trail.
	_, err = env.svc.Login(context.Background(), "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if err == nil {
		t.Fatalf("login succeeded without an audit trail")
	}
	if errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("audit failure misreported as bad credentials: %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	pair, err := env.svc.Refresh(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == res.Tokens.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	// The consumed token is dead.
	if _, err := env.svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("reused token err = %v, want ErrTokenRevoked", err)
	}
	// The new one works.
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
}

func TestRefreshFailsAfterLogout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := env.svc.Logout(ctx, res.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("err = %v, want ErrTokenRevoked", err)
	}
	if _, err := env.svc.Authenticate(ctx, res.Tokens.AccessToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("Authenticate after logout err = %v, want ErrInvalidToken", err)
	}
}

func TestLogoutAllKeepsCurrentSession(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@example.com")
	ctx := context.Background()

	var last *auth.LoginResult
	for i := 0; i < 3; i++ {
		res, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
		if err != nil {
			t.Fatalf("Login %d: %v", i, err)
		}
		last = res
	}

	n, err := env.svc.LogoutAll(ctx, user.ID, last.SessionID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("invalidated = %d, want 2", n)
	}
	if _, err := env.svc.Authenticate(ctx, last.Tokens.AccessToken); err != nil {
		t.Fatalf("current session Authenticate: %v", err)
	}
}

func TestChangePasswordInvalidatesOtherSessions(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@example.com")
	ctx := context.Background()

	other, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if err != nil {
		t.Fatalf("Login other: %v", err)
	}
	current, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if err != nil {
		t.Fatalf("Login current: %v", err)
	}

	err = env.svc.ChangePassword(ctx, user.ID, "Sup3r$ecret", "N3w$ecret!", current.SessionID)
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := env.svc.Authenticate(ctx, other.Tokens.AccessToken); err == nil {
		t.Fatalf("other session survived password change")
	}
	if _, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "N3w$ecret!", session.DeviceInfo{}); err != nil {
		t.Fatalf("new password Login: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@example.com")
	ctx := context.Background()

	if err := env.svc.RequestPasswordReset(ctx, "tenant-1", "a@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if len(env.sender.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(env.sender.messages))
	}
	msg := env.sender.messages[0]
	if msg.Kind != notify.KindEmail || msg.Destination != "a@example.com" {
		t.Fatalf("message = %+v", msg)
	}

	// The token is the last space-separated word before the validity note.
	token := extractToken(t, msg.Body)
	if err := env.svc.ResetPassword(ctx, token, "N3w$ecret!"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "N3w$ecret!", session.DeviceInfo{}); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}

	// Single use.
	if err := env.svc.ResetPassword(ctx, token, "An0ther$ecret"); !errors.Is(err, auth.ErrTokenUsed) {
		t.Fatalf("reused reset token err = %v, want ErrTokenUsed", err)
	}
}

func TestPasswordResetUnknownEmailSilent(t *testing.T) {
	env := newTestEnv(t)
	if err := env.svc.RequestPasswordReset(context.Background(), "tenant-1", "nobody@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if len(env.sender.messages) != 0 {
		t.Fatalf("unexpected message sent for unknown account")
	}
}

func TestAccessTokenExpires(t *testing.T) {
	env := newTestEnv(t, auth.WithAccessTTL(time.Minute))
	env.register(t, "a@example.com")
	ctx := context.Background()

	res, err := env.svc.Login(ctx, "tenant-1", "a@example.com", "Sup3r$ecret", session.DeviceInfo{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	*env.now = env.now.Add(2 * time.Minute)
	if _, err := env.svc.Authenticate(ctx, res.Tokens.AccessToken); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func extractToken(t *testing.T, body string) string {
	t.Helper()
	fields := make([]string, 0, 16)
	start := 0
	for i := 0; i <= len(body); i++ {
		if i == len(body) || body[i] == ' ' {
			if i > start {
				fields = append(fields, body[start:i])
			}
			start = i + 1
		}
	}
	for _, f := range fields {
		for j := 0; j < len(f); j++ {
			if f[j] == '.' && j > 0 && j < len(f)-1 {
				return f
			}
		}
	}
	t.Fatalf("no token found in %q", body)
	return ""
}
