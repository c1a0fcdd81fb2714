package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore.io/internal/audit"
	"authcore.io/internal/ids"
	"authcore.io/internal/notify"
	"authcore.io/internal/obs"
	"authcore.io/internal/ratelimit"
	"authcore.io/internal/session"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 24 * time.Hour * 14
	defaultChallengeTTL = 5 * time.Minute
	defaultIssuer       = "authcore"
	defaultTOTPIssuer   = "Authcore"
)

// Service is the authentication facade: credentials, two-factor, sessions
// and token issuance behind one API.
type Service struct {
	store    Store
	sessions *session.Registry
	recorder *audit.Recorder
	limiter  *ratelimit.Limiter
	sender   notify.Sender
	now      func() time.Time

	signer       tokenSigner
	refreshTTL   time.Duration
	challengeTTL time.Duration
	totpIssuer   string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret sets the HS256 signing secret for access tokens.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("auth: token secret is empty")
		}
		s.signer.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.signer.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.signer.ttl = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithChallengeTTL configures how long a pending two-factor challenge stays
// answerable.
func WithChallengeTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
		return nil
	}
}

// WithTOTPIssuer sets the issuer shown in authenticator apps.
func WithTOTPIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(issuer) != "" {
			s.totpIssuer = strings.TrimSpace(issuer)
		}
		return nil
	}
}

// WithAuditRecorder wires the audit trail.
func WithAuditRecorder(rec *audit.Recorder) ServiceOption {
	return func(s *Service) error {
		s.recorder = rec
		return nil
	}
}

// WithRateLimiter wires per-identity throttling.
func WithRateLimiter(l *ratelimit.Limiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithSender wires the email/SMS delivery channel.
func WithSender(sender notify.Sender) ServiceOption {
	return func(s *Service) error {
		s.sender = sender
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the facade. A token secret must be provided via
// WithTokenSecret before tokens can be issued.
func NewService(store Store, sessions *session.Registry, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if sessions == nil {
		return nil, errors.New("auth: session registry is required")
	}
	svc := &Service{
		store:    store,
		sessions: sessions,
		sender:   notify.LogSender{},
		now:      time.Now,
		signer: tokenSigner{
			issuer: defaultIssuer,
			ttl:    defaultAccessTTL,
		},
		refreshTTL:   defaultRefreshTTL,
		challengeTTL: defaultChallengeTTL,
		totpIssuer:   defaultTOTPIssuer,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates a new account after validating the password policy.
func (s *Service) Register(ctx context.Context, tenantID, email, name, password string) (*User, error) {
	tenantID = strings.TrimSpace(tenantID)
	email = normalizeEmail(email)
	if tenantID == "" || email == "" {
		return nil, fmt.Errorf("%w: tenant_id and email are required", ErrInvalidInput)
	}
	if err := ValidatePasswordPolicy(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		TenantID:     tenantID,
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		Type:     audit.EventUserCreated,
		Action:   "user registered",
		Success:  true,
		UserID:   user.ID,
		TenantID: tenantID,
		Email:    email,
	})
	return user, nil
}

// Login verifies credentials. When a second factor is enabled the result
// carries a challenge token instead of credentials; otherwise a session is
// opened and tokens are minted. The rate limit check runs before any account
// lookup so throttling cannot leak whether the email exists.
func (s *Service) Login(ctx context.Context, tenantID, email, password string, device session.DeviceInfo) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if !s.allow(ratelimit.ClassLogin, email) {
		s.recordRateLimit(ctx, email, "login", device.IPAddress)
		return nil, ErrRateLimited
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordLogin(ctx, tenantID, email, "", false, "unknown account", device)
			obs.ObserveLogin("failure")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.recordLogin(ctx, tenantID, email, user.ID, false, "invalid credentials", device)
		obs.ObserveLogin("failure")
		return nil, ErrInvalidCredentials
	}
	if !user.Active() {
		s.recordLogin(ctx, tenantID, email, user.ID, false, "account inactive", device)
		obs.ObserveLogin("failure")
		return nil, ErrAccountInactive
	}

	cfg, err := s.store.TwoFactor(ctx).Find(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cfg != nil && cfg.Enabled() {
		challenge, err := s.issueChallenge(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		// SMS users have no authenticator app to consult; the code must be
		// pushed to them along with the challenge.
		if cfg.SMSEnabled && (cfg.PreferredMethod == MethodSMS || !cfg.TOTPEnabled) {
			if err := s.SendSMSCode(ctx, user.ID); err != nil {
				return nil, err
			}
		}
		obs.ObserveLogin("challenge")
		return &LoginResult{
			RequiresTwoFactor: true,
			ChallengeToken:    challenge,
			Methods:           cfg.methods(),
			UserID:            user.ID,
		}, nil
	}

	return s.openSession(ctx, user, device)
}

// CompleteTwoFactor answers a pending challenge with a verification code and
// finishes the login.
func (s *Service) CompleteTwoFactor(ctx context.Context, challengeToken, code, method string, device session.DeviceInfo) (*LoginResult, error) {
	record, err := s.consumeChallenge(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	if !s.allow(ratelimit.ClassTwoFactor, record.UserID) {
		s.recordRateLimit(ctx, record.UserID, "2fa", device.IPAddress)
		return nil, ErrRateLimited
	}

	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if err != nil {
		return nil, err
	}

	ok, usedMethod, err := s.verifySecondFactor(ctx, user.ID, code, method)
	if err != nil {
		if errors.Is(err, ErrCodeAlreadyUsed) || errors.Is(err, ErrCodeNotFound) || errors.Is(err, ErrCodeExpired) {
			s.record2FA(ctx, user.TenantID, user.ID, usedMethod, false, device.IPAddress)
		}
		return nil, err
	}
	s.record2FA(ctx, user.TenantID, user.ID, usedMethod, ok, device.IPAddress)
	if !ok {
		return nil, ErrInvalidCode
	}
	if !user.Active() {
		return nil, ErrAccountInactive
	}
	return s.openSession(ctx, user, device)
}

// Refresh rotates the refresh token and issues a new pair. A hash mismatch
// on an existing token id is treated as theft: the token is revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tokenID, secret, err := splitOpaqueToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}
	tokens := s.store.RefreshTokens(ctx)
	record, err := tokens.Find(ctx, tokenID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if record.Revoked {
		return nil, ErrTokenRevoked
	}
	if s.now().UTC().After(record.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if !secureCompareHash(record.TokenHash, secret) {
		_ = tokens.MarkRevoked(ctx, record.ID)
		s.record(ctx, audit.Entry{
			Type:          audit.EventInvalidToken,
			Action:        "refresh token hash mismatch",
			Success:       false,
			UserID:        record.UserID,
			FailureReason: "possible token theft",
		})
		return nil, ErrInvalidToken
	}

	// The backing session must still be live.
	live, err := s.sessions.Validate(ctx, record.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return nil, ErrTokenExpired
		}
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, err
	}

	if err := tokens.MarkRevoked(ctx, record.ID); err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	return s.mintTokens(ctx, user, live.ID)
}

// Authenticate validates an access token and returns the caller's principal.
// The bound session is touched, so revoked logins fail here before expiry.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.signer.verify(accessToken, s.now().UTC())
	if err != nil {
		return Principal{}, err
	}
	live, err := s.sessions.Validate(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, ErrInvalidToken
	}
	if live.UserID != claims.Subject {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		UserID:    claims.Subject,
		TenantID:  claims.TenantID,
		SessionID: claims.SessionID,
	}, nil
}

// Logout terminates one session and revokes its refresh tokens. Idempotent.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Invalidate(ctx, sessionID, session.ReasonLogout); err != nil {
		return err
	}
	if err := s.store.RefreshTokens(ctx).MarkRevokedBySession(ctx, sessionID); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		Type:      audit.EventLogout,
		Action:    "user logged out",
		Success:   true,
		SessionID: sessionID,
	})
	return nil
}

// LogoutAll terminates every other session of the user and revokes all their
// refresh tokens.
func (s *Service) LogoutAll(ctx context.Context, userID, exceptSessionID string) (int, error) {
	n, err := s.sessions.InvalidateAllForUser(ctx, userID, exceptSessionID)
	if err != nil {
		return 0, err
	}
	if err := s.store.RefreshTokens(ctx).MarkRevokedByUser(ctx, userID); err != nil {
		return n, err
	}
	s.record(ctx, audit.Entry{
		Type:    audit.EventLogoutAll,
		Action:  "user logged out everywhere",
		Success: true,
		UserID:  userID,
		Metadata: map[string]any{
			"sessions_invalidated": n,
		},
	})
	return n, nil
}

// ChangePassword rotates the password after verifying the current one, then
// forces re-login everywhere else.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, keepSessionID string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, currentPassword); err != nil {
		return ErrInvalidCredentials
	}
	if err := ValidatePasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.InvalidateAllForUser(ctx, userID, keepSessionID); err != nil {
		return err
	}
	if err := s.store.RefreshTokens(ctx).MarkRevokedByUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		Type:     audit.EventPasswordChanged,
		Action:   "password changed",
		Success:  true,
		UserID:   userID,
		TenantID: user.TenantID,
	})
	return nil
}

// RequestPasswordReset issues a reset token and emails the link. The reply
// is identical whether or not the account exists.
func (s *Service) RequestPasswordReset(ctx context.Context, tenantID, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !s.allow(ratelimit.ClassPasswordReset, email) {
		s.recordRateLimit(ctx, email, "password_reset", "")
		return ErrRateLimited
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	resets := s.store.PasswordResets(ctx)
	if err := resets.InvalidateForUser(ctx, user.ID); err != nil {
		return err
	}
	raw, id, hash, err := newOpaqueToken()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := resets.Create(ctx, &PasswordResetToken{
		ID:        id,
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}); err != nil {
		return err
	}

	msg := notify.Message{
		Kind:        notify.KindEmail,
		Destination: user.Email,
		Subject:     "Password reset",
		Body:        fmt.Sprintf("Use this token to reset your password: %s (valid 24h)", raw),
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("auth: send reset email: %w", err)
	}
	s.record(ctx, audit.Entry{
		Type:     audit.EventPasswordResetRequested,
		Action:   "password reset requested",
		Success:  true,
		UserID:   user.ID,
		TenantID: user.TenantID,
		Email:    user.Email,
	})
	return nil
}

// ResetPassword consumes a reset token and sets the new password, then
// invalidates every session and refresh token of the user.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	tokenID, secret, err := splitOpaqueToken(resetToken)
	if err != nil {
		return ErrInvalidToken
	}
	resets := s.store.PasswordResets(ctx)
	record, err := resets.Find(ctx, tokenID)
	if err != nil {
		return ErrInvalidToken
	}
	if record.Used {
		return ErrTokenUsed
	}
	if s.now().UTC().After(record.ExpiresAt) {
		return ErrTokenExpired
	}
	if !secureCompareHash(record.TokenHash, secret) {
		return ErrInvalidToken
	}
	if err := ValidatePasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := resets.MarkUsed(ctx, record.ID); err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, record.UserID, hash); err != nil {
		return err
	}
	if _, err := s.sessions.InvalidateAllForUser(ctx, record.UserID, ""); err != nil {
		return err
	}
	if err := s.store.RefreshTokens(ctx).MarkRevokedByUser(ctx, record.UserID); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		Type:    audit.EventPasswordResetCompleted,
		Action:  "password reset completed",
		Success: true,
		UserID:  record.UserID,
	})
	return nil
}

// DeactivateUser blocks the account and tears down its access. A non-empty
// tenantID must match the account's tenant, so an admin in one tenant cannot
// deactivate users of another.
func (s *Service) DeactivateUser(ctx context.Context, tenantID, userID string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if tenantID != "" && user.TenantID != tenantID {
		return ErrTenantMismatch
	}
	if err := s.store.Users(ctx).UpdateStatus(ctx, userID, StatusDeactivated); err != nil {
		return err
	}
	if _, err := s.sessions.InvalidateAllForUser(ctx, userID, ""); err != nil {
		return err
	}
	if err := s.store.RefreshTokens(ctx).MarkRevokedByUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, audit.Entry{
		Type:     audit.EventUserDeactivated,
		Action:   "user deactivated",
		Success:  true,
		UserID:   userID,
		TenantID: user.TenantID,
		Email:    user.Email,
	})
	return nil
}

// SweepTokens prunes expired refresh, challenge and reset tokens.
func (s *Service) SweepTokens(ctx context.Context) (int, error) {
	now := s.now().UTC()
	total := 0
	n, err := s.store.RefreshTokens(ctx).DeleteExpiredBefore(ctx, now)
	if err != nil {
		return total, err
	}
	total += n
	n, err = s.store.Challenges(ctx).DeleteExpiredBefore(ctx, now)
	if err != nil {
		return total, err
	}
	total += n
	n, err = s.store.PasswordResets(ctx).DeleteExpiredBefore(ctx, now)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

func (s *Service) openSession(ctx context.Context, user *User, device session.DeviceInfo) (*LoginResult, error) {
	sess, err := s.sessions.Create(ctx, user.ID, user.TenantID, device)
	if err != nil {
		return nil, err
	}
	pair, err := s.mintTokens(ctx, user, sess.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Users(ctx).TouchLogin(ctx, user.ID, s.now().UTC()); err != nil {
		return nil, err
	}
	// A successful login must leave a trail; if the audit store is down the
	// login fails rather than going unrecorded.
	if s.recorder != nil {
		if err := s.recorder.LoginAttempt(ctx, user.TenantID, user.Email, user.ID, true, "", device.IPAddress, device.UserAgent); err != nil {
			return nil, fmt.Errorf("auth: record login: %w", err)
		}
	}
	obs.ObserveLogin("success")
	return &LoginResult{
		Tokens:    pair,
		SessionID: sess.ID,
		UserID:    user.ID,
	}, nil
}

func (s *Service) mintTokens(ctx context.Context, user *User, sessionID string) (*TokenPair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.signer.sign(user.ID, user.TenantID, sessionID, now)
	if err != nil {
		return nil, err
	}
	raw, id, hash, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	rec := &RefreshToken{
		ID:        id,
		UserID:    user.ID,
		SessionID: sessionID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) issueChallenge(ctx context.Context, userID string) (string, error) {
	raw, id, hash, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	err = s.store.Challenges(ctx).Create(ctx, &ChallengeToken{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.challengeTTL),
		CreatedAt: now,
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (s *Service) consumeChallenge(ctx context.Context, raw string) (*ChallengeToken, error) {
	tokenID, secret, err := splitOpaqueToken(raw)
	if err != nil {
		return nil, ErrInvalidChallenge
	}
	challenges := s.store.Challenges(ctx)
	record, err := challenges.Find(ctx, tokenID)
	if err != nil {
		return nil, ErrInvalidChallenge
	}
	if record.Used || s.now().UTC().After(record.ExpiresAt) {
		return nil, ErrInvalidChallenge
	}
	if !secureCompareHash(record.TokenHash, secret) {
		return nil, ErrInvalidChallenge
	}
	if err := challenges.MarkUsed(ctx, record.ID); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) allow(class ratelimit.Class, id string) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow(class, id)
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil && !errors.Is(err, audit.ErrQueueFull) {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "audit_record_failed",
			"event": string(e.Type),
			"error": err.Error(),
		})
	}
}

func (s *Service) recordLogin(ctx context.Context, tenantID, email, userID string, success bool, reason string, device session.DeviceInfo) {
	if s.recorder == nil {
		return
	}
	_ = s.recorder.LoginAttempt(ctx, tenantID, email, userID, success, reason, device.IPAddress, device.UserAgent)
}

func (s *Service) record2FA(ctx context.Context, tenantID, userID, method string, success bool, ip string) {
	if s.recorder == nil {
		return
	}
	_ = s.recorder.TwoFactorVerification(ctx, tenantID, userID, method, success, ip)
}

func (s *Service) recordRateLimit(ctx context.Context, identifier, limitType, ip string) {
	if s.recorder == nil {
		return
	}
	_ = s.recorder.RateLimitExceeded(ctx, identifier, limitType, ip)
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
