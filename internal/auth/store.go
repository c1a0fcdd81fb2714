package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	TwoFactor(ctx context.Context) TwoFactorStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Challenges(ctx context.Context) ChallengeStore
	PasswordResets(ctx context.Context) PasswordResetStore
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateStatus(ctx context.Context, userID, status string) error
	TouchLogin(ctx context.Context, userID string, at time.Time) error
}

// TwoFactorStore manages second-factor configuration.
type TwoFactorStore interface {
	Find(ctx context.Context, userID string) (*TwoFactorConfig, error)
	Save(ctx context.Context, cfg *TwoFactorConfig) error
	Delete(ctx context.Context, userID string) error
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
	MarkRevokedByUser(ctx context.Context, userID string) error
	MarkRevokedBySession(ctx context.Context, sessionID string) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ChallengeStore manages pending two-factor challenges.
type ChallengeStore interface {
	Create(ctx context.Context, c *ChallengeToken) error
	Find(ctx context.Context, id string) (*ChallengeToken, error)
	MarkUsed(ctx context.Context, id string) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PasswordResetStore manages reset token lifecycle.
type PasswordResetStore interface {
	Create(ctx context.Context, t *PasswordResetToken) error
	Find(ctx context.Context, id string) (*PasswordResetToken, error)
	MarkUsed(ctx context.Context, id string) error
	InvalidateForUser(ctx context.Context, userID string) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
