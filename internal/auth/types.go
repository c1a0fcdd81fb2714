package auth

import "time"

// User statuses.
const (
	StatusActive      = "active"
	StatusInactive    = "inactive"
	StatusDeactivated = "deactivated"
)

// User is a human account scoped to a tenant.
type User struct {
	ID           string
	TenantID     string
	Email        string
	Name         string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  time.Time
}

// Active reports whether the account may authenticate.
func (u *User) Active() bool { return u.Status == StatusActive }

// Two-factor methods.
const (
	MethodTOTP   = "totp"
	MethodSMS    = "sms"
	MethodBackup = "backup_code"
)

// TwoFactorConfig holds a user's second-factor state. Secrets and codes are
// stored hashed or encrypted at rest; the struct itself never leaves the
// service layer.
type TwoFactorConfig struct {
	UserID string

	TOTPEnabled    bool
	TOTPSecret     string
	TOTPVerifiedAt time.Time

	SMSEnabled  bool
	PhoneNumber string

	// Pending SMS one-time code (hashed) and its expiry.
	SMSCodeHash    string
	SMSCodeExpires time.Time

	// Hashed backup codes. Consuming one moves it to UsedBackupCodes so a
	// replay can be told apart from a code that never existed.
	BackupCodes     []string
	UsedBackupCodes []string

	PreferredMethod string
	UpdatedAt       time.Time
}

// Enabled reports whether any second factor is active.
func (c *TwoFactorConfig) Enabled() bool { return c.TOTPEnabled || c.SMSEnabled }

// RefreshToken is the persisted half of a refresh credential. The client
// holds "<id>.<secret>"; only the secret's hash is stored.
type RefreshToken struct {
	ID        string
	UserID    string
	SessionID string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// ChallengeToken bridges the gap between a correct password and a pending
// second factor. Single use, short lived.
type ChallengeToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Used      bool
}

// PasswordResetToken is a single-use reset credential; only its hash is
// stored.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Used      bool
}

// TokenPair carries freshly minted access and refresh credentials.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginResult is the outcome of a password check: either a full token pair
// with a session, or a challenge the client must answer with a second factor.
type LoginResult struct {
	RequiresTwoFactor bool       `json:"requires_2fa"`
	ChallengeToken    string     `json:"challenge_token,omitempty"`
	Methods           []string   `json:"methods,omitempty"`
	Tokens            *TokenPair `json:"tokens,omitempty"`
	SessionID         string     `json:"session_id,omitempty"`
	UserID            string     `json:"user_id,omitempty"`
}

// Principal is the authenticated caller attached to request context.
type Principal struct {
	UserID    string
	TenantID  string
	SessionID string
	Email     string
}
