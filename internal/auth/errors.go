package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrDuplicateEmail     = errors.New("auth: email already registered")
	ErrWeakPassword       = errors.New("auth: password does not meet policy")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrInvalidChallenge   = errors.New("auth: invalid or expired challenge")
	ErrInvalidCode        = errors.New("auth: invalid verification code")
	ErrCodeExpired        = errors.New("auth: verification code expired")
	ErrCodeAlreadyUsed    = errors.New("auth: backup code already used")
	ErrCodeNotFound       = errors.New("auth: backup code not recognized")
	ErrTwoFactorRequired  = errors.New("auth: two-factor verification required")
	ErrTwoFactorNotSetup  = errors.New("auth: two-factor not configured")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrTokenUsed          = errors.New("auth: token already used")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrTenantMismatch     = errors.New("auth: tenant mismatch")
	ErrRateLimited        = errors.New("auth: rate limited")
)
