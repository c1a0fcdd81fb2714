package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// Termination reasons recorded on a session when it leaves the active state.
const (
	ReasonLogout      = "logout"
	ReasonLogoutAll   = "logout_all"
	ReasonExpired     = "expired"
	ReasonRevoked     = "revoked"
	ReasonLimitExceed = "session_limit_exceeded"
	ReasonSecurity    = "security"
)

// DeviceInfo describes the client that opened a session.
type DeviceInfo struct {
	DeviceType string `json:"device_type,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	OS         string `json:"os,omitempty"`
	Browser    string `json:"browser,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	Location   string `json:"location,omitempty"`
}

// Session is one authenticated device for one user. Lifecycle is
// Active -> Terminated (logout | expired | revoked); there is no way back.
type Session struct {
	ID       string `json:"session_id"`
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`

	Device DeviceInfo `json:"device"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	Active             bool      `json:"active"`
	InvalidatedAt      time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason string    `json:"invalidation_reason,omitempty"`
}

// ExpiredAt reports whether the session's expiry has passed at the given time.
func (s *Session) ExpiredAt(now time.Time) bool { return now.After(s.ExpiresAt) }

// Stats summarizes a user's sessions for the device-overview endpoint.
type Stats struct {
	Total       int      `json:"total_sessions"`
	Active      int      `json:"active_sessions"`
	Expired     int      `json:"expired_sessions"`
	Invalidated int      `json:"invalidated_sessions"`
	Devices     []string `json:"devices,omitempty"`
	Locations   []string `json:"locations,omitempty"`
}
