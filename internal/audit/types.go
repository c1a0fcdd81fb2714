package audit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("audit: not found")
	ErrInvalidInput = errors.New("audit: invalid input")
	ErrQueueFull    = errors.New("audit: queue full")
	ErrClosed       = errors.New("audit: recorder closed")
)

// EventType identifies what happened.
type EventType string

const (
	EventLoginAttempt EventType = "login_attempt"
	EventLoginSuccess EventType = "login_success"
	EventLoginFailure EventType = "login_failure"
	EventLogout       EventType = "logout"
	EventLogoutAll    EventType = "logout_all_devices"

	EventTwoFactorSetup         EventType = "2fa_setup"
	EventTwoFactorEnabled       EventType = "2fa_enabled"
	EventTwoFactorDisabled      EventType = "2fa_disabled"
	EventTwoFactorVerifySuccess EventType = "2fa_verify_success"
	EventTwoFactorVerifyFailure EventType = "2fa_verify_failure"

	EventPasswordChanged        EventType = "password_changed"
	EventPasswordResetRequested EventType = "password_reset_requested"
	EventPasswordResetCompleted EventType = "password_reset_completed"
	EventPasswordResetFailed    EventType = "password_reset_failed"

	EventSessionCreated     EventType = "session_created"
	EventSessionInvalidated EventType = "session_invalidated"

	EventUserCreated     EventType = "user_created"
	EventUserUpdated     EventType = "user_updated"
	EventUserDeactivated EventType = "user_deactivated"
	EventUserDeleted     EventType = "user_deleted"
	EventUserRedacted    EventType = "user_redacted"

	EventPermissionGranted EventType = "permission_granted"
	EventPermissionDenied  EventType = "permission_denied"
	EventRoleChanged       EventType = "role_changed"

	EventSuspiciousActivity EventType = "suspicious_activity"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventInvalidToken       EventType = "invalid_token"
	EventAccountLocked      EventType = "account_locked"
)

// Category groups events for filtering and compliance reporting.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryUserManagement Category = "user_management"
	CategorySecurity       Category = "security"
	CategoryCompliance     Category = "compliance"
)

var categoryByType = map[EventType]Category{
	EventLoginAttempt: CategoryAuthentication,
	EventLoginSuccess: CategoryAuthentication,
	EventLoginFailure: CategoryAuthentication,
	EventLogout:       CategoryAuthentication,
	EventLogoutAll:    CategoryAuthentication,

	EventTwoFactorSetup:         CategorySecurity,
	EventTwoFactorEnabled:       CategorySecurity,
	EventTwoFactorDisabled:      CategorySecurity,
	EventTwoFactorVerifySuccess: CategorySecurity,
	EventTwoFactorVerifyFailure: CategorySecurity,

	EventPasswordChanged:        CategorySecurity,
	EventPasswordResetRequested: CategorySecurity,
	EventPasswordResetCompleted: CategorySecurity,
	EventPasswordResetFailed:    CategorySecurity,

	EventSessionCreated:     CategoryAuthentication,
	EventSessionInvalidated: CategoryAuthentication,

	EventUserCreated:     CategoryUserManagement,
	EventUserUpdated:     CategoryUserManagement,
	EventUserDeactivated: CategoryUserManagement,
	EventUserDeleted:     CategoryUserManagement,
	EventUserRedacted:    CategoryCompliance,

	EventPermissionGranted: CategoryAuthorization,
	EventPermissionDenied:  CategoryAuthorization,
	EventRoleChanged:       CategoryAuthorization,

	EventSuspiciousActivity: CategorySecurity,
	EventRateLimitExceeded:  CategorySecurity,
	EventInvalidToken:       CategorySecurity,
	EventAccountLocked:      CategorySecurity,
}

// CategoryOf returns the category an event type belongs to; unknown types
// land in security.
func CategoryOf(t EventType) Category {
	if c, ok := categoryByType[t]; ok {
		return c
	}
	return CategorySecurity
}

// securityCritical events are persisted synchronously even in queued mode:
// losing them would blind an incident investigation.
var securityCritical = map[EventType]bool{
	EventLoginSuccess:           true,
	EventLoginFailure:           true,
	EventPermissionGranted:      true,
	EventRoleChanged:            true,
	EventTwoFactorVerifyFailure: true,
	EventPasswordResetFailed:    true,
	EventPasswordChanged:        true,
	EventSuspiciousActivity:     true,
	EventInvalidToken:           true,
	EventAccountLocked:          true,
	EventUserRedacted:           true,
	EventUserDeleted:            true,
}

// Entry is one append-only audit record. Entries are never updated after
// the fact except by GDPR redaction, which scrubs identity fields while
// preserving the event itself.
type Entry struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"user_email,omitempty"`

	Type     EventType `json:"event_type"`
	Category Category  `json:"category"`
	Action   string    `json:"action"`
	Resource string    `json:"resource,omitempty"`

	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`

	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (e *Entry) validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidInput)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	return nil
}

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	TenantID   string
	UserID     string
	Type       EventType
	Category   Category
	OnlyFailed bool
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Stats aggregates recent audit activity.
type Stats struct {
	Total       int            `json:"total_events"`
	Successful  int            `json:"successful_events"`
	Failed      int            `json:"failed_events"`
	ByType      map[string]int `json:"events_by_type"`
	ByCategory  map[string]int `json:"events_by_category"`
	WindowHours int            `json:"time_window_hours"`
}
