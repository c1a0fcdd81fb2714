package rbac

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("rbac: not found")
	ErrInvalidInput     = errors.New("rbac: invalid input")
	ErrConflict         = errors.New("rbac: resource conflict")
	ErrPermissionDenied = errors.New("rbac: permission denied")
)

// AccessLevel is the closed set of document access levels with a total order:
// none < read < write < admin. A grant satisfies a request when its level is
// at least the required level.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelRead
	LevelWrite
	LevelAdmin
)

var levelNames = [...]string{"none", "read", "write", "admin"}

func (l AccessLevel) String() string {
	if l < LevelNone || l > LevelAdmin {
		return "none"
	}
	return levelNames[l]
}

// Satisfies reports whether a grant at level l covers the required level.
func (l AccessLevel) Satisfies(required AccessLevel) bool { return l >= required }

// ParseLevel converts the wire representation into an AccessLevel. Unknown
// strings are rejected rather than coerced.
func ParseLevel(s string) (AccessLevel, error) {
	for i, name := range levelNames {
		if s == name {
			return AccessLevel(i), nil
		}
	}
	return LevelNone, fmt.Errorf("%w: unknown access level %q", ErrInvalidInput, s)
}

func (l AccessLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *AccessLevel) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Role groups permissions. System roles have an empty TenantID and are shared
// across tenants; custom roles are scoped to one tenant. Name is unique within
// its scope.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// System role names seeded at install time.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
	RoleGuest  = "guest"
)

// Permission is an atomic capability keyed by the (resource, action) pair.
type Permission struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the canonical "resource.action" form used in token claims and
// permission checks.
func (p Permission) Key() string { return p.Resource + "." + p.Action }

// Builtin permission keys.
const (
	PermDocumentsRead  = "documents.read"
	PermDocumentsWrite = "documents.write"
	PermDocumentsShare = "documents.share"
	PermUsersManage    = "users.manage"
	PermRolesManage    = "roles.manage"
	PermSessionsManage = "sessions.manage"
	PermAuditRead      = "audit.read"
	PermAuditExport    = "audit.export"
)

// BuiltinPermissions is the catalog ensured at startup.
var BuiltinPermissions = []Permission{
	{Resource: "documents", Action: "read", Description: "View documents"},
	{Resource: "documents", Action: "write", Description: "Edit documents"},
	{Resource: "documents", Action: "share", Description: "Manage document ACLs"},
	{Resource: "users", Action: "manage", Description: "Manage tenant users"},
	{Resource: "roles", Action: "manage", Description: "Manage roles and assignments"},
	{Resource: "sessions", Action: "manage", Description: "Revoke other users' sessions"},
	{Resource: "audit", Action: "read", Description: "Query the audit log"},
	{Resource: "audit", Action: "export", Description: "Run compliance and GDPR exports"},
}

// RoleAssignment links a user to a role.
type RoleAssignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	TenantID  string    `json:"tenant_id"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// UserGrant is a custom per-user permission on top of role membership.
type UserGrant struct {
	UserID        string    `json:"user_id"`
	PermissionKey string    `json:"permission"`
	GrantedBy     string    `json:"granted_by,omitempty"`
	GrantedAt     time.Time `json:"granted_at"`
}

// ACLEntry grants an access level on one document to exactly one of a user or
// a role. Inherited entries are materialized copies of a folder's entries at
// document creation time; InheritedFrom records provenance only and is never
// used to re-derive access.
type ACLEntry struct {
	ID            string      `json:"id"`
	DocumentID    string      `json:"document_id"`
	TenantID      string      `json:"tenant_id"`
	UserID        string      `json:"user_id,omitempty"`
	RoleID        string      `json:"role_id,omitempty"`
	Level         AccessLevel `json:"level"`
	Inherited     bool        `json:"inherited"`
	InheritedFrom string      `json:"inherited_from,omitempty"`
	GrantedBy     string      `json:"granted_by,omitempty"`
	GrantedAt     time.Time   `json:"granted_at"`
}

// Validate enforces the exactly-one-subject invariant.
func (e ACLEntry) Validate() error {
	if e.DocumentID == "" {
		return fmt.Errorf("%w: document_id is required", ErrInvalidInput)
	}
	if (e.UserID == "") == (e.RoleID == "") {
		return fmt.Errorf("%w: exactly one of user_id or role_id must be set", ErrInvalidInput)
	}
	return nil
}
