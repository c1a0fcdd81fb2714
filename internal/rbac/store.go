package rbac

import "context"

// Store describes persistence required by the resolver. Implementations must
// enforce the uniqueness constraints declared on the model (role name per
// scope, permission resource+action, one ACL entry per document+subject).
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	FindRole(ctx context.Context, roleID string) (*Role, error)
	FindRoleByName(ctx context.Context, tenantID, name string) (*Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
	DeleteRole(ctx context.Context, roleID string) error

	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	SetRolePermissions(ctx context.Context, roleID string, keys []string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)

	AssignRole(ctx context.Context, a RoleAssignment) error
	RemoveAssignment(ctx context.Context, userID, roleID string) error
	Assignments(ctx context.Context, userID string) ([]RoleAssignment, error)

	GrantToUser(ctx context.Context, g UserGrant) error
	RevokeFromUser(ctx context.Context, userID, permissionKey string) error
	GrantsForUser(ctx context.Context, userID string) ([]UserGrant, error)

	UpsertACLEntry(ctx context.Context, entry *ACLEntry) error
	InsertACLEntryIfAbsent(ctx context.Context, entry *ACLEntry) error
	RemoveACLEntry(ctx context.Context, documentID, userID, roleID string) error
	ACLForDocument(ctx context.Context, documentID string) ([]ACLEntry, error)
	AccessibleDocuments(ctx context.Context, tenantID, userID string, roleIDs []string, minLevel AccessLevel) ([]string, error)
}
