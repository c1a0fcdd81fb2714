package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"authcore.io/internal/ids"
	"authcore.io/internal/obs"
)

// Resolver computes effective permissions and document access decisions.
// All results are derived from the store at call time; the only caching is a
// short-TTL permission snapshot so a revoked grant cannot outlive the bound.
type Resolver struct {
	store Store
	now   func() time.Time

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]permSnapshot
}

type permSnapshot struct {
	perms   map[string]struct{}
	fetched time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPermissionCacheTTL bounds how long a resolved permission set may be
// reused. Zero disables caching entirely.
func WithPermissionCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl >= 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	r := &Resolver{
		store:    store,
		now:      time.Now,
		cacheTTL: 30 * time.Second,
		cache:    make(map[string]permSnapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// EnsureBuiltins makes sure the permission catalog exists.
func (r *Resolver) EnsureBuiltins(ctx context.Context) error {
	return r.store.EnsurePermissions(ctx, BuiltinPermissions)
}

// EffectivePermissions returns the union of permissions from every assigned
// role plus custom per-user grants. The union is purely additive; assignment
// order never matters.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) (map[string]struct{}, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if snap, ok := r.cached(userID); ok {
		return snap, nil
	}

	assignments, err := r.store.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, a := range assignments {
		perms, err := r.store.PermissionsForRole(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			set[p.Key()] = struct{}{}
		}
	}
	grants, err := r.store.GrantsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		set[g.PermissionKey] = struct{}{}
	}

	r.remember(userID, set)
	return set, nil
}

// HasPermission checks one permission key against the effective set.
func (r *Resolver) HasPermission(ctx context.Context, userID, key string) (bool, error) {
	set, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := set[key]
	if !ok {
		obs.ObservePermissionDenied()
	}
	return ok, nil
}

// CanAccessDocument decides whether userID may perform the required level of
// access on a document. A direct user entry decides on its own when present
// (so an explicit "none" blocks role grants); otherwise the best role grant
// wins. No entry at all means deny.
func (r *Resolver) CanAccessDocument(ctx context.Context, userID, documentID string, required AccessLevel) (bool, error) {
	if userID == "" || documentID == "" {
		return false, fmt.Errorf("%w: user_id and document_id are required", ErrInvalidInput)
	}
	if required == LevelNone {
		return true, nil
	}

	entries, err := r.store.ACLForDocument(ctx, documentID)
	if err != nil {
		return false, err
	}

	for _, e := range entries {
		if e.UserID == userID {
			allowed := e.Level.Satisfies(required)
			if !allowed {
				obs.ObservePermissionDenied()
			}
			return allowed, nil
		}
	}

	assignments, err := r.store.Assignments(ctx, userID)
	if err != nil {
		return false, err
	}
	roleSet := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		roleSet[a.RoleID] = struct{}{}
	}

	best := LevelNone
	for _, e := range entries {
		if e.RoleID == "" {
			continue
		}
		if _, ok := roleSet[e.RoleID]; !ok {
			continue
		}
		if e.Level > best {
			best = e.Level
		}
	}
	if !best.Satisfies(required) {
		obs.ObservePermissionDenied()
		return false, nil
	}
	return true, nil
}

// GrantUser upserts a direct user entry on a document. Direct edits always
// take precedence over inherited entries and are never overwritten by later
// folder changes.
func (r *Resolver) GrantUser(ctx context.Context, documentID, tenantID, userID string, level AccessLevel, grantedBy string) error {
	entry := &ACLEntry{
		ID:         ids.New(),
		DocumentID: documentID,
		TenantID:   tenantID,
		UserID:     userID,
		Level:      level,
		GrantedBy:  grantedBy,
		GrantedAt:  r.now().UTC(),
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	r.invalidate(userID)
	return r.store.UpsertACLEntry(ctx, entry)
}

// GrantRole upserts a role entry on a document.
func (r *Resolver) GrantRole(ctx context.Context, documentID, tenantID, roleID string, level AccessLevel, grantedBy string) error {
	entry := &ACLEntry{
		ID:         ids.New(),
		DocumentID: documentID,
		TenantID:   tenantID,
		RoleID:     roleID,
		Level:      level,
		GrantedBy:  grantedBy,
		GrantedAt:  r.now().UTC(),
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	return r.store.UpsertACLEntry(ctx, entry)
}

// RevokeUser removes a direct user entry. Missing entries are a no-op.
func (r *Resolver) RevokeUser(ctx context.Context, documentID, userID string) error {
	if documentID == "" || userID == "" {
		return fmt.Errorf("%w: document_id and user_id are required", ErrInvalidInput)
	}
	r.invalidate(userID)
	return r.store.RemoveACLEntry(ctx, documentID, userID, "")
}

// RevokeRole removes a role entry. Missing entries are a no-op.
func (r *Resolver) RevokeRole(ctx context.Context, documentID, roleID string) error {
	if documentID == "" || roleID == "" {
		return fmt.Errorf("%w: document_id and role_id are required", ErrInvalidInput)
	}
	return r.store.RemoveACLEntry(ctx, documentID, "", roleID)
}

// ApplyFolderInheritance copies the folder's current ACL entries onto the
// document, tagged inherited. This is a one-time materialization: later edits
// to the folder never propagate, and entries already present on the document
// are left untouched.
func (r *Resolver) ApplyFolderInheritance(ctx context.Context, folderID, documentID string) error {
	if folderID == "" || documentID == "" {
		return fmt.Errorf("%w: folder_id and document_id are required", ErrInvalidInput)
	}
	entries, err := r.store.ACLForDocument(ctx, folderID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		copied := &ACLEntry{
			ID:            ids.New(),
			DocumentID:    documentID,
			TenantID:      e.TenantID,
			UserID:        e.UserID,
			RoleID:        e.RoleID,
			Level:         e.Level,
			Inherited:     true,
			InheritedFrom: folderID,
			GrantedBy:     e.GrantedBy,
			GrantedAt:     r.now().UTC(),
		}
		if err := r.store.InsertACLEntryIfAbsent(ctx, copied); err != nil {
			return err
		}
	}
	return nil
}

// SetDefaultPermissions seeds a fresh document's ACL: the owner gets admin,
// and the system admin/editor/viewer roles get admin/write/read respectively.
func (r *Resolver) SetDefaultPermissions(ctx context.Context, documentID, tenantID, ownerID string) error {
	if err := r.GrantUser(ctx, documentID, tenantID, ownerID, LevelAdmin, ownerID); err != nil {
		return err
	}
	defaults := []struct {
		role  string
		level AccessLevel
	}{
		{RoleAdmin, LevelAdmin},
		{RoleEditor, LevelWrite},
		{RoleViewer, LevelRead},
	}
	for _, d := range defaults {
		role, err := r.store.FindRoleByName(ctx, tenantID, d.role)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := r.GrantRole(ctx, documentID, tenantID, role.ID, d.level, ownerID); err != nil {
			return err
		}
	}
	return nil
}

// AccessibleDocuments lists document ids the user can reach at minLevel or
// better, through direct entries or any held role.
func (r *Resolver) AccessibleDocuments(ctx context.Context, tenantID, userID string, minLevel AccessLevel) ([]string, error) {
	assignments, err := r.store.Assignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	return r.store.AccessibleDocuments(ctx, tenantID, userID, roleIDs, minLevel)
}

// DocumentACL lists the document's entries, direct and inherited.
func (r *Resolver) DocumentACL(ctx context.Context, documentID string) ([]ACLEntry, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document_id is required", ErrInvalidInput)
	}
	return r.store.ACLForDocument(ctx, documentID)
}

// ListRoles returns the tenant's roles plus the shared system roles.
func (r *Resolver) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	return r.store.ListRoles(ctx, tenantID)
}

// CreateRole registers a custom role in the tenant scope.
func (r *Resolver) CreateRole(ctx context.Context, tenantID, name, description string) (*Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := &Role{
		ID:          ids.New(),
		TenantID:    strings.TrimSpace(tenantID),
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := r.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// AssignRole grants a role to a user.
func (r *Resolver) AssignRole(ctx context.Context, userID, roleID, tenantID, grantedBy string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	r.invalidate(userID)
	return r.store.AssignRole(ctx, RoleAssignment{
		UserID:    userID,
		RoleID:    roleID,
		TenantID:  tenantID,
		GrantedBy: grantedBy,
	})
}

// RemoveAssignment revokes a role from a user.
func (r *Resolver) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	r.invalidate(userID)
	return r.store.RemoveAssignment(ctx, userID, roleID)
}

// GrantPermission adds a custom per-user grant.
func (r *Resolver) GrantPermission(ctx context.Context, userID, permissionKey, grantedBy string) error {
	if userID == "" || permissionKey == "" {
		return fmt.Errorf("%w: user_id and permission are required", ErrInvalidInput)
	}
	r.invalidate(userID)
	return r.store.GrantToUser(ctx, UserGrant{
		UserID:        userID,
		PermissionKey: permissionKey,
		GrantedBy:     grantedBy,
	})
}

func (r *Resolver) cached(userID string) (map[string]struct{}, bool) {
	if r.cacheTTL == 0 {
		return nil, false
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	snap, ok := r.cache[userID]
	if !ok || r.now().Sub(snap.fetched) > r.cacheTTL {
		return nil, false
	}
	out := make(map[string]struct{}, len(snap.perms))
	for k := range snap.perms {
		out[k] = struct{}{}
	}
	return out, true
}

func (r *Resolver) remember(userID string, set map[string]struct{}) {
	if r.cacheTTL == 0 {
		return
	}
	copied := make(map[string]struct{}, len(set))
	for k := range set {
		copied[k] = struct{}{}
	}
	r.cacheMu.Lock()
	r.cache[userID] = permSnapshot{perms: copied, fetched: r.now()}
	r.cacheMu.Unlock()
}

func (r *Resolver) invalidate(userID string) {
	r.cacheMu.Lock()
	delete(r.cache, userID)
	r.cacheMu.Unlock()
}
