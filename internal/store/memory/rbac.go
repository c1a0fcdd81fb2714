package memory

import (
	"context"
	"sort"
	"time"

	"authcore.io/internal/rbac"
)

// rbac.Store implementation. Uniqueness constraints mirror the SQL schema:
// one role name per scope, one ACL entry per document+subject.

func (s *Store) CreateRole(_ context.Context, role *rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.TenantID == role.TenantID && existing.Name == role.Name {
			return rbac.ErrConflict
		}
	}
	copied := *role
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	s.roles[role.ID] = &copied
	return nil
}

func (s *Store) FindRole(_ context.Context, roleID string) (*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[roleID]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	copied := *role
	return &copied, nil
}

func (s *Store) FindRoleByName(_ context.Context, tenantID, name string) (*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Tenant-scoped roles shadow global system roles of the same name.
	var global *rbac.Role
	for _, role := range s.roles {
		if role.Name != name {
			continue
		}
		if role.TenantID == tenantID {
			copied := *role
			return &copied, nil
		}
		if role.TenantID == "" {
			global = role
		}
	}
	if global != nil {
		copied := *global
		return &copied, nil
	}
	return nil, rbac.ErrNotFound
}

func (s *Store) ListRoles(_ context.Context, tenantID string) ([]*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*rbac.Role
	for _, role := range s.roles {
		if role.TenantID == tenantID || role.TenantID == "" {
			copied := *role
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteRole(_ context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return rbac.ErrNotFound
	}
	if role.System {
		return rbac.ErrInvalidInput
	}
	delete(s.roles, roleID)
	delete(s.rolePerms, roleID)
	kept := s.assignments[:0]
	for _, a := range s.assignments {
		if a.RoleID != roleID {
			kept = append(kept, a)
		}
	}
	s.assignments = kept
	return nil
}

func (s *Store) EnsurePermissions(_ context.Context, perms []rbac.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		s.permissions[p.Key()] = p
	}
	return nil
}

func (s *Store) ListPermissions(_ context.Context) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, known := s.permissions[k]; !known {
			return rbac.ErrNotFound
		}
		set[k] = struct{}{}
	}
	s.rolePerms[roleID] = set
	return nil
}

func (s *Store) PermissionsForRole(_ context.Context, roleID string) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Permission
	for key := range s.rolePerms[roleID] {
		if p, ok := s.permissions[key]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *Store) AssignRole(_ context.Context, a rbac.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return rbac.ErrNotFound
	}
	for _, existing := range s.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID {
			return nil
		}
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = time.Now().UTC()
	}
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *Store) RemoveAssignment(_ context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.assignments[:0]
	for _, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			continue
		}
		kept = append(kept, a)
	}
	s.assignments = kept
	return nil
}

func (s *Store) Assignments(_ context.Context, userID string) ([]rbac.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.RoleAssignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) GrantToUser(_ context.Context, g rbac.UserGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants {
		if existing.UserID == g.UserID && existing.PermissionKey == g.PermissionKey {
			return nil
		}
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	s.grants = append(s.grants, g)
	return nil
}

func (s *Store) RevokeFromUser(_ context.Context, userID, permissionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.grants[:0]
	for _, g := range s.grants {
		if g.UserID == userID && g.PermissionKey == permissionKey {
			continue
		}
		kept = append(kept, g)
	}
	s.grants = kept
	return nil
}

func (s *Store) GrantsForUser(_ context.Context, userID string) ([]rbac.UserGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.UserGrant
	for _, g := range s.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) UpsertACLEntry(_ context.Context, entry *rbac.ACLEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	for i, existing := range s.aclEntries {
		if sameACLSubject(existing, e) {
			s.aclEntries[i] = e
			return nil
		}
	}
	s.aclEntries = append(s.aclEntries, e)
	return nil
}

func (s *Store) InsertACLEntryIfAbsent(_ context.Context, entry *rbac.ACLEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	if e.GrantedAt.IsZero() {
		e.GrantedAt = time.Now().UTC()
	}
	for _, existing := range s.aclEntries {
		if sameACLSubject(existing, e) {
			return nil
		}
	}
	s.aclEntries = append(s.aclEntries, e)
	return nil
}

func (s *Store) RemoveACLEntry(_ context.Context, documentID, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.aclEntries[:0]
	for _, e := range s.aclEntries {
		if e.DocumentID == documentID && e.UserID == userID && e.RoleID == roleID {
			continue
		}
		kept = append(kept, e)
	}
	s.aclEntries = kept
	return nil
}

func (s *Store) ACLForDocument(_ context.Context, documentID string) ([]rbac.ACLEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.ACLEntry
	for _, e := range s.aclEntries {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AccessibleDocuments(_ context.Context, tenantID, userID string, roleIDs []string, minLevel rbac.AccessLevel) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roleSet := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		roleSet[id] = struct{}{}
	}
	// A direct user entry decides on its own; role entries only count for
	// documents without one.
	direct := make(map[string]rbac.AccessLevel)
	best := make(map[string]rbac.AccessLevel)
	for _, e := range s.aclEntries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if e.UserID == userID {
			direct[e.DocumentID] = e.Level
			continue
		}
		if e.RoleID != "" {
			if _, ok := roleSet[e.RoleID]; ok && e.Level > best[e.DocumentID] {
				best[e.DocumentID] = e.Level
			}
		}
	}
	seen := make(map[string]struct{})
	var out []string
	for doc, level := range direct {
		if level.Satisfies(minLevel) {
			out = append(out, doc)
			seen[doc] = struct{}{}
		}
	}
	for doc, level := range best {
		if _, hasDirect := direct[doc]; hasDirect {
			continue
		}
		if _, dup := seen[doc]; dup {
			continue
		}
		if level.Satisfies(minLevel) {
			out = append(out, doc)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sameACLSubject(a, b rbac.ACLEntry) bool {
	return a.DocumentID == b.DocumentID && a.UserID == b.UserID && a.RoleID == b.RoleID
}
