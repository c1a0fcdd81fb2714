package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"authcore.io/internal/ids"
	"authcore.io/internal/rbac"
)

var _ rbac.Store = (*Store)(nil)

func (s *Store) CreateRole(ctx context.Context, role *rbac.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles(id, tenant_id, name, description, system, created_at, updated_at)
		values ($1, nullif($2,''), $3, $4, $5, now(), now())
	`, role.ID, role.TenantID, role.Name, role.Description, role.System)
	if isUniqueViolation(err) {
		return rbac.ErrConflict
	}
	return err
}

const roleColumns = `id, coalesce(tenant_id,''), name, coalesce(description,''), system, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*rbac.Role, error) {
	var r rbac.Role
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.System, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) FindRole(ctx context.Context, roleID string) (*rbac.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id=$1`, roleID))
}

func (s *Store) FindRoleByName(ctx context.Context, tenantID, name string) (*rbac.Role, error) {
	// A tenant role shadows a system role of the same name.
	role, err := scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where tenant_id=$1 and name=$2`, tenantID, name))
	if err == nil || !errors.Is(err, rbac.ErrNotFound) {
		return role, err
	}
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where tenant_id is null and name=$1`, name))
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]*rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles
		where tenant_id=$1 or tenant_id is null
		order by system desc, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rbac.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	var system bool
	err := s.db.QueryRowContext(ctx, `select system from roles where id=$1`, roleID).Scan(&system)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.ErrNotFound
	}
	if err != nil {
		return err
	}
	if system {
		return rbac.ErrInvalidInput
	}
	// role_assignments and role_permissions cascade via FK.
	_, err = s.db.ExecContext(ctx, `delete from roles where id=$1`, roleID)
	return err
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []rbac.Permission) error {
	for _, p := range perms {
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions(id, resource, action, description, created_at)
			values ($1,$2,$3,$4,now())
			on conflict (resource, action) do nothing
		`, ids.New(), p.Resource, p.Action, p.Description); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, resource, action, coalesce(description,''), created_at
		from permissions order by resource, action
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, key := range keys {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions(role_id, permission_id)
			select $1, id from permissions where resource || '.' || action = $2
		`, roleID, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return rbac.ErrNotFound
		}
	}
	return tx.Commit()
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.resource, p.action, coalesce(p.description,''), p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id=$1
		order by p.resource, p.action
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, a rbac.RoleAssignment) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from roles where id=$1)`, a.RoleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return rbac.ErrNotFound
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments(user_id, role_id, tenant_id, granted_by, granted_at)
		values ($1,$2,$3,nullif($4,''),now())
		on conflict (user_id, role_id) do nothing
	`, a.UserID, a.RoleID, a.TenantID, a.GrantedBy)
	return err
}

func (s *Store) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from role_assignments where user_id=$1 and role_id=$2`, userID, roleID)
	return err
}

func (s *Store) Assignments(ctx context.Context, userID string) ([]rbac.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, tenant_id, coalesce(granted_by,''), granted_at
		from role_assignments where user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.RoleAssignment
	for rows.Next() {
		var a rbac.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.TenantID, &a.GrantedBy, &a.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GrantToUser(ctx context.Context, g rbac.UserGrant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_grants(user_id, permission_key, granted_by, granted_at)
		values ($1,$2,nullif($3,''),now())
		on conflict (user_id, permission_key) do nothing
	`, g.UserID, g.PermissionKey, g.GrantedBy)
	return err
}

func (s *Store) RevokeFromUser(ctx context.Context, userID, permissionKey string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from user_grants where user_id=$1 and permission_key=$2`, userID, permissionKey)
	return err
}

func (s *Store) GrantsForUser(ctx context.Context, userID string) ([]rbac.UserGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, permission_key, coalesce(granted_by,''), granted_at
		from user_grants where user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.UserGrant
	for rows.Next() {
		var g rbac.UserGrant
		if err := rows.Scan(&g.UserID, &g.PermissionKey, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) UpsertACLEntry(ctx context.Context, entry *rbac.ACLEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into acl_entries(id, document_id, tenant_id, user_id, role_id, level,
			inherited, inherited_from, granted_by, granted_at)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,nullif($8,''),nullif($9,''),$10)
		on conflict (document_id, coalesce(user_id,''), coalesce(role_id,'')) do update set
			level=excluded.level,
			inherited=excluded.inherited,
			inherited_from=excluded.inherited_from,
			granted_by=excluded.granted_by,
			granted_at=excluded.granted_at
	`, entry.ID, entry.DocumentID, entry.TenantID, entry.UserID, entry.RoleID,
		entry.Level.String(), entry.Inherited, entry.InheritedFrom, entry.GrantedBy, entry.GrantedAt)
	return err
}

func (s *Store) InsertACLEntryIfAbsent(ctx context.Context, entry *rbac.ACLEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into acl_entries(id, document_id, tenant_id, user_id, role_id, level,
			inherited, inherited_from, granted_by, granted_at)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,nullif($8,''),nullif($9,''),$10)
		on conflict (document_id, coalesce(user_id,''), coalesce(role_id,'')) do nothing
	`, entry.ID, entry.DocumentID, entry.TenantID, entry.UserID, entry.RoleID,
		entry.Level.String(), entry.Inherited, entry.InheritedFrom, entry.GrantedBy, entry.GrantedAt)
	return err
}

func (s *Store) RemoveACLEntry(ctx context.Context, documentID, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from acl_entries
		where document_id=$1 and coalesce(user_id,'')=$2 and coalesce(role_id,'')=$3
	`, documentID, userID, roleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) ACLForDocument(ctx context.Context, documentID string) ([]rbac.ACLEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, document_id, tenant_id, coalesce(user_id,''), coalesce(role_id,''),
		       level, inherited, coalesce(inherited_from,''), coalesce(granted_by,''), granted_at
		from acl_entries where document_id=$1
		order by granted_at
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.ACLEntry
	for rows.Next() {
		var e rbac.ACLEntry
		var level string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.TenantID, &e.UserID, &e.RoleID,
			&level, &e.Inherited, &e.InheritedFrom, &e.GrantedBy, &e.GrantedAt); err != nil {
			return nil, err
		}
		lvl, err := rbac.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		e.Level = lvl
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AccessibleDocuments(ctx context.Context, tenantID, userID string, roleIDs []string, minLevel rbac.AccessLevel) ([]string, error) {
	// Direct user entries decide alone; role grants apply only to documents
	// without a direct entry for this user.
	const rank = `case level when 'read' then 1 when 'write' then 2 when 'admin' then 3 else 0 end`
	rows, err := s.db.QueryContext(ctx, `
		with direct as (
			select document_id, `+rank+` as rank from acl_entries
			where tenant_id=$1 and user_id=$2
		),
		via_role as (
			select document_id, max(`+rank+`) as rank
			from acl_entries
			where tenant_id=$1 and role_id = any($3)
			  and document_id not in (select document_id from direct)
			group by document_id
		)
		select document_id from direct where rank >= $4
		union
		select document_id from via_role where rank >= $4
		order by document_id
	`, tenantID, userID, pq.StringArray(roleIDs), int(minLevel))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
