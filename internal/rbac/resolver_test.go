package rbac_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"authcore.io/internal/rbac"
	"authcore.io/internal/store/memory"
)

func newResolver(t *testing.T, opts ...rbac.ResolverOption) (*rbac.Resolver, *memory.Store) {
	t.Helper()
	store := memory.New()
	r, err := rbac.NewResolver(store, opts...)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	if err := r.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	return r, store
}

func seedRole(t *testing.T, r *rbac.Resolver, tenantID, name string, perms ...string) *rbac.Role {
	t.Helper()
	role, err := r.CreateRole(context.Background(), tenantID, name, "")
	if err != nil {
		t.Fatalf("CreateRole %s: %v", name, err)
	}
	return role
}

func TestEffectivePermissionsUnion(t *testing.T) {
	r, store := newResolver(t, rbac.WithPermissionCacheTTL(0))
	ctx := context.Background()

	editor := seedRole(t, r, "tenant-1", "editors")
	reviewer := seedRole(t, r, "tenant-1", "reviewers")
	if err := store.SetRolePermissions(ctx, editor.ID, []string{rbac.PermDocumentsRead, rbac.PermDocumentsWrite}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := store.SetRolePermissions(ctx, reviewer.ID, []string{rbac.PermDocumentsRead, rbac.PermAuditRead}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}

	if err := r.AssignRole(ctx, "user-1", editor.ID, "tenant-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := r.AssignRole(ctx, "user-1", reviewer.ID, "tenant-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := r.GrantPermission(ctx, "user-1", rbac.PermSessionsManage, "admin"); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}

	perms, err := r.EffectivePermissions(ctx, "user-1")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	want := []string{
		rbac.PermDocumentsRead, rbac.PermDocumentsWrite,
		rbac.PermAuditRead, rbac.PermSessionsManage,
	}
	if len(perms) != len(want) {
		t.Fatalf("perms = %v, want %d entries", perms, len(want))
	}
	for _, key := range want {
		if _, ok := perms[key]; !ok {
			t.Fatalf("missing permission %s in %v", key, perms)
		}
	}
}

func TestHasPermissionDefaultDeny(t *testing.T) {
	r, _ := newResolver(t, rbac.WithPermissionCacheTTL(0))
	ok, err := r.HasPermission(context.Background(), "user-1", rbac.PermDocumentsRead)
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if ok {
		t.Fatalf("user with no grants allowed")
	}
}

func TestRemoveAssignmentRevokesPermissions(t *testing.T) {
	r, store := newResolver(t, rbac.WithPermissionCacheTTL(0))
	ctx := context.Background()

	editor := seedRole(t, r, "tenant-1", "editors")
	if err := store.SetRolePermissions(ctx, editor.ID, []string{rbac.PermDocumentsWrite}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := r.AssignRole(ctx, "user-1", editor.ID, "tenant-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if ok, _ := r.HasPermission(ctx, "user-1", rbac.PermDocumentsWrite); !ok {
		t.Fatalf("assigned permission missing")
	}
	if err := r.RemoveAssignment(ctx, "user-1", editor.ID); err != nil {
		t.Fatalf("RemoveAssignment: %v", err)
	}
	if ok, _ := r.HasPermission(ctx, "user-1", rbac.PermDocumentsWrite); ok {
		t.Fatalf("revoked permission still present")
	}
}

func TestPermissionCacheExpires(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r, store := newResolver(t,
		rbac.WithPermissionCacheTTL(30*time.Second),
		rbac.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	editor := seedRole(t, r, "tenant-1", "editors")
	if err := store.SetRolePermissions(ctx, editor.ID, []string{rbac.PermDocumentsRead}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := r.AssignRole(ctx, "user-1", editor.ID, "tenant-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if ok, _ := r.HasPermission(ctx, "user-1", rbac.PermDocumentsRead); !ok {
		t.Fatalf("permission missing")
	}

	// Mutate behind the resolver's back: the store-level removal is not a
	// resolver call, so the cache is only trimmed by TTL.
	if err := store.RemoveAssignment(ctx, "user-1", editor.ID); err != nil {
		t.Fatalf("RemoveAssignment: %v", err)
	}
	if ok, _ := r.HasPermission(ctx, "user-1", rbac.PermDocumentsRead); !ok {
		t.Fatalf("cached permission dropped before TTL")
	}
	now = now.Add(time.Minute)
	if ok, _ := r.HasPermission(ctx, "user-1", rbac.PermDocumentsRead); ok {
		t.Fatalf("stale permission outlived the cache TTL")
	}
}

func TestCanAccessDocumentLevels(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	if err := r.GrantUser(ctx, "doc-1", "tenant-1", "user-1", rbac.LevelWrite, "owner"); err != nil {
		t.Fatalf("GrantUser: %v", err)
	}

	cases := []struct {
		required rbac.AccessLevel
		want     bool
	}{
		{rbac.LevelRead, true},
		{rbac.LevelWrite, true},
		{rbac.LevelAdmin, false},
	}
	for _, tc := range cases {
		got, err := r.CanAccessDocument(ctx, "user-1", "doc-1", tc.required)
		if err != nil {
			t.Fatalf("CanAccessDocument(%v): %v", tc.required, err)
		}
		if got != tc.want {
			t.Fatalf("CanAccessDocument(%v) = %v, want %v", tc.required, got, tc.want)
		}
	}

	// No entry at all: deny.
	if ok, _ := r.CanAccessDocument(ctx, "stranger", "doc-1", rbac.LevelRead); ok {
		t.Fatalf("stranger allowed")
	}
}

func TestDirectUserEntryOverridesRoleGrant(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	editors := seedRole(t, r, "tenant-1", "editors")
	if err := r.AssignRole(ctx, "user-1", editors.ID, "tenant-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := r.GrantRole(ctx, "doc-1", "tenant-1", editors.ID, rbac.LevelWrite, "owner"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	// Role grant alone: write allowed.
	if ok, _ := r.CanAccessDocument(ctx, "user-1", "doc-1", rbac.LevelWrite); !ok {
		t.Fatalf("role grant not honored")
	}

	// An explicit user-level "none" blocks the role grant entirely.
	if err := r.GrantUser(ctx, "doc-1", "tenant-1", "user-1", rbac.LevelNone, "owner"); err != nil {
		t.Fatalf("GrantUser none: %v", err)
	}
	if ok, _ := r.CanAccessDocument(ctx, "user-1", "doc-1", rbac.LevelRead); ok {
		t.Fatalf("explicit none did not override role grant")
	}
}

func TestFolderInheritanceIsOneTimeCopy(t *testing.T) {
	r, store := newResolver(t)
	ctx := context.Background()

	if err := r.GrantUser(ctx, "folder-1", "tenant-1", "user-1", rbac.LevelRead, "owner"); err != nil {
		t.Fatalf("GrantUser: %v", err)
	}
	if err := r.ApplyFolderInheritance(ctx, "folder-1", "doc-1"); err != nil {
		t.Fatalf("ApplyFolderInheritance: %v", err)
	}

	entries, err := store.ACLForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ACLForDocument: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].Inherited || entries[0].InheritedFrom != "folder-1" {
		t.Fatalf("entry not marked inherited: %+v", entries[0])
	}
	if ok, _ := r.CanAccessDocument(ctx, "user-1", "doc-1", rbac.LevelRead); !ok {
		t.Fatalf("inherited access missing")
	}

	// Later folder edits do not propagate.
	if err := r.GrantUser(ctx, "folder-1", "tenant-1", "user-2", rbac.LevelWrite, "owner"); err != nil {
		t.Fatalf("GrantUser user-2: %v", err)
	}
	if ok, _ := r.CanAccessDocument(ctx, "user-2", "doc-1", rbac.LevelRead); ok {
		t.Fatalf("folder edit propagated to document")
	}
}

func TestFolderInheritanceKeepsDirectEdits(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	if err := r.GrantUser(ctx, "folder-1", "tenant-1", "user-1", rbac.LevelRead, "owner"); err != nil {
		t.Fatalf("GrantUser folder: %v", err)
	}
	// Direct edit on the document before inheritance runs.
	if err := r.GrantUser(ctx, "doc-1", "tenant-1", "user-1", rbac.LevelAdmin, "owner"); err != nil {
		t.Fatalf("GrantUser doc: %v", err)
	}
	if err := r.ApplyFolderInheritance(ctx, "folder-1", "doc-1"); err != nil {
		t.Fatalf("ApplyFolderInheritance: %v", err)
	}
	// The direct admin entry survives the copy.
	if ok, _ := r.CanAccessDocument(ctx, "user-1", "doc-1", rbac.LevelAdmin); !ok {
		t.Fatalf("direct entry overwritten by inheritance")
	}
}

func TestSetDefaultPermissions(t *testing.T) {
	r, store := newResolver(t)
	ctx := context.Background()

	// System roles in global scope.
	for _, spec := range []struct{ name string }{{rbac.RoleAdmin}, {rbac.RoleEditor}, {rbac.RoleViewer}} {
		if err := store.CreateRole(ctx, &rbac.Role{ID: "role-" + spec.name, Name: spec.name, System: true}); err != nil {
			t.Fatalf("CreateRole %s: %v", spec.name, err)
		}
	}

	if err := r.SetDefaultPermissions(ctx, "doc-1", "tenant-1", "owner-1"); err != nil {
		t.Fatalf("SetDefaultPermissions: %v", err)
	}

	entries, err := store.ACLForDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("ACLForDocument: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4 (owner + 3 roles)", len(entries))
	}
	if ok, _ := r.CanAccessDocument(ctx, "owner-1", "doc-1", rbac.LevelAdmin); !ok {
		t.Fatalf("owner lacks admin")
	}
}

func TestAccessibleDocuments(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	editors := seedRole(t, r, "tenant-1", "editors")
	if err := r.AssignRole(ctx, "user-1", editors.ID, "tenant-1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := r.GrantUser(ctx, "doc-direct", "tenant-1", "user-1", rbac.LevelWrite, "owner"); err != nil {
		t.Fatalf("GrantUser: %v", err)
	}
	if err := r.GrantRole(ctx, "doc-role", "tenant-1", editors.ID, rbac.LevelRead, "owner"); err != nil {
		t.Fatalf("GrantRole: %v", err)
	}
	if err := r.GrantUser(ctx, "doc-none", "tenant-1", "user-1", rbac.LevelNone, "owner"); err != nil {
		t.Fatalf("GrantUser none: %v", err)
	}

	docs, err := r.AccessibleDocuments(ctx, "tenant-1", "user-1", rbac.LevelRead)
	if err != nil {
		t.Fatalf("AccessibleDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0] != "doc-direct" || docs[1] != "doc-role" {
		t.Fatalf("docs = %v", docs)
	}
}

func TestCreateRoleNormalizesName(t *testing.T) {
	r, _ := newResolver(t)
	role, err := r.CreateRole(context.Background(), "tenant-1", "  Reviewers  ", "desc")
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Name != "reviewers" {
		t.Fatalf("name = %q", role.Name)
	}
	if _, err := r.CreateRole(context.Background(), "tenant-1", "reviewers", ""); !errors.Is(err, rbac.ErrConflict) {
		t.Fatalf("duplicate err = %v, want ErrConflict", err)
	}
}
