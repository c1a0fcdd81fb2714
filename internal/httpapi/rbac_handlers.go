package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"authcore.io/internal/audit"
	"authcore.io/internal/auth"
	"authcore.io/internal/rbac"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type grantPermissionRequest struct {
	Permission string `json:"permission"`
}

type aclGrantRequest struct {
	UserID string `json:"user_id,omitempty"`
	RoleID string `json:"role_id,omitempty"`
	Level  string `json:"level"`
}

type inheritRequest struct {
	FolderID string `json:"folder_id"`
}

type defaultsRequest struct {
	OwnerID string `json:"owner_id"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		principal, err := a.requirePermission(r.Context(), rbac.PermRolesManage)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		roles, err := a.rbac.ListRoles(r.Context(), principal.TenantID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		principal, err := a.requirePermission(r.Context(), rbac.PermRolesManage)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), principal.TenantID, req.Name, req.Description)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/roles/"+role.ID)
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleUserSubresource routes /v1/users/{id}/permissions, /v1/users/{id}/roles,
// /v1/users/{id}/grants and /v1/users/{id}/deactivate.
func (a *API) handleUserSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleUserPermissions(w, r, userID)
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, userID)
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRoleByID(w, r, userID, parts[2])
	case len(parts) == 2 && parts[1] == "grants":
		a.handleUserGrants(w, r, userID)
	case len(parts) == 2 && parts[1] == "deactivate":
		a.handleUserDeactivate(w, r, userID)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	// Users may inspect their own permission set; anyone else needs the
	// management permission.
	if principal.UserID != userID {
		if _, err := a.requirePermission(r.Context(), rbac.PermUsersManage); err != nil {
			handleAuthError(w, r, err)
			return
		}
	}

	set, err := a.rbac.EffectivePermissions(r.Context(), userID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	perms := make([]string, 0, len(set))
	for key := range set {
		perms = append(perms, key)
	}
	sort.Strings(perms)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"permissions": perms,
	})
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, err := a.requirePermission(r.Context(), rbac.PermRolesManage)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.AssignRole(r.Context(), userID, req.RoleID, principal.TenantID, principal.UserID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	if err := a.record(r, principal, audit.EventRoleChanged, "assign", "user:"+userID, map[string]any{"role_id": req.RoleID}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit trail unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "role_assigned"})
}

func (a *API) handleUserRoleByID(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	principal, err := a.requirePermission(r.Context(), rbac.PermRolesManage)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.rbac.RemoveAssignment(r.Context(), userID, roleID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	if err := a.record(r, principal, audit.EventRoleChanged, "remove", "user:"+userID, map[string]any{"role_id": roleID}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit trail unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "role_removed"})
}

func (a *API) handleUserGrants(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, err := a.requirePermission(r.Context(), rbac.PermRolesManage)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req grantPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.GrantPermission(r.Context(), userID, req.Permission, principal.UserID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	if err := a.record(r, principal, audit.EventPermissionGranted, "grant", "user:"+userID, map[string]any{"permission": req.Permission}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit trail unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "permission_granted"})
}

// handleUserDeactivate soft-disables the account: sessions, refresh tokens
// and future logins all stop working, but the row and its audit trail remain.
func (a *API) handleUserDeactivate(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, err := a.requirePermission(r.Context(), rbac.PermUsersManage)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.auth.DeactivateUser(r.Context(), principal.TenantID, userID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if err := a.record(r, principal, audit.EventUserDeactivated, "deactivate", "user:"+userID, nil); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit trail unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

// handleDocuments lists documents the caller can reach at the given level.
func (a *API) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	minLevel := rbac.LevelRead
	if raw := r.URL.Query().Get("min_level"); raw != "" {
		level, err := rbac.ParseLevel(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		minLevel = level
	}

	docs, err := a.rbac.AccessibleDocuments(r.Context(), principal.TenantID, principal.UserID, minLevel)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// handleDocumentSubresource routes /v1/documents/{id}/{acl|inherit|defaults|access}.
func (a *API) handleDocumentSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	documentID := parts[0]

	switch parts[1] {
	case "acl":
		a.handleDocumentACL(w, r, documentID)
	case "inherit":
		a.handleDocumentInherit(w, r, documentID)
	case "defaults":
		a.handleDocumentDefaults(w, r, documentID)
	case "access":
		a.handleDocumentAccess(w, r, documentID)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleDocumentACL(w http.ResponseWriter, r *http.Request, documentID string) {
	switch r.Method {
	case http.MethodGet:
		if _, err := a.requirePermission(r.Context(), rbac.PermDocumentsShare); err != nil {
			handleAuthError(w, r, err)
			return
		}
		entries, err := a.rbac.DocumentACL(r.Context(), documentID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": documentID,
			"entries":     entries,
		})
	case http.MethodPost:
		principal, err := a.requirePermission(r.Context(), rbac.PermDocumentsShare)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		var req aclGrantRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		level, err := rbac.ParseLevel(req.Level)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		switch {
		case req.UserID != "" && req.RoleID == "":
			err = a.rbac.GrantUser(r.Context(), documentID, principal.TenantID, req.UserID, level, principal.UserID)
		case req.RoleID != "" && req.UserID == "":
			err = a.rbac.GrantRole(r.Context(), documentID, principal.TenantID, req.RoleID, level, principal.UserID)
		default:
			writeError(w, r, http.StatusBadRequest, "exactly one of user_id or role_id must be set")
			return
		}
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		if err := a.record(r, principal, audit.EventPermissionGranted, "acl_grant", "document:"+documentID, map[string]any{
			"user_id": req.UserID,
			"role_id": req.RoleID,
			"level":   req.Level,
		}); err != nil {
			writeError(w, r, http.StatusInternalServerError, "audit trail unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "granted"})
	case http.MethodDelete:
		if _, err := a.requirePermission(r.Context(), rbac.PermDocumentsShare); err != nil {
			handleAuthError(w, r, err)
			return
		}
		userID := r.URL.Query().Get("user_id")
		roleID := r.URL.Query().Get("role_id")
		var err error
		switch {
		case userID != "" && roleID == "":
			err = a.rbac.RevokeUser(r.Context(), documentID, userID)
		case roleID != "" && userID == "":
			err = a.rbac.RevokeRole(r.Context(), documentID, roleID)
		default:
			writeError(w, r, http.StatusBadRequest, "exactly one of user_id or role_id must be set")
			return
		}
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleDocumentInherit(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, err := a.requirePermission(r.Context(), rbac.PermDocumentsShare); err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req inheritRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.FolderID == "" {
		writeError(w, r, http.StatusBadRequest, "folder_id is required")
		return
	}
	if err := a.rbac.ApplyFolderInheritance(r.Context(), req.FolderID, documentID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "inherited"})
}

func (a *API) handleDocumentDefaults(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, err := a.requirePermission(r.Context(), rbac.PermDocumentsShare)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	var req defaultsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ownerID := req.OwnerID
	if ownerID == "" {
		ownerID = principal.UserID
	}
	if err := a.rbac.SetDefaultPermissions(r.Context(), documentID, principal.TenantID, ownerID); err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "defaults_applied"})
}

// handleDocumentAccess answers "can I open this document at this level".
func (a *API) handleDocumentAccess(w http.ResponseWriter, r *http.Request, documentID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	level := rbac.LevelRead
	if raw := r.URL.Query().Get("level"); raw != "" {
		parsed, err := rbac.ParseLevel(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		level = parsed
	}
	allowed, err := a.rbac.CanAccessDocument(r.Context(), principal.UserID, documentID, level)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"level":       level,
		"allowed":     allowed,
	})
}
