package httpapi

import (
	"net/http"
	"strings"
	"time"

	"authcore.io/internal/audit"
	"authcore.io/internal/auth"
	"authcore.io/internal/rbac"
)

// handleAudit routes /v1/audit/{users/{id}|tenant|failed|security|stats}.
func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/audit/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[0] == "users" && parts[1] != "":
		a.handleAuditUser(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "tenant":
		a.handleAuditTenant(w, r)
	case len(parts) == 1 && parts[0] == "failed":
		a.handleAuditFailed(w, r)
	case len(parts) == 1 && parts[0] == "security":
		a.handleAuditSecurity(w, r)
	case len(parts) == 1 && parts[0] == "stats":
		a.handleAuditStats(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleAuditUser(w http.ResponseWriter, r *http.Request, userID string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	// A user may read their own full trail; anything else needs audit.read
	// and is fenced to the caller's tenant.
	tenantScope := ""
	if principal.UserID != userID {
		if _, err := a.requirePermission(r.Context(), rbac.PermAuditRead); err != nil {
			handleAuthError(w, r, err)
			return
		}
		tenantScope = principal.TenantID
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.reports.EventsForUser(r.Context(), tenantScope, userID, limit)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": entries,
	})
}

func (a *API) handleAuditTenant(w http.ResponseWriter, r *http.Request) {
	principal, err := a.requirePermission(r.Context(), rbac.PermAuditRead)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	window, limit, err := auditQueryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.reports.EventsForTenant(r.Context(), principal.TenantID, window, limit)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditFailed(w http.ResponseWriter, r *http.Request) {
	principal, err := a.requirePermission(r.Context(), rbac.PermAuditRead)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	window, limit, err := auditQueryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.reports.FailedEvents(r.Context(), principal.TenantID, window, limit)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditSecurity(w http.ResponseWriter, r *http.Request) {
	principal, err := a.requirePermission(r.Context(), rbac.PermAuditRead)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	window, limit, err := auditQueryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.reports.SecurityEvents(r.Context(), principal.TenantID, window, limit)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	principal, err := a.requirePermission(r.Context(), rbac.PermAuditRead)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	window, _, err := auditQueryParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := a.reports.Statistics(r.Context(), principal.TenantID, window)
	if err != nil {
		handleAuditError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGDPR routes /v1/gdpr/users/{id}/{export|redact}.
func (a *API) handleGDPR(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/gdpr/users/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	userID := parts[0]

	switch parts[1] {
	case "export":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if _, err := a.requirePermission(r.Context(), rbac.PermAuditExport); err != nil {
			handleAuthError(w, r, err)
			return
		}
		export, err := a.reports.ExportUser(r.Context(), userID)
		if err != nil {
			handleAuditError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, export)
	case "redact":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		principal, err := a.requirePermission(r.Context(), rbac.PermAuditExport)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		n, err := a.reports.RedactUser(r.Context(), userID)
		if err != nil {
			handleAuditError(w, r, err)
			return
		}
		if err := a.record(r, principal, audit.EventUserRedacted, "redact", "user:"+userID, map[string]any{"entries_redacted": n}); err != nil {
			writeError(w, r, http.StatusInternalServerError, "audit trail unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "redacted",
			"entries_redacted": n,
		})
	default:
		http.NotFound(w, r)
	}
}

func auditQueryParams(r *http.Request) (time.Duration, int, error) {
	hours, err := parsePositiveInt(r.URL.Query().Get("hours"), 24, 1, 720)
	if err != nil {
		return 0, 0, err
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		return 0, 0, err
	}
	return time.Duration(hours) * time.Hour, limit, nil
}
