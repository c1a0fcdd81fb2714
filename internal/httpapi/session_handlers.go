package httpapi

import (
	"net/http"
	"strings"

	"authcore.io/internal/auth"
	"authcore.io/internal/rbac"
	"authcore.io/internal/session"
)

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	includeInactive := r.URL.Query().Get("include") == "all"
	sessions, err := a.sessions.ListForUser(r.Context(), principal.UserID, includeInactive)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"current":  principal.SessionID,
	})
}

func (a *API) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	if rest == "stats" {
		a.handleSessionStats(w, r)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	owned, err := a.ownsSession(r, principal.UserID, rest)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if !owned {
		// Revoking someone else's session is an administrative action.
		if _, err := a.requirePermission(r.Context(), rbac.PermSessionsManage); err != nil {
			handleAuthError(w, r, err)
			return
		}
	}

	if err := a.sessions.Invalidate(r.Context(), rest, session.ReasonRevoked); err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	stats, err := a.sessions.StatsForUser(r.Context(), principal.UserID)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) ownsSession(r *http.Request, userID, sessionID string) (bool, error) {
	sessions, err := a.sessions.ListForUser(r.Context(), userID, true)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return true, nil
		}
	}
	return false, nil
}
