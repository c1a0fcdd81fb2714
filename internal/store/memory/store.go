// Package memory provides mutex-guarded in-memory implementations of the
// persistence interfaces. Used by tests and by the dev server when no
// database is configured.
package memory

import (
	"sync"

	"authcore.io/internal/auth"
	"authcore.io/internal/rbac"
)

// Store bundles every in-memory repository behind the auth.Store interface.
type Store struct {
	mu sync.RWMutex

	users          map[string]*auth.User
	emailIndex     map[string]string // tenant+"\x00"+email -> user id
	twoFactor      map[string]*auth.TwoFactorConfig
	refreshTokens  map[string]*auth.RefreshToken
	challenges     map[string]*auth.ChallengeToken
	passwordResets map[string]*auth.PasswordResetToken

	roles       map[string]*rbac.Role
	rolePerms   map[string]map[string]struct{} // role id -> permission keys
	permissions map[string]rbac.Permission
	assignments []rbac.RoleAssignment
	grants      []rbac.UserGrant
	aclEntries  []rbac.ACLEntry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:          make(map[string]*auth.User),
		emailIndex:     make(map[string]string),
		twoFactor:      make(map[string]*auth.TwoFactorConfig),
		refreshTokens:  make(map[string]*auth.RefreshToken),
		challenges:     make(map[string]*auth.ChallengeToken),
		passwordResets: make(map[string]*auth.PasswordResetToken),
		roles:          make(map[string]*rbac.Role),
		rolePerms:      make(map[string]map[string]struct{}),
		permissions:    make(map[string]rbac.Permission),
	}
}

func emailKey(tenantID, email string) string { return tenantID + "\x00" + email }
