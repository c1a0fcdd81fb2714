package memory

import (
	"context"
	"sort"
	"time"

	"authcore.io/internal/auth"
)

// Sub-store accessors required by auth.Store.

func (s *Store) Users(context.Context) auth.UserStore                   { return (*userStore)(s) }
func (s *Store) TwoFactor(context.Context) auth.TwoFactorStore         { return (*twoFactorStore)(s) }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore  { return (*refreshTokenStore)(s) }
func (s *Store) Challenges(context.Context) auth.ChallengeStore        { return (*challengeStore)(s) }
func (s *Store) PasswordResets(context.Context) auth.PasswordResetStore { return (*passwordResetStore)(s) }

type userStore Store

func (s *userStore) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := emailKey(u.TenantID, u.Email)
	if _, exists := s.emailIndex[key]; exists {
		return auth.ErrDuplicateEmail
	}
	copied := *u
	s.users[u.ID] = &copied
	s.emailIndex[key] = u.ID
	return nil
}

func (s *userStore) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *userStore) FindByEmail(_ context.Context, tenantID, email string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emailIndex[emailKey(tenantID, email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	copied := *s.users[id]
	return &copied, nil
}

func (s *userStore) ListByTenant(_ context.Context, tenantID string) ([]*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*auth.User
	for _, u := range s.users {
		if u.TenantID != tenantID {
			continue
		}
		copied := *u
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *userStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) UpdateStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) TouchLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.LastLoginAt = at
	return nil
}

type twoFactorStore Store

func (s *twoFactorStore) Find(_ context.Context, userID string) (*auth.TwoFactorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.twoFactor[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	copied := *cfg
	copied.BackupCodes = append([]string(nil), cfg.BackupCodes...)
	copied.UsedBackupCodes = append([]string(nil), cfg.UsedBackupCodes...)
	return &copied, nil
}

func (s *twoFactorStore) Save(_ context.Context, cfg *auth.TwoFactorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cfg
	copied.BackupCodes = append([]string(nil), cfg.BackupCodes...)
	copied.UsedBackupCodes = append([]string(nil), cfg.UsedBackupCodes...)
	s.twoFactor[cfg.UserID] = &copied
	return nil
}

func (s *twoFactorStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.twoFactor, userID)
	return nil
}

type refreshTokenStore Store

func (s *refreshTokenStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tok
	s.refreshTokens[tok.ID] = &copied
	return nil
}

func (s *refreshTokenStore) Find(_ context.Context, id string) (*auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	copied := *tok
	return &copied, nil
}

func (s *refreshTokenStore) MarkRevoked(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return auth.ErrNotFound
	}
	tok.Revoked = true
	return nil
}

func (s *refreshTokenStore) MarkRevokedByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.refreshTokens {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}
	return nil
}

func (s *refreshTokenStore) MarkRevokedBySession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.refreshTokens {
		if tok.SessionID == sessionID {
			tok.Revoked = true
		}
	}
	return nil
}

func (s *refreshTokenStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, tok := range s.refreshTokens {
		if tok.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, id)
			n++
		}
	}
	return n, nil
}

type challengeStore Store

func (s *challengeStore) Create(_ context.Context, c *auth.ChallengeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.challenges[c.ID] = &copied
	return nil
}

func (s *challengeStore) Find(_ context.Context, id string) (*auth.ChallengeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *challengeStore) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return auth.ErrNotFound
	}
	c.Used = true
	return nil
}

func (s *challengeStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.challenges {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

type passwordResetStore Store

func (s *passwordResetStore) Create(_ context.Context, t *auth.PasswordResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *t
	s.passwordResets[t.ID] = &copied
	return nil
}

func (s *passwordResetStore) Find(_ context.Context, id string) (*auth.PasswordResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.passwordResets[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *passwordResetStore) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.passwordResets[id]
	if !ok {
		return auth.ErrNotFound
	}
	t.Used = true
	return nil
}

func (s *passwordResetStore) InvalidateForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.passwordResets {
		if t.UserID == userID {
			t.Used = true
		}
	}
	return nil
}

func (s *passwordResetStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.passwordResets {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.passwordResets, id)
			n++
		}
	}
	return n, nil
}
