package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"authcore.io/internal/auth"
)

// Sub-store accessors; each is a typed view over the shared handle.
func (s *Store) Users(context.Context) auth.UserStore                   { return (*userStore)(s) }
func (s *Store) TwoFactor(context.Context) auth.TwoFactorStore          { return (*twoFactorStore)(s) }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore   { return (*refreshTokenStore)(s) }
func (s *Store) Challenges(context.Context) auth.ChallengeStore         { return (*challengeStore)(s) }
func (s *Store) PasswordResets(context.Context) auth.PasswordResetStore { return (*passwordResetStore)(s) }

type userStore Store

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, tenant_id, email, name, password_hash, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$7)
	`, u.ID, u.TenantID, u.Email, u.Name, u.PasswordHash, u.Status, u.CreatedAt)
	if isUniqueViolation(err) {
		return auth.ErrDuplicateEmail
	}
	return err
}

const userColumns = `id, tenant_id, email, name, password_hash, status, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var u auth.User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, tenantID, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where tenant_id=$1 and email=$2`, tenantID, email))
}

func (s *userStore) ListByTenant(ctx context.Context, tenantID string) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users where tenant_id=$1 order by created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) UpdateStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`, userID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) TouchLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update users set last_login_at=$2 where id=$1`, userID, at)
	return err
}

type twoFactorStore Store

func (s *twoFactorStore) Find(ctx context.Context, userID string) (*auth.TwoFactorConfig, error) {
	var cfg auth.TwoFactorConfig
	var verifiedAt, smsExpires sql.NullTime
	var codes, usedCodes pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		select user_id, totp_enabled, totp_secret, totp_verified_at,
		       sms_enabled, phone_number, sms_code_hash, sms_code_expires,
		       backup_codes, used_backup_codes, preferred_method, updated_at
		from two_factor_configs where user_id=$1
	`, userID).Scan(&cfg.UserID, &cfg.TOTPEnabled, &cfg.TOTPSecret, &verifiedAt,
		&cfg.SMSEnabled, &cfg.PhoneNumber, &cfg.SMSCodeHash, &smsExpires,
		&codes, &usedCodes, &cfg.PreferredMethod, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		cfg.TOTPVerifiedAt = verifiedAt.Time
	}
	if smsExpires.Valid {
		cfg.SMSCodeExpires = smsExpires.Time
	}
	cfg.BackupCodes = []string(codes)
	cfg.UsedBackupCodes = []string(usedCodes)
	return &cfg, nil
}

func (s *twoFactorStore) Save(ctx context.Context, cfg *auth.TwoFactorConfig) error {
	_, err := s.db.ExecContext(ctx, `
		insert into two_factor_configs(
			user_id, totp_enabled, totp_secret, totp_verified_at,
			sms_enabled, phone_number, sms_code_hash, sms_code_expires,
			backup_codes, used_backup_codes, preferred_method, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		on conflict (user_id) do update set
			totp_enabled=excluded.totp_enabled,
			totp_secret=excluded.totp_secret,
			totp_verified_at=excluded.totp_verified_at,
			sms_enabled=excluded.sms_enabled,
			phone_number=excluded.phone_number,
			sms_code_hash=excluded.sms_code_hash,
			sms_code_expires=excluded.sms_code_expires,
			backup_codes=excluded.backup_codes,
			used_backup_codes=excluded.used_backup_codes,
			preferred_method=excluded.preferred_method,
			updated_at=now()
	`, cfg.UserID, cfg.TOTPEnabled, cfg.TOTPSecret, nullTime(cfg.TOTPVerifiedAt),
		cfg.SMSEnabled, cfg.PhoneNumber, cfg.SMSCodeHash, nullTime(cfg.SMSCodeExpires),
		pq.StringArray(cfg.BackupCodes), pq.StringArray(cfg.UsedBackupCodes), cfg.PreferredMethod)
	return err
}

func (s *twoFactorStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from two_factor_configs where user_id=$1`, userID)
	return err
}

type refreshTokenStore Store

func (s *refreshTokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, session_id, token_hash, expires_at, created_at, revoked)
		values ($1,$2,$3,$4,$5,$6,false)
	`, tok.ID, tok.UserID, tok.SessionID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var t auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, session_id, token_hash, expires_at, created_at, revoked
		from refresh_tokens where id=$1
	`, id).Scan(&t.ID, &t.UserID, &t.SessionID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *refreshTokenStore) MarkRevoked(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where id=$1`, id)
	return err
}

func (s *refreshTokenStore) MarkRevokedByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where user_id=$1`, userID)
	return err
}

func (s *refreshTokenStore) MarkRevokedBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where session_id=$1`, sessionID)
	return err
}

func (s *refreshTokenStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

type challengeStore Store

func (s *challengeStore) Create(ctx context.Context, c *auth.ChallengeToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into challenge_tokens(id, user_id, token_hash, expires_at, created_at, used)
		values ($1,$2,$3,$4,$5,false)
	`, c.ID, c.UserID, c.TokenHash, c.ExpiresAt, c.CreatedAt)
	return err
}

func (s *challengeStore) Find(ctx context.Context, id string) (*auth.ChallengeToken, error) {
	var c auth.ChallengeToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, used
		from challenge_tokens where id=$1
	`, id).Scan(&c.ID, &c.UserID, &c.TokenHash, &c.ExpiresAt, &c.CreatedAt, &c.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *challengeStore) MarkUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update challenge_tokens set used=true where id=$1`, id)
	return err
}

func (s *challengeStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from challenge_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

type passwordResetStore Store

func (s *passwordResetStore) Create(ctx context.Context, t *auth.PasswordResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens(id, user_id, token_hash, expires_at, created_at, used)
		values ($1,$2,$3,$4,$5,false)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *passwordResetStore) Find(ctx context.Context, id string) (*auth.PasswordResetToken, error) {
	var t auth.PasswordResetToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, used
		from password_reset_tokens where id=$1
	`, id).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *passwordResetStore) MarkUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update password_reset_tokens set used=true where id=$1`, id)
	return err
}

func (s *passwordResetStore) InvalidateForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update password_reset_tokens set used=true where user_id=$1 and not used`, userID)
	return err
}

func (s *passwordResetStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from password_reset_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

// requireRow maps a zero-row update to auth.ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func rowCount(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	return int(n), err
}
