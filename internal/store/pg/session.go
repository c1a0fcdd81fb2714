package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authcore.io/internal/session"
)

// SessionStore implements session.Store over PostgreSQL. Cap enforcement in
// Create locks the user's active rows so two concurrent logins cannot both
// slip under the limit.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore { return &SessionStore{db: db} }

const sessionColumns = `id, user_id, tenant_id, device_type, device_name, os, browser,
	user_agent, ip_address, location, created_at, last_activity_at, expires_at,
	active, invalidated_at, invalidation_reason`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var s session.Session
	var invalidatedAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.TenantID,
		&s.Device.DeviceType, &s.Device.DeviceName, &s.Device.OS, &s.Device.Browser,
		&s.Device.UserAgent, &s.Device.IPAddress, &s.Device.Location,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt,
		&s.Active, &invalidatedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if invalidatedAt.Valid {
		s.InvalidatedAt = invalidatedAt.Time
	}
	if reason.Valid {
		s.InvalidationReason = reason.String
	}
	return &s, nil
}

func (st *SessionStore) Create(ctx context.Context, s *session.Session, cap int) ([]*session.Session, error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the user's active sessions, oldest activity first.
	rows, err := tx.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where user_id=$1 and active
		order by last_activity_at asc
		for update
	`, s.UserID)
	if err != nil {
		return nil, err
	}
	active := make([]*session.Session, 0, cap)
	for rows.Next() {
		row, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		active = append(active, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var evicted []*session.Session
	if cap > 0 && len(active) >= cap {
		over := active[:len(active)-cap+1]
		for _, victim := range over {
			if _, err := tx.ExecContext(ctx, `
				update sessions set active=false, invalidated_at=$2, invalidation_reason=$3
				where id=$1
			`, victim.ID, s.CreatedAt, session.ReasonLimitExceed); err != nil {
				return nil, err
			}
			victim.Active = false
			victim.InvalidatedAt = s.CreatedAt
			victim.InvalidationReason = session.ReasonLimitExceed
			evicted = append(evicted, victim)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into sessions(id, user_id, tenant_id, device_type, device_name, os, browser,
			user_agent, ip_address, location, created_at, last_activity_at, expires_at, active)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,true)
	`, s.ID, s.UserID, s.TenantID, s.Device.DeviceType, s.Device.DeviceName, s.Device.OS,
		s.Device.Browser, s.Device.UserAgent, s.Device.IPAddress, s.Device.Location,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return evicted, nil
}

func (st *SessionStore) Find(ctx context.Context, id string) (*session.Session, error) {
	return scanSession(st.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1`, id))
}

func (st *SessionStore) Touch(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	_, err := st.db.ExecContext(ctx, `
		update sessions set last_activity_at=$2, expires_at=$3
		where id=$1 and active
	`, id, lastActivity, expiresAt)
	return err
}

func (st *SessionStore) Invalidate(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := st.db.ExecContext(ctx, `
		update sessions set active=false, invalidated_at=$2, invalidation_reason=$3
		where id=$1 and active
	`, id, at, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish "already terminated" from "never existed".
		var exists bool
		if err := st.db.QueryRowContext(ctx,
			`select exists(select 1 from sessions where id=$1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, session.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (st *SessionStore) InvalidateAllForUser(ctx context.Context, userID, exceptID, reason string, at time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx, `
		update sessions set active=false, invalidated_at=$3, invalidation_reason=$4
		where user_id=$1 and active and id <> $2
	`, userID, exceptID, at, reason)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (st *SessionStore) ListForUser(ctx context.Context, userID string, includeInactive bool) ([]*session.Session, error) {
	query := `select ` + sessionColumns + ` from sessions where user_id=$1`
	if !includeInactive {
		query += ` and active`
	}
	query += ` order by last_activity_at desc`

	rows, err := st.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (st *SessionStore) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx, `
		update sessions set active=false, invalidated_at=$1, invalidation_reason=$2
		where active and expires_at < $1
	`, now, session.ReasonExpired)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (st *SessionStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx, `
		delete from sessions where not active and invalidated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}
