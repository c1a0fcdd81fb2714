package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"authcore.io/internal/audit"
)

// AuditStore implements audit.Store. Entries are append-only; the only
// mutations are GDPR redaction and deletion.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (st *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
	}
	_, err := st.db.ExecContext(ctx, `
		insert into audit_entries(id, tenant_id, user_id, email, event_type, category,
			action, resource, success, failure_reason, ip_address, user_agent,
			session_id, metadata, created_at)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,nullif($7,''),nullif($8,''),
			$9,nullif($10,''),nullif($11,''),nullif($12,''),nullif($13,''),$14,$15)
	`, e.ID, e.TenantID, e.UserID, e.Email, string(e.Type), string(e.Category),
		e.Action, e.Resource, e.Success, e.FailureReason, e.IPAddress, e.UserAgent,
		e.SessionID, meta, e.CreatedAt)
	return err
}

func (st *AuditStore) Query(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.Type != "" {
		add("event_type = ?", string(f.Type))
	}
	if f.Category != "" {
		add("category = ?", string(f.Category))
	}
	if f.OnlyFailed {
		conds = append(conds, "not success")
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <= ?", f.Until)
	}

	query := `select id, tenant_id, coalesce(user_id,''), coalesce(email,''), event_type,
		category, coalesce(action,''), coalesce(resource,''), success,
		coalesce(failure_reason,''), coalesce(ip_address,''), coalesce(user_agent,''),
		coalesce(session_id,''), metadata, created_at
		from audit_entries`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by created_at desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " limit " + placeholder(len(args))
	}

	rows, err := st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		var eventType, category string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Email, &eventType,
			&category, &e.Action, &e.Resource, &e.Success,
			&e.FailureReason, &e.IPAddress, &e.UserAgent,
			&e.SessionID, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = audit.EventType(eventType)
		e.Category = audit.Category(category)
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (st *AuditStore) RedactUser(ctx context.Context, userID, placeholderEmail string) (int, error) {
	res, err := st.db.ExecContext(ctx, `
		update audit_entries
		set email=$2, ip_address=null, user_agent=null, metadata='{}'::jsonb
		where user_id=$1
	`, userID, placeholderEmail)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (st *AuditStore) DeleteForUser(ctx context.Context, userID string) (int, error) {
	res, err := st.db.ExecContext(ctx, `delete from audit_entries where user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func (st *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx, `delete from audit_entries where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowCount(res)
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
