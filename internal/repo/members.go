package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stageline/internal/domain"
)

func (r Repo) UpsertMember(ctx context.Context, m domain.Member) error {
	if m.TenantID == "" || m.ActorID == "" {
		return errors.New("tenant_id and actor_id required")
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO members(tenant_id,actor_id,role,created_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,actor_id) DO UPDATE SET role=excluded.role`, m.TenantID, m.ActorID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, tenantID, actorID string) (domain.Member, error) {
	var m domain.Member
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id,actor_id,role,created_at FROM members WHERE tenant_id=? AND actor_id=?`,
		tenantID, actorID).Scan(&m.TenantID, &m.ActorID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context, tenantID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tenant_id,actor_id,role,created_at FROM members WHERE tenant_id=? ORDER BY actor_id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.TenantID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// FirstMemberWithRoleTx resolves "role:<role>" auto-assign rules.
func (r Repo) FirstMemberWithRoleTx(ctx context.Context, tx *sql.Tx, tenantID, role string) (domain.Member, error) {
	var m domain.Member
	err := r.q(tx).QueryRowContext(ctx, `SELECT tenant_id,actor_id,role,created_at FROM members WHERE tenant_id=? AND role=? ORDER BY created_at ASC, actor_id ASC LIMIT 1`,
		tenantID, role).Scan(&m.TenantID, &m.ActorID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) DeleteMember(ctx context.Context, tenantID, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM members WHERE tenant_id=? AND actor_id=?`, tenantID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
