package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

const stageCols = `id,tenant_id,name,sequence_order,status_bucket,stage_type,min_duration_hours,max_duration_hours,requires_approval,is_active,created_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var s domain.Stage
	var tenantID sql.NullString
	var maxDur sql.NullInt64
	var requiresApproval, isActive int
	err := scan(&s.ID, &tenantID, &s.Name, &s.SequenceOrder, &s.StatusBucket, &s.StageType,
		&s.MinDurationHours, &maxDur, &requiresApproval, &isActive, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if tenantID.Valid {
		s.TenantID = &tenantID.String
	}
	if maxDur.Valid {
		v := int(maxDur.Int64)
		s.MaxDurationHours = &v
	}
	s.RequiresApproval = requiresApproval != 0
	s.IsActive = isActive != 0
	return s, nil
}

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stages(`+stageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, nullableStringPtr(s.TenantID), s.Name, s.SequenceOrder, s.StatusBucket, s.StageType,
		s.MinDurationHours, nullableIntPtr(s.MaxDurationHours), boolToInt(s.RequiresApproval), boolToInt(s.IsActive), s.CreatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	return r.GetStageTx(ctx, nil, id)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

// ListStages returns a tenant's stages ordered by sequence. Pass an
// empty tenantID for the global template set.
func (r Repo) ListStages(ctx context.Context, tenantID string, activeOnly bool) ([]domain.Stage, error) {
	return r.ListStagesTx(ctx, nil, tenantID, activeOnly)
}

func (r Repo) ListStagesTx(ctx context.Context, tx *sql.Tx, tenantID string, activeOnly bool) ([]domain.Stage, error) {
	clauses := []string{}
	var args []any
	if tenantID == "" {
		clauses = append(clauses, "tenant_id IS NULL")
	} else {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if activeOnly {
		clauses = append(clauses, "is_active=1")
	}
	query := `SELECT ` + stageCols + ` FROM stages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY sequence_order ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// FirstStageTx returns the lowest-sequence active stage of a tenant.
func (r Repo) FirstStageTx(ctx context.Context, tx *sql.Tx, tenantID string) (domain.Stage, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT `+stageCols+` FROM stages WHERE tenant_id=? AND is_active=1 ORDER BY sequence_order ASC LIMIT 1`, tenantID)
	return scanStage(row.Scan)
}

// NextSequenceOrderTx returns the next free sequence slot in a scope.
func (r Repo) NextSequenceOrderTx(ctx context.Context, tx *sql.Tx, tenantID string) (int, error) {
	query := `SELECT COALESCE(MAX(sequence_order),0)+1 FROM stages WHERE tenant_id=?`
	args := []any{tenantID}
	if tenantID == "" {
		query = `SELECT COALESCE(MAX(sequence_order),0)+1 FROM stages WHERE tenant_id IS NULL`
		args = nil
	}
	var next int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&next)
	return next, err
}

func (r Repo) UpdateStage(ctx context.Context, s domain.Stage) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET name=?, status_bucket=?, stage_type=?, min_duration_hours=?, max_duration_hours=?, requires_approval=? WHERE id=?`,
		s.Name, s.StatusBucket, s.StageType, s.MinDurationHours, nullableIntPtr(s.MaxDurationHours), boolToInt(s.RequiresApproval), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableStage soft-disables a stage; stages referenced by jobs are
// never hard-deleted.
func (r Repo) DisableStage(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountJobsOnStage(ctx context.Context, stageID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE current_stage_id=?`, stageID).Scan(&n)
	return n, err
}

// OffsetStageOrdersTx moves the given stages out of the valid sequence
// range; phase one of the two-phase reorder.
func (r Repo) OffsetStageOrdersTx(ctx context.Context, tx *sql.Tx, ids []string, offset int) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE stages SET sequence_order=sequence_order+? WHERE id=?`, offset, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetStageOrder(ctx context.Context, tx *sql.Tx, id string, order int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE stages SET sequence_order=? WHERE id=?`, order, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
