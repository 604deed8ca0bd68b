package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

const jobCols = `id,tenant_id,name,current_stage_id,stage_entered_at,status_bucket,created_by,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var stageID, enteredAt, createdBy sql.NullString
	err := scan(&j.ID, &j.TenantID, &j.Name, &stageID, &enteredAt, &j.StatusBucket, &createdBy, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if stageID.Valid {
		j.CurrentStageID = &stageID.String
	}
	if enteredAt.Valid {
		j.StageEnteredAt = &enteredAt.String
	}
	if createdBy.Valid {
		j.CreatedBy = &createdBy.String
	}
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO jobs(`+jobCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.TenantID, j.Name, nullableStringPtr(j.CurrentStageID), nullableStringPtr(j.StageEnteredAt),
		j.StatusBucket, nullableStringPtr(j.CreatedBy), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return r.GetJobTx(ctx, nil, id)
}

// GetJobTx re-reads the job inside the coordinator transaction so that
// two concurrent responses cannot both observe the same current stage.
func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) ListJobs(ctx context.Context, tenantID, statusBucket string) ([]domain.Job, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if statusBucket != "" {
		clauses = append(clauses, "status_bucket=?")
		args = append(args, statusBucket)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UpdateJobStageTx moves the job pointer; only the progression
// coordinator calls this.
func (r Repo) UpdateJobStageTx(ctx context.Context, tx *sql.Tx, jobID, stageID, enteredAt, statusBucket, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET current_stage_id=?, stage_entered_at=?, status_bucket=?, updated_at=? WHERE id=?`,
		stageID, enteredAt, statusBucket, updatedAt, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertResponseTx(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_responses(id,job_id,question_id,value,metadata_json,responded_by,source,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		resp.ID, resp.JobID, resp.QuestionID, resp.Value, nullableStringPtr(resp.MetadataJSON),
		resp.RespondedBy, resp.Source, resp.CreatedAt)
	return err
}

func (r Repo) ListResponses(ctx context.Context, jobID string) ([]domain.Response, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,job_id,question_id,value,metadata_json,responded_by,source,created_at FROM job_responses WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Response
	for rows.Next() {
		var resp domain.Response
		var meta sql.NullString
		if err := rows.Scan(&resp.ID, &resp.JobID, &resp.QuestionID, &resp.Value, &meta, &resp.RespondedBy, &resp.Source, &resp.CreatedAt); err != nil {
			return nil, err
		}
		if meta.Valid {
			resp.MetadataJSON = &meta.String
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

// ListAuditHistory returns a job's audit trail ordered by created_at.
func (r Repo) ListAuditHistory(ctx context.Context, jobID string) ([]domain.AuditLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,job_id,from_stage_id,to_stage_id,trigger_source,triggered_by,question_id,response_value,duration_in_previous_stage_hours,created_at
FROM stage_audit_log WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var from, by, qid, val sql.NullString
		var dur sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.JobID, &from, &e.ToStageID, &e.TriggerSource, &by, &qid, &val, &dur, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from.Valid {
			e.FromStageID = &from.String
		}
		if by.Valid {
			e.TriggeredBy = &by.String
		}
		if qid.Valid {
			e.QuestionID = &qid.String
		}
		if val.Valid {
			e.ResponseValue = &val.String
		}
		if dur.Valid {
			e.DurationInPreviousStageHours = &dur.Float64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
