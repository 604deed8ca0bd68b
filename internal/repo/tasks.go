package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const templateCols = `id,stage_id,name,subtasks_json,upload_required,sla_hours,due_offset_hours,priority,auto_assign_rule,client_visible,is_active,created_at`

func scanTemplate(scan func(dest ...any) error) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var subtasks, rule sql.NullString
	var sla sql.NullInt64
	var upload, visible, active int
	err := scan(&t.ID, &t.StageID, &t.Name, &subtasks, &upload, &sla, &t.DueOffsetHours, &t.Priority, &rule, &visible, &active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if subtasks.Valid {
		t.SubtasksJSON = &subtasks.String
	}
	if rule.Valid {
		t.AutoAssignRule = rule.String
	}
	if sla.Valid {
		v := int(sla.Int64)
		t.SLAHours = &v
	}
	t.UploadRequired = upload != 0
	t.ClientVisible = visible != 0
	t.IsActive = active != 0
	return t, nil
}

func (r Repo) InsertTaskTemplateTx(ctx context.Context, tx *sql.Tx, t domain.TaskTemplate) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_templates(`+templateCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.StageID, t.Name, nullableStringPtr(t.SubtasksJSON), boolToInt(t.UploadRequired), nullableIntPtr(t.SLAHours),
		t.DueOffsetHours, t.Priority, nullable(t.AutoAssignRule), boolToInt(t.ClientVisible), boolToInt(t.IsActive), t.CreatedAt)
	return err
}

func (r Repo) GetTaskTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateCols+` FROM task_templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) ListTaskTemplates(ctx context.Context, stageID string) ([]domain.TaskTemplate, error) {
	return r.listTemplates(ctx, nil, `stage_id=?`, stageID)
}

// ListActiveTaskTemplatesTx returns the templates the spawner
// materializes on stage entry.
func (r Repo) ListActiveTaskTemplatesTx(ctx context.Context, tx *sql.Tx, stageID string) ([]domain.TaskTemplate, error) {
	return r.listTemplates(ctx, tx, `stage_id=? AND is_active=1`, stageID)
}

func (r Repo) listTemplates(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.TaskTemplate, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT `+templateCols+` FROM task_templates WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DisableTaskTemplate(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_templates SET is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const jobTaskCols = `id,job_id,template_id,stage_id,name,status,subtasks_json,assignee_id,due_date,completed_at,upload_required,sla_hours,upload_urls_json,priority,stage_entered_at,created_at,updated_at`

func scanJobTask(scan func(dest ...any) error) (domain.JobTask, error) {
	var t domain.JobTask
	var subtasks, assignee, due, completed, uploads sql.NullString
	var sla sql.NullInt64
	var upload int
	err := scan(&t.ID, &t.JobID, &t.TemplateID, &t.StageID, &t.Name, &t.Status, &subtasks, &assignee, &due,
		&completed, &upload, &sla, &uploads, &t.Priority, &t.StageEnteredAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if subtasks.Valid {
		t.SubtasksJSON = &subtasks.String
	}
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if due.Valid {
		t.DueDate = &due.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	if uploads.Valid {
		t.UploadURLsJSON = &uploads.String
	}
	if sla.Valid {
		v := int(sla.Int64)
		t.SLAHours = &v
	}
	t.UploadRequired = upload != 0
	return t, nil
}

// InsertJobTaskTx inserts a spawned task. The OR IGNORE keyed on
// (job_id, template_id, stage_entered_at) makes retried spawns
// idempotent; the bool reports whether a row was actually created.
func (r Repo) InsertJobTaskTx(ctx context.Context, tx *sql.Tx, t domain.JobTask) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO job_tasks(`+jobTaskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.JobID, t.TemplateID, t.StageID, t.Name, t.Status, nullableStringPtr(t.SubtasksJSON),
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.DueDate), nullableStringPtr(t.CompletedAt),
		boolToInt(t.UploadRequired), nullableIntPtr(t.SLAHours), nullableStringPtr(t.UploadURLsJSON),
		t.Priority, t.StageEnteredAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetJobTask(ctx context.Context, id string) (domain.JobTask, error) {
	return r.GetJobTaskTx(ctx, nil, id)
}

func (r Repo) GetJobTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.JobTask, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+jobTaskCols+` FROM job_tasks WHERE id=?`, id)
	return scanJobTask(row.Scan)
}

func (r Repo) ListJobTasks(ctx context.Context, jobID string) ([]domain.JobTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobTaskCols+` FROM job_tasks WHERE job_id=? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobTask
	for rows.Next() {
		t, err := scanJobTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateJobTaskTx(ctx context.Context, tx *sql.Tx, t domain.JobTask) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE job_tasks SET status=?, subtasks_json=?, assignee_id=?, completed_at=?, upload_urls_json=?, updated_at=? WHERE id=?`,
		t.Status, nullableStringPtr(t.SubtasksJSON), nullableStringPtr(t.AssigneeID),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.UploadURLsJSON), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountStageTaskOutcomesTx counts completed and overdue tasks for one
// job's stay in a stage; used when closing a performance window.
func (r Repo) CountStageTaskOutcomesTx(ctx context.Context, tx *sql.Tx, jobID, stageID string) (completed, overdue int, err error) {
	err = r.q(tx).QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN status='overdue' THEN 1 ELSE 0 END),0)
FROM job_tasks WHERE job_id=? AND stage_id=?`, jobID, stageID).Scan(&completed, &overdue)
	return completed, overdue, err
}
