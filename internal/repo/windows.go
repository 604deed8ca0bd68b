package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const windowCols = `id,job_id,stage_id,entered_at,exited_at,duration_hours,tasks_completed,tasks_overdue,conversion_successful`

func scanWindow(scan func(dest ...any) error) (domain.StagePerformanceWindow, error) {
	var w domain.StagePerformanceWindow
	var exited sql.NullString
	var dur sql.NullFloat64
	var conv sql.NullInt64
	err := scan(&w.ID, &w.JobID, &w.StageID, &w.EnteredAt, &exited, &dur, &w.TasksCompleted, &w.TasksOverdue, &conv)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if exited.Valid {
		w.ExitedAt = &exited.String
	}
	if dur.Valid {
		w.DurationHours = &dur.Float64
	}
	if conv.Valid {
		b := conv.Int64 != 0
		w.ConversionSuccessful = &b
	}
	return w, nil
}

// OpenWindowTx opens the performance window for a stage entry. The
// partial unique index on (job_id) WHERE exited_at IS NULL enforces at
// most one open window per job.
func (r Repo) OpenWindowTx(ctx context.Context, tx *sql.Tx, jobID, stageID, enteredAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_performance_windows(job_id,stage_id,entered_at) VALUES (?,?,?)`,
		jobID, stageID, enteredAt)
	return err
}

func (r Repo) GetOpenWindowTx(ctx context.Context, tx *sql.Tx, jobID string) (domain.StagePerformanceWindow, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT `+windowCols+` FROM stage_performance_windows WHERE job_id=? AND exited_at IS NULL`, jobID)
	return scanWindow(row.Scan)
}

// CloseWindowTx closes the open window with final duration and task
// counts; closing and re-opening happen in one transaction.
func (r Repo) CloseWindowTx(ctx context.Context, tx *sql.Tx, windowID int64, exitedAt string, durationHours float64, tasksCompleted, tasksOverdue int, conversionSuccessful bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_performance_windows SET exited_at=?, duration_hours=?, tasks_completed=?, tasks_overdue=?, conversion_successful=? WHERE id=? AND exited_at IS NULL`,
		exitedAt, durationHours, tasksCompleted, tasksOverdue, boolToInt(conversionSuccessful), windowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListWindows(ctx context.Context, jobID string) ([]domain.StagePerformanceWindow, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+windowCols+` FROM stage_performance_windows WHERE job_id=? ORDER BY entered_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagePerformanceWindow
	for rows.Next() {
		w, err := scanWindow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
