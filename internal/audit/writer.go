package audit

import (
	"context"
	"database/sql"
	"time"

	"stageline/internal/domain"
)

// Trigger sources recorded on stage_audit_log rows.
const (
	SourceQuestionResponse = "question_response"
	SourceAdminOverride    = "admin_override"
	SourceSystemAuto       = "system_auto"
	SourceClientAction     = "client_action"
	SourceError            = "error"
)

// Writer appends stage_audit_log rows. Append must run inside the same
// transaction as the stage mutation it documents.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is the write-side shape of an audit row.
type Entry struct {
	JobID         string
	FromStageID   *string
	ToStageID     string
	TriggerSource string
	TriggeredBy   string
	QuestionID    *string
	ResponseValue *string
	DurationHours *float64
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_audit_log(job_id,from_stage_id,to_stage_id,trigger_source,triggered_by,question_id,response_value,duration_in_previous_stage_hours,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.JobID, nullableStringPtr(e.FromStageID), e.ToStageID, e.TriggerSource, nullable(e.TriggeredBy),
		nullableStringPtr(e.QuestionID), nullableStringPtr(e.ResponseValue), nullableFloatPtr(e.DurationHours), ts)
	return err
}

// EntriesAfter returns audit rows with IDs greater than the cursor in
// ascending order, optionally scoped to a tenant's jobs.
func EntriesAfter(ctx context.Context, db *sql.DB, limit int, cursor int64, tenantID string) ([]domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT a.id,a.job_id,a.from_stage_id,a.to_stage_id,a.trigger_source,a.triggered_by,a.question_id,a.response_value,a.duration_in_previous_stage_hours,a.created_at
FROM stage_audit_log a`
	var args []any
	where := ` WHERE a.id>?`
	args = append(args, cursor)
	if tenantID != "" {
		query += ` JOIN jobs j ON j.id=a.job_id`
		where += ` AND j.tenant_id=?`
		args = append(args, tenantID)
	}
	query += where + ` ORDER BY a.id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEntries returns the newest audit rows in descending id order,
// optionally scoped to a tenant's jobs.
func LatestEntries(ctx context.Context, db *sql.DB, limit int, tenantID string) ([]domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT a.id,a.job_id,a.from_stage_id,a.to_stage_id,a.trigger_source,a.triggered_by,a.question_id,a.response_value,a.duration_in_previous_stage_hours,a.created_at
FROM stage_audit_log a`
	var args []any
	if tenantID != "" {
		query += ` JOIN jobs j ON j.id=a.job_id WHERE j.tenant_id=?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY a.id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the most recent audit row id, optionally tenant scoped.
func LatestID(ctx context.Context, db *sql.DB, tenantID string) (int64, error) {
	query := `SELECT COALESCE(MAX(a.id),0) FROM stage_audit_log a`
	var args []any
	if tenantID != "" {
		query += ` JOIN jobs j ON j.id=a.job_id WHERE j.tenant_id=?`
		args = append(args, tenantID)
	}
	var id int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEntry(rows *sql.Rows) (domain.AuditLogEntry, error) {
	var e domain.AuditLogEntry
	var from, by, qid, val sql.NullString
	var dur sql.NullFloat64
	if err := rows.Scan(&e.ID, &e.JobID, &from, &e.ToStageID, &e.TriggerSource, &by, &qid, &val, &dur, &e.CreatedAt); err != nil {
		return e, err
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
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
