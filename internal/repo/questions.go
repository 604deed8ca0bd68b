package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const questionCols = `id,stage_id,text,response_type,response_options_json,sequence_order,is_required,skip_conditions_json,help_text,created_at`

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var options, skip, help sql.NullString
	var required int
	err := scan(&q.ID, &q.StageID, &q.Text, &q.ResponseType, &options, &q.SequenceOrder, &required, &skip, &help, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	if options.Valid {
		q.ResponseOptionsJSON = &options.String
	}
	if skip.Valid {
		q.SkipConditionsJSON = &skip.String
	}
	if help.Valid {
		q.HelpText = help.String
	}
	q.IsRequired = required != 0
	return q, nil
}

func (r Repo) InsertQuestionTx(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stage_questions(`+questionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.StageID, q.Text, q.ResponseType, nullableStringPtr(q.ResponseOptionsJSON), q.SequenceOrder,
		boolToInt(q.IsRequired), nullableStringPtr(q.SkipConditionsJSON), nullable(q.HelpText), q.CreatedAt)
	return err
}

func (r Repo) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	return r.GetQuestionTx(ctx, nil, id)
}

func (r Repo) GetQuestionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Question, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+questionCols+` FROM stage_questions WHERE id=?`, id)
	return scanQuestion(row.Scan)
}

func (r Repo) ListQuestions(ctx context.Context, stageID string) ([]domain.Question, error) {
	return r.ListQuestionsTx(ctx, nil, stageID)
}

func (r Repo) ListQuestionsTx(ctx context.Context, tx *sql.Tx, stageID string) ([]domain.Question, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT `+questionCols+` FROM stage_questions WHERE stage_id=? ORDER BY sequence_order ASC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) NextQuestionOrderTx(ctx context.Context, tx *sql.Tx, stageID string) (int, error) {
	var next int
	err := r.q(tx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_order),0)+1 FROM stage_questions WHERE stage_id=?`, stageID).Scan(&next)
	return next, err
}

func (r Repo) UpdateQuestion(ctx context.Context, q domain.Question) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stage_questions SET text=?, response_type=?, response_options_json=?, is_required=?, skip_conditions_json=?, help_text=? WHERE id=?`,
		q.Text, q.ResponseType, nullableStringPtr(q.ResponseOptionsJSON), boolToInt(q.IsRequired),
		nullableStringPtr(q.SkipConditionsJSON), nullable(q.HelpText), q.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteQuestion(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM stage_questions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) OffsetQuestionOrdersTx(ctx context.Context, tx *sql.Tx, ids []string, offset int) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE stage_questions SET sequence_order=sequence_order+? WHERE id=?`, offset, id); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetQuestionOrder(ctx context.Context, tx *sql.Tx, id string, order int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE stage_questions SET sequence_order=? WHERE id=?`, order, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
