package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const transitionCols = `id,from_stage_id,to_stage_id,trigger_question_id,trigger_condition,is_automatic,requires_override,created_at`

func scanTransition(scan func(dest ...any) error) (domain.Transition, error) {
	var t domain.Transition
	var auto, override int
	err := scan(&t.ID, &t.FromStageID, &t.ToStageID, &t.TriggerQuestionID, &t.TriggerCondition, &auto, &override, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.IsAutomatic = auto != 0
	t.RequiresOverride = override != 0
	return t, nil
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stage_transitions(`+transitionCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.FromStageID, t.ToStageID, t.TriggerQuestionID, t.TriggerCondition,
		boolToInt(t.IsAutomatic), boolToInt(t.RequiresOverride), t.CreatedAt)
	return err
}

func (r Repo) GetTransition(ctx context.Context, id string) (domain.Transition, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transitionCols+` FROM stage_transitions WHERE id=?`, id)
	return scanTransition(row.Scan)
}

func (r Repo) ListTransitions(ctx context.Context, fromStageID string) ([]domain.Transition, error) {
	return r.listTransitions(ctx, nil, `from_stage_id=?`, fromStageID)
}

func (r Repo) ListTransitionsTx(ctx context.Context, tx *sql.Tx, fromStageID string) ([]domain.Transition, error) {
	return r.listTransitions(ctx, tx, `from_stage_id=?`, fromStageID)
}

// ListTransitionsForQuestionTx returns the rules the resolver evaluates
// for one (stage, question) pair.
func (r Repo) ListTransitionsForQuestionTx(ctx context.Context, tx *sql.Tx, fromStageID, questionID string) ([]domain.Transition, error) {
	return r.listTransitions(ctx, tx, `from_stage_id=? AND trigger_question_id=?`, fromStageID, questionID)
}

func (r Repo) listTransitions(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.Transition, error) {
	rows, err := r.q(tx).QueryContext(ctx,
		`SELECT `+transitionCols+` FROM stage_transitions WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTransition(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM stage_transitions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
