package engine

import (
	"context"
	"database/sql"
	"fmt"
)

// ReorderItem assigns one entity its new sequence position.
type ReorderItem struct {
	ID            string `json:"id"`
	SequenceOrder int    `json:"sequence_order" minimum:"1"`
}

// ReorderRowError is one failed row of a non-atomic reorder.
type ReorderRowError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ReorderResult reports how a reorder went. In atomic mode Failures is
// always empty; the whole batch either applied or errored out. In
// non-atomic mode rows that failed after the offset phase are listed and
// the rest stay applied.
type ReorderResult struct {
	Applied  int               `json:"applied"`
	Failures []ReorderRowError `json:"failures,omitempty"`
	Atomic   bool              `json:"atomic"`
}

// ReorderQuestions renumbers the questions of a stage. Positions are
// first shifted by a large offset so that swapping two rows never trips
// the unique (stage_id, sequence_order) index mid-flight.
func (e Engine) ReorderQuestions(ctx context.Context, stageID string, items []ReorderItem, atomic bool) (ReorderResult, error) {
	existing, err := e.Repo.ListQuestions(ctx, stageID)
	if err != nil {
		return ReorderResult{}, err
	}
	ids := make([]string, len(existing))
	for i, q := range existing {
		ids[i] = q.ID
	}
	if err := validateReorder(items, ids); err != nil {
		return ReorderResult{}, err
	}
	return e.applyReorder(ctx, items, atomic,
		func(ctx context.Context, tx *sql.Tx, batch []string, offset int) error {
			return e.Repo.OffsetQuestionOrdersTx(ctx, tx, batch, offset)
		},
		func(ctx context.Context, tx *sql.Tx, id string, order int) error {
			return e.Repo.SetQuestionOrder(ctx, tx, id, order)
		})
}

// ReorderStages renumbers a tenant's pipeline stages.
func (e Engine) ReorderStages(ctx context.Context, tenantID string, items []ReorderItem, atomic bool) (ReorderResult, error) {
	existing, err := e.Repo.ListStages(ctx, tenantID, false)
	if err != nil {
		return ReorderResult{}, err
	}
	ids := make([]string, len(existing))
	for i, s := range existing {
		ids[i] = s.ID
	}
	if err := validateReorder(items, ids); err != nil {
		return ReorderResult{}, err
	}
	return e.applyReorder(ctx, items, atomic,
		func(ctx context.Context, tx *sql.Tx, batch []string, offset int) error {
			return e.Repo.OffsetStageOrdersTx(ctx, tx, batch, offset)
		},
		func(ctx context.Context, tx *sql.Tx, id string, order int) error {
			return e.Repo.SetStageOrder(ctx, tx, id, order)
		})
}

func validateReorder(items []ReorderItem, scopeIDs []string) error {
	if len(items) == 0 {
		return ValidationError{Rule: "reorder", Message: "no items"}
	}
	scope := make(map[string]bool, len(scopeIDs))
	for _, id := range scopeIDs {
		scope[id] = true
	}
	seenID := map[string]bool{}
	seenOrder := map[int]bool{}
	for _, it := range items {
		if !scope[it.ID] {
			return ValidationError{Rule: "reorder", Message: fmt.Sprintf("id %s not in scope", it.ID)}
		}
		if seenID[it.ID] {
			return ValidationError{Rule: "reorder", Message: fmt.Sprintf("duplicate id %s", it.ID)}
		}
		if it.SequenceOrder < 1 {
			return ValidationError{Rule: "reorder", Message: fmt.Sprintf("sequence_order %d for %s must be positive", it.SequenceOrder, it.ID)}
		}
		if seenOrder[it.SequenceOrder] {
			return ValidationError{Rule: "reorder", Message: fmt.Sprintf("duplicate sequence_order %d", it.SequenceOrder)}
		}
		seenID[it.ID] = true
		seenOrder[it.SequenceOrder] = true
	}
	return nil
}

type offsetFn func(ctx context.Context, tx *sql.Tx, ids []string, offset int) error
type setOrderFn func(ctx context.Context, tx *sql.Tx, id string, order int) error

func (e Engine) applyReorder(ctx context.Context, items []ReorderItem, atomic bool, offset offsetFn, setOrder setOrderFn) (ReorderResult, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	shift := e.Config.ReorderOffset()

	if atomic {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return ReorderResult{}, err
		}
		defer tx.Rollback()
		if err := offset(ctx, tx, ids, shift); err != nil {
			return ReorderResult{}, err
		}
		for _, it := range items {
			if err := setOrder(ctx, tx, it.ID, it.SequenceOrder); err != nil {
				return ReorderResult{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return ReorderResult{}, err
		}
		return ReorderResult{Applied: len(items), Atomic: true}, nil
	}

	// Non-atomic: the offset phase still runs in one transaction so a
	// crash cannot leave half the rows shifted. The final positions are
	// then applied row by row, collecting failures.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReorderResult{}, err
	}
	if err := offset(ctx, tx, ids, shift); err != nil {
		tx.Rollback()
		return ReorderResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReorderResult{}, err
	}
	res := ReorderResult{}
	for _, it := range items {
		if err := setOrder(ctx, nil, it.ID, it.SequenceOrder); err != nil {
			res.Failures = append(res.Failures, ReorderRowError{ID: it.ID, Message: err.Error()})
			continue
		}
		res.Applied++
	}
	return res, nil
}
