package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// spawnTasksTx materializes the active task templates of a stage into job
// tasks inside the caller's transaction. A UNIQUE(job_id, template_id,
// stage_entered_at) index makes the spawn idempotent for a given stage
// entry; templates already materialized are skipped. Returns the number
// of tasks actually created.
func (e Engine) spawnTasksTx(ctx context.Context, tx *sql.Tx, job domain.Job, stageID, enteredAt string) (int, error) {
	templates, err := e.Repo.ListActiveTaskTemplatesTx(ctx, tx, stageID)
	if err != nil {
		return 0, SpawnError{Err: err}
	}
	now := e.now().UTC()
	created := 0
	for _, tpl := range templates {
		subtasks, err := resetSubtasks(tpl.SubtasksJSON)
		if err != nil {
			return created, SpawnError{TemplateID: tpl.ID, Err: err}
		}
		assignee, err := e.resolveAssigneeTx(ctx, tx, job, tpl.AutoAssignRule)
		if err != nil {
			return created, SpawnError{TemplateID: tpl.ID, Err: err}
		}
		due := now.Add(time.Duration(tpl.DueOffsetHours) * time.Hour).Format(time.RFC3339)
		task := domain.JobTask{
			ID:             uuid.New().String(),
			JobID:          job.ID,
			TemplateID:     tpl.ID,
			StageID:        stageID,
			Name:           tpl.Name,
			Status:         "pending",
			SubtasksJSON:   subtasks,
			AssigneeID:     assignee,
			DueDate:        &due,
			UploadRequired: tpl.UploadRequired,
			SLAHours:       tpl.SLAHours,
			Priority:       tpl.Priority,
			StageEnteredAt: enteredAt,
			CreatedAt:      now.Format(time.RFC3339),
			UpdatedAt:      now.Format(time.RFC3339),
		}
		inserted, err := e.Repo.InsertJobTaskTx(ctx, tx, task)
		if err != nil {
			return created, SpawnError{TemplateID: tpl.ID, Err: err}
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// resetSubtasks copies a template checklist with every entry unchecked.
func resetSubtasks(templateJSON *string) (*string, error) {
	if templateJSON == nil || *templateJSON == "" {
		return nil, nil
	}
	var subtasks []domain.Subtask
	if err := json.Unmarshal([]byte(*templateJSON), &subtasks); err != nil {
		return nil, err
	}
	for i := range subtasks {
		subtasks[i].Completed = false
	}
	b, err := json.Marshal(subtasks)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// resolveAssigneeTx applies an auto-assign rule. "creator" picks the
// actor who created the job. "role:<role>" picks the oldest member with
// that role. Anything else, or no eligible member, leaves the task
// unassigned.
func (e Engine) resolveAssigneeTx(ctx context.Context, tx *sql.Tx, job domain.Job, rule string) (*string, error) {
	switch {
	case rule == "":
		return nil, nil
	case rule == "creator":
		return job.CreatedBy, nil
	case strings.HasPrefix(rule, "role:"):
		role := strings.TrimPrefix(rule, "role:")
		m, err := e.Repo.FirstMemberWithRoleTx(ctx, tx, job.TenantID, role)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &m.ActorID, nil
	}
	return nil, nil
}
