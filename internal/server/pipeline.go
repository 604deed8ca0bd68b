package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
)

func registerQuestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/questions",
		Summary:     "List a stage's questions in sequence order",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body Envelope[[]QuestionResponse] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID != "" {
			if _, _, err := requireTenant(ctx, tenantID, ""); err != nil {
				return nil, handleError(err)
			}
		}
		questions, err := e.Repo.ListQuestions(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]QuestionResponse, 0, len(questions))
		for _, q := range questions {
			items = append(items, questionResponse(q))
		}
		return &struct {
			Body Envelope[[]QuestionResponse] `json:"body"`
		}{Body: envelope(ctx, items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-question",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/questions",
		Summary:       "Append a question to a stage",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		StageID string                `path:"stage_id"`
		Body    CreateQuestionRequest `json:"body"`
	}) (*struct {
		Body Envelope[QuestionResponse] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "text is required", false)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		order, err := e.Repo.NextQuestionOrderTx(ctx, tx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		q := domain.Question{
			ID:            uuid.New().String(),
			StageID:       input.StageID,
			Text:          input.Body.Text,
			ResponseType:  input.Body.ResponseType,
			SequenceOrder: order,
			IsRequired:    input.Body.IsRequired,
			HelpText:      input.Body.HelpText,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if len(input.Body.ResponseOptions) > 0 {
			b, err := json.Marshal(input.Body.ResponseOptions)
			if err != nil {
				return nil, handleError(err)
			}
			opts := string(b)
			q.ResponseOptionsJSON = &opts
		}
		if err := e.Repo.InsertQuestionTx(ctx, tx, q); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[QuestionResponse] `json:"body"`
		}{Body: envelope(ctx, questionResponse(q))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-question",
		Method:      http.MethodDelete,
		Path:        "/questions/{question_id}",
		Summary:     "Delete a question",
	}, func(ctx context.Context, input *struct {
		QuestionID string `path:"question_id"`
	}) (*struct {
		Body Envelope[map[string]bool] `json:"body"`
	}, error) {
		q, err := e.Repo.GetQuestion(ctx, input.QuestionID)
		if err != nil {
			return nil, handleError(err)
		}
		_, tenantID, err := stageTenant(ctx, e, q.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteQuestion(ctx, input.QuestionID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]bool] `json:"body"`
		}{Body: envelope(ctx, map[string]bool{"deleted": true})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-questions",
		Method:      http.MethodPost,
		Path:        "/stages/{stage_id}/questions/reorder",
		Summary:     "Renumber a stage's question sequence",
	}, func(ctx context.Context, input *struct {
		StageID string         `path:"stage_id"`
		Body    ReorderRequest `json:"body"`
	}) (*struct {
		Status int
		Body   Envelope[engine.ReorderResult] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		atomic := true
		if input.Body.Atomic != nil {
			atomic = *input.Body.Atomic
		}
		result, err := e.ReorderQuestions(ctx, input.StageID, input.Body.Items, atomic)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if len(result.Failures) > 0 {
			status = http.StatusMultiStatus
		}
		return &struct {
			Status int
			Body   Envelope[engine.ReorderResult] `json:"body"`
		}{Status: status, Body: envelope(ctx, result)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/transitions",
		Summary:     "List transition rules leaving a stage",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body Envelope[[]domain.Transition] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID != "" {
			if _, _, err := requireTenant(ctx, tenantID, ""); err != nil {
				return nil, handleError(err)
			}
		}
		transitions, err := e.Repo.ListTransitions(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.Transition] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(transitions))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-transition",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/transitions",
		Summary:       "Author a transition rule",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		StageID string                  `path:"stage_id"`
		Body    CreateTransitionRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Transition] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ToStageID == "" || input.Body.TriggerQuestionID == "" || input.Body.TriggerCondition == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "to_stage_id, trigger_question_id and trigger_condition are required", false)
		}
		// both endpoints must exist and live in the same tenant
		_, targetTenant, err := stageTenant(ctx, e, input.Body.ToStageID)
		if err != nil {
			return nil, handleError(err)
		}
		if targetTenant != tenantID {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "target stage belongs to a different tenant", false)
		}
		q, err := e.Repo.GetQuestion(ctx, input.Body.TriggerQuestionID)
		if err != nil {
			return nil, handleError(err)
		}
		if q.StageID != input.StageID {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "trigger question does not belong to the from stage", false)
		}
		auto := true
		if input.Body.IsAutomatic != nil {
			auto = *input.Body.IsAutomatic
		}
		t := domain.Transition{
			ID:                uuid.New().String(),
			FromStageID:       input.StageID,
			ToStageID:         input.Body.ToStageID,
			TriggerQuestionID: input.Body.TriggerQuestionID,
			TriggerCondition:  input.Body.TriggerCondition,
			IsAutomatic:       auto,
			RequiresOverride:  input.Body.RequiresOverride,
			CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertTransitionTx(ctx, tx, t); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Transition] `json:"body"`
		}{Body: envelope(ctx, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-transition",
		Method:      http.MethodDelete,
		Path:        "/transitions/{transition_id}",
		Summary:     "Delete a transition rule",
	}, func(ctx context.Context, input *struct {
		TransitionID string `path:"transition_id"`
	}) (*struct {
		Body Envelope[map[string]bool] `json:"body"`
	}, error) {
		t, err := e.Repo.GetTransition(ctx, input.TransitionID)
		if err != nil {
			return nil, handleError(err)
		}
		_, tenantID, err := stageTenant(ctx, e, t.FromStageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteTransition(ctx, input.TransitionID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]bool] `json:"body"`
		}{Body: envelope(ctx, map[string]bool{"deleted": true})}, nil
	})
}

func registerTaskTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-templates",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/task-templates",
		Summary:     "List a stage's task templates",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body Envelope[[]domain.TaskTemplate] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID != "" {
			if _, _, err := requireTenant(ctx, tenantID, ""); err != nil {
				return nil, handleError(err)
			}
		}
		templates, err := e.Repo.ListTaskTemplates(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.TaskTemplate] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(templates))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task-template",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/task-templates",
		Summary:       "Attach a task template to a stage",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		StageID string                    `path:"stage_id"`
		Body    CreateTaskTemplateRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.TaskTemplate] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "name is required", false)
		}
		tmpl := domain.TaskTemplate{
			ID:             uuid.New().String(),
			StageID:        input.StageID,
			Name:           input.Body.Name,
			UploadRequired: input.Body.UploadRequired,
			SLAHours:       input.Body.SLAHours,
			DueOffsetHours: input.Body.DueOffsetHours,
			Priority:       input.Body.Priority,
			AutoAssignRule: input.Body.AutoAssignRule,
			ClientVisible:  input.Body.ClientVisible,
			IsActive:       true,
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		if tmpl.Priority == "" {
			tmpl.Priority = "normal"
		}
		if len(input.Body.Subtasks) > 0 {
			subtasks := make([]domain.Subtask, len(input.Body.Subtasks))
			for i, label := range input.Body.Subtasks {
				subtasks[i] = domain.Subtask{Label: label}
			}
			b, err := json.Marshal(subtasks)
			if err != nil {
				return nil, handleError(err)
			}
			sj := string(b)
			tmpl.SubtasksJSON = &sj
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertTaskTemplateTx(ctx, tx, tmpl); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.TaskTemplate] `json:"body"`
		}{Body: envelope(ctx, tmpl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disable-task-template",
		Method:      http.MethodDelete,
		Path:        "/task-templates/{template_id}",
		Summary:     "Soft-disable a task template",
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body Envelope[map[string]bool] `json:"body"`
	}, error) {
		tmpl, err := e.Repo.GetTaskTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		_, tenantID, err := stageTenant(ctx, e, tmpl.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "mutate template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DisableTaskTemplate(ctx, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]bool] `json:"body"`
		}{Body: envelope(ctx, map[string]bool{"disabled": true})}, nil
	})
}
