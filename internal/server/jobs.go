package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
)

// jobScope loads a job and enforces the caller's tenant scope.
func jobScope(ctx context.Context, e engine.Engine, jobID, role string) (domain.Job, auth.Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Job{}, principal, authErr
	}
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return j, principal, err
	}
	if err := auth.EnsureTenantScope(principal, j.TenantID, "access job"); err != nil {
		return j, principal, err
	}
	if role != "" && principal.TenantID != "" {
		if err := auth.EnsureRole(principal, role, "access job"); err != nil {
			return j, principal, err
		}
	}
	return j, principal, nil
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create a job and enter the first pipeline stage",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantID string           `query:"tenant_id"`
		Body     CreateJobRequest `json:"body"`
	}) (*struct {
		Body Envelope[ProgressionResponse] `json:"body"`
	}, error) {
		tenantID, principal, err := requireTenant(ctx, input.TenantID, auth.RoleAgent)
		if err != nil {
			return nil, handleError(err)
		}
		result, err := e.CreateJob(ctx, engine.JobCreateOptions{
			ID:       input.Body.ID,
			TenantID: tenantID,
			Name:     input.Body.Name,
			ActorID:  principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[ProgressionResponse] `json:"body"`
		}{Body: envelope(ctx, progressionResponse(result))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		TenantID     string `query:"tenant_id"`
		StatusBucket string `query:"status_bucket"`
	}) (*struct {
		Body Envelope[[]domain.Job] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, "")
		if err != nil {
			return nil, handleError(err)
		}
		jobs, err := e.Repo.ListJobs(ctx, tenantID, input.StatusBucket)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.Job] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(jobs))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body Envelope[domain.Job] `json:"body"`
	}, error) {
		j, _, err := jobScope(ctx, e, input.JobID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Job] `json:"body"`
		}{Body: envelope(ctx, j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-response",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/responses",
		Summary:     "Submit an answer and apply any resolved transition",
	}, func(ctx context.Context, input *struct {
		JobID string                `path:"job_id"`
		Body  SubmitResponseRequest `json:"body"`
	}) (*struct {
		Body Envelope[ProgressionResponse] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.QuestionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "question_id is required", false)
		}
		metadata, err := encodeJSONMap(input.Body.Metadata)
		if err != nil {
			return nil, handleError(err)
		}
		result, err := e.ProcessResponse(ctx, engine.ResponseOptions{
			JobID:        input.JobID,
			QuestionID:   input.Body.QuestionID,
			Value:        input.Body.Value,
			MetadataJSON: metadata,
			ActorID:      principal.ActorID,
			Source:       input.Body.Source,
			TenantScope:  principal.TenantID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[ProgressionResponse] `json:"body"`
		}{Body: envelope(ctx, progressionResponse(result))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-responses",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/responses",
		Summary:     "List all recorded answers for a job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body Envelope[[]domain.Response] `json:"body"`
	}, error) {
		if _, _, err := jobScope(ctx, e, input.JobID, ""); err != nil {
			return nil, handleError(err)
		}
		responses, err := e.Repo.ListResponses(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.Response] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(responses))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-transition",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/overrides",
		Summary:     "Administrative stage override",
	}, func(ctx context.Context, input *struct {
		JobID string          `path:"job_id"`
		Body  OverrideRequest `json:"body"`
	}) (*struct {
		Body Envelope[ProgressionResponse] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.TenantID != "" {
			if err := auth.EnsureRole(principal, auth.RoleAdmin, "override transition"); err != nil {
				return nil, handleError(err)
			}
		}
		result, err := e.OverrideTransition(ctx, engine.OverrideOptions{
			JobID:         input.JobID,
			TargetStageID: input.Body.TargetStageID,
			Reason:        input.Body.Reason,
			ActorID:       principal.ActorID,
			TenantScope:   principal.TenantID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[ProgressionResponse] `json:"body"`
		}{Body: envelope(ctx, progressionResponse(result))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-tasks",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/tasks",
		Summary:     "List job tasks with computed SLA status and stats",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body Envelope[TaskListResponse] `json:"body"`
	}, error) {
		if _, _, err := jobScope(ctx, e, input.JobID, ""); err != nil {
			return nil, handleError(err)
		}
		views, err := e.JobTasks(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[TaskListResponse] `json:"body"`
		}{Body: envelope(ctx, taskListResponse(views))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-job-task",
		Method:      http.MethodPut,
		Path:        "/jobs/{job_id}/tasks/{task_id}",
		Summary:     "Update task status, checklist, assignee or uploads",
	}, func(ctx context.Context, input *struct {
		JobID  string               `path:"job_id"`
		TaskID string               `path:"task_id"`
		Body   UpdateJobTaskRequest `json:"body"`
	}) (*struct {
		Body Envelope[JobTaskResponse] `json:"body"`
	}, error) {
		_, principal, err := jobScope(ctx, e, input.JobID, auth.RoleAgent)
		if err != nil {
			return nil, handleError(err)
		}
		existing, err := e.Repo.GetJobTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.JobID != input.JobID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task does not belong to job", false)
		}
		opts := engine.TaskUpdateOptions{
			TaskID:      input.TaskID,
			Subtasks:    input.Body.Subtasks,
			Assignee:    input.Body.AssigneeID,
			ActorID:     principal.ActorID,
			TenantScope: principal.TenantID,
		}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		if input.Body.AddUploadURL != nil {
			opts.AddUploadURL = *input.Body.AddUploadURL
		}
		t, err := e.UpdateJobTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[JobTaskResponse] `json:"body"`
		}{Body: envelope(ctx, jobTaskResponse(t, ""))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-audit-history",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/audit-history",
		Summary:     "Read-only audit trail ordered by created_at",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body Envelope[[]domain.AuditLogEntry] `json:"body"`
	}, error) {
		if _, _, err := jobScope(ctx, e, input.JobID, ""); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListAuditHistory(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.AuditLogEntry] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(entries))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-performance",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/performance",
		Summary:     "Stage performance windows for a job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body Envelope[engine.PerformanceReport] `json:"body"`
	}, error) {
		if _, _, err := jobScope(ctx, e, input.JobID, ""); err != nil {
			return nil, handleError(err)
		}
		report, err := e.JobPerformance(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[engine.PerformanceReport] `json:"body"`
		}{Body: envelope(ctx, report)}, nil
	})
}
