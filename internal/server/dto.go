package server

import (
	"context"
	"encoding/json"
	"time"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

// Envelope is the uniform success shape of every API response.
type Envelope[T any] struct {
	Success  bool         `json:"success"`
	Data     T            `json:"data"`
	Metadata ResponseMeta `json:"metadata"`
}

type ResponseMeta struct {
	RequestID      string  `json:"request_id"`
	Timestamp      string  `json:"timestamp" format:"date-time"`
	ProcessingTime float64 `json:"processing_time"`
}

func envelope[T any](ctx context.Context, data T) Envelope[T] {
	meta := ResponseMeta{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if rm, ok := requestMetaFromContext(ctx); ok {
		meta.RequestID = rm.id
		meta.ProcessingTime = time.Since(rm.start).Seconds()
	}
	return Envelope[T]{Success: true, Data: data, Metadata: meta}
}

// Request payloads

type CreateTenantRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CreateStageRequest struct {
	Name             string `json:"name"`
	StatusBucket     string `json:"status_bucket,omitempty"`
	StageType        string `json:"stage_type,omitempty" enum:"standard,milestone,approval"`
	MinDurationHours int    `json:"min_duration_hours,omitempty"`
	MaxDurationHours *int   `json:"max_duration_hours,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

type UpdateStageRequest struct {
	Name             *string `json:"name,omitempty"`
	StatusBucket     *string `json:"status_bucket,omitempty"`
	StageType        *string `json:"stage_type,omitempty" enum:"standard,milestone,approval"`
	MinDurationHours *int    `json:"min_duration_hours,omitempty"`
	MaxDurationHours *int    `json:"max_duration_hours,omitempty"`
	RequiresApproval *bool   `json:"requires_approval,omitempty"`
	IsActive         *bool   `json:"is_active,omitempty"`
}

type CreateQuestionRequest struct {
	Text            string   `json:"text"`
	ResponseType    string   `json:"response_type" enum:"yes_no,text,number,date,file_upload,multiple_choice"`
	ResponseOptions []string `json:"response_options,omitempty"`
	IsRequired      bool     `json:"is_required,omitempty"`
	HelpText        string   `json:"help_text,omitempty"`
}

type CreateTransitionRequest struct {
	ToStageID         string `json:"to_stage_id"`
	TriggerQuestionID string `json:"trigger_question_id"`
	TriggerCondition  string `json:"trigger_condition"`
	IsAutomatic       *bool  `json:"is_automatic,omitempty"`
	RequiresOverride  bool   `json:"requires_override,omitempty"`
}

type CreateTaskTemplateRequest struct {
	Name           string   `json:"name"`
	Subtasks       []string `json:"subtasks,omitempty"`
	UploadRequired bool     `json:"upload_required,omitempty"`
	SLAHours       *int     `json:"sla_hours,omitempty"`
	DueOffsetHours int      `json:"due_offset_hours,omitempty"`
	Priority       string   `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	AutoAssignRule string   `json:"auto_assign_rule,omitempty"`
	ClientVisible  bool     `json:"client_visible,omitempty"`
}

type CreateJobRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type SubmitResponseRequest struct {
	QuestionID string         `json:"question_id"`
	Value      string         `json:"value"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Source     string         `json:"source,omitempty" enum:"api,client_portal,internal"`
}

type OverrideRequest struct {
	TargetStageID string `json:"target_stage_id"`
	Reason        string `json:"reason"`
}

type UpdateJobTaskRequest struct {
	Status       *string                `json:"status,omitempty" enum:"pending,in_progress,completed,cancelled"`
	Subtasks     []engine.SubtaskUpdate `json:"subtasks,omitempty"`
	AddUploadURL *string                `json:"add_upload_url,omitempty"`
	AssigneeID   *string                `json:"assignee_id,omitempty"`
}

type ReorderRequest struct {
	Items  []engine.ReorderItem `json:"items" minItems:"1"`
	Atomic *bool                `json:"atomic,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"admin,manager,agent"`
	Name    string `json:"name,omitempty"`
}

type UpsertMemberRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"admin,manager,agent"`
}

// Response payloads

type QuestionResponse struct {
	ID              string   `json:"id"`
	StageID         string   `json:"stage_id"`
	Text            string   `json:"text"`
	ResponseType    string   `json:"response_type" enum:"yes_no,text,number,date,file_upload,multiple_choice"`
	ResponseOptions []string `json:"response_options,omitempty"`
	SequenceOrder   int      `json:"sequence_order"`
	IsRequired      bool     `json:"is_required"`
	HelpText        string   `json:"help_text,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

func questionResponse(q domain.Question) QuestionResponse {
	return QuestionResponse{
		ID:              q.ID,
		StageID:         q.StageID,
		Text:            q.Text,
		ResponseType:    q.ResponseType,
		ResponseOptions: decodeStringSlice(q.ResponseOptionsJSON),
		SequenceOrder:   q.SequenceOrder,
		IsRequired:      q.IsRequired,
		HelpText:        q.HelpText,
		CreatedAt:       q.CreatedAt,
	}
}

type JobTaskResponse struct {
	ID             string           `json:"id"`
	JobID          string           `json:"job_id"`
	TemplateID     string           `json:"template_id"`
	StageID        string           `json:"stage_id"`
	Name           string           `json:"name"`
	Status         string           `json:"status" enum:"pending,in_progress,completed,overdue,cancelled"`
	Subtasks       []domain.Subtask `json:"subtasks,omitempty"`
	AssigneeID     *string          `json:"assignee_id,omitempty"`
	DueDate        *string          `json:"due_date,omitempty" format:"date-time"`
	CompletedAt    *string          `json:"completed_at,omitempty" format:"date-time"`
	UploadRequired bool             `json:"upload_required"`
	SLAHours       *int             `json:"sla_hours,omitempty"`
	UploadURLs     []string         `json:"upload_urls"`
	Priority       string           `json:"priority"`
	SLAStatus      string           `json:"sla_status,omitempty" enum:"ok,warning,violated"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
}

func jobTaskResponse(t domain.JobTask, slaStatus string) JobTaskResponse {
	return JobTaskResponse{
		ID:             t.ID,
		JobID:          t.JobID,
		TemplateID:     t.TemplateID,
		StageID:        t.StageID,
		Name:           t.Name,
		Status:         t.Status,
		Subtasks:       decodeSubtasks(t.SubtasksJSON),
		AssigneeID:     t.AssigneeID,
		DueDate:        t.DueDate,
		CompletedAt:    t.CompletedAt,
		UploadRequired: t.UploadRequired,
		SLAHours:       t.SLAHours,
		UploadURLs:     nonNilSlice(decodeStringSlice(t.UploadURLsJSON)),
		Priority:       t.Priority,
		SLAStatus:      slaStatus,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// TaskListResponse pairs the task list with aggregate stats computed at
// read time.
type TaskListResponse struct {
	Items []JobTaskResponse `json:"items"`
	Stats TaskListStats     `json:"stats"`
}

type TaskListStats struct {
	Total        int `json:"total"`
	Completed    int `json:"completed"`
	SLAWarnings  int `json:"sla_warnings"`
	SLAViolated  int `json:"sla_violated"`
	UploadsOwing int `json:"uploads_owing"`
}

func taskListResponse(views []engine.TaskView) TaskListResponse {
	res := TaskListResponse{Items: make([]JobTaskResponse, 0, len(views))}
	for _, v := range views {
		item := jobTaskResponse(v.JobTask, v.SLAStatus)
		res.Items = append(res.Items, item)
		res.Stats.Total++
		switch {
		case v.Status == "completed":
			res.Stats.Completed++
		case v.SLAStatus == engine.SLAWarning:
			res.Stats.SLAWarnings++
		case v.SLAStatus == engine.SLAViolated:
			res.Stats.SLAViolated++
		}
		if v.UploadRequired && len(item.UploadURLs) == 0 && v.Status != "cancelled" {
			res.Stats.UploadsOwing++
		}
	}
	return res
}

type ProgressionResponse struct {
	Action       string             `json:"action" enum:"stage_transition,no_transition,requires_override"`
	Job          domain.Job         `json:"job"`
	Response     *domain.Response   `json:"response,omitempty"`
	FromStageID  *string            `json:"from_stage_id,omitempty"`
	ToStageID    *string            `json:"to_stage_id,omitempty"`
	TasksCreated int                `json:"tasks_created"`
	Transition   *domain.Transition `json:"transition,omitempty"`
}

func progressionResponse(r engine.ProgressionResult) ProgressionResponse {
	res := ProgressionResponse{
		Action:       r.Action,
		Job:          r.Job,
		FromStageID:  r.FromStageID,
		ToStageID:    r.ToStageID,
		TasksCreated: r.TasksCreated,
		Transition:   r.Transition,
	}
	if r.Response.ID != "" {
		resp := r.Response
		res.Response = &resp
	}
	return res
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Secret    string `json:"secret,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// JSON helpers

func decodeStringSlice(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return nil
	}
	return arr
}

func decodeSubtasks(raw *string) []domain.Subtask {
	if raw == nil || *raw == "" {
		return nil
	}
	var subtasks []domain.Subtask
	if err := json.Unmarshal([]byte(*raw), &subtasks); err != nil {
		return nil
	}
	return subtasks
}

func encodeJSONMap(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
