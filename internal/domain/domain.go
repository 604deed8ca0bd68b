package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stage is one step of a tenant's pipeline. A nil TenantID marks a
// global template stage that can be copied into a tenant but is never
// mutated by tenant operations.
type Stage struct {
	ID               string  `json:"id"`
	TenantID         *string `json:"tenant_id,omitempty"`
	Name             string  `json:"name"`
	SequenceOrder    int     `json:"sequence_order"`
	StatusBucket     string  `json:"status_bucket"`
	StageType        string  `json:"stage_type" enum:"standard,milestone,approval"`
	MinDurationHours int     `json:"min_duration_hours"`
	MaxDurationHours *int    `json:"max_duration_hours,omitempty"`
	RequiresApproval bool    `json:"requires_approval"`
	IsActive         bool    `json:"is_active"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Question struct {
	ID                  string  `json:"id"`
	StageID             string  `json:"stage_id"`
	Text                string  `json:"text"`
	ResponseType        string  `json:"response_type" enum:"yes_no,text,number,date,file_upload,multiple_choice"`
	ResponseOptionsJSON *string `json:"response_options_json,omitempty"`
	SequenceOrder       int     `json:"sequence_order"`
	IsRequired          bool    `json:"is_required"`
	SkipConditionsJSON  *string `json:"skip_conditions_json,omitempty"`
	HelpText            string  `json:"help_text,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
}

// Transition maps an answer on a question to a target stage.
// Read-only at runtime; authored by tenant admins.
type Transition struct {
	ID                string `json:"id"`
	FromStageID       string `json:"from_stage_id"`
	ToStageID         string `json:"to_stage_id"`
	TriggerQuestionID string `json:"trigger_question_id"`
	TriggerCondition  string `json:"trigger_condition"`
	IsAutomatic       bool   `json:"is_automatic"`
	RequiresOverride  bool   `json:"requires_override"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// / Response is append-only: re-answering a question appends a new row.
type Response struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	QuestionID   string  `json:"question_id"`
	Value        string  `json:"value"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	RespondedBy  string  `json:"responded_by"`
	Source       string  `json:"source"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Job carries the stage pointer mutated exclusively by the progression
// coordinator. CurrentStageID is nil for jobs outside the
// question-driven pipeline.
type Job struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	Name           string  `json:"name"`
	CurrentStageID *string `json:"current_stage_id,omitempty"`
	StageEnteredAt *string `json:"stage_entered_at,omitempty" format:"date-time"`
	StatusBucket   string  `json:"status_bucket"`
	CreatedBy      *string `json:"created_by,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type TaskTemplate struct {
	ID             string  `json:"id"`
	StageID        string  `json:"stage_id"`
	Name           string  `json:"name"`
	SubtasksJSON   *string `json:"subtasks_json,omitempty"`
	UploadRequired bool    `json:"upload_required"`
	SLAHours       *int    `json:"sla_hours,omitempty"`
	DueOffsetHours int     `json:"due_offset_hours"`
	Priority       string  `json:"priority" enum:"low,normal,high,urgent"`
	AutoAssignRule string  `json:"auto_assign_rule,omitempty"`
	ClientVisible  bool    `json:"client_visible"`
	IsActive       bool    `json:"is_active"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Subtask is a checklist entry copied from a template at spawn time.
type Subtask struct {
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

// JobTask is the per-job materialization of a TaskTemplate.
// UploadRequired and SLAHours are copied from the template at spawn
// time; templates are read-only from the task's point of view.
type JobTask struct {
	ID             string  `json:"id"`
	JobID          string  `json:"job_id"`
	TemplateID     string  `json:"template_id"`
	StageID        string  `json:"stage_id"`
	Name           string  `json:"name"`
	Status         string  `json:"status" enum:"pending,in_progress,completed,overdue,cancelled"`
	SubtasksJSON   *string `json:"subtasks_json,omitempty"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	DueDate        *string `json:"due_date,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	UploadRequired bool    `json:"upload_required"`
	SLAHours       *int    `json:"sla_hours,omitempty"`
	UploadURLsJSON *string `json:"upload_urls_json,omitempty"`
	Priority       string  `json:"priority"`
	StageEnteredAt string  `json:"stage_entered_at" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// AuditLogEntry records one transition attempt, including failed ones
// (trigger_source "error"). Append-only.
type AuditLogEntry struct {
	ID                           int64    `json:"id"`
	JobID                        string   `json:"job_id"`
	FromStageID                  *string  `json:"from_stage_id,omitempty"`
	ToStageID                    string   `json:"to_stage_id"`
	TriggerSource                string   `json:"trigger_source" enum:"question_response,admin_override,system_auto,client_action,error"`
	TriggeredBy                  *string  `json:"triggered_by,omitempty"`
	QuestionID                   *string  `json:"question_id,omitempty"`
	ResponseValue                *string  `json:"response_value,omitempty"`
	DurationInPreviousStageHours *float64 `json:"duration_in_previous_stage_hours,omitempty"`
	CreatedAt                    string   `json:"created_at" format:"date-time"`
}

// StagePerformanceWindow is the interval a job spends in one stage.
// At most one open window (ExitedAt nil) exists per job.
type StagePerformanceWindow struct {
	ID                   int64    `json:"id"`
	JobID                string   `json:"job_id"`
	StageID              string   `json:"stage_id"`
	EnteredAt            string   `json:"entered_at" format:"date-time"`
	ExitedAt             *string  `json:"exited_at,omitempty" format:"date-time"`
	DurationHours        *float64 `json:"duration_hours,omitempty"`
	TasksCompleted       int      `json:"tasks_completed"`
	TasksOverdue         int      `json:"tasks_overdue"`
	ConversionSuccessful *bool    `json:"conversion_successful,omitempty"`
}

type Member struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"admin,manager,agent"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
