package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/audit"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

// Engine is the progression coordinator. It is the only component that
// mutates job stage state, and every mutation runs inside one SQLite
// transaction together with its window bookkeeping and audit row.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Progression result actions.
const (
	ActionStageTransition  = "stage_transition"
	ActionNoTransition     = "no_transition"
	ActionRequiresOverride = "requires_override"
)

// ProgressionResult reports what a response submission did.
type ProgressionResult struct {
	Action       string             `json:"action" enum:"stage_transition,no_transition,requires_override"`
	Job          domain.Job         `json:"job"`
	Response     domain.Response    `json:"response"`
	FromStageID  *string            `json:"from_stage_id,omitempty"`
	ToStageID    *string            `json:"to_stage_id,omitempty"`
	TasksCreated int                `json:"tasks_created"`
	Transition   *domain.Transition `json:"transition,omitempty"`
}

// InitTenant creates a tenant and applies its pipeline configuration in
// one transaction.
func (e Engine) InitTenant(ctx context.Context, t domain.Tenant, cfg *config.Config) (domain.Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = "active"
	}
	t.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt); err != nil {
		return t, fmt.Errorf("insert tenant: %w", err)
	}
	if cfg == nil {
		cfg = config.Default(t.ID)
	}
	if err := e.Repo.UpsertTenantConfigTx(ctx, tx, t.ID, cfg); err != nil {
		return t, fmt.Errorf("insert tenant config: %w", err)
	}
	if err := e.importPipelineTx(ctx, tx, t.ID, cfg); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ImportPipeline replaces nothing; it adds the configured stages,
// questions, transitions and task templates to the tenant. An empty
// tenantID imports into the global template set instead.
func (e Engine) ImportPipeline(ctx context.Context, tenantID string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if tenantID != "" {
		if err := e.Repo.UpsertTenantConfigTx(ctx, tx, tenantID, cfg); err != nil {
			return err
		}
	}
	if err := e.importPipelineTx(ctx, tx, tenantID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) importPipelineTx(ctx context.Context, tx *sql.Tx, tenantID string, cfg *config.Config) error {
	now := e.now().UTC().Format(time.RFC3339)
	base, err := e.Repo.NextSequenceOrderTx(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	stageIDs := map[string]string{}
	questionIDs := map[string]string{}
	for i, st := range cfg.Pipeline.Stages {
		s := domain.Stage{
			ID:               uuid.New().String(),
			TenantID:         &tenantID,
			Name:             st.Name,
			SequenceOrder:    base + i,
			StatusBucket:     st.StatusBucket,
			StageType:        st.StageType,
			MinDurationHours: st.MinDurationHours,
			MaxDurationHours: st.MaxDurationHours,
			RequiresApproval: st.RequiresApproval,
			IsActive:         true,
			CreatedAt:        now,
		}
		if s.StageType == "" {
			s.StageType = "standard"
		}
		if s.StatusBucket == "" {
			s.StatusBucket = "open"
		}
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.Name, err)
		}
		stageIDs[st.Name] = s.ID
		for j, qt := range st.Questions {
			q := domain.Question{
				ID:            uuid.New().String(),
				StageID:       s.ID,
				Text:          qt.Text,
				ResponseType:  qt.ResponseType,
				SequenceOrder: j + 1,
				IsRequired:    qt.IsRequired,
				HelpText:      qt.HelpText,
				CreatedAt:     now,
			}
			if len(qt.ResponseOptions) > 0 {
				b, err := json.Marshal(qt.ResponseOptions)
				if err != nil {
					return err
				}
				opts := string(b)
				q.ResponseOptionsJSON = &opts
			}
			if err := e.Repo.InsertQuestionTx(ctx, tx, q); err != nil {
				return fmt.Errorf("insert question %q: %w", qt.Text, err)
			}
			questionIDs[st.Name+"|"+qt.Text] = q.ID
		}
		for _, tt := range st.Tasks {
			tmpl := domain.TaskTemplate{
				ID:             uuid.New().String(),
				StageID:        s.ID,
				Name:           tt.Name,
				UploadRequired: tt.UploadRequired,
				SLAHours:       tt.SLAHours,
				DueOffsetHours: tt.DueOffsetHours,
				Priority:       tt.Priority,
				AutoAssignRule: tt.AutoAssignRule,
				ClientVisible:  tt.ClientVisible,
				IsActive:       true,
				CreatedAt:      now,
			}
			if tmpl.Priority == "" {
				tmpl.Priority = "normal"
			}
			if len(tt.Subtasks) > 0 {
				subtasks := make([]domain.Subtask, len(tt.Subtasks))
				for k, label := range tt.Subtasks {
					subtasks[k] = domain.Subtask{Label: label}
				}
				b, err := json.Marshal(subtasks)
				if err != nil {
					return err
				}
				sj := string(b)
				tmpl.SubtasksJSON = &sj
			}
			if err := e.Repo.InsertTaskTemplateTx(ctx, tx, tmpl); err != nil {
				return fmt.Errorf("insert task template %s: %w", tt.Name, err)
			}
		}
	}
	// transitions second pass; targets may be later stages
	for _, st := range cfg.Pipeline.Stages {
		for _, tt := range st.Transitions {
			auto := true
			if tt.IsAutomatic != nil {
				auto = *tt.IsAutomatic
			}
			tr := domain.Transition{
				ID:                uuid.New().String(),
				FromStageID:       stageIDs[st.Name],
				ToStageID:         stageIDs[tt.ToStage],
				TriggerQuestionID: questionIDs[st.Name+"|"+tt.Question],
				TriggerCondition:  tt.Condition,
				IsAutomatic:       auto,
				RequiresOverride:  !auto,
				CreatedAt:         now,
			}
			if tr.ToStageID == "" || tr.TriggerQuestionID == "" {
				return fmt.Errorf("transition from %s references unknown stage %q or question %q", st.Name, tt.ToStage, tt.Question)
			}
			if err := e.Repo.InsertTransitionTx(ctx, tx, tr); err != nil {
				return fmt.Errorf("insert transition from %s: %w", st.Name, err)
			}
		}
	}
	return nil
}

// CopyTemplates clones the global template stages, with their questions,
// transitions and task templates, into a tenant's own stage set. Returns
// the number of stages copied.
func (e Engine) CopyTemplates(ctx context.Context, tenantID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	globals, err := e.Repo.ListStagesTx(ctx, tx, "", true)
	if err != nil {
		return 0, err
	}
	if len(globals) == 0 {
		return 0, nil
	}
	base, err := e.Repo.NextSequenceOrderTx(ctx, tx, tenantID)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	stageIDs := map[string]string{}
	questionIDs := map[string]string{}
	for i, g := range globals {
		s := g
		s.ID = uuid.New().String()
		s.TenantID = &tenantID
		s.SequenceOrder = base + i
		s.CreatedAt = now
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return 0, err
		}
		stageIDs[g.ID] = s.ID

		questions, err := e.Repo.ListQuestionsTx(ctx, tx, g.ID)
		if err != nil {
			return 0, err
		}
		for _, q := range questions {
			clone := q
			clone.ID = uuid.New().String()
			clone.StageID = s.ID
			clone.CreatedAt = now
			if err := e.Repo.InsertQuestionTx(ctx, tx, clone); err != nil {
				return 0, err
			}
			questionIDs[q.ID] = clone.ID
		}
		templates, err := e.Repo.ListActiveTaskTemplatesTx(ctx, tx, g.ID)
		if err != nil {
			return 0, err
		}
		for _, tmpl := range templates {
			clone := tmpl
			clone.ID = uuid.New().String()
			clone.StageID = s.ID
			clone.CreatedAt = now
			if err := e.Repo.InsertTaskTemplateTx(ctx, tx, clone); err != nil {
				return 0, err
			}
		}
	}
	for _, g := range globals {
		transitions, err := e.Repo.ListTransitionsTx(ctx, tx, g.ID)
		if err != nil {
			return 0, err
		}
		for _, tr := range transitions {
			clone := tr
			clone.ID = uuid.New().String()
			clone.FromStageID = stageIDs[tr.FromStageID]
			clone.ToStageID = stageIDs[tr.ToStageID]
			clone.TriggerQuestionID = questionIDs[tr.TriggerQuestionID]
			clone.CreatedAt = now
			if clone.ToStageID == "" || clone.TriggerQuestionID == "" {
				continue // transition points outside the template set
			}
			if err := e.Repo.InsertTransitionTx(ctx, tx, clone); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(globals), nil
}

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	ID       string
	TenantID string
	Name     string
	ActorID  string
}

// CreateJob inserts a job and, when the tenant has an active pipeline,
// enters it into the first stage: window opened, audit row written with
// trigger_source system_auto, and the stage's tasks spawned. A tenant
// without active stages gets a job outside the pipeline.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (ProgressionResult, error) {
	if opts.Name == "" {
		return ProgressionResult{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return ProgressionResult{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	j := domain.Job{
		ID:           id,
		TenantID:     opts.TenantID,
		Name:         opts.Name,
		StatusBucket: "open",
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}
	if opts.ActorID != "" {
		j.CreatedBy = &opts.ActorID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProgressionResult{}, err
	}
	defer tx.Rollback()

	res := ProgressionResult{Action: ActionNoTransition}
	first, err := e.Repo.FirstStageTx(ctx, tx, opts.TenantID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// no pipeline configured; the job lives outside it
	case err != nil:
		return ProgressionResult{}, err
	default:
		j.CurrentStageID = &first.ID
		j.StageEnteredAt = &nowStr
		j.StatusBucket = first.StatusBucket
	}
	if err := e.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return ProgressionResult{}, err
	}
	if j.CurrentStageID != nil {
		if err := e.Repo.OpenWindowTx(ctx, tx, j.ID, first.ID, nowStr); err != nil {
			return ProgressionResult{}, err
		}
		if err := e.appendAuditTx(ctx, tx, audit.Entry{
			JobID:         j.ID,
			ToStageID:     first.ID,
			TriggerSource: audit.SourceSystemAuto,
			TriggeredBy:   opts.ActorID,
		}); err != nil {
			return ProgressionResult{}, err
		}
		created, err := e.spawnTasksTx(ctx, tx, j, first.ID, nowStr)
		if err != nil {
			return ProgressionResult{}, err
		}
		res.Action = ActionStageTransition
		res.ToStageID = &first.ID
		res.TasksCreated = created
	}
	if err := tx.Commit(); err != nil {
		return ProgressionResult{}, err
	}
	res.Job = j
	return res, nil
}

// ResponseOptions are parameters for ProcessResponse.
type ResponseOptions struct {
	JobID        string
	QuestionID   string
	Value        string
	MetadataJSON *string
	ActorID      string
	Source       string
	// TenantScope, when set, restricts the call to jobs of that tenant.
	TenantScope string
}

// ProcessResponse records an answer and applies whatever transition it
// resolves to, as a single atomic unit. Invalid values are still
// persisted with an error audit row before the validation error is
// surfaced, so that every attempt leaves a trace. An ambiguous rule set
// likewise records the response, writes an error audit row, moves
// nothing, and surfaces AmbiguousTransitionError.
func (e Engine) ProcessResponse(ctx context.Context, opts ResponseOptions) (ProgressionResult, error) {
	if opts.Source == "" {
		opts.Source = "api"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProgressionResult{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, opts.JobID)
	if err != nil {
		return ProgressionResult{}, err
	}
	if err := checkScope(opts.TenantScope, job.TenantID, "submit response"); err != nil {
		return ProgressionResult{}, err
	}
	if job.CurrentStageID == nil {
		return ProgressionResult{}, ErrNoPipelineStage
	}
	currentStageID := *job.CurrentStageID

	q, err := e.Repo.GetQuestionTx(ctx, tx, opts.QuestionID)
	if err != nil {
		return ProgressionResult{}, err
	}
	if q.StageID != currentStageID {
		return ProgressionResult{}, InvalidQuestionForStageError{QuestionID: q.ID, StageID: currentStageID}
	}

	value, verr := NormalizeResponse(q, opts.Value)
	nowStr := e.now().UTC().Format(time.RFC3339)
	resp := domain.Response{
		ID:           uuid.New().String(),
		JobID:        job.ID,
		QuestionID:   q.ID,
		Value:        value,
		MetadataJSON: opts.MetadataJSON,
		RespondedBy:  opts.ActorID,
		Source:       opts.Source,
		CreatedAt:    nowStr,
	}
	if err := e.Repo.InsertResponseTx(ctx, tx, resp); err != nil {
		return ProgressionResult{}, err
	}
	res := ProgressionResult{Action: ActionNoTransition, Job: job, Response: resp, FromStageID: &currentStageID}

	if verr != nil {
		if err := e.appendErrorAuditTx(ctx, tx, job, currentStageID, q.ID, value, opts.ActorID); err != nil {
			return ProgressionResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ProgressionResult{}, err
		}
		return res, verr
	}

	rules, err := e.Repo.ListTransitionsForQuestionTx(ctx, tx, currentStageID, q.ID)
	if err != nil {
		return ProgressionResult{}, err
	}
	decision, derr := ResolveTransition(rules, q.ID, value)
	if derr != nil {
		if err := e.appendErrorAuditTx(ctx, tx, job, currentStageID, q.ID, value, opts.ActorID); err != nil {
			return ProgressionResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ProgressionResult{}, err
		}
		return res, derr
	}
	if decision.RequiresOverride {
		res.Action = ActionRequiresOverride
		res.Transition = decision.Transition
		if err := tx.Commit(); err != nil {
			return ProgressionResult{}, err
		}
		return res, nil
	}
	if !decision.Fires {
		if err := tx.Commit(); err != nil {
			return ProgressionResult{}, err
		}
		return res, nil
	}

	target, err := e.Repo.GetStageTx(ctx, tx, decision.Transition.ToStageID)
	if err != nil {
		return ProgressionResult{}, err
	}
	created, updated, err := e.transitionTx(ctx, tx, job, target, audit.Entry{
		TriggerSource: audit.SourceQuestionResponse,
		TriggeredBy:   opts.ActorID,
		QuestionID:    &q.ID,
		ResponseValue: &value,
	})
	if err != nil {
		return ProgressionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProgressionResult{}, err
	}
	res.Action = ActionStageTransition
	res.Job = updated
	res.ToStageID = &target.ID
	res.TasksCreated = created
	res.Transition = decision.Transition
	return res, nil
}

// OverrideOptions are parameters for OverrideTransition.
type OverrideOptions struct {
	JobID         string
	TargetStageID string
	Reason        string
	ActorID       string
	TenantScope   string
}

// OverrideTransition moves a job to an arbitrary stage of its tenant,
// bypassing the resolver. The reason lands in the audit row's
// response_value column.
func (e Engine) OverrideTransition(ctx context.Context, opts OverrideOptions) (ProgressionResult, error) {
	if opts.Reason == "" {
		return ProgressionResult{}, ValidationError{Rule: "override", Message: "reason is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProgressionResult{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, opts.JobID)
	if err != nil {
		return ProgressionResult{}, err
	}
	if err := checkScope(opts.TenantScope, job.TenantID, "override transition"); err != nil {
		return ProgressionResult{}, err
	}
	target, err := e.Repo.GetStageTx(ctx, tx, opts.TargetStageID)
	if err != nil {
		return ProgressionResult{}, err
	}
	if target.TenantID == nil || *target.TenantID != job.TenantID {
		return ProgressionResult{}, repo.ErrNotFound
	}
	res := ProgressionResult{Action: ActionStageTransition, FromStageID: job.CurrentStageID, ToStageID: &target.ID}
	created, updated, err := e.transitionTx(ctx, tx, job, target, audit.Entry{
		TriggerSource: audit.SourceAdminOverride,
		TriggeredBy:   opts.ActorID,
		ResponseValue: &opts.Reason,
	})
	if err != nil {
		return ProgressionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProgressionResult{}, err
	}
	res.Job = updated
	res.TasksCreated = created
	return res, nil
}

// transitionTx closes the open window, moves the job pointer, opens the
// next window, appends the audit row and spawns the target stage's
// tasks. The caller owns the transaction. Handles jobs not yet in the
// pipeline (nil current stage): nothing to close, no duration.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, job domain.Job, target domain.Stage, entry audit.Entry) (int, domain.Job, error) {
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	entry.JobID = job.ID
	entry.ToStageID = target.ID
	entry.FromStageID = job.CurrentStageID

	if job.CurrentStageID != nil {
		from, err := e.Repo.GetStageTx(ctx, tx, *job.CurrentStageID)
		if err != nil {
			return 0, job, err
		}
		win, err := e.Repo.GetOpenWindowTx(ctx, tx, job.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return 0, job, err
		}
		if err == nil {
			enteredAt, perr := time.Parse(time.RFC3339, win.EnteredAt)
			if perr != nil {
				return 0, job, perr
			}
			duration := now.Sub(enteredAt).Hours()
			completed, overdue, err := e.Repo.CountStageTaskOutcomesTx(ctx, tx, job.ID, from.ID)
			if err != nil {
				return 0, job, err
			}
			conversion := target.SequenceOrder > from.SequenceOrder
			if err := e.Repo.CloseWindowTx(ctx, tx, win.ID, nowStr, duration, completed, overdue, conversion); err != nil {
				return 0, job, err
			}
			entry.DurationHours = &duration
		}
	}

	if err := e.Repo.UpdateJobStageTx(ctx, tx, job.ID, target.ID, nowStr, target.StatusBucket, nowStr); err != nil {
		return 0, job, err
	}
	if err := e.Repo.OpenWindowTx(ctx, tx, job.ID, target.ID, nowStr); err != nil {
		return 0, job, err
	}
	if err := e.appendAuditTx(ctx, tx, entry); err != nil {
		return 0, job, err
	}
	created, err := e.spawnTasksTx(ctx, tx, job, target.ID, nowStr)
	if err != nil {
		return 0, job, err
	}
	job.CurrentStageID = &target.ID
	job.StageEnteredAt = &nowStr
	job.StatusBucket = target.StatusBucket
	job.UpdatedAt = nowStr
	return created, job, nil
}

// appendAuditTx writes the row with the engine's clock so the audit
// timestamp matches the rest of the transaction.
func (e Engine) appendAuditTx(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

func (e Engine) appendErrorAuditTx(ctx context.Context, tx *sql.Tx, job domain.Job, stageID, questionID, value, actorID string) error {
	return e.appendAuditTx(ctx, tx, audit.Entry{
		JobID:         job.ID,
		FromStageID:   &stageID,
		ToStageID:     stageID,
		TriggerSource: audit.SourceError,
		TriggeredBy:   actorID,
		QuestionID:    &questionID,
		ResponseValue: &value,
	})
}

func checkScope(scope, tenantID, action string) error {
	if scope != "" && scope != tenantID {
		return auth.AccessDeniedError{Action: action}
	}
	return nil
}
