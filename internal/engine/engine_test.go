package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return t0 }
	ctx := context.Background()
	if _, err := eng.InitTenant(ctx, domain.Tenant{ID: "acme", Name: "Acme"}, cfg); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	if err := eng.Repo.UpsertMember(ctx, domain.Member{TenantID: "acme", ActorID: "tester", Role: "admin"}); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) stageByName(t *testing.T, name string) domain.Stage {
	t.Helper()
	stages, err := env.Engine.Repo.ListStages(env.Ctx, "acme", false)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	for _, s := range stages {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stage %q not found", name)
	return domain.Stage{}
}

func (env testEnv) questionByText(t *testing.T, stageID, text string) domain.Question {
	t.Helper()
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, stageID)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	for _, q := range questions {
		if q.Text == text {
			return q
		}
	}
	t.Fatalf("question %q not found on stage %s", text, stageID)
	return domain.Question{}
}

func (env testEnv) createJob(t *testing.T, name string) engine.ProgressionResult {
	t.Helper()
	res, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{TenantID: "acme", Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return res
}

func (env testEnv) auditHistory(t *testing.T, jobID string) []domain.AuditLogEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListAuditHistory(env.Ctx, jobID)
	if err != nil {
		t.Fatalf("audit history: %v", err)
	}
	return entries
}

func TestCreateJobEntersFirstStage(t *testing.T) {
	env := newTestEnv(t)
	res := env.createJob(t, "Acme deal")

	lead := env.stageByName(t, "Lead Qualification")
	if res.Action != engine.ActionStageTransition {
		t.Fatalf("action = %s", res.Action)
	}
	if res.Job.CurrentStageID == nil || *res.Job.CurrentStageID != lead.ID {
		t.Fatalf("job not on first stage: %+v", res.Job)
	}
	if res.Job.StatusBucket != lead.StatusBucket {
		t.Fatalf("bucket = %s", res.Job.StatusBucket)
	}
	if res.TasksCreated != 1 {
		t.Fatalf("tasks created = %d", res.TasksCreated)
	}

	entries := env.auditHistory(t, res.Job.ID)
	if len(entries) != 1 || entries[0].TriggerSource != "system_auto" {
		t.Fatalf("unexpected audit history: %+v", entries)
	}
	if entries[0].FromStageID != nil {
		t.Fatalf("first entry should have no from stage")
	}
	// the audit row shares the engine clock with the rest of the transaction
	if want := t0.Format(time.RFC3339); entries[0].CreatedAt != want {
		t.Fatalf("audit created_at = %s, want %s", entries[0].CreatedAt, want)
	}

	// creator auto-assign rule resolves to the job creator
	tasks, err := env.Engine.Repo.ListJobTasks(env.Ctx, res.Job.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].AssigneeID == nil || *tasks[0].AssigneeID != "tester" {
		t.Fatalf("expected task assigned to creator: %+v", tasks)
	}
}

func TestResponseFiresTransition(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	env.Engine.Now = func() time.Time { return t0.Add(48 * time.Hour) }
	res, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID:      job.ID,
		QuestionID: q.ID,
		Value:      "Yes",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("process response: %v", err)
	}
	if res.Action != engine.ActionStageTransition {
		t.Fatalf("action = %s", res.Action)
	}
	if res.ToStageID == nil || *res.ToStageID != meeting.ID {
		t.Fatalf("expected move to meeting stage, got %+v", res)
	}
	if res.Job.CurrentStageID == nil || *res.Job.CurrentStageID != meeting.ID {
		t.Fatalf("job pointer not moved: %+v", res.Job)
	}
	if res.TasksCreated != 1 {
		t.Fatalf("expected meeting stage task spawned, got %d", res.TasksCreated)
	}

	windows, err := env.Engine.Repo.ListWindows(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("list windows: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected closed + open window, got %d", len(windows))
	}
	closed := windows[0]
	if closed.StageID != lead.ID || closed.ExitedAt == nil || closed.DurationHours == nil {
		t.Fatalf("first window not closed: %+v", closed)
	}
	if *closed.DurationHours != 48 {
		t.Fatalf("duration = %v", *closed.DurationHours)
	}
	if closed.ConversionSuccessful == nil || !*closed.ConversionSuccessful {
		t.Fatalf("forward move should be a conversion")
	}
	open := windows[1]
	if open.StageID != meeting.ID || open.ExitedAt != nil {
		t.Fatalf("second window not open on meeting stage: %+v", open)
	}

	entries := env.auditHistory(t, job.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(entries))
	}
	latest := entries[1]
	if latest.TriggerSource != "question_response" {
		t.Fatalf("trigger = %s", latest.TriggerSource)
	}
	if latest.DurationInPreviousStageHours == nil || *latest.DurationInPreviousStageHours != 48 {
		t.Fatalf("audit duration = %v", latest.DurationInPreviousStageHours)
	}
	if latest.ResponseValue == nil || *latest.ResponseValue != "Yes" {
		t.Fatalf("audit response value = %v", latest.ResponseValue)
	}
}

func TestResponseNoMatchIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	res, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "No", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("process response: %v", err)
	}
	if res.Action != engine.ActionNoTransition {
		t.Fatalf("action = %s", res.Action)
	}
	got, err := env.Engine.Repo.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStageID == nil || *got.CurrentStageID != lead.ID {
		t.Fatalf("job moved unexpectedly")
	}
	// response persisted, no extra audit rows beyond job creation
	responses, err := env.Engine.Repo.ListResponses(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 {
		t.Fatalf("responses = %d", len(responses))
	}
	if entries := env.auditHistory(t, job.ID); len(entries) != 1 {
		t.Fatalf("expected only the creation audit row, got %d", len(entries))
	}
}

func TestInvalidValuePersistsResponseAndErrorAudit(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	_, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "maybe", ActorID: "tester",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	responses, err := env.Engine.Repo.ListResponses(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 1 || responses[0].Value != "maybe" {
		t.Fatalf("invalid response not persisted: %+v", responses)
	}
	entries := env.auditHistory(t, job.ID)
	if len(entries) != 2 || entries[1].TriggerSource != "error" {
		t.Fatalf("expected error audit row, got %+v", entries)
	}
	if entries[1].FromStageID == nil || *entries[1].FromStageID != lead.ID || entries[1].ToStageID != lead.ID {
		t.Fatalf("error row should stay on the current stage")
	}
}

func TestAmbiguousTransition(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	// a second automatic rule matching the same answer
	err := env.Engine.Repo.InsertTransitionTx(env.Ctx, nil, domain.Transition{
		ID:                uuid.New().String(),
		FromStageID:       lead.ID,
		ToStageID:         meeting.ID,
		TriggerQuestionID: q.ID,
		TriggerCondition:  "Yes",
		IsAutomatic:       true,
		CreatedAt:         t0.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert transition: %v", err)
	}

	_, err = env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "Yes", ActorID: "tester",
	})
	var amb engine.AmbiguousTransitionError
	if !errors.As(err, &amb) {
		t.Fatalf("expected ambiguous error, got %v", err)
	}
	got, _ := env.Engine.Repo.GetJob(env.Ctx, job.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != lead.ID {
		t.Fatalf("ambiguity must not move the job")
	}
	entries := env.auditHistory(t, job.ID)
	if len(entries) != 2 || entries[1].TriggerSource != "error" {
		t.Fatalf("expected error audit row, got %+v", entries)
	}
	responses, _ := env.Engine.Repo.ListResponses(env.Ctx, job.ID)
	if len(responses) != 1 {
		t.Fatalf("response should still be recorded")
	}
}

func TestInvalidQuestionForStage(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	proposal := env.stageByName(t, "Proposal Sent")
	q := env.questionByText(t, proposal.ID, "Proposal acceptance score")

	_, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "95", ActorID: "tester",
	})
	var iq engine.InvalidQuestionForStageError
	if !errors.As(err, &iq) {
		t.Fatalf("expected invalid question error, got %v", err)
	}
	// nothing persisted on a stage mismatch
	responses, _ := env.Engine.Repo.ListResponses(env.Ctx, job.ID)
	if len(responses) != 0 {
		t.Fatalf("responses = %d", len(responses))
	}
}

func TestOverrideTransition(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	proposal := env.stageByName(t, "Proposal Sent")

	_, err := env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: proposal.ID, ActorID: "boss",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected reason-required error, got %v", err)
	}

	res, err := env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: proposal.ID, Reason: "client already reviewed proposal", ActorID: "boss",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if res.Job.CurrentStageID == nil || *res.Job.CurrentStageID != proposal.ID {
		t.Fatalf("job not moved: %+v", res.Job)
	}
	entries := env.auditHistory(t, job.ID)
	last := entries[len(entries)-1]
	if last.TriggerSource != "admin_override" {
		t.Fatalf("trigger = %s", last.TriggerSource)
	}
	if last.ResponseValue == nil || *last.ResponseValue != "client already reviewed proposal" {
		t.Fatalf("reason not audited: %+v", last)
	}
}

func TestNumericTransitionThreshold(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	proposal := env.stageByName(t, "Proposal Sent")
	won := env.stageByName(t, "Closed Won")
	if _, err := env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: proposal.ID, Reason: "skip ahead", ActorID: "tester",
	}); err != nil {
		t.Fatalf("override: %v", err)
	}
	q := env.questionByText(t, proposal.ID, "Proposal acceptance score")

	res, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "50", ActorID: "tester",
	})
	if err != nil || res.Action != engine.ActionNoTransition {
		t.Fatalf("below threshold should not move: %v %+v", err, res)
	}

	res, err = env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "95", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("process response: %v", err)
	}
	if res.ToStageID == nil || *res.ToStageID != won.ID {
		t.Fatalf("expected Closed Won, got %+v", res)
	}
	if res.Job.StatusBucket != "won" {
		t.Fatalf("bucket = %s", res.Job.StatusBucket)
	}
}

func TestSpawnIdempotentPerStageEntry(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	proposal := env.stageByName(t, "Proposal Sent")

	first, err := env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: proposal.ID, Reason: "move", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if first.TasksCreated != 1 {
		t.Fatalf("tasks created = %d", first.TasksCreated)
	}
	// same stage entry timestamp: templates are already materialized
	second, err := env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: proposal.ID, Reason: "again", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if second.TasksCreated != 0 {
		t.Fatalf("re-entry at the same instant spawned %d tasks", second.TasksCreated)
	}
}

func TestUploadRequiredGate(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	proposal := env.stageByName(t, "Proposal Sent")
	if _, err := env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: proposal.ID, Reason: "move", ActorID: "tester",
	}); err != nil {
		t.Fatalf("override: %v", err)
	}
	tasks, err := env.Engine.Repo.ListJobTasks(env.Ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sendProposal domain.JobTask
	for _, task := range tasks {
		if task.Name == "Send proposal" {
			sendProposal = task
		}
	}
	if sendProposal.ID == "" || !sendProposal.UploadRequired {
		t.Fatalf("expected upload_required task, got %+v", tasks)
	}

	_, err = env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{
		TaskID: sendProposal.ID, Status: "completed", ActorID: "tester",
	})
	var upErr engine.UploadRequiredError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected upload required error, got %v", err)
	}

	if _, err := env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{
		TaskID: sendProposal.ID, AddUploadURL: "https://files.example.com/proposal.pdf", ActorID: "tester",
	}); err != nil {
		t.Fatalf("attach upload: %v", err)
	}
	done, err := env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{
		TaskID: sendProposal.ID, Status: "completed", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" || done.CompletedAt == nil {
		t.Fatalf("task not completed: %+v", done)
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	tasks, _ := env.Engine.Repo.ListJobTasks(env.Ctx, job.ID)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	id := tasks[0].ID

	task, err := env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{TaskID: id, Status: "in_progress", ActorID: "tester"})
	if err != nil || task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{TaskID: id, Status: "completed", ActorID: "tester"})
	if err != nil || task.Status != "completed" {
		t.Fatalf("to completed: %v", err)
	}
	if _, err = env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{TaskID: id, Status: "pending", ActorID: "tester"}); err == nil {
		t.Fatalf("expected invalid transition from completed")
	}
}

func TestSubtaskToggleAndSLAView(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	tasks, _ := env.Engine.Repo.ListJobTasks(env.Ctx, job.ID)
	id := tasks[0].ID

	task, err := env.Engine.UpdateJobTask(env.Ctx, engine.TaskUpdateOptions{
		TaskID:   id,
		Subtasks: []engine.SubtaskUpdate{{Index: 0, Completed: true}},
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("toggle subtask: %v", err)
	}
	if task.SubtasksJSON == nil {
		t.Fatalf("subtasks missing")
	}

	// sla_hours is 48 on the qualification task
	env.Engine.Now = func() time.Time { return t0.Add(47 * time.Hour) }
	views, err := env.Engine.JobTasks(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("job tasks: %v", err)
	}
	if views[0].SLAStatus != engine.SLAWarning {
		t.Fatalf("expected warning inside window, got %s", views[0].SLAStatus)
	}
	env.Engine.Now = func() time.Time { return t0.Add(49 * time.Hour) }
	views, _ = env.Engine.JobTasks(env.Ctx, job.ID)
	if views[0].SLAStatus != engine.SLAViolated {
		t.Fatalf("expected violated past deadline, got %s", views[0].SLAStatus)
	}
}

func TestJobPerformance(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	env.Engine.Now = func() time.Time { return t0.Add(48 * time.Hour) }
	if _, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "Yes", ActorID: "tester",
	}); err != nil {
		t.Fatalf("process response: %v", err)
	}

	env.Engine.Now = func() time.Time { return t0.Add(60 * time.Hour) }
	rep, err := env.Engine.JobPerformance(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if rep.OpenStageHours == nil || *rep.OpenStageHours != 12 {
		t.Fatalf("open stage hours = %v", rep.OpenStageHours)
	}
	// 48 closed + 12 live
	if rep.TotalTrackedHours != 60 {
		t.Fatalf("tracked = %v", rep.TotalTrackedHours)
	}
	if len(rep.Windows) != 2 {
		t.Fatalf("windows = %d", len(rep.Windows))
	}
}

func TestAutoAssignByRole(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.UpsertMember(env.Ctx, domain.Member{TenantID: "acme", ActorID: "mona", Role: "manager"}); err != nil {
		t.Fatal(err)
	}
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	if _, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "Yes", ActorID: "tester",
	}); err != nil {
		t.Fatalf("process response: %v", err)
	}
	tasks, _ := env.Engine.Repo.ListJobTasks(env.Ctx, job.ID)
	var scheduled *domain.JobTask
	for i := range tasks {
		if tasks[i].Name == "Schedule meeting" {
			scheduled = &tasks[i]
		}
	}
	if scheduled == nil {
		t.Fatalf("meeting task not spawned: %+v", tasks)
	}
	if scheduled.AssigneeID == nil || *scheduled.AssigneeID != "mona" {
		t.Fatalf("expected role-based assignee, got %+v", scheduled.AssigneeID)
	}
}

func TestTenantScopeEnforced(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "Acme deal").Job
	lead := env.stageByName(t, "Lead Qualification")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	_, err := env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: job.ID, QuestionID: q.ID, Value: "Yes", ActorID: "spy", TenantScope: "other-tenant",
	})
	var denied auth.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestResponseOnJobOutsidePipeline(t *testing.T) {
	env := newTestEnv(t)
	// a tenant with no stages gets jobs outside the pipeline
	empty := config.Default("empty")
	empty.Pipeline.Stages = nil
	if _, err := env.Engine.InitTenant(env.Ctx, domain.Tenant{ID: "empty", Name: "Empty"}, empty); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	res, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{TenantID: "empty", Name: "floater", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if res.Job.CurrentStageID != nil || res.Action != engine.ActionNoTransition {
		t.Fatalf("expected job outside pipeline, got %+v", res)
	}

	lead := env.stageByName(t, "Lead Qualification")
	q := env.questionByText(t, lead.ID, "Have you qualified this lead?")
	_, err = env.Engine.ProcessResponse(env.Ctx, engine.ResponseOptions{
		JobID: res.Job.ID, QuestionID: q.ID, Value: "Yes", ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrNoPipelineStage) {
		t.Fatalf("expected ErrNoPipelineStage, got %v", err)
	}
}

func TestCopyTemplates(t *testing.T) {
	env := newTestEnv(t)
	// empty tenant ID imports into the global template set
	if err := env.Engine.ImportPipeline(env.Ctx, "", config.Default("")); err != nil {
		t.Fatalf("import globals: %v", err)
	}

	// fresh tenant without a pipeline of its own
	empty := config.Default("branch")
	empty.Pipeline.Stages = nil
	if _, err := env.Engine.InitTenant(env.Ctx, domain.Tenant{ID: "branch", Name: "Branch"}, empty); err != nil {
		t.Fatalf("init tenant: %v", err)
	}

	n, err := env.Engine.CopyTemplates(env.Ctx, "branch")
	if err != nil {
		t.Fatalf("copy templates: %v", err)
	}
	if n != 4 {
		t.Fatalf("stages copied = %d", n)
	}
	stages, err := env.Engine.Repo.ListStages(env.Ctx, "branch", true)
	if err != nil || len(stages) != 4 {
		t.Fatalf("branch stages = %d, err %v", len(stages), err)
	}

	// the copied pipeline is live: a new job enters its first stage
	res, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{TenantID: "branch", Name: "copied", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if res.Job.CurrentStageID == nil || *res.Job.CurrentStageID != stages[0].ID {
		t.Fatalf("job not on copied first stage: %+v", res.Job)
	}
}

func TestOverrideTargetMustBelongToTenant(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitTenant(env.Ctx, domain.Tenant{ID: "rival", Name: "Rival"}, config.Default("rival")); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	job := env.createJob(t, "Acme deal").Job
	stages, err := env.Engine.Repo.ListStages(env.Ctx, "rival", false)
	if err != nil || len(stages) == 0 {
		t.Fatalf("rival stages: %v", err)
	}
	_, err = env.Engine.OverrideTransition(env.Ctx, engine.OverrideOptions{
		JobID: job.ID, TargetStageID: stages[0].ID, Reason: "cross-tenant", ActorID: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for foreign stage, got %v", err)
	}
}
