package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/domain"
)

// SubtaskUpdate toggles one checklist entry by position.
type SubtaskUpdate struct {
	Index     int  `json:"index" minimum:"0"`
	Completed bool `json:"completed"`
}

// TaskUpdateOptions are parameters for UpdateJobTask. Zero-valued fields
// are left untouched.
type TaskUpdateOptions struct {
	TaskID       string
	Status       string
	Subtasks     []SubtaskUpdate
	AddUploadURL string
	Assignee     *string
	ActorID      string
	TenantScope  string
}

// UpdateJobTask applies status, checklist, assignee and upload changes
// to a job task. Completion of an upload_required task is rejected until
// at least one file URL has been attached.
func (e Engine) UpdateJobTask(ctx context.Context, opts TaskUpdateOptions) (domain.JobTask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetJobTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	job, err := e.Repo.GetJobTx(ctx, tx, t.JobID)
	if err != nil {
		return t, err
	}
	if err := checkScope(opts.TenantScope, job.TenantID, "update task"); err != nil {
		return t, err
	}

	if opts.AddUploadURL != "" {
		urls, err := appendUploadURL(t.UploadURLsJSON, opts.AddUploadURL)
		if err != nil {
			return t, err
		}
		t.UploadURLsJSON = urls
	}
	if len(opts.Subtasks) > 0 {
		updated, err := applySubtaskUpdates(t.SubtasksJSON, opts.Subtasks)
		if err != nil {
			return t, err
		}
		t.SubtasksJSON = updated
	}
	if opts.Assignee != nil {
		if *opts.Assignee == "" {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = opts.Assignee
		}
	}
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTaskStatusTransition(t.Status, opts.Status); err != nil {
			return t, err
		}
		if opts.Status == "completed" && t.UploadRequired && !hasUploads(t.UploadURLsJSON) {
			return t, UploadRequiredError{TaskID: t.ID}
		}
		t.Status = opts.Status
		if opts.Status == "completed" {
			done := e.now().UTC().Format(time.RFC3339)
			t.CompletedAt = &done
		}
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateJobTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func ensureTaskStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "pending":
		if newStatus == "in_progress" || newStatus == "completed" || newStatus == "cancelled" {
			return nil
		}
	case "in_progress":
		if newStatus == "completed" || newStatus == "cancelled" || newStatus == "pending" {
			return nil
		}
	case "overdue":
		if newStatus == "in_progress" || newStatus == "completed" || newStatus == "cancelled" {
			return nil
		}
	}
	return ValidationError{Rule: "task_status", Message: fmt.Sprintf("invalid task status transition %s -> %s", oldStatus, newStatus)}
}

func hasUploads(urlsJSON *string) bool {
	if urlsJSON == nil || *urlsJSON == "" {
		return false
	}
	var urls []string
	if err := json.Unmarshal([]byte(*urlsJSON), &urls); err != nil {
		return false
	}
	return len(urls) > 0
}

func appendUploadURL(urlsJSON *string, url string) (*string, error) {
	var urls []string
	if urlsJSON != nil && *urlsJSON != "" {
		if err := json.Unmarshal([]byte(*urlsJSON), &urls); err != nil {
			return nil, err
		}
	}
	urls = append(urls, url)
	b, err := json.Marshal(urls)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func applySubtaskUpdates(subtasksJSON *string, updates []SubtaskUpdate) (*string, error) {
	if subtasksJSON == nil || *subtasksJSON == "" {
		return nil, ValidationError{Rule: "subtasks", Message: "task has no subtasks"}
	}
	var subtasks []domain.Subtask
	if err := json.Unmarshal([]byte(*subtasksJSON), &subtasks); err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.Index < 0 || u.Index >= len(subtasks) {
			return nil, ValidationError{Rule: "subtasks", Message: fmt.Sprintf("subtask index %d out of range", u.Index)}
		}
		subtasks[u.Index].Completed = u.Completed
	}
	b, err := json.Marshal(subtasks)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// TaskView decorates a job task with its SLA status, computed at read
// time from created_at and sla_hours.
type TaskView struct {
	domain.JobTask
	SLAStatus string `json:"sla_status" enum:"ok,warning,violated"`
}

// JobTasks lists a job's tasks with on-demand SLA classification.
func (e Engine) JobTasks(ctx context.Context, jobID string) ([]TaskView, error) {
	tasks, err := e.Repo.ListJobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	warn := time.Duration(e.Config.SLAWarningWindowHours()) * time.Hour
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		created, err := time.Parse(time.RFC3339, t.CreatedAt)
		if err != nil {
			return nil, err
		}
		views = append(views, TaskView{
			JobTask:   t,
			SLAStatus: EvaluateSLA(created, t.SLAHours, t.Status, now, warn),
		})
	}
	return views, nil
}

// PerformanceReport aggregates a job's stage performance windows.
type PerformanceReport struct {
	Windows           []domain.StagePerformanceWindow `json:"windows"`
	TotalTrackedHours float64                         `json:"total_tracked_hours"`
	OpenStageHours    *float64                        `json:"open_stage_hours,omitempty"`
}

// JobPerformance returns the closed windows plus the live duration of
// the open one, if any.
func (e Engine) JobPerformance(ctx context.Context, jobID string) (PerformanceReport, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return PerformanceReport{}, err
	}
	windows, err := e.Repo.ListWindows(ctx, jobID)
	if err != nil {
		return PerformanceReport{}, err
	}
	report := PerformanceReport{Windows: windows}
	now := e.now().UTC()
	for _, w := range windows {
		if w.DurationHours != nil {
			report.TotalTrackedHours += *w.DurationHours
			continue
		}
		if w.ExitedAt == nil {
			entered, err := time.Parse(time.RFC3339, w.EnteredAt)
			if err != nil {
				return PerformanceReport{}, err
			}
			open := now.Sub(entered).Hours()
			report.OpenStageHours = &open
			report.TotalTrackedHours += open
		}
	}
	return report, nil
}
