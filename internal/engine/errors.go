package engine

import (
	"errors"
	"fmt"
)

// ErrNoPipelineStage signals a tenant without any active stage.
var ErrNoPipelineStage = errors.New("no active stage configured for tenant")

// ValidationError reports a response value that fails its question's
// response_type rule. The offending submission is still persisted.
type ValidationError struct {
	QuestionID string
	Rule       string
	Message    string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for question %s: %s", e.QuestionID, e.Message)
}

// InvalidQuestionForStageError reports a response to a question that does
// not belong to the job's current stage.
type InvalidQuestionForStageError struct {
	QuestionID string
	StageID    string
}

func (e InvalidQuestionForStageError) Error() string {
	return fmt.Sprintf("question %s is not configured for stage %s", e.QuestionID, e.StageID)
}

// AmbiguousTransitionError reports more than one automatic transition rule
// matching the same response value.
type AmbiguousTransitionError struct {
	QuestionID string
	Value      string
	Matches    []string
}

func (e AmbiguousTransitionError) Error() string {
	return fmt.Sprintf("response %q to question %s matches %d transitions", e.Value, e.QuestionID, len(e.Matches))
}

// UploadRequiredError blocks task completion until at least one file URL
// is attached.
type UploadRequiredError struct {
	TaskID string
}

func (e UploadRequiredError) Error() string {
	return fmt.Sprintf("task %s requires a file upload before completion", e.TaskID)
}

// SpawnError wraps a failure while materializing template tasks during a
// stage entry. The whole transition rolls back when it occurs.
type SpawnError struct {
	TemplateID string
	Err        error
}

func (e SpawnError) Error() string {
	return fmt.Sprintf("spawn task from template %s: %v", e.TemplateID, e.Err)
}

func (e SpawnError) Unwrap() error { return e.Err }
