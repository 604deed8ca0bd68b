package engine

import (
	"regexp"
	"strings"
	"time"

	"stageline/internal/domain"
)

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

var dateLayouts = []string{time.RFC3339, "2006-01-02"}

// NormalizeResponse trims and validates a raw response value against the
// question's response type. The returned value is the trimmed form used for rule
// matching. Yes/no answers accept exactly "Yes" or "No" after trimming;
// lowercase or abbreviated forms are rejected so that transition
// conditions stay unambiguous.
func NormalizeResponse(q domain.Question, raw string) (string, error) {
	value := strings.TrimSpace(raw)
	switch q.ResponseType {
	case "yes_no":
		if value != "Yes" && value != "No" {
			return value, ValidationError{QuestionID: q.ID, Rule: "yes_no", Message: `value must be "Yes" or "No"`}
		}
	case "number":
		if !numberPattern.MatchString(value) {
			return value, ValidationError{QuestionID: q.ID, Rule: "number", Message: "value is not numeric"}
		}
	case "date":
		if !parsesAsDate(value) {
			return value, ValidationError{QuestionID: q.ID, Rule: "date", Message: "value is not an ISO date"}
		}
	case "file_upload":
		if value == "" {
			return value, ValidationError{QuestionID: q.ID, Rule: "file_upload", Message: "file URL required"}
		}
	case "text", "multiple_choice":
		if q.IsRequired && value == "" {
			return value, ValidationError{QuestionID: q.ID, Rule: q.ResponseType, Message: "value required"}
		}
	}
	return value, nil
}

func parsesAsDate(value string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}
