package engine

import (
	"strconv"
	"strings"

	"stageline/internal/domain"
)

// TransitionDecision is the outcome of matching a response value against
// the transition rules of (stage, question).
type TransitionDecision struct {
	Fires            bool
	RequiresOverride bool
	Transition       *domain.Transition
}

// ResolveTransition picks the transition fired by a response value.
// Exactly one automatic match fires. More than one automatic match is an
// AmbiguousTransitionError. A match that is not automatic, or is flagged
// requires_override, is reported but does not move the job.
func ResolveTransition(rules []domain.Transition, questionID, value string) (TransitionDecision, error) {
	var matches []domain.Transition
	for _, t := range rules {
		if conditionMatches(t.TriggerCondition, value) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 {
		return TransitionDecision{}, nil
	}

	var automatic []domain.Transition
	for _, t := range matches {
		if t.IsAutomatic && !t.RequiresOverride {
			automatic = append(automatic, t)
		}
	}
	if len(automatic) > 1 {
		ids := make([]string, len(automatic))
		for i, t := range automatic {
			ids[i] = t.ID
		}
		return TransitionDecision{}, AmbiguousTransitionError{QuestionID: questionID, Value: value, Matches: ids}
	}
	if len(automatic) == 1 {
		t := automatic[0]
		return TransitionDecision{Fires: true, Transition: &t}, nil
	}
	// matched but gated: surface for an explicit override
	t := matches[0]
	return TransitionDecision{RequiresOverride: true, Transition: &t}, nil
}

// conditionMatches evaluates a trigger condition against a value.
// Conditions are either a literal (exact match) or a numeric comparison
// of the form "<op><number>" with op one of >=, <=, >, <, =, !=.
func conditionMatches(condition, value string) bool {
	cond := strings.TrimSpace(condition)
	for _, op := range []string{">=", "<=", "!=", ">", "<", "="} {
		if !strings.HasPrefix(cond, op) {
			continue
		}
		threshold, err := strconv.ParseFloat(strings.TrimSpace(cond[len(op):]), 64)
		if err != nil {
			break
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		switch op {
		case ">=":
			return v >= threshold
		case "<=":
			return v <= threshold
		case ">":
			return v > threshold
		case "<":
			return v < threshold
		case "=":
			return v == threshold
		case "!=":
			return v != threshold
		}
	}
	return cond == strings.TrimSpace(value)
}
