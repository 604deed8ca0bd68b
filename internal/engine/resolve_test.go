package engine

import (
	"errors"
	"testing"

	"stageline/internal/domain"
)

func rule(id, condition string, automatic, override bool) domain.Transition {
	return domain.Transition{
		ID:                id,
		FromStageID:       "s1",
		ToStageID:         "s2",
		TriggerQuestionID: "q1",
		TriggerCondition:  condition,
		IsAutomatic:       automatic,
		RequiresOverride:  override,
	}
}

func TestResolveTransitionSingleMatch(t *testing.T) {
	rules := []domain.Transition{
		rule("t1", "Yes", true, false),
		rule("t2", "No", true, false),
	}
	d, err := ResolveTransition(rules, "q1", "Yes")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !d.Fires || d.Transition == nil || d.Transition.ID != "t1" {
		t.Fatalf("expected t1 to fire, got %+v", d)
	}
}

func TestResolveTransitionNoMatch(t *testing.T) {
	rules := []domain.Transition{rule("t1", "Yes", true, false)}
	d, err := ResolveTransition(rules, "q1", "No")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Fires || d.RequiresOverride || d.Transition != nil {
		t.Fatalf("expected no decision, got %+v", d)
	}
}

func TestResolveTransitionAmbiguous(t *testing.T) {
	rules := []domain.Transition{
		rule("t1", ">=50", true, false),
		rule("t2", ">=90", true, false),
	}
	_, err := ResolveTransition(rules, "q1", "95")
	var amb AmbiguousTransitionError
	if !errors.As(err, &amb) {
		t.Fatalf("expected ambiguous error, got %v", err)
	}
	if len(amb.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %v", amb.Matches)
	}
}

func TestResolveTransitionGatedRule(t *testing.T) {
	rules := []domain.Transition{rule("t1", "Yes", true, true)}
	d, err := ResolveTransition(rules, "q1", "Yes")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Fires || !d.RequiresOverride || d.Transition == nil {
		t.Fatalf("expected gated decision, got %+v", d)
	}
}

func TestResolveTransitionGatedDoesNotDisambiguate(t *testing.T) {
	// one automatic and one gated match: the automatic one fires
	rules := []domain.Transition{
		rule("t1", ">=90", true, false),
		rule("t2", ">=50", true, true),
	}
	d, err := ResolveTransition(rules, "q1", "95")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !d.Fires || d.Transition.ID != "t1" {
		t.Fatalf("expected automatic rule to fire, got %+v", d)
	}
}

func TestConditionMatches(t *testing.T) {
	cases := []struct {
		condition string
		value     string
		want      bool
	}{
		{"Yes", "Yes", true},
		{"Yes", "No", false},
		{">=90", "90", true},
		{">=90", "89.9", false},
		{">90", "90", false},
		{"<10", "9", true},
		{"<=10", "10", true},
		{"=42", "42", true},
		{"!=42", "42", false},
		{"!=42", "41", true},
		{">=90", "not-a-number", false},
		{"  Yes  ", "Yes", true},
	}
	for _, c := range cases {
		if got := conditionMatches(c.condition, c.value); got != c.want {
			t.Errorf("conditionMatches(%q, %q) = %v, want %v", c.condition, c.value, got, c.want)
		}
	}
}
