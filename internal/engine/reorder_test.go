package engine_test

import (
	"errors"
	"testing"

	"stageline/internal/engine"
)

func stageOrders(t *testing.T, env testEnv) map[string]int {
	t.Helper()
	stages, err := env.Engine.Repo.ListStages(env.Ctx, "acme", false)
	if err != nil {
		t.Fatalf("list stages: %v", err)
	}
	res := map[string]int{}
	for _, s := range stages {
		res[s.Name] = s.SequenceOrder
	}
	return res
}

func TestReorderStagesSwap(t *testing.T) {
	env := newTestEnv(t)
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")

	res, err := env.Engine.ReorderStages(env.Ctx, "acme", []engine.ReorderItem{
		{ID: lead.ID, SequenceOrder: meeting.SequenceOrder},
		{ID: meeting.ID, SequenceOrder: lead.SequenceOrder},
	}, true)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if res.Applied != 2 || !res.Atomic || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	orders := stageOrders(t, env)
	if orders["Lead Qualification"] != meeting.SequenceOrder || orders["Initial Client Meeting"] != lead.SequenceOrder {
		t.Fatalf("orders not swapped: %v", orders)
	}
	// untouched stages keep their slots
	proposal := env.stageByName(t, "Proposal Sent")
	if orders["Proposal Sent"] != proposal.SequenceOrder {
		t.Fatalf("unrelated stage moved")
	}
}

func TestReorderStagesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")
	items := []engine.ReorderItem{
		{ID: lead.ID, SequenceOrder: 2},
		{ID: meeting.ID, SequenceOrder: 1},
	}
	if _, err := env.Engine.ReorderStages(env.Ctx, "acme", items, true); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := env.Engine.ReorderStages(env.Ctx, "acme", items, true); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	orders := stageOrders(t, env)
	if orders["Initial Client Meeting"] != 1 || orders["Lead Qualification"] != 2 {
		t.Fatalf("orders drifted: %v", orders)
	}
}

func TestReorderStagesValidation(t *testing.T) {
	env := newTestEnv(t)
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")

	cases := []struct {
		name  string
		items []engine.ReorderItem
	}{
		{"empty", nil},
		{"unknown id", []engine.ReorderItem{{ID: "nope", SequenceOrder: 1}}},
		{"duplicate id", []engine.ReorderItem{{ID: lead.ID, SequenceOrder: 1}, {ID: lead.ID, SequenceOrder: 2}}},
		{"duplicate order", []engine.ReorderItem{{ID: lead.ID, SequenceOrder: 1}, {ID: meeting.ID, SequenceOrder: 1}}},
		{"zero order", []engine.ReorderItem{{ID: lead.ID, SequenceOrder: 0}}},
	}
	before := stageOrders(t, env)
	for _, tc := range cases {
		_, err := env.Engine.ReorderStages(env.Ctx, "acme", tc.items, true)
		var verr engine.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
	if after := stageOrders(t, env); len(after) != len(before) {
		t.Fatalf("stage set changed")
	}
	for name, order := range before {
		if stageOrders(t, env)[name] != order {
			t.Fatalf("rejected reorder moved %s", name)
		}
	}
}

func TestReorderStagesNonAtomic(t *testing.T) {
	env := newTestEnv(t)
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")

	res, err := env.Engine.ReorderStages(env.Ctx, "acme", []engine.ReorderItem{
		{ID: lead.ID, SequenceOrder: meeting.SequenceOrder},
		{ID: meeting.ID, SequenceOrder: lead.SequenceOrder},
	}, false)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if res.Atomic {
		t.Fatalf("expected non-atomic result")
	}
	if res.Applied != 2 || len(res.Failures) != 0 {
		t.Fatalf("result = %+v", res)
	}
	orders := stageOrders(t, env)
	if orders["Lead Qualification"] != meeting.SequenceOrder || orders["Initial Client Meeting"] != lead.SequenceOrder {
		t.Fatalf("orders not swapped: %v", orders)
	}
}

func TestReorderQuestions(t *testing.T) {
	env := newTestEnv(t)
	meeting := env.stageByName(t, "Initial Client Meeting")
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, meeting.ID)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 meeting questions, got %d", len(questions))
	}

	res, err := env.Engine.ReorderQuestions(env.Ctx, meeting.ID, []engine.ReorderItem{
		{ID: questions[0].ID, SequenceOrder: questions[1].SequenceOrder},
		{ID: questions[1].ID, SequenceOrder: questions[0].SequenceOrder},
	}, true)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if res.Applied != 2 {
		t.Fatalf("applied = %d", res.Applied)
	}
	after, err := env.Engine.Repo.ListQuestions(env.Ctx, meeting.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after[0].ID != questions[1].ID || after[1].ID != questions[0].ID {
		t.Fatalf("questions not swapped")
	}
}

func TestReorderQuestionsRejectsForeignQuestion(t *testing.T) {
	env := newTestEnv(t)
	lead := env.stageByName(t, "Lead Qualification")
	meeting := env.stageByName(t, "Initial Client Meeting")
	leadQ := env.questionByText(t, lead.ID, "Have you qualified this lead?")

	_, err := env.Engine.ReorderQuestions(env.Ctx, meeting.ID, []engine.ReorderItem{
		{ID: leadQ.ID, SequenceOrder: 1},
	}, true)
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected scope validation error, got %v", err)
	}
}
