package engine

import (
	"testing"
	"time"
)

func TestEvaluateSLA(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sla := 10
	warn := 2 * time.Hour

	cases := []struct {
		name   string
		sla    *int
		status string
		now    time.Time
		want   string
	}{
		{"well before deadline", &sla, "pending", created.Add(7 * time.Hour), SLAOK},
		{"just outside warning window", &sla, "pending", created.Add(7*time.Hour + 59*time.Minute), SLAOK},
		{"inside warning window", &sla, "in_progress", created.Add(8*time.Hour + 1*time.Minute), SLAWarning},
		{"at the window boundary", &sla, "pending", created.Add(8 * time.Hour), SLAWarning},
		{"at the deadline", &sla, "pending", created.Add(10 * time.Hour), SLAWarning},
		{"past the deadline", &sla, "pending", created.Add(10*time.Hour + 1*time.Minute), SLAViolated},
		{"completed is always ok", &sla, "completed", created.Add(24 * time.Hour), SLAOK},
		{"cancelled is always ok", &sla, "cancelled", created.Add(24 * time.Hour), SLAOK},
		{"no sla is always ok", nil, "pending", created.Add(24 * time.Hour), SLAOK},
	}
	for _, c := range cases {
		if got := EvaluateSLA(created, c.sla, c.status, c.now, warn); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}
