package engine

import "time"

// SLA states for a job task. Computed on demand, never stored.
const (
	SLAOK       = "ok"
	SLAWarning  = "warning"
	SLAViolated = "violated"
)

// EvaluateSLA classifies a task against its deadline, which is createdAt
// plus slaHours. Completed and cancelled tasks, and tasks without an
// SLA, are always ok. A task inside warnWindow of its deadline is a
// warning.
func EvaluateSLA(createdAt time.Time, slaHours *int, status string, now time.Time, warnWindow time.Duration) string {
	if slaHours == nil || status == "completed" || status == "cancelled" {
		return SLAOK
	}
	deadline := createdAt.Add(time.Duration(*slaHours) * time.Hour)
	if now.After(deadline) {
		return SLAViolated
	}
	if !now.Before(deadline.Add(-warnWindow)) {
		return SLAWarning
	}
	return SLAOK
}
