// Package jobstate is the canonical job lifecycle:
//
//	queued -> rendering -> completed | failed
//	queued | rendering -> canceled
//
// A provider may report success or failure without a prior progress report,
// so queued -> completed and queued -> failed are allowed as well. Anything
// not in the table is a no-op, never an error.
package jobstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
)

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobQueued:    {model.JobRendering, model.JobCompleted, model.JobFailed, model.JobCanceled},
	model.JobRendering: {model.JobRendering, model.JobCompleted, model.JobFailed, model.JobCanceled},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decision explains what Next did with an event.
type Decision struct {
	Apply  bool
	From   model.JobStatus
	To     model.JobStatus
	Refund bool
	Reason string // why the event was ignored
}

func ignore(j model.Job, format string, args ...any) (model.Job, Decision) {
	return j, Decision{From: j.Status, To: j.Status, Reason: fmt.Sprintf(format, args...)}
}

// Next computes the job after ev. The returned job differs from j only when
// the decision applies.
func Next(j model.Job, ev model.JobEvent, now time.Time) (model.Job, Decision) {
	if j.Status.Terminal() {
		return ignore(j, "job already %s", j.Status)
	}

	next := j
	next.UpdatedAt = now
	d := Decision{Apply: true, From: j.Status}

	switch e := ev.(type) {
	case model.Progress:
		pct := clamp(e.Percent)
		stage := strings.TrimSpace(e.Stage)
		if j.Status == model.JobRendering {
			if pct < j.ProgressPercent {
				return ignore(j, "progress %d below %d", pct, j.ProgressPercent)
			}
			if pct == j.ProgressPercent && (stage == "" || stage == j.ProgressStage) {
				return ignore(j, "progress unchanged")
			}
		}
		d.To = model.JobRendering
		next.Status = model.JobRendering
		next.ProgressPercent = max(pct, j.ProgressPercent)
		if stage != "" {
			next.ProgressStage = stage
		}

	case model.Success:
		d.To = model.JobCompleted
		next.Status = model.JobCompleted
		next.ProgressPercent = 100
		next.ProgressStage = "completed"
		next.OutputURLs = append(model.StringList(nil), e.Outputs...)
		if e.CostMicros != nil {
			next.CostMicros = *e.CostMicros
		}
		next.CompletedAt = &now

	case model.Failure:
		d.To = model.JobFailed
		d.Refund = true
		next.Status = model.JobFailed
		next.ErrorCode = e.Code
		next.ErrorMessage = e.Message
		next.CompletedAt = &now

	case model.Cancel:
		d.To = model.JobCanceled
		d.Refund = true
		next.Status = model.JobCanceled
		next.ErrorCode = "canceled"
		next.ErrorMessage = e.Reason
		next.CompletedAt = &now

	default:
		return ignore(j, "unsupported event %T", ev)
	}

	if !Allowed(d.From, d.To) {
		return ignore(j, "transition %s -> %s not allowed", d.From, d.To)
	}
	return next, d
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
