package enhance

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/jobstate"
	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
)

// Result reports what an event did to a job. Applied=false means the event
// was a duplicate or arrived out of order and changed nothing.
type Result struct {
	JobID    string          `json:"job_id"`
	Applied  bool            `json:"applied"`
	Status   model.JobStatus `json:"status"`
	Refunded bool            `json:"refunded,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type applyHooks struct {
	// guard rejects the event before the state machine sees it.
	guard func(j *model.Job) error
	// also runs inside the same transaction whether or not the event applied.
	also func(ctx context.Context, tx *sqlx.Tx, now time.Time) error
}

func (s *Service) apply(ctx context.Context, jobID string, ev model.JobEvent, h applyHooks) (Result, error) {
	var (
		res  = Result{JobID: jobID}
		prev model.Job
		next model.Job
		d    jobstate.Decision
	)

	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res = Result{JobID: jobID}
		now := s.now().UTC()

		j, err := s.jobs.GetForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if h.guard != nil {
			if err := h.guard(j); err != nil {
				return err
			}
		}

		prev = *j
		next, d = jobstate.Next(*j, ev, now)
		res.Status = j.Status

		if d.Apply {
			ok, err := s.jobs.Update(ctx, tx, next, d.From)
			if err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			if ok {
				res.Applied = true
				res.Status = next.Status
			} else {
				d = jobstate.Decision{From: j.Status, To: j.Status, Reason: "concurrent update"}
			}
		}
		if !res.Applied {
			res.Reason = d.Reason
		}

		if res.Applied && d.Refund && j.CreditsReserved > 0 {
			refunded, err := s.ledger.Refund(ctx, tx, j.UserID, j.CreditsReserved, j.ID)
			if err != nil {
				return fmt.Errorf("refund: %w", err)
			}
			res.Refunded = refunded
		}

		if h.also != nil {
			return h.also(ctx, tx, now)
		}
		return nil
	})
	if err != nil {
		return Result{JobID: jobID}, err
	}

	if !res.Applied {
		s.log.Debug("job event ignored",
			zap.String("job_id", jobID),
			zap.String("event", fmt.Sprintf("%T", ev)),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason),
		)
		return res, nil
	}

	s.publish(ctx, prev, next, res)
	return res, nil
}

// publish runs after commit; nothing here can undo the transition.
func (s *Service) publish(ctx context.Context, prev, next model.Job, res Result) {
	metrics.JobsTotal.WithLabelValues(string(next.Status)).Inc()
	if res.Refunded {
		metrics.CreditsTotal.WithLabelValues("refund").Add(float64(next.CreditsReserved))
	}

	if next.Status.Terminal() {
		s.log.Info("job finished",
			zap.String("job_id", next.ID),
			zap.String("status", string(next.Status)),
			zap.String("error_code", next.ErrorCode),
			zap.Bool("refunded", res.Refunded),
		)
	}

	if s.progress != nil {
		ev := model.ProgressEvent{
			Status:   next.Status,
			Progress: next.ProgressPercent,
			Stage:    next.ProgressStage,
		}
		if next.Status == model.JobFailed || next.Status == model.JobCanceled {
			ev.Error = next.ErrorMessage
		}
		s.progress.Emit(next.ID, ev)
	}

	s.record(ctx, next, prev.Status, next.Status)
}

func (s *Service) record(ctx context.Context, j model.Job, from, to model.JobStatus) {
	if s.history == nil {
		return
	}
	err := s.history.Append(ctx, model.JobHistoryEntry{
		JobID:      j.ID,
		TenantID:   j.TenantID,
		UserID:     j.UserID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Stage:      j.ProgressStage,
		Percent:    int64(j.ProgressPercent),
		Credits:    j.CreditsReserved,
		ErrorCode:  j.ErrorCode,
		At:         j.UpdatedAt,
	})
	if err != nil {
		s.log.Warn("append job history failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// ApplyCallback applies a provider-reported event. Only the provider the job
// was dispatched to may report on it.
func (s *Service) ApplyCallback(ctx context.Context, provider, jobID string, ev model.JobEvent) (Result, error) {
	res, err := s.apply(ctx, jobID, ev, applyHooks{
		guard: func(j *model.Job) error {
			if j.Provider != provider {
				return fmt.Errorf("%w: job %s dispatched to %s", ErrProviderMismatch, j.ID, j.Provider)
			}
			return nil
		},
	})
	if err != nil {
		return res, err
	}

	if res.Applied {
		metrics.CallbacksTotal.WithLabelValues("applied").Inc()
	} else {
		metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
	}
	return res, nil
}

// Cancel stops a job owned by userID and refunds its reservation. Pending
// dispatches are withdrawn afterwards on a best-effort basis.
func (s *Service) Cancel(ctx context.Context, userID, jobID, reason string) (Result, error) {
	if reason == "" {
		reason = "canceled by user"
	}

	res, err := s.apply(ctx, jobID, model.Cancel{Reason: reason}, applyHooks{
		guard: func(j *model.Job) error {
			if j.UserID != userID {
				return ErrForbidden
			}
			return nil
		},
	})
	if err != nil || !res.Applied {
		return res, err
	}

	n, err := s.outbox.CancelPending(ctx, nil, jobID, "job canceled", s.now().UTC())
	if err != nil {
		s.log.Warn("withdraw pending dispatch failed", zap.String("job_id", jobID), zap.Error(err))
	} else if n > 0 {
		s.log.Debug("pending dispatch withdrawn", zap.String("job_id", jobID), zap.Int64("rows", n))
	}
	return res, nil
}

// FailFromDispatch fails the job behind an outbox row that can no longer be
// delivered and settles the row in the same transaction. workerID must be
// the row's current owner; otherwise nothing is written and ErrNotOwner is
// returned.
func (s *Service) FailFromDispatch(ctx context.Context, ev model.OutboxEvent, workerID, code, message string) (Result, error) {
	return s.apply(ctx, ev.JobID, model.Failure{Code: code, Message: message}, applyHooks{
		also: func(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
			ok, err := s.outbox.MarkFailed(ctx, tx, ev.ID, workerID, message, now)
			if err != nil {
				return fmt.Errorf("mark outbox failed: %w", err)
			}
			if !ok {
				return fmt.Errorf("outbox %d, worker %s: %w", ev.ID, workerID, ErrNotOwner)
			}
			return nil
		},
	})
}

// ExpireStale fails active jobs that saw no update for olderThan and have no
// dispatch in flight. It returns how many jobs it failed.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	before := s.now().UTC().Add(-olderThan)
	ids, err := s.jobs.ListStale(ctx, before, limit)
	if err != nil {
		return 0, dbErr("list stale jobs", err)
	}

	expired := 0
	for _, id := range ids {
		res, err := s.apply(ctx, id, model.Failure{
			Code:    model.ErrCodeTimeout,
			Message: fmt.Sprintf("no provider response within %s", olderThan),
		}, applyHooks{})
		if err != nil {
			s.log.Error("expire stale job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if res.Applied {
			expired++
		}
	}
	return expired, nil
}
