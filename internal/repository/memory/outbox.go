package memory

import (
	"context"
	"sort"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmoiron/sqlx"
)

type Outbox struct{ s *Store }

var _ repository.OutboxRepository = (*Outbox)(nil)

func (r *Outbox) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) (int64, error) {
	var id int64
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		r.s.d.nextOutboxID++
		id = r.s.d.nextOutboxID
		ev.ID = id
		ev.Status = model.OutboxPending
		ev.Attempts = 0
		ev.UpdatedAt = ev.CreatedAt
		r.s.d.outbox[id] = ev
		return nil
	})
	return id, err
}

func claimable(ev model.OutboxEvent, opts repository.ClaimOptions) bool {
	if ev.Attempts >= opts.MaxAttempts {
		return false
	}
	switch ev.Status {
	case model.OutboxPending:
		return !ev.NextRetryAt.After(opts.Now)
	case model.OutboxProcessing:
		return ev.LeaseExpiresAt != nil && !ev.LeaseExpiresAt.After(opts.Now)
	}
	return false
}

func (r *Outbox) claimLocked(ev model.OutboxEvent, opts repository.ClaimOptions) model.OutboxEvent {
	lease := opts.Now.Add(opts.Lease)
	ev.Status = model.OutboxProcessing
	ev.Attempts++
	ev.LockedBy = opts.WorkerID
	ev.LeaseExpiresAt = &lease
	ev.UpdatedAt = opts.Now
	r.s.d.outbox[ev.ID] = ev
	return ev
}

func (r *Outbox) sortedIDs() []int64 {
	ids := make([]int64, 0, len(r.s.d.outbox))
	for id := range r.s.d.outbox {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func (r *Outbox) Claim(ctx context.Context, tx *sqlx.Tx, opts repository.ClaimOptions) ([]model.OutboxEvent, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	var out []model.OutboxEvent
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		for _, id := range r.sortedIDs() {
			if len(out) >= opts.Limit {
				break
			}
			if ev := r.s.d.outbox[id]; claimable(ev, opts) {
				out = append(out, r.claimLocked(ev, opts))
			}
		}
		return nil
	})
	return out, err
}

func (r *Outbox) ClaimByID(ctx context.Context, tx *sqlx.Tx, id int64, opts repository.ClaimOptions) (*model.OutboxEvent, error) {
	var out *model.OutboxEvent
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		ev, ok := r.s.d.outbox[id]
		if !ok || !claimable(ev, opts) {
			return nil
		}
		claimed := r.claimLocked(ev, opts)
		out = &claimed
		return nil
	})
	return out, err
}

// settle applies mut to a processing row owned by workerID.
func (r *Outbox) settle(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, mut func(*model.OutboxEvent)) (bool, error) {
	var ok bool
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		ev, found := r.s.d.outbox[id]
		if !found || ev.Status != model.OutboxProcessing || ev.LockedBy != workerID {
			return nil
		}
		mut(&ev)
		ev.LeaseExpiresAt = nil
		r.s.d.outbox[id] = ev
		ok = true
		return nil
	})
	return ok, err
}

func (r *Outbox) MarkCompleted(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, now time.Time) (bool, error) {
	return r.settle(ctx, tx, id, workerID, func(ev *model.OutboxEvent) {
		ev.Status = model.OutboxCompleted
		ev.ProcessedAt = &now
		ev.UpdatedAt = now
	})
}

func (r *Outbox) ScheduleRetry(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, next time.Time, lastErr string, now time.Time) (bool, error) {
	return r.settle(ctx, tx, id, workerID, func(ev *model.OutboxEvent) {
		ev.Status = model.OutboxPending
		ev.NextRetryAt = next
		ev.LastError = lastErr
		ev.UpdatedAt = now
	})
}

func (r *Outbox) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, workerID, lastErr string, now time.Time) (bool, error) {
	return r.settle(ctx, tx, id, workerID, func(ev *model.OutboxEvent) {
		ev.Status = model.OutboxFailed
		ev.LastError = lastErr
		ev.ProcessedAt = &now
		ev.UpdatedAt = now
	})
}

func (r *Outbox) ListExhausted(_ context.Context, _ *sqlx.Tx, maxAttempts int, now time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.OutboxEvent
	for _, id := range r.sortedIDs() {
		if len(out) >= limit {
			break
		}
		ev := r.s.d.outbox[id]
		if ev.Status == model.OutboxProcessing && ev.Attempts >= maxAttempts &&
			ev.LeaseExpiresAt != nil && !ev.LeaseExpiresAt.After(now) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *Outbox) CancelPending(ctx context.Context, tx *sqlx.Tx, jobID, reason string, now time.Time) (int64, error) {
	var n int64
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		for id, ev := range r.s.d.outbox {
			if ev.JobID != jobID || ev.Status != model.OutboxPending {
				continue
			}
			ev.Status = model.OutboxFailed
			ev.LastError = reason
			ev.ProcessedAt = &now
			ev.UpdatedAt = now
			r.s.d.outbox[id] = ev
			n++
		}
		return nil
	})
	return n, err
}

// Get returns a copy of one row; used by tests and diagnostics.
func (r *Outbox) Get(id int64) (model.OutboxEvent, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ev, ok := r.s.d.outbox[id]
	return ev, ok
}
