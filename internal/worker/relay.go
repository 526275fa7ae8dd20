package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
)

type RelayConfig struct {
	WorkerID        string
	BatchSize       int
	Concurrency     int
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Lease           time.Duration
	DispatchTimeout time.Duration
}

func (c *RelayConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 20 * time.Second
	}
	if c.Lease <= c.DispatchTimeout {
		c.Lease = 3 * c.DispatchTimeout
	}
}

// Relay drains the outbox:
// - fails abandoned rows that have no attempts left,
// - claims due rows (pending, or processing past their lease),
// - hands each payload to its provider and settles the row.
//
// A row is only settled by the worker that claimed it. Delivery is
// at-least-once; providers dedupe by jobId.
type Relay struct {
	cfg      RelayConfig
	tx       repository.Transactor
	outbox   repository.OutboxRepository
	jobs     repository.JobsRepository
	registry *dispatcher.Registry
	svc      *enhance.Service
	log      *zap.Logger
	now      func() time.Time
}

func NewRelay(
	cfg RelayConfig,
	tx repository.Transactor,
	outboxRepo repository.OutboxRepository,
	jobsRepo repository.JobsRepository,
	svc *enhance.Service,
	log *zap.Logger,
) *Relay {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		cfg:      cfg,
		tx:       tx,
		outbox:   outboxRepo,
		jobs:     jobsRepo,
		registry: svc.Registry(),
		svc:      svc,
		log:      log.With(zap.String("worker_id", cfg.WorkerID)),
		now:      time.Now,
	}
}

// WithClock replaces the relay's time source.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

func (r *Relay) claimOptions(limit int) repository.ClaimOptions {
	return repository.ClaimOptions{
		Limit:       limit,
		MaxAttempts: r.cfg.MaxAttempts,
		Lease:       r.cfg.Lease,
		WorkerID:    r.cfg.WorkerID,
		Now:         r.now().UTC(),
	}
}

// Backoff is InitialBackoff * 2^(attempts-1), capped at MaxBackoff.
func (r *Relay) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := r.cfg.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return min(d, r.cfg.MaxBackoff)
}

// DispatchDue runs one pass over the outbox.
func (r *Relay) DispatchDue(ctx context.Context) (model.DispatchStats, error) {
	var stats model.DispatchStats

	reaped, err := r.reapExhausted(ctx)
	stats.Failed += reaped
	if err != nil {
		return stats, err
	}

	var rows []model.OutboxEvent
	err = r.tx.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		rows, err = r.outbox.Claim(ctx, tx, r.claimOptions(r.cfg.BatchSize))
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("claim outbox: %w", err)
	}

	stats.Add(r.processAll(ctx, rows))
	return stats, nil
}

// DispatchOne claims and processes a single row if it is due.
func (r *Relay) DispatchOne(ctx context.Context, id int64) (model.DispatchStats, error) {
	var row *model.OutboxEvent
	err := r.tx.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		row, err = r.outbox.ClaimByID(ctx, tx, id, r.claimOptions(1))
		return err
	})
	if err != nil {
		return model.DispatchStats{}, fmt.Errorf("claim outbox %d: %w", id, err)
	}
	if row == nil {
		return model.DispatchStats{}, nil
	}
	return r.processAll(ctx, []model.OutboxEvent{*row}), nil
}

func (r *Relay) reapExhausted(ctx context.Context) (int, error) {
	rows, err := r.outbox.ListExhausted(ctx, nil, r.cfg.MaxAttempts, r.now().UTC(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list exhausted: %w", err)
	}

	failed := 0
	for _, ev := range rows {
		msg := "dispatch attempts exhausted"
		if ev.LastError != "" {
			msg += ": " + ev.LastError
		}
		_, err := r.svc.FailFromDispatch(ctx, ev, ev.LockedBy, model.ErrCodeDispatch, msg)
		if errors.Is(err, enhance.ErrNotOwner) {
			// settled or reclaimed since it was listed
			continue
		}
		if err != nil {
			r.log.Error("fail abandoned dispatch", zap.Int64("outbox_id", ev.ID), zap.String("job_id", ev.JobID), zap.Error(err))
			continue
		}
		r.log.Error("dispatch abandoned with no attempts left", zap.Int64("outbox_id", ev.ID), zap.String("job_id", ev.JobID))
		metrics.OutboxDispatchTotal.WithLabelValues("failed").Inc()
		failed++
	}
	return failed, nil
}

func (r *Relay) processAll(ctx context.Context, rows []model.OutboxEvent) model.DispatchStats {
	stats := model.DispatchStats{Claimed: len(rows)}
	if len(rows) == 0 {
		return stats
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.cfg.Concurrency)
	)
	for _, ev := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(ev model.OutboxEvent) {
			defer func() { <-sem; wg.Done() }()
			result := r.process(ctx, ev)
			metrics.OutboxDispatchTotal.WithLabelValues(result).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case resultDelivered:
				stats.Delivered++
			case resultRetried:
				stats.Retried++
			case resultFailed:
				stats.Failed++
			case resultSkipped:
				stats.Skipped++
			}
		}(ev)
	}
	wg.Wait()
	return stats
}

const (
	resultDelivered = "delivered"
	resultRetried   = "retried"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
	resultLost      = "lost"
)

func (r *Relay) process(ctx context.Context, ev model.OutboxEvent) string {
	log := r.log.With(zap.Int64("outbox_id", ev.ID), zap.String("job_id", ev.JobID), zap.Int("attempt", ev.Attempts))

	job, err := r.jobs.Get(ctx, ev.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		ok, err := r.outbox.MarkFailed(ctx, nil, ev.ID, r.cfg.WorkerID, "job not found", r.now().UTC())
		r.settle(log, ok, err)
		return resultSkipped
	}
	if err != nil {
		// the lease expires and another pass retries the row
		log.Warn("load job failed", zap.Error(err))
		return resultLost
	}

	if job.Status.Terminal() {
		if job.Status == model.JobCompleted {
			ok, err := r.outbox.MarkCompleted(ctx, nil, ev.ID, r.cfg.WorkerID, r.now().UTC())
			r.settle(log, ok, err)
		} else {
			ok, err := r.outbox.MarkFailed(ctx, nil, ev.ID, r.cfg.WorkerID, "job "+string(job.Status), r.now().UTC())
			r.settle(log, ok, err)
		}
		return resultSkipped
	}

	p, err := r.registry.Get(ev.Provider)
	if err != nil {
		return r.fail(ctx, log, ev, err.Error())
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	dispatchErr := p.Dispatch(dctx, ev.Payload)
	cancel()

	if dispatchErr == nil {
		ok, err := r.outbox.MarkCompleted(ctx, nil, ev.ID, r.cfg.WorkerID, r.now().UTC())
		r.settle(log, ok, err)
		log.Debug("dispatched", zap.String("provider", ev.Provider))
		return resultDelivered
	}

	if dispatcher.IsPermanent(dispatchErr) {
		return r.fail(ctx, log, ev, dispatchErr.Error())
	}
	if ev.Attempts >= r.cfg.MaxAttempts {
		return r.fail(ctx, log, ev, "dispatch attempts exhausted: "+dispatchErr.Error())
	}

	next := r.now().UTC().Add(r.Backoff(ev.Attempts))
	ok, err := r.outbox.ScheduleRetry(ctx, nil, ev.ID, r.cfg.WorkerID, next, dispatchErr.Error(), r.now().UTC())
	r.settle(log, ok, err)
	log.Warn("dispatch failed, retry scheduled", zap.Time("next_retry_at", next), zap.Error(dispatchErr))
	return resultRetried
}

func (r *Relay) fail(ctx context.Context, log *zap.Logger, ev model.OutboxEvent, msg string) string {
	res, err := r.svc.FailFromDispatch(ctx, ev, r.cfg.WorkerID, model.ErrCodeDispatch, msg)
	if errors.Is(err, enhance.ErrNotOwner) {
		log.Warn("lease lost before failing the job, leaving it to the new owner", zap.String("reason", msg))
		return resultLost
	}
	if err != nil {
		log.Error("fail job after dispatch failure", zap.Error(err))
		return resultLost
	}
	log.Error("dispatch failed permanently", zap.String("reason", msg), zap.Bool("job_failed", res.Applied))
	return resultFailed
}

func (r *Relay) settle(log *zap.Logger, ok bool, err error) {
	if err != nil {
		log.Error("settle outbox row", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("outbox row no longer owned by this worker")
	}
}
