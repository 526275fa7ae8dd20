package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
)

// Reaper periodically fails jobs whose provider accepted the dispatch but
// never reported back.
type Reaper struct {
	svc        *enhance.Service
	staleAfter time.Duration
	interval   time.Duration
	batch      int
	log        *zap.Logger
}

func NewReaper(svc *enhance.Service, staleAfter, interval time.Duration, batch int, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{svc: svc, staleAfter: staleAfter, interval: interval, batch: batch, log: log}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	if r.staleAfter <= 0 {
		r.log.Info("stale job reaper disabled")
		<-ctx.Done()
		return nil
	}

	tick := time.NewTicker(r.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			r.RunOnce(ctx)
		}
	}
}

func (r *Reaper) RunOnce(ctx context.Context) int {
	n, err := r.svc.ExpireStale(ctx, r.staleAfter, r.batch)
	if err != nil {
		r.log.Error("expire stale jobs", zap.Error(err))
		return 0
	}
	if n > 0 {
		r.log.Warn("stale jobs failed", zap.Int("count", n), zap.Duration("stale_after", r.staleAfter))
	}
	return n
}
