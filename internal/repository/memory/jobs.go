package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmoiron/sqlx"
)

type Jobs struct{ s *Store }

var _ repository.JobsRepository = (*Jobs)(nil)

func (r *Jobs) Insert(ctx context.Context, tx *sqlx.Tx, j model.Job) error {
	return r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if _, ok := r.s.d.jobs[j.ID]; ok {
			return fmt.Errorf("duplicate job id %q", j.ID)
		}
		r.s.d.jobs[j.ID] = j
		return nil
	})
}

func (r *Jobs) Get(_ context.Context, id string) (*model.Job, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	j, ok := r.s.d.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &j, nil
}

func (r *Jobs) GetForUpdate(ctx context.Context, _ *sqlx.Tx, id string) (*model.Job, error) {
	return r.Get(ctx, id)
}

func (r *Jobs) Update(ctx context.Context, tx *sqlx.Tx, j model.Job, from model.JobStatus) (bool, error) {
	var ok bool
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		cur, found := r.s.d.jobs[j.ID]
		if !found || cur.Status != from {
			return nil
		}
		r.s.d.jobs[j.ID] = j
		ok = true
		return nil
	})
	return ok, err
}

func (r *Jobs) ListStale(_ context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	live := map[string]bool{}
	for _, ev := range r.s.d.outbox {
		if ev.Status == model.OutboxPending || ev.Status == model.OutboxProcessing {
			live[ev.JobID] = true
		}
	}

	var stale []model.Job
	for _, j := range r.s.d.jobs {
		if j.Status.Terminal() || live[j.ID] || !j.UpdatedAt.Before(before) {
			continue
		}
		stale = append(stale, j)
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].UpdatedAt.Before(stale[b].UpdatedAt) })

	ids := make([]string, 0, len(stale))
	for i := 0; i < len(stale) && i < limit; i++ {
		ids = append(ids, stale[i].ID)
	}
	return ids, nil
}
