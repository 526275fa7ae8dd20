package memory

import (
	"context"
	"sort"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmoiron/sqlx"
)

type CreditAccounts struct{ s *Store }

var _ repository.CreditAccountsRepository = (*CreditAccounts)(nil)

func (r *CreditAccounts) UpsertAccount(ctx context.Context, tx *sqlx.Tx, accountID, tenantID string) error {
	return r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if _, ok := r.s.d.accounts[accountID]; ok {
			return nil
		}
		now := r.s.Now()
		r.s.d.accounts[accountID] = model.CreditAccount{
			AccountID: accountID,
			TenantID:  tenantID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return nil
	})
}

func (r *CreditAccounts) GetForUpdate(_ context.Context, _ *sqlx.Tx, accountID string) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.d.accounts[accountID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return a.Balance, nil
}

func (r *CreditAccounts) Adjust(ctx context.Context, tx *sqlx.Tx, accountID string, delta int64) error {
	return r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		a, ok := r.s.d.accounts[accountID]
		if !ok || a.Balance+delta < 0 {
			return repository.ErrNegativeBalance
		}
		a.Balance += delta
		a.UpdatedAt = r.s.Now()
		r.s.d.accounts[accountID] = a
		return nil
	})
}

func (r *CreditAccounts) Get(_ context.Context, accountID string) (*model.CreditAccount, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.d.accounts[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

type Ledger struct{ s *Store }

var _ repository.LedgerRepository = (*Ledger)(nil)

func (r *Ledger) Insert(ctx context.Context, tx *sqlx.Tx, e model.LedgerEntry) (bool, error) {
	var inserted bool
	err := r.s.auto(ctx, tx, func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if _, dup := r.s.d.idem[e.IdempotencyKey]; dup {
			return nil
		}
		r.s.d.nextLedgerID++
		e.ID = r.s.d.nextLedgerID
		e.CreatedAt = r.s.Now()
		r.s.d.ledger = append(r.s.d.ledger, e)
		r.s.d.idem[e.IdempotencyKey] = struct{}{}
		inserted = true
		return nil
	})
	return inserted, err
}

func (r *Ledger) ListByAccount(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.LedgerEntry
	for _, e := range r.s.d.ledger {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type History struct{ s *Store }

var _ repository.JobHistoryRepository = (*History)(nil)

func (r *History) Append(_ context.Context, e model.JobHistoryEntry) error {
	r.s.histMu.Lock()
	defer r.s.histMu.Unlock()
	r.s.history = append(r.s.history, e)
	return nil
}

func (r *History) ListByJob(_ context.Context, jobID string, limit int) ([]model.JobHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	r.s.histMu.RLock()
	defer r.s.histMu.RUnlock()
	var out []model.JobHistoryEntry
	for _, e := range r.s.history {
		if e.JobID == jobID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}
