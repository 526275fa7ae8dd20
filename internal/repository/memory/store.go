// Package memory keeps every repository in process memory. Transactions are
// serialized and rolled back from a snapshot; reads outside a transaction are
// read-uncommitted. It backs local runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmoiron/sqlx"
)

// inTx is handed to callbacks so repositories know they run inside WithinTx.
var inTx = &sqlx.Tx{}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	d    data

	histMu  sync.RWMutex
	history []model.JobHistoryEntry

	Now func() time.Time
}

type data struct {
	accounts     map[string]model.CreditAccount
	ledger       []model.LedgerEntry
	idem         map[string]struct{}
	jobs         map[string]model.Job
	outbox       map[int64]model.OutboxEvent
	nextOutboxID int64
	nextLedgerID int64
}

func New() *Store {
	return &Store{
		d: data{
			accounts: map[string]model.CreditAccount{},
			idem:     map[string]struct{}{},
			jobs:     map[string]model.Job{},
			outbox:   map[int64]model.OutboxEvent{},
		},
		Now: time.Now,
	}
}

var _ repository.Transactor = (*Store)(nil)

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	snap := s.d.clone()
	s.mu.Unlock()

	if err := fn(ctx, inTx); err != nil {
		s.mu.Lock()
		s.d = snap
		s.mu.Unlock()
		return err
	}
	return nil
}

// auto runs fn in its own transaction when the caller did not pass one.
func (s *Store) auto(ctx context.Context, tx *sqlx.Tx, fn func() error) error {
	if tx != nil {
		return fn()
	}
	return s.WithinTx(ctx, func(context.Context, *sqlx.Tx) error { return fn() })
}

func (s *Store) Jobs() *Jobs                     { return &Jobs{s: s} }
func (s *Store) Outbox() *Outbox                 { return &Outbox{s: s} }
func (s *Store) CreditAccounts() *CreditAccounts { return &CreditAccounts{s: s} }
func (s *Store) Ledger() *Ledger                 { return &Ledger{s: s} }
func (s *Store) History() *History               { return &History{s: s} }

func (d data) clone() data {
	c := data{
		accounts:     make(map[string]model.CreditAccount, len(d.accounts)),
		ledger:       append([]model.LedgerEntry(nil), d.ledger...),
		idem:         make(map[string]struct{}, len(d.idem)),
		jobs:         make(map[string]model.Job, len(d.jobs)),
		outbox:       make(map[int64]model.OutboxEvent, len(d.outbox)),
		nextOutboxID: d.nextOutboxID,
		nextLedgerID: d.nextLedgerID,
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k := range d.idem {
		c.idem[k] = struct{}{}
	}
	// values are replaced wholesale on update, so sharing slices inside them is safe
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}
