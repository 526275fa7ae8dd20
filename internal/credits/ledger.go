package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/enhance-orchestrator/internal/metrics"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
	"github.com/jmehdipour/enhance-orchestrator/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount = errors.New("credit amount must be positive")
	ErrInvalidSource = errors.New("unknown credit source")
)

// Reservation is the outcome of Reserve. Reserved=false leaves the account untouched.
type Reservation struct {
	Reserved   bool
	NewBalance int64
}

// Grant describes an additive credit operation (renewal, purchase, admin adjustment).
type Grant struct {
	AccountID   string
	TenantID    string
	Amount      int64
	Source      model.CreditSource
	Description string
	RequestID   string // optional; makes the grant idempotent
}

type GrantResult struct {
	Applied bool
	Balance int64
}

// Ledger owns every balance mutation. Methods taking a tx join the caller's
// transaction; with a nil tx they run in their own.
type Ledger struct {
	tx       repository.Transactor
	accounts repository.CreditAccountsRepository
	entries  repository.LedgerRepository
	log      *zap.Logger
}

func NewLedger(
	tx repository.Transactor,
	accounts repository.CreditAccountsRepository,
	entries repository.LedgerRepository,
	log *zap.Logger,
) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{tx: tx, accounts: accounts, entries: entries, log: log}
}

// EstimateCost is the logged form of the package-level EstimateCost.
func (l *Ledger) EstimateCost(enhancementType string, hasMask bool) int64 {
	cost, known := EstimateCost(enhancementType, hasMask)
	if !known {
		l.log.Warn("unknown enhancement type, charging basic tier",
			zap.String("enhancement_type", enhancementType),
			zap.Int64("credits", cost),
		)
	}
	return cost
}

func (l *Ledger) within(ctx context.Context, tx *sqlx.Tx, fn func(context.Context, *sqlx.Tx) error) error {
	if tx != nil {
		return fn(ctx, tx)
	}
	return l.tx.WithinTx(ctx, fn)
}

// Reserve locks the account row and debits credits only if the balance covers them.
func (l *Ledger) Reserve(ctx context.Context, tx *sqlx.Tx, accountID, tenantID string, credits int64, jobID string) (Reservation, error) {
	if credits <= 0 {
		return Reservation{}, ErrInvalidAmount
	}

	var res Reservation
	err := l.within(ctx, tx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := l.accounts.UpsertAccount(ctx, tx, accountID, tenantID); err != nil {
			return fmt.Errorf("account upsert: %w", err)
		}

		bal, err := l.accounts.GetForUpdate(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("account get for update: %w", err)
		}
		if bal < credits {
			res = Reservation{Reserved: false, NewBalance: bal}
			return nil
		}

		if err := l.accounts.Adjust(ctx, tx, accountID, -credits); err != nil {
			return fmt.Errorf("account debit: %w", err)
		}
		if _, err := l.entries.Insert(ctx, tx, model.LedgerEntry{
			AccountID:      accountID,
			Op:             model.LedgerReserve,
			Amount:         credits,
			JobID:          jobID,
			IdempotencyKey: "reserve-" + jobID,
		}); err != nil {
			return fmt.Errorf("ledger reserve: %w", err)
		}

		res = Reservation{Reserved: true, NewBalance: bal - credits}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Refund credits a job's reservation back. A second refund for the same job is
// a no-op and returns false.
func (l *Ledger) Refund(ctx context.Context, tx *sqlx.Tx, accountID string, credits int64, jobID string) (bool, error) {
	if credits <= 0 {
		return false, ErrInvalidAmount
	}

	idem := "refund-" + jobID
	var refunded bool
	err := l.within(ctx, tx, func(ctx context.Context, tx *sqlx.Tx) error {
		refunded = false
		if _, err := l.accounts.GetForUpdate(ctx, tx, accountID); err != nil {
			return fmt.Errorf("account get for update: %w", err)
		}

		// the unique idempotency key decides; the balance moves only with a new row
		inserted, err := l.entries.Insert(ctx, tx, model.LedgerEntry{
			AccountID:      accountID,
			Op:             model.LedgerRefund,
			Amount:         credits,
			JobID:          jobID,
			IdempotencyKey: idem,
		})
		if err != nil {
			return fmt.Errorf("ledger refund: %w", err)
		}
		if !inserted {
			return nil
		}

		if err := l.accounts.Adjust(ctx, tx, accountID, credits); err != nil {
			return fmt.Errorf("account credit: %w", err)
		}
		refunded = true
		return nil
	})
	return refunded, err
}

// AddCredits is always additive. Replaying a grant with the same RequestID
// for the same account returns Applied=false and the current balance.
func (l *Ledger) AddCredits(ctx context.Context, g Grant) (GrantResult, error) {
	if g.Amount <= 0 {
		return GrantResult{}, ErrInvalidAmount
	}
	if _, ok := model.ParseCreditSource(string(g.Source)); !ok {
		return GrantResult{}, fmt.Errorf("%w: %q", ErrInvalidSource, g.Source)
	}

	idem := "grant-" + g.AccountID + "-" + g.RequestID
	if g.RequestID == "" {
		idem = "grant-" + g.AccountID + "-" + util.NewID()
	}

	var out GrantResult
	err := l.tx.WithinTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		out = GrantResult{}
		if err := l.accounts.UpsertAccount(ctx, tx, g.AccountID, g.TenantID); err != nil {
			return fmt.Errorf("account upsert: %w", err)
		}
		bal, err := l.accounts.GetForUpdate(ctx, tx, g.AccountID)
		if err != nil {
			return fmt.Errorf("account get for update: %w", err)
		}

		inserted, err := l.entries.Insert(ctx, tx, model.LedgerEntry{
			AccountID:      g.AccountID,
			Op:             model.LedgerGrant,
			Amount:         g.Amount,
			Source:         g.Source.String(),
			Description:    g.Description,
			IdempotencyKey: idem,
		})
		if err != nil {
			return fmt.Errorf("ledger grant: %w", err)
		}
		if !inserted {
			out.Balance = bal
			return nil
		}

		if err := l.accounts.Adjust(ctx, tx, g.AccountID, g.Amount); err != nil {
			return fmt.Errorf("account credit: %w", err)
		}
		out = GrantResult{Applied: true, Balance: bal + g.Amount}
		return nil
	})
	if err != nil {
		return GrantResult{}, err
	}

	if out.Applied {
		metrics.CreditsTotal.WithLabelValues("grant").Add(float64(g.Amount))
		l.log.Info("credits granted",
			zap.String("account_id", g.AccountID),
			zap.Int64("amount", g.Amount),
			zap.String("source", g.Source.String()),
		)
	}
	return out, nil
}

// Balance returns the account, or a zero-balance view if it does not exist yet.
func (l *Ledger) Balance(ctx context.Context, accountID string) (model.CreditAccount, error) {
	a, err := l.accounts.Get(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.CreditAccount{AccountID: accountID}, nil
	}
	if err != nil {
		return model.CreditAccount{}, err
	}
	return *a, nil
}

// History lists the most recent ledger rows of an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	return l.entries.ListByAccount(ctx, accountID, limit)
}
