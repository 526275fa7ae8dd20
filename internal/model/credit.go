package model

import (
	"strings"
	"time"
)

// CreditAccount holds a user's credit balance.
type CreditAccount struct {
	AccountID string    `db:"account_id" json:"account_id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type LedgerOp string

const (
	LedgerReserve LedgerOp = "reserve"
	LedgerRefund  LedgerOp = "refund"
	LedgerGrant   LedgerOp = "grant"
)

type CreditSource string

const (
	SourceSubscription CreditSource = "subscription"
	SourcePurchase     CreditSource = "purchase"
	SourceAdmin        CreditSource = "admin"
	SourcePromo        CreditSource = "promo"
)

func (s CreditSource) String() string { return string(s) }

// ParseCreditSource normalizes input; returns (value, false) when unknown.
func ParseCreditSource(s string) (CreditSource, bool) {
	switch v := CreditSource(strings.ToLower(strings.TrimSpace(s))); v {
	case SourceSubscription, SourcePurchase, SourceAdmin, SourcePromo:
		return v, true
	default:
		return v, false
	}
}

// LedgerEntry is an append-only row of credit_ledger.
type LedgerEntry struct {
	ID             int64     `db:"id"`
	AccountID      string    `db:"account_id"`
	Op             LedgerOp  `db:"op"`
	Amount         int64     `db:"amount"`
	Source         string    `db:"source"`
	Description    string    `db:"description"`
	JobID          string    `db:"job_id"`
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}
