package enhance

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrForbidden           = errors.New("job belongs to another user")
	ErrProviderMismatch    = errors.New("callback provider does not own job")
	ErrDatabase            = errors.New("database error")
	ErrNotOwner            = errors.New("outbox row claimed by another worker")
)

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type InsufficientCreditsError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, balance %d", e.Required, e.Balance)
}

func (e *InsufficientCreditsError) Is(target error) bool { return target == ErrInsufficientCredits }

func dbErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDatabase, err)
}
