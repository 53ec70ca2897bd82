package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/settlement"
)

// Caller-facing error kinds. Every error returned by Processor and
// AdminProcessor matches exactly one of these with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrLocked             = errors.New("account locked")
	ErrInvalidPIN         = errors.New("invalid pin")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNotFound           = errors.New("account not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// LockedError carries the suspension expiry of a locked account.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// PINError reports a wrong PIN that did not (yet) suspend the account.
type PINError struct {
	Attempts int
}

func (e *PINError) Error() string {
	return fmt.Sprintf("invalid pin (%d failed attempts)", e.Attempts)
}

func (e *PINError) Is(target error) bool { return target == ErrInvalidPIN }

// Retryable reports whether the caller may safely retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classify maps store and settlement errors onto the caller-facing kinds.
// Anything unrecognized is a storage failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var suspended *account.SuspendedError
	switch {
	case errors.As(err, &suspended):
		return &LockedError{Until: suspended.Until}
	case errors.Is(err, account.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, account.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, account.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, ledger.ErrMetadata),
		errors.Is(err, settlement.ErrTokenMismatch):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	default:
		// ledger.ErrDuplicateToken lands here: a retry finds the committed
		// entry and replays it.
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
}
