// Package account stores wallet balances and PIN lockout state.
//
// It is the only place balances change. Each mutation is a read-modify-write
// of a single account, serialized per account by the store implementation
// (a mutex in memory, SELECT ... FOR UPDATE in Postgres).
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/money"
)

var (
	ErrNotFound          = errors.New("account not found")
	ErrExists            = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSuspended         = errors.New("account suspended")
)

// SuspendedError reports a mutation refused because the account is locked.
type SuspendedError struct {
	Until time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("account suspended until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrSuspended) match.
func (e *SuspendedError) Is(target error) bool { return target == ErrSuspended }

// Status is the persisted lockout status.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Account is a wallet balance record.
type Account struct {
	ID               string       `json:"id"`
	Balance          money.Amount `json:"balance"`
	PINHash          string       `json:"-"`
	Status           Status       `json:"status"`
	SuspendedUntil   *time.Time   `json:"suspendedUntil,omitempty"`
	WrongPINCount    int          `json:"wrongPinCount"`
	LastPINAttemptAt *time.Time   `json:"lastPinAttemptAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Authorizable reports whether the account may attempt authorization at now.
// Suspensions expire by comparison alone; nothing clears them in the background.
func (a *Account) Authorizable(now time.Time) bool {
	return a.SuspendedUntil == nil || !a.SuspendedUntil.After(now)
}

// EffectiveStatus is Status with expired suspensions read as active.
func (a *Account) EffectiveStatus(now time.Time) Status {
	if a.Authorizable(now) {
		return StatusActive
	}
	return StatusSuspended
}

// LockoutPolicy decides when failed PIN attempts suspend an account.
type LockoutPolicy struct {
	// Threshold is the wrong-PIN count at which the account is suspended.
	// 1 locks on the first failure.
	Threshold int
	// Duration is how long a suspension lasts from the failing attempt.
	Duration time.Duration
}

// DefaultLockoutPolicy locks for one hour on the first wrong PIN.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 1, Duration: time.Hour}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	d := DefaultLockoutPolicy()
	if p.Threshold <= 0 {
		p.Threshold = d.Threshold
	}
	if p.Duration <= 0 {
		p.Duration = d.Duration
	}
	return p
}

// LockoutOutcome is the result of recording a failed PIN attempt.
type LockoutOutcome struct {
	WrongPINCount int
	// Suspended is true when this failure created (or extended) a suspension.
	Suspended bool
	// SuspendedUntil is the current suspension expiry, if any.
	SuspendedUntil *time.Time
}

// BalanceChange is the before/after pair of one committed mutation.
type BalanceChange struct {
	Before money.Amount
	After  money.Amount
}

// ChangeOptions adjust ApplyBalanceChange. The zero value applies the change
// unconditionally.
type ChangeOptions struct {
	// EnforceLockout refuses the change with *SuspendedError when the
	// account is suspended at Now.
	EnforceLockout bool
	// ResetPINFailures clears the wrong-PIN counter in the same write.
	ResetPINFailures bool
	Now              time.Time
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	// ApplyBalanceChange moves the balance by amount in dir. It fails with
	// ErrInsufficientFunds rather than let the balance go negative.
	ApplyBalanceChange(ctx context.Context, id string, dir ledger.Direction, amount money.Amount, opts ChangeOptions) (BalanceChange, error)
	// RecordFailedPin counts a wrong PIN at now and suspends the account
	// when the policy threshold is reached.
	RecordFailedPin(ctx context.Context, id string, now time.Time) (*LockoutOutcome, error)
	IsAuthorizable(ctx context.Context, id string, now time.Time) (bool, error)
	// CountSuspended returns how many accounts are suspended at now.
	CountSuspended(ctx context.Context, now time.Time) (int, error)
}

// applyChange is the read-modify-write shared by every store. a is mutated
// only when the change is accepted.
func applyChange(a *Account, dir ledger.Direction, amount money.Amount, opts ChangeOptions) (BalanceChange, error) {
	if !amount.IsPositive() {
		return BalanceChange{}, ErrInvalidAmount
	}
	if opts.EnforceLockout && !a.Authorizable(opts.Now) {
		return BalanceChange{}, &SuspendedError{Until: *a.SuspendedUntil}
	}
	after, err := dir.Apply(a.Balance, amount)
	if err != nil {
		return BalanceChange{}, err
	}
	if after < 0 {
		return BalanceChange{Before: a.Balance, After: a.Balance}, ErrInsufficientFunds
	}

	change := BalanceChange{Before: a.Balance, After: after}
	a.Balance = after
	if opts.ResetPINFailures {
		a.WrongPINCount = 0
	}
	if a.Status == StatusSuspended && a.Authorizable(opts.Now) && !opts.Now.IsZero() {
		a.Status = StatusActive
	}
	return change, nil
}

// recordFailure applies one wrong PIN at now to a. Timestamps only move
// forward: an out-of-order attempt never shortens a suspension.
func (p LockoutPolicy) recordFailure(a *Account, now time.Time) *LockoutOutcome {
	a.WrongPINCount++
	if a.LastPINAttemptAt == nil || now.After(*a.LastPINAttemptAt) {
		t := now
		a.LastPINAttemptAt = &t
	}

	out := &LockoutOutcome{WrongPINCount: a.WrongPINCount}
	if a.WrongPINCount >= p.Threshold {
		until := now.Add(p.Duration)
		if a.SuspendedUntil == nil || until.After(*a.SuspendedUntil) {
			a.SuspendedUntil = &until
			a.Status = StatusSuspended
			out.Suspended = true
		}
	}
	if a.SuspendedUntil != nil {
		until := *a.SuspendedUntil
		out.SuspendedUntil = &until
	}
	return out
}

func (a *Account) clone() *Account {
	cp := *a
	if a.SuspendedUntil != nil {
		t := *a.SuspendedUntil
		cp.SuspendedUntil = &t
	}
	if a.LastPINAttemptAt != nil {
		t := *a.LastPINAttemptAt
		cp.LastPINAttemptAt = &t
	}
	return &cp
}
