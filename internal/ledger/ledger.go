// Package ledger is the append-only transaction trail of the wallet.
//
// Every settled or rejected attempt produces exactly one Entry. Entries are
// never updated or deleted; a row's before/after balances are the account's
// balance transition at the instant the entry was committed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/auwntech/walletd/internal/idgen"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/pagination"
)

var (
	ErrNotFound       = errors.New("ledger entry not found")
	ErrInvalidEntry   = errors.New("invalid ledger entry")
	ErrDuplicateToken = errors.New("request token already used")
)

// Direction is the sign of a balance change.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// ParseDirection validates a wire value.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case Credit, Debit:
		return Direction(s), true
	}
	return "", false
}

// Apply returns the balance that results from moving amount in direction d
// starting at before. It does not check for negative results.
func (d Direction) Apply(before, amount money.Amount) (money.Amount, error) {
	switch d {
	case Credit:
		return before.Add(amount)
	case Debit:
		return before.Sub(amount)
	}
	return 0, fmt.Errorf("%w: direction %q", ErrInvalidEntry, d)
}

// Opposite returns the direction that undoes d.
func (d Direction) Opposite() Direction {
	if d == Credit {
		return Debit
	}
	return Credit
}

// Kind tags what initiated an entry.
type Kind string

const (
	KindTransfer        Kind = "transfer"
	KindAdminAdjustment Kind = "admin_adjustment"
)

// Reference prefixes. User and admin flows use different prefixes so a
// reference alone tells them apart.
const (
	PrefixTransfer   = "TXN"
	PrefixAdjustment = "ADM"
)

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Valid reports whether k is a well-formed tag.
func (k Kind) Valid() bool {
	return kindPattern.MatchString(string(k))
}

// ReferencePrefix returns the prefix used for references of this kind.
func (k Kind) ReferencePrefix() string {
	if k == KindAdminAdjustment {
		return PrefixAdjustment
	}
	return PrefixTransfer
}

// Status is the outcome recorded by an entry.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Entry is one immutable ledger row.
type Entry struct {
	ID            string       `json:"id"`
	Reference     string       `json:"reference"`
	AccountID     string       `json:"accountId"`
	Amount        money.Amount `json:"amount"`
	Direction     Direction    `json:"direction"`
	Kind          Kind         `json:"kind"`
	Status        Status       `json:"status"`
	BalanceBefore money.Amount `json:"balanceBefore"`
	BalanceAfter  money.Amount `json:"balanceAfter"`
	Metadata      Metadata     `json:"metadata,omitempty"`
	RequestToken  string       `json:"requestToken,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Validate checks the entry's internal consistency: successful entries must
// move the balance by exactly Amount, failed ones must not move it at all.
func (e *Entry) Validate() error {
	if e.AccountID == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidEntry)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.Reference != "" && idgen.ReferencePrefix(e.Reference) != e.Kind.ReferencePrefix() {
		return fmt.Errorf("%w: reference %q does not match kind %q", ErrInvalidEntry, e.Reference, e.Kind)
	}
	if err := e.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.BalanceBefore < 0 || e.BalanceAfter < 0 {
		return fmt.Errorf("%w: negative balance", ErrInvalidEntry)
	}

	switch e.Status {
	case StatusSuccessful:
		want, err := e.Direction.Apply(e.BalanceBefore, e.Amount)
		if err != nil {
			return err
		}
		if want != e.BalanceAfter {
			return fmt.Errorf("%w: balance %s -> %s does not match %s %s",
				ErrInvalidEntry, e.BalanceBefore, e.BalanceAfter, e.Direction, e.Amount)
		}
	case StatusFailed:
		if _, ok := ParseDirection(string(e.Direction)); !ok {
			return fmt.Errorf("%w: direction %q", ErrInvalidEntry, e.Direction)
		}
		if e.BalanceBefore != e.BalanceAfter {
			return fmt.Errorf("%w: failed entry moved the balance", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidEntry, e.Status)
	}
	return nil
}

// SignedAmount returns the entry's contribution to the account balance.
func (e *Entry) SignedAmount() money.Amount {
	if e.Status != StatusSuccessful {
		return 0
	}
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// Store persists ledger entries.
type Store interface {
	// Append validates e, assigns its ID, reference (when empty) and
	// creation time, and persists it. It returns the reference.
	Append(ctx context.Context, e *Entry) (string, error)
	// ListRecent returns up to limit entries for an account, newest first,
	// strictly older than before when before is non-nil.
	ListRecent(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Entry, error)
	// FindByRequestToken returns the entry recorded for a caller-supplied
	// request token, or ErrNotFound.
	FindByRequestToken(ctx context.Context, accountID, token string) (*Entry, error)
	// TotalBalance sums every successful entry across all accounts. It may
	// lag concurrent appends.
	TotalBalance(ctx context.Context) (money.Amount, error)
}

// prepare fills the store-assigned fields of e before it is persisted.
func prepare(e *Entry, newID, newRef func() string, now time.Time) error {
	if err := e.Validate(); err != nil {
		return err
	}
	e.ID = newID()
	if e.Reference == "" {
		e.Reference = newRef()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}

// clampLimit allows one row beyond MaxLimit so a full page can still tell
// whether another one follows.
func clampLimit(limit int) int {
	if limit <= 0 {
		return pagination.DefaultLimit
	}
	if limit > pagination.MaxLimit+1 {
		return pagination.MaxLimit + 1
	}
	return limit
}
