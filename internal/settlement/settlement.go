// Package settlement commits a balance change and its ledger entry as one
// unit: either both are visible or neither is.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/money"
)

// ErrTokenMismatch is returned when a request token is reused for a
// different amount, direction or kind.
var ErrTokenMismatch = errors.New("request token reused with different parameters")

// Request describes one balance mutation.
type Request struct {
	AccountID    string
	Direction    ledger.Direction
	Amount       money.Amount
	Kind         ledger.Kind
	Metadata     ledger.Metadata
	RequestToken string
	Options      account.ChangeOptions
	// RecordRefusal ledgers a refused change (insufficient funds) as a
	// failed entry in the same unit.
	RecordRefusal bool
}

// Result is what a settlement committed. Entry is nil only when nothing
// was written.
type Result struct {
	Entry    *ledger.Entry
	Change   account.BalanceChange
	Replayed bool
}

// UnitOfWork settles requests atomically. Implementations serialize
// settlements per account.
type UnitOfWork interface {
	// Settle applies req. On account.ErrInsufficientFunds with
	// req.RecordRefusal the failed entry is returned alongside the error.
	Settle(ctx context.Context, req Request) (*Result, error)
}

func (r Request) entry(status ledger.Status, change account.BalanceChange) *ledger.Entry {
	return &ledger.Entry{
		AccountID:     r.AccountID,
		Amount:        r.Amount,
		Direction:     r.Direction,
		Kind:          r.Kind,
		Status:        status,
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
		Metadata:      r.Metadata,
		RequestToken:  r.RequestToken,
		CreatedAt:     r.Options.Now,
	}
}

// replay turns a previously recorded entry for the same token into a
// Result, refusing tokens reused for a different request.
func (r Request) replay(prior *ledger.Entry) (*Result, error) {
	if prior.Amount != r.Amount || prior.Direction != r.Direction || prior.Kind != r.Kind {
		return nil, ErrTokenMismatch
	}
	res := &Result{
		Entry:    prior,
		Change:   account.BalanceChange{Before: prior.BalanceBefore, After: prior.BalanceAfter},
		Replayed: true,
	}
	if prior.Status == ledger.StatusFailed {
		return res, account.ErrInsufficientFunds
	}
	return res, nil
}

func validate(req Request) error {
	if req.AccountID == "" {
		return fmt.Errorf("%w: missing account", ledger.ErrInvalidEntry)
	}
	if !req.Amount.IsPositive() {
		return account.ErrInvalidAmount
	}
	if _, ok := ledger.ParseDirection(string(req.Direction)); !ok {
		return fmt.Errorf("%w: direction %q", ledger.ErrInvalidEntry, req.Direction)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ledger.ErrInvalidEntry, req.Kind)
	}
	return req.Metadata.Validate()
}
