package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/syncutil"
	"github.com/auwntech/walletd/internal/traces"
)

// Locking settles against stores that cannot share a transaction. A
// per-account lock serializes settlements; if the ledger append fails the
// balance change is reversed before the lock is released.
type Locking struct {
	accounts account.Store
	ledger   ledger.Store
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
}

// NewLocking creates a unit of work that owns all balance changes made to
// accounts. Mutating accounts outside it breaks the compensation guarantee.
func NewLocking(accounts account.Store, entries ledger.Store, logger *slog.Logger) *Locking {
	return &Locking{
		accounts: accounts,
		ledger:   entries,
		locks:    syncutil.NewKeyedMutex(syncutil.DefaultShards),
		logger:   logger,
	}
}

func (l *Locking) Settle(ctx context.Context, req Request) (res *Result, err error) {
	defer observe("locking", time.Now(), &err)
	ctx, span := traces.StartSpan(ctx, "settlement.Settle", traces.AccountID(req.AccountID))
	defer func() { traces.End(span, err) }()

	if err := validate(req); err != nil {
		return nil, err
	}

	unlock, err := l.locks.LockContext(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.RequestToken != "" {
		prior, err := l.ledger.FindByRequestToken(ctx, req.AccountID, req.RequestToken)
		switch {
		case err == nil:
			return req.replay(prior)
		case !errors.Is(err, ledger.ErrNotFound):
			return nil, fmt.Errorf("lookup request token: %w", err)
		}
	}

	change, err := l.accounts.ApplyBalanceChange(ctx, req.AccountID, req.Direction, req.Amount, req.Options)
	if err != nil {
		if !errors.Is(err, account.ErrInsufficientFunds) || !req.RecordRefusal {
			return nil, err
		}
		failed := req.entry(ledger.StatusFailed, change)
		if _, aerr := l.ledger.Append(ctx, failed); aerr != nil {
			return nil, fmt.Errorf("append failed entry: %w", aerr)
		}
		return &Result{Entry: failed, Change: change}, err
	}

	entry := req.entry(ledger.StatusSuccessful, change)
	if _, err := l.ledger.Append(ctx, entry); err != nil {
		l.compensate(ctx, req, err)
		return nil, fmt.Errorf("append entry: %w", err)
	}
	return &Result{Entry: entry, Change: change}, nil
}

// compensate reverses an applied change whose ledger entry could not be
// written. It runs detached from ctx so a cancelled request still restores
// the balance.
func (l *Locking) compensate(ctx context.Context, req Request, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := l.accounts.ApplyBalanceChange(ctx, req.AccountID, req.Direction.Opposite(), req.Amount, account.ChangeOptions{})
	if err != nil {
		compensationsTotal.WithLabelValues("failed").Inc()
		l.logger.Error("balance compensation failed",
			"account_id", req.AccountID,
			"direction", string(req.Direction),
			"amount", req.Amount.String(),
			"append_error", cause,
			"error", err,
		)
		return
	}
	compensationsTotal.WithLabelValues("reversed").Inc()
	l.logger.Warn("balance change reversed after ledger append failure",
		"account_id", req.AccountID,
		"error", cause,
	)
}
