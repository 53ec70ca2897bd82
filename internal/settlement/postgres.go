package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/traces"
)

// Postgres settles inside one database transaction. The account row lock
// taken first serializes settlements and token lookups for that account.
type Postgres struct {
	db       *sql.DB
	accounts *account.PostgresStore
	ledger   *ledger.PostgresStore
}

// NewPostgres creates a transactional unit of work over the given stores,
// which must share db.
func NewPostgres(db *sql.DB, accounts *account.PostgresStore, entries *ledger.PostgresStore) *Postgres {
	return &Postgres{db: db, accounts: accounts, ledger: entries}
}

func (p *Postgres) Settle(ctx context.Context, req Request) (res *Result, err error) {
	defer observe("postgres", time.Now(), &err)
	ctx, span := traces.StartSpan(ctx, "settlement.Settle", traces.AccountID(req.AccountID))
	defer func() { traces.End(span, err) }()

	if err := validate(req); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := p.accounts.LockTx(ctx, tx, req.AccountID); err != nil {
		return nil, err
	}

	if req.RequestToken != "" {
		prior, err := p.ledger.FindByRequestTokenTx(ctx, tx, req.AccountID, req.RequestToken)
		switch {
		case err == nil:
			return req.replay(prior)
		case !errors.Is(err, ledger.ErrNotFound):
			return nil, fmt.Errorf("lookup request token: %w", err)
		}
	}

	change, err := p.accounts.ApplyBalanceChangeTx(ctx, tx, req.AccountID, req.Direction, req.Amount, req.Options)
	if err != nil {
		if !errors.Is(err, account.ErrInsufficientFunds) || !req.RecordRefusal {
			return nil, err
		}
		failed := req.entry(ledger.StatusFailed, change)
		if _, aerr := p.ledger.AppendTx(ctx, tx, failed); aerr != nil {
			return nil, fmt.Errorf("append failed entry: %w", aerr)
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("commit: %w", cerr)
		}
		return &Result{Entry: failed, Change: change}, err
	}

	entry := req.entry(ledger.StatusSuccessful, change)
	if _, err := p.ledger.AppendTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Result{Entry: entry, Change: change}, nil
}
