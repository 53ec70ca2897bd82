package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/auwntech/walletd/internal/idgen"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/money"
	"github.com/lib/pq"
)

const accountColumns = `id, balance, pin_hash, status, suspended_until, wrong_pin_count,
	last_pin_attempt_at, created_at, updated_at`

// PostgresStore implements Store with PostgreSQL. The CHECK (balance >= 0)
// constraint backs up the application-level funds check.
type PostgresStore struct {
	db     *sql.DB
	policy LockoutPolicy
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB, policy LockoutPolicy) *PostgresStore {
	return &PostgresStore{db: db, policy: policy.normalized()}
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	if a.Balance != 0 {
		return ErrInvalidAmount
	}
	if a.ID == "" {
		a.ID = idgen.New()
	}
	a.Status = StatusActive

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, balance, pin_hash, status, wrong_pin_count, created_at, updated_at)
		VALUES ($1, 0, $2, 'active', 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`, a.ID, a.PINHash).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1
	`, id))
}

func (p *PostgresStore) ApplyBalanceChange(ctx context.Context, id string, dir ledger.Direction, amount money.Amount, opts ChangeOptions) (BalanceChange, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return BalanceChange{}, err
	}
	defer func() { _ = tx.Rollback() }()

	change, err := p.ApplyBalanceChangeTx(ctx, tx, id, dir, amount, opts)
	if err != nil {
		return change, err
	}
	return change, tx.Commit()
}

// ApplyBalanceChangeTx performs the balance read-modify-write inside tx. The
// row stays locked until tx ends, so the caller can append the matching
// ledger entry before committing.
func (p *PostgresStore) ApplyBalanceChangeTx(ctx context.Context, tx *sql.Tx, id string, dir ledger.Direction, amount money.Amount, opts ChangeOptions) (BalanceChange, error) {
	a, err := lockAccount(ctx, tx, id)
	if err != nil {
		return BalanceChange{}, err
	}

	change, err := applyChange(a, dir, amount, opts)
	if err != nil {
		return change, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			balance         = $2::NUMERIC(20,2),
			wrong_pin_count = $3,
			status          = $4,
			updated_at      = NOW()
		WHERE id = $1
	`, id, a.Balance, a.WrongPINCount, string(a.Status))
	if err != nil {
		return BalanceChange{}, fmt.Errorf("update balance: %w", err)
	}
	return change, nil
}

func (p *PostgresStore) RecordFailedPin(ctx context.Context, id string, now time.Time) (*LockoutOutcome, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := lockAccount(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	out := p.policy.recordFailure(a, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET
			wrong_pin_count     = $2,
			last_pin_attempt_at = $3,
			suspended_until     = $4,
			status              = $5,
			updated_at          = NOW()
		WHERE id = $1
	`, id, a.WrongPINCount, a.LastPINAttemptAt, a.SuspendedUntil, string(a.Status))
	if err != nil {
		return nil, fmt.Errorf("record failed pin: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) IsAuthorizable(ctx context.Context, id string, now time.Time) (bool, error) {
	var until sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT suspended_until FROM accounts WHERE id = $1`, id).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return !until.Valid || !until.Time.After(now), nil
}

func (p *PostgresStore) CountSuspended(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts WHERE suspended_until > $1
	`, now).Scan(&n)
	return n, err
}

// LockTx takes the row lock for id inside tx and returns the locked account.
// Later ApplyBalanceChangeTx calls in the same tx reuse the lock.
func (p *PostgresStore) LockTx(ctx context.Context, tx *sql.Tx, id string) (*Account, error) {
	return lockAccount(ctx, tx, id)
}

func lockAccount(ctx context.Context, tx *sql.Tx, id string) (*Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE
	`, id))
}

func scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	var (
		status           string
		suspendedUntil   sql.NullTime
		lastPINAttemptAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Balance, &a.PINHash, &status, &suspendedUntil, &a.WrongPINCount,
		&lastPINAttemptAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if suspendedUntil.Valid {
		t := suspendedUntil.Time.UTC()
		a.SuspendedUntil = &t
	}
	if lastPINAttemptAt.Valid {
		t := lastPINAttemptAt.Time.UTC()
		a.LastPINAttemptAt = &t
	}
	return a, nil
}
