package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/auwntech/walletd/internal/idgen"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/pagination"
	"github.com/lib/pq"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const entryColumns = `id, reference, account_id, amount, direction, kind, status,
	balance_before, balance_after, metadata, COALESCE(request_token, ''), created_at`

// PostgresStore implements Store with PostgreSQL. The ledger_entries table
// rejects UPDATE and DELETE at the database level (see migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) (string, error) {
	return p.appendWith(ctx, p.db, e)
}

// AppendTx appends e inside an open transaction so it commits or rolls back
// together with the balance change it records.
func (p *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) (string, error) {
	return p.appendWith(ctx, tx, e)
}

func (p *PostgresStore) appendWith(ctx context.Context, q querier, e *Entry) (string, error) {
	defer observeOp("append")()

	newRef := func() string { return idgen.Reference(e.Kind.ReferencePrefix()) }
	if err := prepare(e, idgen.New, newRef, time.Now()); err != nil {
		return "", err
	}

	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, reference, account_id, amount, direction, kind, status,
			balance_before, balance_after, metadata, request_token, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8::NUMERIC(20,2), $9::NUMERIC(20,2),
			$10::JSONB, NULLIF($11, ''), $12)
	`, e.ID, e.Reference, e.AccountID, e.Amount, string(e.Direction), string(e.Kind), string(e.Status),
		e.BalanceBefore, e.BalanceAfter, string(meta), e.RequestToken, e.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "ledger_entries_account_token_key" {
			return "", ErrDuplicateToken
		}
		return "", fmt.Errorf("insert ledger entry: %w", err)
	}

	ledgerAppendsTotal.WithLabelValues(string(e.Status)).Inc()
	return e.Reference, nil
}

func (p *PostgresStore) ListRecent(ctx context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	defer observeOp("list_recent")()
	limit = clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM ledger_entries WHERE account_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, accountID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM ledger_entries
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, accountID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) FindByRequestToken(ctx context.Context, accountID, token string) (*Entry, error) {
	return p.findByTokenWith(ctx, p.db, accountID, token)
}

// FindByRequestTokenTx looks up a request token inside an open transaction.
func (p *PostgresStore) FindByRequestTokenTx(ctx context.Context, tx *sql.Tx, accountID, token string) (*Entry, error) {
	return p.findByTokenWith(ctx, tx, accountID, token)
}

func (p *PostgresStore) findByTokenWith(ctx context.Context, q querier, accountID, token string) (*Entry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE account_id = $1 AND request_token = $2
	`, accountID, token)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) TotalBalance(ctx context.Context) (money.Amount, error) {
	defer observeOp("total_balance")()

	var total money.Amount
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)
		FROM ledger_entries WHERE status = 'successful'
	`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		direction, kind, status string
		meta                    []byte
	)
	if err := s.Scan(&e.ID, &e.Reference, &e.AccountID, &e.Amount, &direction, &kind, &status,
		&e.BalanceBefore, &e.BalanceAfter, &meta, &e.RequestToken, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Direction = Direction(direction)
	e.Kind = Kind(kind)
	e.Status = Status(status)
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
