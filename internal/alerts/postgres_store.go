package alerts

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Alert) error {
	prepare(a)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alerts (id, account_id, category, message, resolved, created_at)
		VALUES ($1, NULLIF($2, '')::UUID, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.AccountID, string(a.Category), a.Message, a.Resolved, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(account_id::TEXT, ''), category, message, resolved, created_at
		FROM alerts
		WHERE resolved = FALSE
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a := &Alert{}
		var category string
		if err := rows.Scan(&a.ID, &a.AccountID, &category, &a.Message, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Category = Category(category)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
