package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/auwntech/walletd/internal/idgen"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/pagination"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	entries   []*Entry
	byAccount map[string][]*Entry
	byToken   map[string]*Entry // accountID + "\x00" + token
	now       func() time.Time
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAccount: make(map[string][]*Entry),
		byToken:   make(map[string]*Entry),
		now:       time.Now,
	}
}

func tokenKey(accountID, token string) string {
	return accountID + "\x00" + token
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) (string, error) {
	defer observeOp("append")()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.RequestToken != "" {
		if _, dup := m.byToken[tokenKey(e.AccountID, e.RequestToken)]; dup {
			return "", ErrDuplicateToken
		}
	}

	newRef := func() string { return idgen.Reference(e.Kind.ReferencePrefix()) }
	if err := prepare(e, idgen.New, newRef, m.now()); err != nil {
		return "", err
	}

	cp := *e
	cp.Metadata = e.Metadata.clone()
	m.entries = append(m.entries, &cp)
	m.byAccount[cp.AccountID] = append(m.byAccount[cp.AccountID], &cp)
	if cp.RequestToken != "" {
		m.byToken[tokenKey(cp.AccountID, cp.RequestToken)] = &cp
	}
	ledgerAppendsTotal.WithLabelValues(string(cp.Status)).Inc()
	return cp.Reference, nil
}

func (m *MemoryStore) ListRecent(_ context.Context, accountID string, limit int, before *pagination.Cursor) ([]*Entry, error) {
	defer observeOp("list_recent")()
	limit = clampLimit(limit)

	m.mu.RLock()
	rows := make([]*Entry, len(m.byAccount[accountID]))
	copy(rows, m.byAccount[accountID])
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

	result := make([]*Entry, 0, limit)
	for _, e := range rows {
		if !before.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		cp.Metadata = e.Metadata.clone()
		result = append(result, &cp)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) FindByRequestToken(_ context.Context, accountID, token string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byToken[tokenKey(accountID, token)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Metadata = e.Metadata.clone()
	return &cp, nil
}

func (m *MemoryStore) TotalBalance(_ context.Context) (money.Amount, error) {
	defer observeOp("total_balance")()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var total money.Amount
	for _, e := range m.entries {
		next, err := total.Add(e.SignedAmount())
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// Entries returns every stored entry in append order (for tests).
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		result[i] = &cp
	}
	return result
}
