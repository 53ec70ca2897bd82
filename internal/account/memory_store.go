package account

import (
	"context"
	"sync"
	"time"

	"github.com/auwntech/walletd/internal/idgen"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/money"
)

// MemoryStore is an in-memory account store for development and tests.
// A single mutex serializes every mutation, which is a superset of the
// per-account serialization the Store contract asks for.
type MemoryStore struct {
	accounts map[string]*Account
	policy   LockoutPolicy
	mu       sync.Mutex
}

// NewMemoryStore creates an empty store using policy for PIN lockouts.
func NewMemoryStore(policy LockoutPolicy) *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		policy:   policy.normalized(),
	}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	if a.Balance != 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = idgen.New()
	}
	if _, exists := m.accounts[a.ID]; exists {
		return ErrExists
	}
	now := time.Now().UTC()
	a.Status = StatusActive
	a.CreatedAt = now
	a.UpdatedAt = now
	m.accounts[a.ID] = a.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.clone(), nil
}

func (m *MemoryStore) ApplyBalanceChange(_ context.Context, id string, dir ledger.Direction, amount money.Amount, opts ChangeOptions) (BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return BalanceChange{}, ErrNotFound
	}
	change, err := applyChange(a, dir, amount, opts)
	if err != nil {
		return change, err
	}
	a.UpdatedAt = time.Now().UTC()
	return change, nil
}

func (m *MemoryStore) RecordFailedPin(_ context.Context, id string, now time.Time) (*LockoutOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.policy.recordFailure(a, now)
	a.UpdatedAt = time.Now().UTC()
	return out, nil
}

func (m *MemoryStore) IsAuthorizable(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	return a.Authorizable(now), nil
}

func (m *MemoryStore) CountSuspended(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.accounts {
		if !a.Authorizable(now) {
			n++
		}
	}
	return n, nil
}
