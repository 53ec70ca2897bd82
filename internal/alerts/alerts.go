// Package alerts records operational alerts (PIN lockouts, admin
// adjustments) for review and delivers them off the request path.
package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/auwntech/walletd/internal/idgen"
)

// Category classifies an alert.
type Category string

const (
	CategoryPINLock         Category = "pin_lock"
	CategoryAdminAdjustment Category = "admin_adjustment"
)

// Alert is one review item.
type Alert struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId,omitempty"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists alerts.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	// ListUnresolved returns up to limit unresolved alerts, newest first.
	ListUnresolved(ctx context.Context, limit int) ([]*Alert, error)
}

// MemoryStore is an in-memory alert store for development and tests.
type MemoryStore struct {
	alerts []*Alert
	mu     sync.RWMutex
}

// NewMemoryStore creates an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(_ context.Context, a *Alert) error {
	prepare(a)
	cp := *a

	m.mu.Lock()
	m.alerts = append(m.alerts, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListUnresolved(_ context.Context, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every stored alert in insertion order.
func (m *MemoryStore) All() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, len(m.alerts))
	for i, a := range m.alerts {
		cp := *a
		out[i] = &cp
	}
	return out
}

func prepare(a *Alert) {
	if a.ID == "" {
		a.ID = idgen.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()
}
