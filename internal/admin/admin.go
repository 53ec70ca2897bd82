// Package admin provides admin-only reporting over the wallet stores.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/auwntech/walletd/internal/alerts"
	"github.com/auwntech/walletd/internal/money"
)

// DefaultAlertLimit is how many unresolved alerts a summary carries.
const DefaultAlertLimit = 10

// BalanceTotaler sums wallet balances. The ledger answers this by summing
// the signed amounts of every successful entry.
type BalanceTotaler interface {
	TotalBalance(ctx context.Context) (money.Amount, error)
}

// SuspensionCounter counts accounts suspended at a point in time.
type SuspensionCounter interface {
	CountSuspended(ctx context.Context, now time.Time) (int, error)
}

// AlertLister returns the newest unresolved alerts.
type AlertLister interface {
	ListUnresolved(ctx context.Context, limit int) ([]*alerts.Alert, error)
}

// Summary is the operator dashboard view.
type Summary struct {
	TotalWalletValue  money.Amount    `json:"totalWalletValue"`
	ActiveSuspensions int             `json:"activeSuspensions"`
	Alerts            []*alerts.Alert `json:"alerts"`
	GeneratedAt       time.Time       `json:"generatedAt"`
}

// Reporter builds summaries. The three reads are independent and not taken
// from a single snapshot.
type Reporter struct {
	balances    BalanceTotaler
	suspensions SuspensionCounter
	alerts      AlertLister
	alertLimit  int
	now         func() time.Time
}

// NewReporter creates a reporter. A non-positive alertLimit uses
// DefaultAlertLimit.
func NewReporter(balances BalanceTotaler, suspensions SuspensionCounter, alertList AlertLister, alertLimit int) *Reporter {
	if alertLimit <= 0 {
		alertLimit = DefaultAlertLimit
	}
	return &Reporter{
		balances:    balances,
		suspensions: suspensions,
		alerts:      alertList,
		alertLimit:  alertLimit,
		now:         time.Now,
	}
}

// WithClock overrides the time source used for suspension counting.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Summary reads the current totals.
func (r *Reporter) Summary(ctx context.Context) (*Summary, error) {
	now := r.now().UTC()

	total, err := r.balances.TotalBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("total balance: %w", err)
	}
	suspended, err := r.suspensions.CountSuspended(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("count suspended: %w", err)
	}
	open, err := r.alerts.ListUnresolved(ctx, r.alertLimit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	if open == nil {
		open = []*alerts.Alert{}
	}

	return &Summary{
		TotalWalletValue:  total,
		ActiveSuspensions: suspended,
		Alerts:            open,
		GeneratedAt:       now,
	}, nil
}
