package wallet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/alerts"
	"github.com/auwntech/walletd/internal/credential"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/logging"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/session"
	"github.com/auwntech/walletd/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const goodPIN = "1234"

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (r *recordingSink) Emit(_ context.Context, category alerts.Category, message, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alerts.Alert{Category: category, Message: message, AccountID: accountID})
}

func (r *recordingSink) count(category alerts.Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.Category == category {
			n++
		}
	}
	return n
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	accounts *account.MemoryStore
	ledger   *ledger.MemoryStore
	sink     *recordingSink
	clock    *clock
	verifier *credential.Verifier
	deps     Deps
	proc     *Processor
	admin    *AdminProcessor
}

func newHarness(t *testing.T, policy account.LockoutPolicy) *harness {
	t.Helper()
	h := &harness{
		accounts: account.NewMemoryStore(policy),
		ledger:   ledger.NewMemoryStore(),
		sink:     &recordingSink{},
		clock:    &clock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)},
		verifier: credential.New(bcrypt.MinCost),
	}
	h.deps = Deps{
		Accounts:   h.accounts,
		Ledger:     h.ledger,
		UnitOfWork: settlement.NewLocking(h.accounts, h.ledger, logging.Discard()),
		Verifier:   h.verifier,
		Alerts:     h.sink,
		Logger:     logging.Discard(),
		Now:        h.clock.Now,
	}
	h.proc = NewProcessor(h.deps)
	h.admin = NewAdminProcessor(h.deps)
	return h
}

// open creates an account with PIN goodPIN holding balance. The balance is
// seeded on the store directly so the ledger starts empty.
func (h *harness) open(t *testing.T, balance money.Amount) string {
	t.Helper()
	digest, err := h.verifier.Hash(goodPIN)
	require.NoError(t, err)
	a := &account.Account{PINHash: digest}
	require.NoError(t, h.accounts.Create(context.Background(), a))
	if balance > 0 {
		_, err := h.accounts.ApplyBalanceChange(context.Background(), a.ID, ledger.Credit, balance, account.ChangeOptions{})
		require.NoError(t, err)
	}
	return a.ID
}

func (h *harness) account(t *testing.T, id string) *account.Account {
	t.Helper()
	a, err := h.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) entries(status ledger.Status) []*ledger.Entry {
	var out []*ledger.Entry
	for _, e := range h.ledger.Entries() {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func debit(id string, amount money.Amount, pin string) Request {
	return Request{AccountID: id, Direction: "debit", Amount: amount, Kind: "transfer", PIN: pin}
}

func TestProcess_DebitSettles(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 100_000) // 1000.00

	res, err := h.proc.Process(context.Background(), debit(id, 40_000, goodPIN))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Reference, ledger.PrefixTransfer+"|"))
	assert.Equal(t, "600.00", res.BalanceAfter.String())
	assert.Equal(t, money.Amount(60_000), h.account(t, id).Balance)

	ok := h.entries(ledger.StatusSuccessful)
	require.Len(t, ok, 1)
	assert.Equal(t, res.Reference, ok[0].Reference)
	assert.Equal(t, money.Amount(100_000), ok[0].BalanceBefore)
	assert.Equal(t, money.Amount(60_000), ok[0].BalanceAfter)
	assert.Empty(t, h.sink.alerts)
}

func TestProcess_InsufficientFunds(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 60_000)

	_, err := h.proc.Process(context.Background(), debit(id, 90_000, goodPIN))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, money.Amount(60_000), h.account(t, id).Balance)
	assert.Empty(t, h.ledger.Entries(), "refused user debits are not ledgered")
}

func TestProcess_WrongPINLocksAccount(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 100_000)
	failedAt := h.clock.Now()

	_, err := h.proc.Process(context.Background(), debit(id, 100, "0000"))
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, failedAt.Add(time.Hour), locked.Until)

	a := h.account(t, id)
	assert.Equal(t, account.StatusSuspended, a.Status)
	assert.Equal(t, 1, a.WrongPINCount)
	require.NotNil(t, a.SuspendedUntil)
	assert.Equal(t, failedAt.Add(time.Hour), *a.SuspendedUntil)
	assert.Equal(t, money.Amount(100_000), a.Balance)
	assert.Equal(t, 1, h.sink.count(alerts.CategoryPINLock))
	assert.Equal(t, id, h.sink.alerts[0].AccountID)

	failed := h.entries(ledger.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, failed[0].BalanceBefore, failed[0].BalanceAfter)
	assert.Empty(t, h.entries(ledger.StatusSuccessful))

	// Still locked before expiry, even with the right PIN, and no new alert.
	h.clock.Advance(30 * time.Minute)
	_, err = h.proc.Process(context.Background(), debit(id, 100, goodPIN))
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, failedAt.Add(time.Hour), locked.Until)
	assert.Equal(t, 1, h.sink.count(alerts.CategoryPINLock))
	assert.Equal(t, 1, h.account(t, id).WrongPINCount)
	assert.Equal(t, money.Amount(100_000), h.account(t, id).Balance)
}

func TestProcess_LockExpiresAndSuccessResetsCounter(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	_, err := h.proc.Process(context.Background(), debit(id, 100, "9999"))
	require.ErrorIs(t, err, ErrLocked)

	h.clock.Advance(time.Hour)
	res, err := h.proc.Process(context.Background(), debit(id, 100, goodPIN))
	require.NoError(t, err)
	assert.Equal(t, money.Amount(900), res.BalanceAfter)

	a := h.account(t, id)
	assert.Equal(t, 0, a.WrongPINCount)
	assert.Equal(t, account.StatusActive, a.EffectiveStatus(h.clock.Now()))
}

func TestProcess_ThresholdPolicy(t *testing.T) {
	h := newHarness(t, account.LockoutPolicy{Threshold: 2, Duration: 10 * time.Minute})
	id := h.open(t, 1_000)

	_, err := h.proc.Process(context.Background(), debit(id, 100, "0000"))
	var pinErr *PINError
	require.ErrorAs(t, err, &pinErr)
	assert.Equal(t, 1, pinErr.Attempts)
	assert.NotErrorIs(t, err, ErrLocked)

	_, err = h.proc.Process(context.Background(), debit(id, 100, "0000"))
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), locked.Until)
	assert.Equal(t, 2, h.sink.count(alerts.CategoryPINLock))
}

func TestProcess_Validation(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	tests := []struct {
		name string
		req  Request
	}{
		{"zero amount", debit(id, 0, goodPIN)},
		{"negative amount", debit(id, -5, goodPIN)},
		{"bad direction", Request{AccountID: id, Direction: "sideways", Amount: 1, PIN: goodPIN}},
		{"short pin", debit(id, 1, "123")},
		{"long pin", debit(id, 1, "1234567")},
		{"admin kind", Request{AccountID: id, Direction: "credit", Amount: 1, Kind: "admin_adjustment", PIN: goodPIN}},
		{"malformed kind", Request{AccountID: id, Direction: "credit", Amount: 1, Kind: "Top Up!", PIN: goodPIN}},
		{"bad token", Request{AccountID: id, Direction: "credit", Amount: 1, PIN: goodPIN, RequestToken: "a b"}},
		{"oversized metadata value", Request{AccountID: id, Direction: "credit", Amount: 1, PIN: goodPIN,
			Metadata: ledger.Metadata{"memo": strings.Repeat("x", ledger.MaxMetadataValueLen+1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.proc.Process(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err := h.proc.Process(context.Background(), debit("", 1, goodPIN))
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Empty(t, h.ledger.Entries())
	assert.Equal(t, 0, h.account(t, id).WrongPINCount)
}

func TestProcess_UnknownAccount(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	_, err := h.proc.Process(context.Background(), debit("00000000-0000-0000-0000-000000000000", 1, goodPIN))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcess_ConcurrentDebitsExactlyOneSucceeds(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 10_000)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.proc.Process(context.Background(), debit(id, 10_000, goodPIN))
		}(i)
	}
	wg.Wait()

	succeeded, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientFunds):
			refused++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, refused)
	assert.Equal(t, money.Zero, h.account(t, id).Balance)
	assert.Len(t, h.entries(ledger.StatusSuccessful), 1)
}

func TestProcess_RequestTokenReplay(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	req := debit(id, 250, goodPIN)
	req.RequestToken = "checkout-17"
	first, err := h.proc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := h.proc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Reference, again.Reference)
	assert.Equal(t, first.BalanceAfter, again.BalanceAfter)
	assert.Equal(t, money.Amount(750), h.account(t, id).Balance)

	req.Amount = 300
	_, err = h.proc.Process(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)
}

type stalledUnitOfWork struct{}

func (stalledUnitOfWork) Settle(ctx context.Context, _ settlement.Request) (*settlement.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcess_StorageTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	deps := h.deps
	deps.UnitOfWork = stalledUnitOfWork{}
	deps.StorageTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := NewProcessor(deps).Process(context.Background(), debit(id, 100, goodPIN))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, Retryable(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type failingAlertStore struct{}

func (failingAlertStore) Create(context.Context, *alerts.Alert) error {
	return errors.New("alert store down")
}

func (failingAlertStore) ListUnresolved(context.Context, int) ([]*alerts.Alert, error) {
	return nil, errors.New("alert store down")
}

func TestProcess_AlertFailureDoesNotAffectOutcome(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	dispatcher := alerts.NewDispatcher(failingAlertStore{}, alerts.DispatcherConfig{Attempts: 1}, logging.Discard())
	deps := h.deps
	deps.Alerts = dispatcher
	proc := NewProcessor(deps)

	_, err := proc.Process(context.Background(), debit(id, 100, "0000"))
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, dispatcher.Close(context.Background()))
	assert.Equal(t, account.StatusSuspended, h.account(t, id).Status)
}

func adminCaller() session.Caller {
	return session.Caller{AccountID: "9b2f6a43-0b6e-4f0e-8f57-3f6f0f1d2c11", Role: session.RoleAdmin}
}

func TestAdjust_CreditAlwaysAlerts(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 0)

	res, err := h.admin.Adjust(context.Background(), adminCaller(), AdminRequest{
		TargetAccountID: id, Amount: 50_000, Direction: "credit", Note: "opening float",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Reference, ledger.PrefixAdjustment+"|"))
	assert.Equal(t, money.Amount(50_000), res.BalanceAfter)

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindAdminAdjustment, entries[0].Kind)
	assert.Equal(t, "opening float", entries[0].Metadata["note"])
	assert.Equal(t, adminCaller().AccountID, entries[0].Metadata["admin_id"])

	assert.Equal(t, 1, h.sink.count(alerts.CategoryAdminAdjustment))
	assert.Contains(t, h.sink.alerts[0].Message, adminCaller().AccountID)
	assert.Contains(t, h.sink.alerts[0].Message, "500.00")
}

func TestAdjust_RefusedDebitStillLedgersAndAlerts(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	_, err := h.admin.Adjust(context.Background(), adminCaller(), AdminRequest{
		TargetAccountID: id, Amount: 5_000, Direction: "debit",
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, money.Amount(1_000), h.account(t, id).Balance)

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusFailed, entries[0].Status)
	assert.Equal(t, 1, h.sink.count(alerts.CategoryAdminAdjustment))
}

func TestAdjust_BypassesLockout(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)

	_, err := h.proc.Process(context.Background(), debit(id, 100, "0000"))
	require.ErrorIs(t, err, ErrLocked)

	res, err := h.admin.Adjust(context.Background(), adminCaller(), AdminRequest{
		TargetAccountID: id, Amount: 500, Direction: "credit",
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1_500), res.BalanceAfter)
	assert.Equal(t, account.StatusSuspended, h.account(t, id).EffectiveStatus(h.clock.Now()))
}

func TestAdjust_Authorization(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 1_000)
	req := AdminRequest{TargetAccountID: id, Amount: 100, Direction: "credit"}

	_, err := h.admin.Adjust(context.Background(), session.Caller{}, req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.admin.Adjust(context.Background(), session.Caller{AccountID: id, Role: session.RoleUser}, req)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Empty(t, h.ledger.Entries())
	assert.Empty(t, h.sink.alerts)
}

func TestAdjust_Validation(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())

	tests := []AdminRequest{
		{TargetAccountID: "not-a-uuid", Amount: 1, Direction: "credit"},
		{TargetAccountID: adminCaller().AccountID, Amount: 0, Direction: "credit"},
		{TargetAccountID: adminCaller().AccountID, Amount: 1, Direction: "refund"},
		{TargetAccountID: adminCaller().AccountID, Amount: 1, Direction: "credit", Note: strings.Repeat("n", 300)},
	}
	for _, req := range tests {
		_, err := h.admin.Adjust(context.Background(), adminCaller(), req)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Empty(t, h.sink.alerts)
}

func TestAdjust_UnknownTargetAlertsWithoutRow(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())

	_, err := h.admin.Adjust(context.Background(), adminCaller(), AdminRequest{
		TargetAccountID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301", Amount: 1, Direction: "credit",
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.ledger.Entries())
	assert.Equal(t, 1, h.sink.count(alerts.CategoryAdminAdjustment))
}

func TestAdjust_ReplayDoesNotAlertAgain(t *testing.T) {
	h := newHarness(t, account.DefaultLockoutPolicy())
	id := h.open(t, 0)
	req := AdminRequest{TargetAccountID: id, Amount: 700, Direction: "credit", RequestToken: "adm-7"}

	first, err := h.admin.Adjust(context.Background(), adminCaller(), req)
	require.NoError(t, err)
	again, err := h.admin.Adjust(context.Background(), adminCaller(), req)
	require.NoError(t, err)

	assert.True(t, again.Replayed)
	assert.Equal(t, first.Reference, again.Reference)
	assert.Len(t, h.ledger.Entries(), 1)
	assert.Equal(t, 1, h.sink.count(alerts.CategoryAdminAdjustment))
}
