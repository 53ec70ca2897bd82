// Package wallet processes balance requests: user transfers authorized by
// PIN and admin adjustments authorized by role.
//
// A user request moves through received -> authenticated -> applied ->
// settled, or stops at rejected (validation, funds) or locked (PIN). The
// balance change and its ledger entry are committed by a
// settlement.UnitOfWork; alerts go to an AlertSink that never blocks or
// fails the request.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/alerts"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/settlement"
	"github.com/auwntech/walletd/internal/traces"
	"github.com/auwntech/walletd/internal/validation"
)

// DefaultStorageTimeout bounds each storage phase of a request.
const DefaultStorageTimeout = 3 * time.Second

// CredentialVerifier compares a secret with a stored digest.
type CredentialVerifier interface {
	Verify(secret, digest string) bool
}

// AlertSink records alerts for human review. Emit must not block and has
// no failure mode visible to the caller.
type AlertSink interface {
	Emit(ctx context.Context, category alerts.Category, message, accountID string)
}

// Request is a user-initiated balance change. AccountID comes from the
// authenticated session, never from the request body.
type Request struct {
	AccountID    string
	Direction    string
	Amount       money.Amount
	Kind         string
	PIN          string
	Metadata     ledger.Metadata
	RequestToken string
}

// Result is a settled (or replayed) request.
type Result struct {
	Reference    string       `json:"reference"`
	BalanceAfter money.Amount `json:"balanceAfter"`
	Replayed     bool         `json:"replayed,omitempty"`
}

// Deps are the collaborators shared by Processor and AdminProcessor.
type Deps struct {
	Accounts       account.Store
	Ledger         ledger.Store
	UnitOfWork     settlement.UnitOfWork
	Verifier       CredentialVerifier
	Alerts         AlertSink
	Logger         *slog.Logger
	StorageTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.StorageTimeout <= 0 {
		d.StorageTimeout = DefaultStorageTimeout
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// storageCtx bounds one storage phase.
func (d Deps) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.StorageTimeout)
}

// Processor handles user transfers.
//
// A wrong PIN leaves the balance untouched but appends one failed entry
// (metadata reason=invalid_pin) so the attempt stays on the account's
// trail. A debit refused for insufficient funds writes nothing.
type Processor struct {
	deps Deps
}

// NewProcessor creates a transaction processor.
func NewProcessor(deps Deps) *Processor {
	return &Processor{deps: deps.withDefaults()}
}

// Process runs one user request to a terminal outcome.
func (p *Processor) Process(ctx context.Context, req Request) (res *Result, err error) {
	kind := ledger.Kind(req.Kind)
	if kind == "" {
		kind = ledger.KindTransfer
	}
	ctx, span := traces.StartSpan(ctx, "wallet.Process",
		traces.AccountID(req.AccountID),
		traces.Direction(req.Direction),
		traces.Amount(req.Amount.String()),
		traces.Kind(string(kind)),
	)
	defer func() {
		o := outcome(res, err)
		span.SetAttributes(traces.Outcome(o))
		if res != nil {
			span.SetAttributes(traces.Reference(res.Reference))
		}
		traces.End(span, err)
		transactionsTotal.WithLabelValues(string(kind), o).Inc()
	}()

	// received -> rejected
	dir, err := validateUserRequest(req, kind)
	if err != nil {
		return nil, err
	}
	now := p.deps.Now().UTC()

	acct, err := p.authorizable(ctx, req.AccountID, now)
	if err != nil {
		return nil, err
	}

	// Hashing is slow; it runs before any per-account lock is taken.
	if !p.deps.Verifier.Verify(req.PIN, acct.PINHash) {
		return nil, p.rejectPIN(ctx, acct, dir, req, kind, now)
	}

	// authenticated -> applied -> settled
	sctx, cancel := p.deps.storageCtx(ctx)
	defer cancel()
	settled, err := p.deps.UnitOfWork.Settle(sctx, settlement.Request{
		AccountID:    req.AccountID,
		Direction:    dir,
		Amount:       req.Amount,
		Kind:         kind,
		Metadata:     req.Metadata,
		RequestToken: req.RequestToken,
		Options: account.ChangeOptions{
			EnforceLockout:   true,
			ResetPINFailures: true,
			Now:              now,
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	p.deps.Logger.Debug("transaction settled",
		"account_id", req.AccountID,
		"reference", settled.Entry.Reference,
		"replayed", settled.Replayed,
	)
	return &Result{
		Reference:    settled.Entry.Reference,
		BalanceAfter: settled.Change.After,
		Replayed:     settled.Replayed,
	}, nil
}

// authorizable loads the account, refusing it while suspended.
func (p *Processor) authorizable(ctx context.Context, accountID string, now time.Time) (*account.Account, error) {
	sctx, cancel := p.deps.storageCtx(ctx)
	defer cancel()

	ok, err := p.deps.Accounts.IsAuthorizable(sctx, accountID, now)
	if err != nil {
		return nil, classify(err)
	}
	acct, err := p.deps.Accounts.Get(sctx, accountID)
	if err != nil {
		return nil, classify(err)
	}
	if !ok || !acct.Authorizable(now) {
		until := now
		if acct.SuspendedUntil != nil {
			until = *acct.SuspendedUntil
		}
		return nil, &LockedError{Until: until}
	}
	return acct, nil
}

// rejectPIN records the failed attempt, ledgers it, and always raises a
// pin_lock alert. It returns the error for the caller.
func (p *Processor) rejectPIN(ctx context.Context, acct *account.Account, dir ledger.Direction, req Request, kind ledger.Kind, now time.Time) error {
	sctx, cancel := p.deps.storageCtx(ctx)
	defer cancel()

	out, err := p.deps.Accounts.RecordFailedPin(sctx, acct.ID, now)
	if err != nil {
		return classify(err)
	}

	// The attempt is auditable even though no balance moved.
	_, err = p.deps.Ledger.Append(sctx, &ledger.Entry{
		AccountID:     acct.ID,
		Amount:        req.Amount,
		Direction:     dir,
		Kind:          kind,
		Status:        ledger.StatusFailed,
		BalanceBefore: acct.Balance,
		BalanceAfter:  acct.Balance,
		Metadata:      ledger.Metadata{"reason": "invalid_pin"},
		CreatedAt:     now,
	})
	if err != nil {
		p.deps.Logger.Error("failed to ledger rejected pin attempt", "account_id", acct.ID, "error", err)
	}

	msg := fmt.Sprintf("wrong PIN for account %s (%d consecutive failures)", acct.ID, out.WrongPINCount)
	if out.SuspendedUntil != nil {
		msg = fmt.Sprintf("account %s locked until %s after wrong PIN (%d consecutive failures)",
			acct.ID, out.SuspendedUntil.Format(time.RFC3339), out.WrongPINCount)
	}
	p.deps.Alerts.Emit(ctx, alerts.CategoryPINLock, msg, acct.ID)

	if out.SuspendedUntil == nil {
		return &PINError{Attempts: out.WrongPINCount}
	}
	if out.Suspended {
		pinLockoutsTotal.Inc()
	}
	p.deps.Logger.Warn("account locked after wrong pin",
		"account_id", acct.ID,
		"wrong_pin_count", out.WrongPINCount,
		"suspended_until", *out.SuspendedUntil,
	)
	return &LockedError{Until: *out.SuspendedUntil}
}

func validateUserRequest(req Request, kind ledger.Kind) (ledger.Direction, error) {
	if req.AccountID == "" {
		return "", ErrUnauthorized
	}
	errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidDirection("direction", req.Direction),
		validation.ValidPIN("pin", req.PIN),
		validation.ValidRequestToken("requestToken", req.RequestToken),
	)
	if len(errs) > 0 {
		return "", fmt.Errorf("%w: %v", ErrValidation, errs)
	}
	if !kind.Valid() || kind == ledger.KindAdminAdjustment {
		return "", validationError("kind %q is not allowed", kind)
	}
	if err := req.Metadata.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	dir, _ := ledger.ParseDirection(req.Direction)
	return dir, nil
}

// errorKind names the caller-facing kind of err for logs and responses.
func errorKind(err error) string {
	var pinErr *PINError
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.As(err, &pinErr):
		return "invalid_pin"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "storage_unavailable"
	}
}
