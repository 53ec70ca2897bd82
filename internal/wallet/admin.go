package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/alerts"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/session"
	"github.com/auwntech/walletd/internal/settlement"
	"github.com/auwntech/walletd/internal/traces"
	"github.com/auwntech/walletd/internal/validation"
)

// AdminRequest is a privileged balance adjustment.
type AdminRequest struct {
	TargetAccountID string
	Amount          money.Amount
	Direction       string
	Note            string
	RequestToken    string
}

// AdminProcessor applies adjustments on behalf of admins. It skips the PIN
// gate and lockout, and always leaves one ledger row and one alert per
// authorized adjustment.
type AdminProcessor struct {
	deps Deps
}

// NewAdminProcessor creates an admin adjustment processor.
func NewAdminProcessor(deps Deps) *AdminProcessor {
	return &AdminProcessor{deps: deps.withDefaults()}
}

// Adjust applies req for caller.
func (a *AdminProcessor) Adjust(ctx context.Context, caller session.Caller, req AdminRequest) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Adjust",
		traces.AccountID(req.TargetAccountID),
		traces.Direction(req.Direction),
		traces.Amount(req.Amount.String()),
	)
	defer func() {
		o := outcome(res, err)
		span.SetAttributes(traces.Outcome(o))
		if res != nil {
			span.SetAttributes(traces.Reference(res.Reference))
		}
		traces.End(span, err)
		transactionsTotal.WithLabelValues(string(ledger.KindAdminAdjustment), o).Inc()
	}()

	switch {
	case caller.AccountID == "":
		return nil, ErrUnauthorized
	case !caller.IsAdmin():
		return nil, ErrForbidden
	}

	errs := validation.Validate(
		validation.ValidAccountID("targetAccountId", req.TargetAccountID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidDirection("direction", req.Direction),
		validation.MaxLength("note", req.Note, validation.MaxNoteLength),
		validation.ValidRequestToken("requestToken", req.RequestToken),
	)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrValidation, errs)
	}
	dir, _ := ledger.ParseDirection(req.Direction)

	meta := ledger.Metadata{"admin_id": caller.AccountID}
	if req.Note != "" {
		meta["note"] = req.Note
	}

	sctx, cancel := a.deps.storageCtx(ctx)
	defer cancel()
	settled, serr := a.deps.UnitOfWork.Settle(sctx, settlement.Request{
		AccountID:     req.TargetAccountID,
		Direction:     dir,
		Amount:        req.Amount,
		Kind:          ledger.KindAdminAdjustment,
		Metadata:      meta,
		RequestToken:  req.RequestToken,
		Options:       account.ChangeOptions{Now: a.deps.Now().UTC()},
		RecordRefusal: true,
	})
	err = classify(serr)

	replayed := settled != nil && settled.Replayed
	if !replayed {
		a.deps.Alerts.Emit(ctx, alerts.CategoryAdminAdjustment, adjustmentMessage(caller, req, settled, err), req.TargetAccountID)
	}

	logAttrs := []any{
		"admin_id", caller.AccountID,
		"account_id", req.TargetAccountID,
		"direction", req.Direction,
		"amount", req.Amount.String(),
		"replayed", replayed,
	}
	if err != nil {
		a.deps.Logger.Info("admin adjustment refused", append(logAttrs, "error", err)...)
		return nil, err
	}
	a.deps.Logger.Info("admin adjustment applied", append(logAttrs, "reference", settled.Entry.Reference)...)

	return &Result{
		Reference:    settled.Entry.Reference,
		BalanceAfter: settled.Change.After,
		Replayed:     replayed,
	}, nil
}

func adjustmentMessage(caller session.Caller, req AdminRequest, settled *settlement.Result, err error) string {
	msg := fmt.Sprintf("admin %s %s %s on account %s", caller.AccountID, req.Direction, req.Amount, req.TargetAccountID)
	switch {
	case err == nil:
		msg += fmt.Sprintf(": balance %s -> %s (%s)", settled.Change.Before, settled.Change.After, settled.Entry.Reference)
	case errors.Is(err, ErrInsufficientFunds) && settled != nil:
		msg += fmt.Sprintf(": refused, insufficient funds (%s)", settled.Entry.Reference)
	default:
		msg += ": failed: " + errorKind(err)
	}
	if req.Note != "" {
		msg += "; note: " + req.Note
	}
	return msg
}
