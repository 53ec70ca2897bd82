package wallet

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletd",
		Name:      "transactions_total",
		Help:      "Processed balance requests by kind and outcome.",
	}, []string{"kind", "outcome"})

	pinLockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "walletd",
		Name:      "pin_lockouts_total",
		Help:      "Account suspensions caused by wrong PINs.",
	})
)

func init() {
	prometheus.MustRegister(transactionsTotal, pinLockoutsTotal)
}

func outcome(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "settled"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return "unauthorized"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrInvalidPIN):
		return "invalid_pin"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "storage_error"
	}
}
