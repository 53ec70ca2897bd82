package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/ledger"
	"github.com/auwntech/walletd/internal/logging"
	"github.com/auwntech/walletd/internal/money"
	"github.com/auwntech/walletd/internal/pagination"
	"github.com/auwntech/walletd/internal/session"
	"github.com/gin-gonic/gin"
)

// IdempotencyHeader carries the caller's request token.
const IdempotencyHeader = "Idempotency-Key"

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	processor *Processor
	admin     *AdminProcessor
	accounts  account.Store
	ledger    ledger.Store
	timeout   time.Duration
	now       func() time.Time
}

// NewHandler creates a new wallet handler. Reads share the processors'
// storage timeout.
func NewHandler(processor *Processor, admin *AdminProcessor) *Handler {
	return &Handler{
		processor: processor,
		admin:     admin,
		accounts:  processor.deps.Accounts,
		ledger:    processor.deps.Ledger,
		timeout:   processor.deps.StorageTimeout,
		now:       processor.deps.Now,
	}
}

// RegisterRoutes sets up routes for the session's own wallet. The group
// must already require a session.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/account", h.GetAccount)
}

// RegisterAdminRoutes sets up admin adjustment routes. The group must
// already require the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/adjustments", h.CreateAdjustment)
}

// TransactionRequest is the body of POST /v1/transactions.
type TransactionRequest struct {
	Direction string                 `json:"direction"`
	Amount    money.Amount           `json:"amount"`
	Kind      string                 `json:"kind"`
	PIN       string                 `json:"pin"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// AdjustmentRequest is the body of POST /v1/admin/adjustments.
type AdjustmentRequest struct {
	TargetAccountID string       `json:"targetAccountId"`
	Amount          money.Amount `json:"amount"`
	Direction       string       `json:"direction"`
	Note            string       `json:"note"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	caller, ok := session.GetCaller(c)
	if !ok {
		writeError(c, ErrUnauthorized)
		return
	}

	var body TransactionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request body must be JSON with direction, amount, kind and pin",
		})
		return
	}
	meta, err := ledger.MetadataFromJSON(body.Metadata)
	if err != nil {
		writeError(c, validationError("%v", err))
		return
	}

	res, err := h.processor.Process(c.Request.Context(), Request{
		AccountID:    caller.AccountID,
		Direction:    body.Direction,
		Amount:       body.Amount,
		Kind:         body.Kind,
		PIN:          body.PIN,
		Metadata:     meta,
		RequestToken: c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(statusFor(res), res)
}

// CreateAdjustment handles POST /v1/admin/adjustments
func (h *Handler) CreateAdjustment(c *gin.Context) {
	caller, _ := session.GetCaller(c)

	var body AdjustmentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Request body must be JSON with targetAccountId, amount and direction",
		})
		return
	}

	res, err := h.admin.Adjust(c.Request.Context(), caller, AdminRequest{
		TargetAccountID: body.TargetAccountID,
		Amount:          body.Amount,
		Direction:       body.Direction,
		Note:            body.Note,
		RequestToken:    c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(statusFor(res), res)
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	caller, ok := session.GetCaller(c)
	if !ok {
		writeError(c, ErrUnauthorized)
		return
	}

	limit := pagination.Limit(c.Query("limit"))
	var before *pagination.Cursor
	if raw := c.Query("cursor"); raw != "" {
		cur, err := pagination.Decode(raw)
		if err != nil {
			writeError(c, validationError("invalid cursor"))
			return
		}
		before = cur
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	entries, err := h.ledger.ListRecent(ctx, caller.AccountID, limit+1, before)
	if err != nil {
		writeError(c, classify(err))
		return
	}

	page, next := pagination.ComputePage(entries, limit, func(e *ledger.Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if page == nil {
		page = []*ledger.Entry{}
	}
	resp := gin.H{"transactions": page, "count": len(page)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetAccount handles GET /v1/account
func (h *Handler) GetAccount(c *gin.Context) {
	caller, ok := session.GetCaller(c)
	if !ok {
		writeError(c, ErrUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()
	acct, err := h.accounts.Get(ctx, caller.AccountID)
	if err != nil {
		writeError(c, classify(err))
		return
	}

	now := h.now()
	resp := gin.H{
		"id":            acct.ID,
		"balance":       acct.Balance,
		"status":        acct.EffectiveStatus(now),
		"wrongPinCount": acct.WrongPINCount,
	}
	if !acct.Authorizable(now) {
		resp["suspendedUntil"] = acct.SuspendedUntil.UTC()
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(res *Result) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// httpStatus maps an error kind to its response status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidPIN):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(c *gin.Context, err error) {
	status := httpStatus(err)
	body := gin.H{"error": errorKind(err), "message": err.Error()}

	var locked *LockedError
	var pinErr *PINError
	switch {
	case errors.As(err, &locked):
		body["suspendedUntil"] = locked.Until.UTC()
	case errors.As(err, &pinErr):
		body["failedAttempts"] = pinErr.Attempts
	case Retryable(err):
		logging.L(c.Request.Context()).Error("storage unavailable", "path", c.FullPath(), "error", err)
		body["message"] = "Storage is temporarily unavailable, retry the request"
		body["retryable"] = true
	}
	c.JSON(status, body)
}
