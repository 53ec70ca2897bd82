package wallet

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/alerts"
	"github.com/auwntech/walletd/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type httpHarness struct {
	*harness
	router *gin.Engine
	codec  *session.Codec
}

func newHTTPHarness(t *testing.T) *httpHarness {
	t.Helper()
	h := newHarness(t, account.DefaultLockoutPolicy())
	codec := session.NewCodec(testSecret, time.Hour)

	r := gin.New()
	v1 := r.Group("/v1", session.Middleware(codec), session.RequireSession())
	handler := NewHandler(h.proc, h.admin)
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1.Group("/admin", session.RequireRole(session.RoleAdmin)))

	return &httpHarness{harness: h, router: r, codec: codec}
}

func (h *httpHarness) do(t *testing.T, method, path string, caller *session.Caller, body any, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		token, err := h.codec.Issue(*caller)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func user(id string) *session.Caller {
	return &session.Caller{AccountID: id, Role: session.RoleUser}
}

func TestCreateTransaction_Settled(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 100_000)

	w, body := h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "debit", "amount": "400.00", "kind": "transfer", "pin": goodPIN,
		"metadata": gin.H{"memo": "groceries", "basket": 3},
	}, nil)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "600.00", body["balanceAfter"])
	assert.Regexp(t, `^TXN\|[0-9a-f-]{36}$`, body["reference"])
	assert.NotContains(t, body, "replayed")

	entries := h.ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "groceries", entries[0].Metadata["memo"])
	assert.Equal(t, "3", entries[0].Metadata["basket"])
}

func TestCreateTransaction_ErrorStatuses(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 60_000)

	w, body := h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "debit", "amount": 900, "pin": goodPIN,
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_funds", body["error"])

	w, body = h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "debit", "amount": "-1", "pin": goodPIN,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])

	w, _ = h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "debit", "amount": "1.005", "pin": goodPIN,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "debit", "amount": "1", "pin": goodPIN, "metadata": gin.H{"nested": gin.H{"a": 1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = h.do(t, http.MethodPost, "/v1/transactions", nil, gin.H{
		"direction": "debit", "amount": "1", "pin": goodPIN,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body = h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "debit", "amount": "1", "pin": "0000",
	}, nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "locked", body["error"])
	until, err := time.Parse(time.RFC3339, body["suspendedUntil"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, h.clock.Now().Add(time.Hour), until, time.Second)
	assert.Equal(t, 1, h.sink.count(alerts.CategoryPINLock))

	assert.Equal(t, "600.00", h.account(t, id).Balance.String())
}

func TestCreateTransaction_IdempotencyKey(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 1_000)
	req := gin.H{"direction": "debit", "amount": "2.50", "pin": goodPIN}
	key := map[string]string{IdempotencyHeader: "order-42"}

	w, first := h.do(t, http.MethodPost, "/v1/transactions", user(id), req, key)
	require.Equal(t, http.StatusCreated, w.Code)

	w, again := h.do(t, http.MethodPost, "/v1/transactions", user(id), req, key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first["reference"], again["reference"])
	assert.Equal(t, true, again["replayed"])
	assert.Equal(t, "7.50", h.account(t, id).Balance.String())
}

func TestCreateTransaction_StorageUnavailable(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 1_000)

	deps := h.deps
	deps.UnitOfWork = stalledUnitOfWork{}
	deps.StorageTimeout = 10 * time.Millisecond
	r := gin.New()
	v1 := r.Group("/v1", session.Middleware(h.codec), session.RequireSession())
	NewHandler(NewProcessor(deps), NewAdminProcessor(deps)).RegisterRoutes(v1)
	h.router = r

	w, body := h.do(t, http.MethodPost, "/v1/transactions", user(id), gin.H{
		"direction": "credit", "amount": "1", "pin": goodPIN,
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "storage_unavailable", body["error"])
	assert.Equal(t, true, body["retryable"])
}

func TestCreateAdjustment(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 1_000)
	admin := adminCaller()

	w, body := h.do(t, http.MethodPost, "/v1/admin/adjustments", &admin, gin.H{
		"targetAccountId": id, "amount": "25", "direction": "credit", "note": "goodwill",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Regexp(t, `^ADM\|`, body["reference"])
	assert.Equal(t, "35.00", body["balanceAfter"])
	assert.Equal(t, 1, h.sink.count(alerts.CategoryAdminAdjustment))

	w, body = h.do(t, http.MethodPost, "/v1/admin/adjustments", &admin, gin.H{
		"targetAccountId": id, "amount": "1000", "direction": "debit",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_funds", body["error"])
	assert.Equal(t, 2, h.sink.count(alerts.CategoryAdminAdjustment))

	w, _ = h.do(t, http.MethodPost, "/v1/admin/adjustments", user(id), gin.H{
		"targetAccountId": id, "amount": "25", "direction": "credit",
	}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = h.do(t, http.MethodPost, "/v1/admin/adjustments", nil, gin.H{
		"targetAccountId": id, "amount": "25", "direction": "credit",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = h.do(t, http.MethodPost, "/v1/admin/adjustments", &admin, gin.H{
		"targetAccountId": "3f2504e0-4f89-41d3-9a0c-0305e82c3301", "amount": "1", "direction": "credit",
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 3, h.sink.count(alerts.CategoryAdminAdjustment))
	assert.Len(t, h.ledger.Entries(), 2)
}

func TestListTransactions_Paginates(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 10_000)
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		_, err := h.proc.Process(t.Context(), debit(id, 100, goodPIN))
		require.NoError(t, err)
	}

	w, body := h.do(t, http.MethodGet, "/v1/transactions?limit=2", user(id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	txs := body["transactions"].([]any)
	require.Len(t, txs, 2)
	assert.Equal(t, "98.00", txs[0].(map[string]any)["balanceBefore"])
	assert.Equal(t, "99.00", txs[1].(map[string]any)["balanceBefore"])
	cursor, ok := body["nextCursor"].(string)
	require.True(t, ok)

	w, body = h.do(t, http.MethodGet, "/v1/transactions?limit=2&cursor="+cursor, user(id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.NotContains(t, body, "nextCursor")
	assert.Equal(t, "100.00", body["transactions"].([]any)[0].(map[string]any)["balanceBefore"])

	w, _ = h.do(t, http.MethodGet, "/v1/transactions?cursor=bogus", user(id), nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	other := h.open(t, 0)
	w, body = h.do(t, http.MethodGet, "/v1/transactions", user(other), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["transactions"])
}

func TestGetAccount(t *testing.T) {
	h := newHTTPHarness(t)
	id := h.open(t, 4_200)

	w, body := h.do(t, http.MethodGet, "/v1/account", user(id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42.00", body["balance"])
	assert.Equal(t, "active", body["status"])
	assert.NotContains(t, body, "suspendedUntil")

	_, err := h.proc.Process(t.Context(), debit(id, 100, "1111"))
	require.ErrorIs(t, err, ErrLocked)

	w, body = h.do(t, http.MethodGet, "/v1/account", user(id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "suspended", body["status"])
	assert.EqualValues(t, 1, body["wrongPinCount"])
	assert.Contains(t, body, "suspendedUntil")

	w, _ = h.do(t, http.MethodGet, "/v1/account", user("3f2504e0-4f89-41d3-9a0c-0305e82c3301"), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
