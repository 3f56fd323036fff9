package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "operator-secret"

type nopNotifier struct{}

func (nopNotifier) PublishDepositConfirmed(context.Context, *models.DepositConfirmedEvent) error {
	return nil
}
func (nopNotifier) PublishOrderFulfilled(context.Context, *models.OrderFulfilledEvent) error {
	return nil
}
func (nopNotifier) PublishOrderExpired(context.Context, *models.OrderExpiredEvent) error { return nil }
func (nopNotifier) PublishOrderFailed(context.Context, *models.OrderFailedEvent) error   { return nil }
func (nopNotifier) PublishPaymentInstructionIssued(context.Context, *models.PaymentInstructionIssuedEvent) error {
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	router *gin.Engine
	store  *store.Store
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.NewStore(store.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	if checks == nil {
		checks = map[string]Pinger{"database": s}
	}

	checkout := service.NewCheckoutService(s, nopNotifier{}, nil, nil, service.CheckoutOptions{
		BankName:         "MBBank",
		AccountNumber:    "999",
		CodePrefix:       "SEVQR",
		USDTRate:         25000,
		DepositMinAmount: 10000,
		DepositMaxAmount: 50000000,
	})
	h := NewHandler(checkout, service.NewInventoryService(s), service.NewWalletService(s), checks, testAdminToken)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, store: s}
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(method, path, body string) *httptest.ResponseRecorder {
	return ts.do(method, path, body, "Authorization", "Bearer "+testAdminToken)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(t, map[string]Pinger{
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec = down.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestCreateDepositEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/deposits", `{"owner_id": 12, "amount": 100000}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.True(t, strings.HasPrefix(body["code"].(string), "NAP12X"))
	assert.True(t, strings.HasPrefix(body["transfer_content"].(string), "SEVQR NAP12X"))
	assert.Contains(t, body["qr_url"], "970422-999")

	rec = ts.do(http.MethodPost, "/api/v1/deposits", `{"owner_id": 12, "amount": 500}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/deposits", `{"owner_id": "x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelIntentEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/deposits", `{"owner_id": 3, "amount": 20000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	intentID := int64(decode(t, rec)["intent_id"].(float64))

	path := fmt.Sprintf("/api/v1/admin/intents/%d/cancel", intentID)
	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, fmt.Sprintf("/api/v1/intents/%d/cancel", intentID), "").Code)

	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/intents/%d", intentID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.IntentStatusPending, decode(t, rec)["status"])

	assert.Equal(t, http.StatusOK, ts.admin(http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusConflict, ts.admin(http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.admin(http.MethodPost, "/api/v1/admin/intents/999/cancel", "").Code)

	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/intents/%d", intentID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.IntentStatusCancelled, decode(t, rec)["status"])
}

func TestQuoteAndPurchaseEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	p := &models.Product{Name: "Canva Pro", Price: 30000}
	require.NoError(t, ts.store.CreateProduct(ctx, p))

	rec := ts.admin(http.MethodPost, fmt.Sprintf("/api/v1/admin/products/%d/stock", p.ID), "k1\nk2\n\nk3")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(3), decode(t, rec)["added"])

	rec = ts.do(http.MethodGet, fmt.Sprintf("/api/v1/products/%d/quote?quantity=2", p.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["available"])

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/products/999/quote", "").Code)

	purchase := fmt.Sprintf(`{"owner_id": 8, "product_id": %d, "quantity": 1}`, p.ID)
	rec = ts.do(http.MethodPost, "/api/v1/purchases", purchase)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.admin(http.MethodPost, "/api/v1/admin/wallets/8/credit", `{"currency": "vnd", "amount": 50000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/v1/purchases", purchase)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, []interface{}{"k1"}, body["items"])
	assert.Equal(t, float64(20000), body["balance"])

	rec = ts.do(http.MethodGet, "/api/v1/wallets/8", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(20000), decode(t, rec)["balance"])
}

func TestOwnerHistoryEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/wallets/5/sales", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []interface{}{}, body["sales"])

	rec = ts.do(http.MethodPost, "/api/v1/deposits", `{"owner_id": 5, "amount": 30000}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/wallets/5/intents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, float64(1), body["count"])
	intent := body["intents"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, models.IntentStatusPending, intent["status"])

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/wallets/x/intents", "").Code)
}

func TestLookupTransactionEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.store.MarkTransactionProcessed(context.Background(), "tx-77", models.TxOutcomeUnmatched))

	assert.Equal(t, http.StatusForbidden, ts.do(http.MethodGet, "/api/v1/admin/transactions/tx-77", "").Code)

	rec := ts.admin(http.MethodGet, "/api/v1/admin/transactions/tx-77", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.TxOutcomeUnmatched, decode(t, rec)["outcome"])

	assert.Equal(t, http.StatusNotFound, ts.admin(http.MethodGet, "/api/v1/admin/transactions/tx-78", "").Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/admin/wallets/1/credit", `{"currency": "vnd", "amount": 1000}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/admin/products/1/stock", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExportAndPurgeStockEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	p := &models.Product{Name: "Spotify", Price: 20000}
	require.NoError(t, ts.store.CreateProduct(ctx, p))
	_, err := ts.store.AddStock(ctx, p.ID, []string{"a", "b"})
	require.NoError(t, err)

	path := fmt.Sprintf("/api/v1/admin/products/%d/stock", p.ID)
	rec := ts.admin(http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = ts.admin(http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["deleted"])
}
