package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shop-core/internal/broker"
	"shop-core/internal/cache"
	"shop-core/internal/models"
	"shop-core/internal/service"
	"shop-core/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	store  *memstore.Store
}

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memstore.New()
	c := cache.NewMemoryCache()
	publisher := broker.NewEventPublisher(broker.NewLocalBus())
	inventory := service.NewInventoryService(repo, c, time.Minute)

	h := NewHandler(Services{
		Inventory: inventory,
		Carts:     service.NewCartService(repo),
		Orders:    service.NewOrderService(repo, inventory, publisher, service.DefaultPricing()),
		Payments:  service.NewPaymentService(repo, service.NewMockGateway(1, 0), publisher, models.MaxRiskScore),
		RFM:       service.NewRFMService(repo, c, time.Minute),
		Analytics: service.NewAnalyticsService(repo, c, time.Minute, publisher),
	}, checks)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, store: repo}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	failing := errors.New("connection refused")
	s := newTestServer(t, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return failing },
	})

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "not_ready", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["failures"])

	ok := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, ok.do(t, http.MethodGet, "/ready", nil, nil).Code)
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t, nil)
	user := s.store.AddUser(models.User{
		Email:         "buyer@example.com",
		EmailVerified: true,
		Active:        true,
		CreatedAt:     time.Now().AddDate(0, -1, 0),
	})
	asUser := map[string]string{userIDHeader: user.ID.String()}

	w := s.do(t, http.MethodPost, "/api/v1/variants", map[string]any{
		"product_id": uuid.New(),
		"sku":        "TEE-M",
		"stock":      5,
		"price":      "10.00",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	variant := decode[models.Variant](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/carts", nil, asUser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cart := decode[CartResponse](t, w)
	assert.Empty(t, cart.Lines)

	w = s.do(t, http.MethodPost, "/api/v1/carts/"+cart.Cart.ID.String()+"/items",
		AddItemRequest{VariantID: variant.ID, Quantity: 2}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cart = decode[CartResponse](t, w)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, "20", cart.Cart.Total.String())

	w = s.do(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"cart_id":             cart.Cart.ID,
		"email":               "buyer@example.com",
		"shipping_address_id": uuid.New(),
		"shipping_method":     "standard",
		"payment_method":      "card",
	}, map[string]string{userIDHeader: user.ID.String(), idempotencyKeyHeader: "checkout-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[OrderResponse](t, w)
	assert.Equal(t, "ORD000001", order.Order.OrderNumber)
	assert.Equal(t, models.OrderStatusAwaitingPayment, order.Order.Status)
	assert.Equal(t, "34", order.Order.Total.String())
	require.Len(t, order.Items, 1)
	require.NotNil(t, order.Payment)
	assert.Equal(t, models.PaymentStatusPending, order.Payment.Status)

	orderPath := "/api/v1/orders/" + order.Order.ID.String()

	w = s.do(t, http.MethodPost, orderPath+"/pay", PayRequest{RiskScore: intPtr(95)}, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	rejected := decode[ErrorResponse](t, w)
	assert.Equal(t, "PAYMENT_REJECTED", rejected.Error.Code)
	assert.NotEmpty(t, rejected.Error.Hint)

	w = s.do(t, http.MethodPost, orderPath+"/cancel", CancelOrderRequest{Notes: "changed my mind"}, asUser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cancelled := decode[OrderResponse](t, w)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Order.Status)
	assert.NotNil(t, cancelled.Order.CancelledAt)

	w = s.do(t, http.MethodPost, orderPath+"/cancel", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode[ErrorResponse](t, w).Error.Code)

	w = s.do(t, http.MethodGet, orderPath+"/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[OrderHistoryResponse](t, w)
	assert.NotEmpty(t, history.Entries)

	w = s.do(t, http.MethodGet, "/api/v1/variants/"+variant.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decode[models.Variant](t, w).Stock)

	w = s.do(t, http.MethodGet, "/api/v1/users/"+user.ID.String()+"/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[OrderListResponse](t, w).Orders, 1)
}

func TestErrorRendering(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, w).Error.Code)

	w = s.do(t, http.MethodGet, "/api/v1/variants/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, w).Error.Code)

	w = s.do(t, http.MethodPost, "/api/v1/orders", map[string]any{"cart_id": uuid.New()}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Contains(t, body.Error.Details, "Email")

	variant := decode[models.Variant](t, s.do(t, http.MethodPost, "/api/v1/variants", map[string]any{
		"product_id": uuid.New(), "sku": "MUG", "stock": 1, "price": "4.50",
	}, nil))
	cart := decode[CartResponse](t, s.do(t, http.MethodPost, "/api/v1/carts", CartRequest{SessionToken: "guest-1"}, nil))
	w = s.do(t, http.MethodPost, "/api/v1/carts/"+cart.Cart.ID.String()+"/items",
		AddItemRequest{VariantID: variant.ID, Quantity: 3}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OUT_OF_STOCK", decode[ErrorResponse](t, w).Error.Code)

	w = s.do(t, http.MethodPost, "/api/v1/variants/"+variant.ID.String()+"/stock", AdjustStockRequest{Delta: 2}, map[string]string{userIDHeader: "bob"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyticsRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.AddUser(models.User{Email: "idle@example.com", Active: true, CreatedAt: time.Now()})

	w := s.do(t, http.MethodPost, "/api/v1/analytics/reports/daily", GenerateReportRequest{Date: "2024-03-13"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/analytics/reports/daily/2024-03-13", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[models.SalesReport](t, w)
	assert.Equal(t, models.ReportTypeDaily, report.ReportType)
	assert.Zero(t, report.TotalOrders)

	w = s.do(t, http.MethodPost, "/api/v1/analytics/reports/hourly", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/analytics/reports/daily/13-03-2024", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/analytics/products", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	perf := decode[ProductPerformanceResponse](t, w)
	assert.Equal(t, 30, perf.Days)
	assert.Empty(t, perf.Products)

	w = s.do(t, http.MethodGet, "/api/v1/analytics/products?days=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/api/v1/analytics/products?days=week", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/analytics/segments/recompute", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[RecomputeResponse](t, w)
	assert.Equal(t, 1, summary.Skipped)

	w = s.do(t, http.MethodGet, "/api/v1/analytics/segments/distribution", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	dist := decode[service.SegmentDistribution](t, w)
	assert.Equal(t, 1, dist.Total)

	w = s.do(t, http.MethodGet, "/api/v1/analytics/segments/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func intPtr(n int) *int { return &n }
