package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shop-core/internal/apperrors"
	"shop-core/internal/service"
	"shop-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDHeader         = "X-User-ID"
	idempotencyKeyHeader = "Idempotency-Key"
	dateLayout           = "2006-01-02"
)

// Services are the domain services exposed over HTTP
type Services struct {
	Inventory *service.InventoryService
	Carts     *service.CartService
	Orders    *service.OrderService
	Payments  *service.PaymentService
	RFM       *service.RFMService
	Analytics *service.AnalyticsService
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	checks map[string]ReadinessCheck
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		svc:    svc,
		checks: checks,
		logger: util.Component("http"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		variants := v1.Group("/variants")
		variants.POST("", h.createVariant)
		variants.GET("/:id", h.getVariant)
		variants.POST("/:id/stock", h.adjustStock)
		variants.GET("/:id/history", h.stockHistory)

		carts := v1.Group("/carts")
		carts.POST("", h.getOrCreateCart)
		carts.GET("/:id", h.getCart)
		carts.POST("/:id/items", h.addCartItem)
		carts.PUT("/:id/items/:variant_id", h.updateCartItem)
		carts.DELETE("/:id/items/:variant_id", h.removeCartItem)
		carts.DELETE("/:id/items", h.clearCart)
		carts.POST("/:id/transfer", h.transferCart)

		orders := v1.Group("/orders")
		orders.POST("", h.createOrder)
		orders.GET("/:id", h.getOrder)
		orders.GET("/:id/history", h.orderHistory)
		orders.POST("/:id/cancel", h.cancelOrder)
		orders.PUT("/:id/status", h.updateOrderStatus)
		orders.POST("/:id/pay", h.payOrder)

		v1.GET("/users/:id/orders", h.listUserOrders)

		analytics := v1.Group("/analytics")
		analytics.POST("/reports/:type", h.generateReport)
		analytics.GET("/reports/:type/:date", h.getReport)
		analytics.GET("/products", h.productPerformance)
		analytics.POST("/segments/recompute", h.recomputeSegments)
		analytics.GET("/segments/distribution", h.segmentDistribution)
		analytics.GET("/segments/:user_id", h.getSegment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every dependency check and fails if any does
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			failures[name] = err.Error()
		}
	}

	body := gin.H{"status": "ready", "time": time.Now().Unix()}
	if status != http.StatusOK {
		body["status"] = "not_ready"
		body["failures"] = failures
	}
	c.JSON(status, body)
}

// Variants

func (h *Handler) createVariant(c *gin.Context) {
	var req CreateVariantRequest
	if !h.bind(c, &req) {
		return
	}

	v, err := h.svc.Inventory.CreateVariant(c.Request.Context(), service.CreateVariantInput{
		ProductID: req.ProductID,
		SKU:       req.SKU,
		Stock:     req.Stock,
		Price:     req.Price,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *Handler) getVariant(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	v, err := h.svc.Inventory.GetVariant(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) adjustStock(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req AdjustStockRequest
	if !h.bind(c, &req) {
		return
	}
	actor, ok := h.optionalUser(c)
	if !ok {
		return
	}

	v, err := h.svc.Inventory.AdjustStock(c.Request.Context(), id, req.Delta, req.Note, actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) stockHistory(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(c, apperrors.Validation("limit must be a positive integer", map[string]string{"limit": "min=1"}))
			return
		}
		limit = n
	}

	entries, err := h.svc.Inventory.ListStockHistory(c.Request.Context(), id, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StockHistoryResponse{VariantID: id, Entries: entries})
}

// Carts

func (h *Handler) getOrCreateCart(c *gin.Context) {
	var req CartRequest
	if !h.bindOptional(c, &req) {
		return
	}
	userID, ok := h.optionalUser(c)
	if !ok {
		return
	}

	view, err := h.svc.Carts.GetOrCreateCart(c.Request.Context(), service.CartOwner{
		UserID:       userID,
		SessionToken: req.SessionToken,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

func (h *Handler) getCart(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	view, err := h.svc.Carts.GetCart(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

func (h *Handler) addCartItem(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req AddItemRequest
	if !h.bind(c, &req) {
		return
	}
	view, err := h.svc.Carts.AddItem(c.Request.Context(), id, req.VariantID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

func (h *Handler) updateCartItem(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	variantID, ok := h.uuidParam(c, "variant_id")
	if !ok {
		return
	}
	var req UpdateItemRequest
	if !h.bind(c, &req) {
		return
	}
	view, err := h.svc.Carts.UpdateItem(c.Request.Context(), id, variantID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

func (h *Handler) removeCartItem(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	variantID, ok := h.uuidParam(c, "variant_id")
	if !ok {
		return
	}
	view, err := h.svc.Carts.RemoveItem(c.Request.Context(), id, variantID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

func (h *Handler) clearCart(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	view, err := h.svc.Carts.Clear(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

// transferCart hands a guest cart to a user, taken from the body or X-User-ID
func (h *Handler) transferCart(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req TransferCartRequest
	if !h.bindOptional(c, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		userID, ok := h.optionalUser(c)
		if !ok {
			return
		}
		if userID == nil {
			h.respondError(c, apperrors.Validation("user_id is required", map[string]string{"user_id": "required"}))
			return
		}
		req.UserID = *userID
	}

	view, err := h.svc.Carts.TransferToUser(c.Request.Context(), id, req.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCartResponse(view))
}

// Orders

// createOrder checks out a cart
func (h *Handler) createOrder(c *gin.Context) {
	var req CheckoutRequest
	if !h.bind(c, &req) {
		return
	}

	if req.UserID == uuid.Nil {
		userID, ok := h.optionalUser(c)
		if !ok {
			return
		}
		if userID != nil {
			req.UserID = *userID
		}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(idempotencyKeyHeader)
	}

	view, err := h.svc.Orders.CreateFromCart(c.Request.Context(), req.input())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newOrderResponse(view))
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	view, err := h.svc.Orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(view))
}

func (h *Handler) orderHistory(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	entries, err := h.svc.Orders.ListHistory(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OrderHistoryResponse{OrderID: id, Entries: entries})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req CancelOrderRequest
	if !h.bindOptional(c, &req) {
		return
	}
	actor, ok := h.optionalUser(c)
	if !ok {
		return
	}
	if _, err := h.svc.Orders.Cancel(c.Request.Context(), id, actor, req.Notes); err != nil {
		h.respondError(c, err)
		return
	}
	h.renderOrder(c, id)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !h.bind(c, &req) {
		return
	}
	actor, ok := h.optionalUser(c)
	if !ok {
		return
	}
	if _, err := h.svc.Orders.UpdateStatus(c.Request.Context(), id, req.Status, req.Notes, actor); err != nil {
		h.respondError(c, err)
		return
	}
	h.renderOrder(c, id)
}

// payOrder runs a payment attempt synchronously. The gateway verdict is applied
// by the order worker, so the returned payment is still processing.
func (h *Handler) payOrder(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req PayRequest
	if !h.bindOptional(c, &req) {
		return
	}
	payment, err := h.svc.Payments.ProcessPayment(c.Request.Context(), id, req.RiskScore)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, payment)
}

func (h *Handler) listUserOrders(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	orders, err := h.svc.Orders.ListUserOrders(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OrderListResponse{UserID: id, Orders: orders})
}

func (h *Handler) renderOrder(c *gin.Context, id uuid.UUID) {
	view, err := h.svc.Orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(view))
}

// Analytics

func (h *Handler) generateReport(c *gin.Context) {
	var req GenerateReportRequest
	if !h.bindOptional(c, &req) {
		return
	}
	date := time.Now().UTC().AddDate(0, 0, -1)
	if req.Date != "" {
		parsed, ok := h.parseDate(c, req.Date)
		if !ok {
			return
		}
		date = parsed
	}

	ctx := c.Request.Context()
	var report any
	var err error
	switch c.Param("type") {
	case "daily":
		report, err = h.svc.Analytics.GenerateDailyReport(ctx, date)
	case "weekly":
		report, err = h.svc.Analytics.GenerateWeeklyReport(ctx, date)
	case "monthly":
		report, err = h.svc.Analytics.GenerateMonthlyReport(ctx, date)
	default:
		err = apperrors.Validation("unknown report type", map[string]string{"type": "oneof=daily weekly monthly"})
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) getReport(c *gin.Context) {
	date, ok := h.parseDate(c, c.Param("date"))
	if !ok {
		return
	}
	report, err := h.svc.Analytics.GetReport(c.Request.Context(), c.Param("type"), date)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// productPerformance lists per-product daily rows of the last ?days days, 30 by default
func (h *Handler) productPerformance(c *gin.Context) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(c, apperrors.Validation("days must be an integer", map[string]string{"days": "numeric"}))
			return
		}
		days = n
	}
	rows, err := h.svc.Analytics.ProductPerformance(c.Request.Context(), days, time.Now().UTC())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProductPerformanceResponse{Days: days, Products: rows})
}

func (h *Handler) recomputeSegments(c *gin.Context) {
	summary, err := h.svc.RFM.Recompute(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RecomputeResponse{
		Processed: summary.Processed,
		Skipped:   summary.Skipped,
		Failed:    summary.Failed,
		Failures:  summary.Failures,
	})
}

func (h *Handler) segmentDistribution(c *gin.Context) {
	dist, err := h.svc.RFM.Distribution(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dist)
}

func (h *Handler) getSegment(c *gin.Context) {
	id, ok := h.uuidParam(c, "user_id")
	if !ok {
		return
	}
	seg, err := h.svc.RFM.GetSegment(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}

// Helpers

// bind decodes the JSON body into req, rendering a validation error on failure
func (h *Handler) bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		h.respondError(c, apperrors.Validation("invalid request body", fields))
		return false
	}
	h.respondError(c, apperrors.Wrap(apperrors.CodeValidation, err, "invalid request body"))
	return false
}

// bindOptional is bind for endpoints whose body may be omitted
func (h *Handler) bindOptional(c *gin.Context, req any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	return h.bind(c, req)
}

func (h *Handler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		h.respondError(c, apperrors.Validation("invalid "+name, map[string]string{name: "uuid"}))
		return uuid.Nil, false
	}
	return id, true
}

// optionalUser reads the caller from X-User-ID. An absent header is a guest.
func (h *Handler) optionalUser(c *gin.Context) (*uuid.UUID, bool) {
	raw := c.GetHeader(userIDHeader)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.respondError(c, apperrors.Validation("invalid "+userIDHeader+" header", map[string]string{userIDHeader: "uuid"}))
		return nil, false
	}
	return &id, true
}

func (h *Handler) parseDate(c *gin.Context, raw string) (time.Time, bool) {
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		h.respondError(c, apperrors.Validation("date must be YYYY-MM-DD", map[string]string{"date": dateLayout}))
		return time.Time{}, false
	}
	return date, true
}

// respondError renders err with the status of its code. Errors without a code
// are internal and their text is not exposed.
func (h *Handler) respondError(c *gin.Context, err error) {
	code := apperrors.CodeInternal
	body := ErrorBody{}

	if typed := apperrors.As(err); typed != nil {
		code = typed.Code()
		body.Message = typed.Message()
		body.Details = typed.Details()
	}
	meta := apperrors.MetadataFor(code)
	body.Code = string(code)
	body.Hint = meta.Hint
	if body.Message == "" || code == apperrors.CodeInternal {
		body.Message = meta.PublicMessage
	}

	if meta.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(meta.HTTPStatus, ErrorResponse{Error: body})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
