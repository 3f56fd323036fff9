package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkout   *service.CheckoutService
	inventory  *service.InventoryService
	wallets    *service.WalletService
	checks     map[string]Pinger
	adminToken string
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. Admin routes reject every request
// while adminToken is empty.
func NewHandler(
	checkout *service.CheckoutService,
	inventory *service.InventoryService,
	wallets *service.WalletService,
	checks map[string]Pinger,
	adminToken string,
) *Handler {
	return &Handler{
		checkout:   checkout,
		inventory:  inventory,
		wallets:    wallets,
		checks:     checks,
		adminToken: adminToken,
		logger:     util.GetLogger(),
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
		v1.GET("/products/:id/quote", h.quote)
		v1.POST("/purchases", h.purchase)
		v1.POST("/direct-orders", h.createDirectOrder)
		v1.POST("/deposits", h.createDeposit)
		v1.GET("/intents/:id", h.getIntent)
		v1.GET("/wallets/:owner_id", h.getWallet)
		v1.GET("/wallets/:owner_id/sales", h.listSales)
		v1.GET("/wallets/:owner_id/intents", h.listIntents)
	}

	admin := v1.Group("/admin", h.requireAdmin())
	{
		admin.POST("/intents/:id/cancel", h.cancelIntent)
		admin.GET("/transactions/:tx_id", h.lookupTransaction)
		admin.POST("/wallets/:owner_id/credit", h.creditWallet)
		admin.POST("/products/:id/stock", h.restock)
		admin.GET("/products/:id/stock", h.exportStock)
		admin.DELETE("/products/:id/stock", h.purgeStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings the database and redis
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) quote(c *gin.Context) {
	productID, ok := parseID(c, "id")
	if !ok {
		return
	}

	quantity, err := strconv.Atoi(c.DefaultQuery("quantity", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid quantity"})
		return
	}
	currency := models.Currency(strings.ToLower(c.DefaultQuery("currency", string(models.CurrencyVND))))

	var ownerID *int64
	if raw := c.Query("owner_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid owner ID"})
			return
		}
		ownerID = &id
	}

	resp, err := h.checkout.Quote(c.Request.Context(), productID, quantity, currency, ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// purchase handles a purchase paid from the wallet balance
func (h *Handler) purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.checkout.PurchaseWithBalance(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) createDirectOrder(c *gin.Context) {
	var req service.DirectOrderRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.checkout.CreateDirectOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) createDeposit(c *gin.Context) {
	var req service.DepositRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.checkout.CreateDeposit(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) getIntent(c *gin.Context) {
	intentID, ok := parseID(c, "id")
	if !ok {
		return
	}

	intent, err := h.checkout.GetIntent(c.Request.Context(), intentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *Handler) cancelIntent(c *gin.Context) {
	intentID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.checkout.CancelIntent(c.Request.Context(), intentID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"intent_id": intentID, "status": models.IntentStatusCancelled})
}

func (h *Handler) getWallet(c *gin.Context) {
	ownerID, ok := parseID(c, "owner_id")
	if !ok {
		return
	}

	wallet, err := h.wallets.Balance(c.Request.Context(), ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// listSales is the owner's order history
func (h *Handler) listSales(c *gin.Context) {
	ownerID, ok := parseID(c, "owner_id")
	if !ok {
		return
	}

	sales, err := h.wallets.Sales(c.Request.Context(), ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if sales == nil {
		sales = []models.Sale{}
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": ownerID, "count": len(sales), "sales": sales})
}

func (h *Handler) listIntents(c *gin.Context) {
	ownerID, ok := parseID(c, "owner_id")
	if !ok {
		return
	}

	intents, err := h.wallets.Intents(c.Request.Context(), ownerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if intents == nil {
		intents = []models.PaymentIntent{}
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": ownerID, "count": len(intents), "intents": intents})
}

func (h *Handler) lookupTransaction(c *gin.Context) {
	entry, err := h.checkout.LookupTransaction(c.Request.Context(), c.Param("tx_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// CreditRequest is an operator top-up, e.g. a manually verified crypto transfer
type CreditRequest struct {
	Currency models.Currency `json:"currency" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
}

func (h *Handler) creditWallet(c *gin.Context) {
	ownerID, ok := parseID(c, "owner_id")
	if !ok {
		return
	}

	var req CreditRequest
	if !bindJSON(c, &req) {
		return
	}

	wallet, err := h.wallets.Credit(c.Request.Context(), ownerID, models.Currency(strings.ToLower(string(req.Currency))), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// restock takes one stock unit per line of the request body
func (h *Handler) restock(c *gin.Context) {
	productID, ok := parseID(c, "id")
	if !ok {
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	added, err := h.inventory.Restock(c.Request.Context(), productID, string(body))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product_id": productID, "added": added})
}

func (h *Handler) exportStock(c *gin.Context) {
	productID, ok := parseID(c, "id")
	if !ok {
		return
	}

	items, err := h.inventory.Export(c.Request.Context(), productID, c.Query("include_sold") == "true")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "count": len(items), "items": items})
}

func (h *Handler) purgeStock(c *gin.Context) {
	productID, ok := parseID(c, "id")
	if !ok {
		return
	}

	n, err := h.inventory.Purge(c.Request.Context(), productID, c.Query("include_sold") == "true")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product_id": productID, "deleted": n})
}

// requireAdmin checks the operator bearer token
func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}
		c.Next()
	}
}

// writeError maps domain errors onto HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrProductNotFound),
		errors.Is(err, models.ErrIntentNotFound),
		errors.Is(err, models.ErrTransactionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrIntentAlreadyTerminal),
		errors.Is(err, models.ErrRequestInProgress):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidCurrency):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGatewayUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + strings.ReplaceAll(param, "_", " ")})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
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
