package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"commerce-service/internal/apperror"
	"commerce-service/internal/auth"
	"commerce-service/internal/models"
	"commerce-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrderAPI is the order service as seen by HTTP handlers.
type OrderAPI interface {
	CreateOrder(ctx context.Context, caller auth.Identity, req *service.CreateOrderRequest, idempotencyKey string) (*models.Order, error)
	ListOrders(ctx context.Context, caller auth.Identity, page models.Page) (*service.OrderPage, error)
	GetOrder(ctx context.Context, caller auth.Identity, orderID int64) (*models.Order, error)
	GetTracking(ctx context.Context, caller auth.Identity, orderID int64) (*service.Tracking, error)
	UpdateStatus(ctx context.Context, caller auth.Identity, orderID int64, req *service.UpdateStatusRequest) (*models.Order, error)
}

// PaymentAPI is the payment service as seen by HTTP handlers.
type PaymentAPI interface {
	CreatePayment(ctx context.Context, caller auth.Identity, req *service.CreatePaymentRequest, idempotencyKey string) (*models.Payment, error)
	GetPayment(ctx context.Context, caller auth.Identity, paymentID int64) (*models.Payment, error)
	GetPaymentByOrder(ctx context.Context, caller auth.Identity, orderID int64) (*models.Payment, error)
	GetReceipt(ctx context.Context, caller auth.Identity, paymentID int64) (*models.Receipt, error)
}

// WebhookAPI verifies and applies provider callbacks.
type WebhookAPI interface {
	SignatureHeader(provider string) (string, bool)
	HandleProviderEvent(ctx context.Context, provider string, payload []byte, signature string) error
}

// ReadinessCheck reports whether dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	authn    auth.Authenticator
	ready    ReadinessCheck
	orders   OrderAPI
	payments PaymentAPI
	webhooks WebhookAPI
}

// NewHandler creates a new HTTP handler
func NewHandler(authn auth.Authenticator, ready ReadinessCheck) *Handler {
	return &Handler{authn: authn, ready: ready}
}

// WithOrders mounts the order routes.
func (h *Handler) WithOrders(orders OrderAPI) *Handler {
	h.orders = orders
	return h
}

// WithPayments mounts the payment and webhook routes.
func (h *Handler) WithPayments(payments PaymentAPI, webhooks WebhookAPI) *Handler {
	h.payments = payments
	h.webhooks = webhooks
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	useJSONFieldNames()

	router.Use(gin.Recovery())
	router.Use(correlationMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if h.webhooks != nil {
		v1.POST("/payments/webhooks/:provider", h.handleWebhook)
	}

	secured := v1.Group("", auth.Middleware(h.authn, respondUnauthorized))
	if h.orders != nil {
		secured.POST("/orders", h.createOrder)
		secured.GET("/orders", h.listOrders)
		secured.GET("/orders/:id", h.getOrder)
		secured.GET("/orders/:id/tracking", h.getTracking)
		secured.PATCH("/orders/:id/status", h.updateOrderStatus)
	}
	if h.payments != nil {
		secured.POST("/payments", h.createPayment)
		secured.GET("/payments/:id", h.getPayment)
		secured.GET("/payments/:id/receipt", h.getReceipt)
		secured.GET("/payments/by-order/:orderId", h.getPaymentByOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), caller(c), &req, c.GetHeader(idempotencyHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	number, err1 := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, err2 := strconv.Atoi(c.DefaultQuery("size", "20"))
	if err1 != nil || err2 != nil {
		respondError(c, apperror.Validation("page and size must be integers"))
		return
	}
	field, desc, err := models.ParseSort(c.Query("sort"))
	if err != nil {
		respondError(c, apperror.Validation("sort must be created_at or status, optionally followed by ,asc or ,desc"))
		return
	}

	page, err := h.orders.ListOrders(c.Request.Context(), caller(c), models.Page{
		Number: number, Size: size, SortField: field, SortDesc: desc,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), caller(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getTracking(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	tracking, err := h.orders.GetTracking(c.Request.Context(), caller(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tracking)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}
	order, err := h.orders.UpdateStatus(c.Request.Context(), caller(c), orderID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	payment, err := h.payments.CreatePayment(c.Request.Context(), caller(c), &req, c.GetHeader(idempotencyHeader))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	payment, err := h.payments.GetPayment(c.Request.Context(), caller(c), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) getReceipt(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	receipt, err := h.payments.GetReceipt(c.Request.Context(), caller(c), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *Handler) getPaymentByOrder(c *gin.Context) {
	orderID, ok := pathID(c, "orderId")
	if !ok {
		return
	}
	payment, err := h.payments.GetPaymentByOrder(c.Request.Context(), caller(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// handleWebhook is public; the provider signature is the only credential.
func (h *Handler) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")
	payload, err := c.GetRawData()
	if err != nil {
		respondError(c, apperror.InvalidWebhook("Unreadable webhook body", err))
		return
	}

	var signature string
	if header, ok := h.webhooks.SignatureHeader(provider); ok {
		signature = c.GetHeader(header)
	}

	if err := h.webhooks.HandleProviderEvent(c.Request.Context(), provider, payload, signature); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func caller(c *gin.Context) auth.Identity {
	identity, _ := auth.FromContext(c)
	return identity
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, apperror.Validation("Invalid "+name).
			WithDetails(apperror.FieldError{Field: name, Message: "must be a positive integer"}))
		return 0, false
	}
	return id, true
}
