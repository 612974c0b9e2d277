package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/persona_go_server/internal/api/middleware"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/pkg/response"
	"github.com/qs3c/persona_go_server/internal/service"
)

const (
	webhookSourceStripe = "stripe"

	stripeSignatureHeader = "Stripe-Signature"
	maxStripeBodyBytes    = 64 << 10
)

type BillingHandler struct {
	creditService *service.CreditService
	logger        logging.Logger
	metrics       *metrics.Metrics
}

func NewBillingHandler(creditService *service.CreditService, logger logging.Logger, m *metrics.Metrics) *BillingHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &BillingHandler{
		creditService: creditService,
		logger:        logger,
		metrics:       m,
	}
}

// Webhook Stripe 回调
// POST /api/v1/billing/webhook
// 签名错误返回 400；无法重试成功的数据问题返回 200 确认；其余返回 500 让 Stripe 重投
func (h *BillingHandler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripeBodyBytes))
	if err != nil {
		h.observe("read_error")
		c.JSON(http.StatusServiceUnavailable, gin.H{"received": false})
		return
	}

	result, err := h.creditService.HandleWebhook(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidWebhookSignature):
			h.observe("bad_signature")
			c.JSON(http.StatusBadRequest, gin.H{"received": false})
		case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrInvalidCreditMetadata):
			h.logger.WithField("error", err.Error()).Warn("credit grant skipped")
			h.observe("rejected")
			c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		default:
			h.logger.WithField("error", err.Error()).Error("stripe webhook failed")
			h.observe("error")
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		}
		return
	}

	switch {
	case result.Granted:
		h.observe("granted")
	case result.Handled:
		h.observe("duplicate")
	default:
		h.observe("ignored")
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "handled": result.Handled})
}

// Purchases 当前账号的购券记录
// GET /api/v1/user/credits
func (h *BillingHandler) Purchases(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	purchases, err := h.creditService.ListPurchases(c.Request.Context(), accountID)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, gin.H{"purchases": purchases})
}

func (h *BillingHandler) observe(result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.WebhookEvents.WithLabelValues(webhookSourceStripe, result).Inc()
}
