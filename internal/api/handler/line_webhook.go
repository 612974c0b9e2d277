package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/pkg/line"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/pkg/queue"
	"github.com/qs3c/persona_go_server/internal/repository"
)

const (
	webhookSourceLine = "line"

	// LINE 单次推送的请求体上限远小于此值
	maxLineBodyBytes = 1 << 20
)

// LineWebhookHandler 接收 LINE 推送，校验后入队，由 worker 异步回复
type LineWebhookHandler struct {
	personaRepo *repository.PersonaRepository
	queue       *queue.Queue
	deduper     *queue.Deduper
	cfg         *config.Config
	logger      logging.Logger
	metrics     *metrics.Metrics
}

func NewLineWebhookHandler(
	personaRepo *repository.PersonaRepository,
	q *queue.Queue,
	deduper *queue.Deduper,
	cfg *config.Config,
	logger logging.Logger,
	m *metrics.Metrics,
) *LineWebhookHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LineWebhookHandler{
		personaRepo: personaRepo,
		queue:       q,
		deduper:     deduper,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
	}
}

// Handle LINE webhook
// POST /api/v1/line/webhook/:persona_id
// 平台只看状态码，任何情况都返回 200，避免重投风暴
func (h *LineWebhookHandler) Handle(c *gin.Context) {
	personaID := c.Param("persona_id")
	log := h.logger.WithField("persona_id", personaID)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLineBodyBytes))
	if err != nil {
		log.WithField("error", err.Error()).Warn("failed to read line webhook body")
		h.reject(c, "read_error")
		return
	}

	persona, err := h.personaRepo.GetByID(c.Request.Context(), personaID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("line webhook for unknown persona")
			h.reject(c, "unknown_persona")
			return
		}
		log.WithField("error", err.Error()).Error("failed to load persona")
		h.reject(c, "error")
		return
	}

	if !persona.LineConfigured() {
		log.Warn("line webhook for persona without line config")
		h.reject(c, "not_configured")
		return
	}

	if !line.VerifySignature(persona.LineChannelSecret, body, c.GetHeader(line.SignatureHeader)) {
		log.Warn("line webhook signature mismatch")
		h.reject(c, "bad_signature")
		return
	}

	req, err := line.ParseWebhook(body)
	if err != nil {
		log.WithField("error", err.Error()).Warn("invalid line webhook payload")
		h.reject(c, "bad_payload")
		return
	}

	for i := range req.Events {
		h.enqueue(c, personaID, &req.Events[i], log)
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *LineWebhookHandler) enqueue(c *gin.Context, personaID string, evt *line.Event, log logging.Entry) {
	if !evt.IsTextMessage() {
		h.observe("ignored")
		return
	}

	ctx := c.Request.Context()
	log = log.WithField("event_id", evt.WebhookEventID)

	first, err := h.deduper.FirstSeen(ctx, evt.WebhookEventID, h.dedupeTTL())
	if err != nil {
		// 去重不可用时仍然入队，重复回复好过丢消息
		log.WithField("error", err.Error()).Warn("event dedupe unavailable")
		first = true
	}
	if !first {
		log.Info("duplicate line event skipped")
		h.observe("duplicate")
		return
	}

	msg := &queue.TurnMessage{
		EventID:        evt.WebhookEventID,
		PersonaID:      personaID,
		ReplyToken:     evt.ReplyToken,
		ExternalUserID: evt.Source.UserID,
		Text:           evt.Message.Text,
		Timestamp:      evt.Timestamp,
		Redelivery:     evt.DeliveryContext.IsRedelivery,
	}
	if err := h.queue.Push(ctx, msg); err != nil {
		log.WithField("error", err.Error()).Error("failed to enqueue line event")
		if ferr := h.deduper.Forget(ctx, evt.WebhookEventID); ferr != nil {
			log.WithField("error", ferr.Error()).Warn("failed to release dedupe key")
		}
		h.observe("enqueue_failed")
		return
	}

	h.observe("queued")
}

func (h *LineWebhookHandler) reject(c *gin.Context, result string) {
	h.observe(result)
	c.JSON(http.StatusOK, gin.H{"success": false})
}

func (h *LineWebhookHandler) dedupeTTL() time.Duration {
	if h.cfg != nil && h.cfg.Line.DedupeTTL > 0 {
		return h.cfg.Line.DedupeTTL
	}
	return 24 * time.Hour
}

func (h *LineWebhookHandler) observe(result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.WebhookEvents.WithLabelValues(webhookSourceLine, result).Inc()
}
