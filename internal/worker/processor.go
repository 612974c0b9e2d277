package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/pkg/queue"
	"github.com/qs3c/persona_go_server/internal/repository"
	"github.com/qs3c/persona_go_server/internal/service"
)

// TurnHandler 对话流水线
type TurnHandler interface {
	HandleTurn(ctx context.Context, req service.TurnRequest) (*service.TurnResult, error)
}

// Replier LINE 回复
type Replier interface {
	Reply(ctx context.Context, accessToken, replyToken string, texts ...string) error
}

// 单条事件的处理上限，超过后 replyToken 大概率已失效
const defaultTurnTimeout = 60 * time.Second

// 回复单独计时，流水线耗尽期限后仍能送出忙碌提示
const defaultReplyTimeout = 10 * time.Second

// TurnProcessor 消费 LINE 事件队列
type TurnProcessor struct {
	turns       TurnHandler
	personaRepo *repository.PersonaRepository
	replier     Replier
	cfg         *config.Config
	logger      logging.Logger
	metrics      *metrics.Metrics
	turnTimeout  time.Duration
	replyTimeout time.Duration
}

// NewTurnProcessor 创建事件处理器
func NewTurnProcessor(
	turns TurnHandler,
	personaRepo *repository.PersonaRepository,
	replier Replier,
	cfg *config.Config,
	logger logging.Logger,
	m *metrics.Metrics,
) *TurnProcessor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TurnProcessor{
		turns:        turns,
		personaRepo:  personaRepo,
		replier:      replier,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		turnTimeout:  defaultTurnTimeout,
		replyTimeout: defaultReplyTimeout,
	}
}

// Process 处理一条事件：跑对话流水线，再用 replyToken 回复
func (p *TurnProcessor) Process(ctx context.Context, msg *queue.TurnMessage) error {
	turnCtx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()

	log := p.logger.WithFields(logging.Fields{
		"event_id":   msg.EventID,
		"persona_id": msg.PersonaID,
	})

	result, err := p.turns.HandleTurn(turnCtx, service.TurnRequest{
		PersonaID:      msg.PersonaID,
		Text:           msg.Text,
		Channel:        model.SourceLine,
		ExternalUserID: msg.ExternalUserID,
	})

	var reply string
	switch {
	case err == nil:
		reply = result.Reply
	case errors.Is(err, service.ErrGenerationUnavailable):
		reply = p.busyMessage()
	case errors.Is(err, service.ErrQuotaExceeded):
		reply = p.quotaMessage()
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrAccountNotFound):
		// 人格在入队后被停用，不回复
		log.WithField("error", err.Error()).Warn("persona unavailable, event dropped")
		return nil
	default:
		log.WithField("error", err.Error()).Error("turn failed")
		reply = p.busyMessage()
	}

	replyCtx, cancelReply := context.WithTimeout(context.WithoutCancel(ctx), p.replyTimeout)
	defer cancelReply()

	persona, perr := p.personaRepo.GetByID(replyCtx, msg.PersonaID)
	if perr != nil {
		return fmt.Errorf("load persona for reply: %w", perr)
	}

	if err := p.replier.Reply(replyCtx, persona.LineChannelAccessToken, msg.ReplyToken, reply); err != nil {
		p.observeReply("error")
		log.WithField("error", err.Error()).Error("line reply failed")
		return err
	}

	p.observeReply("ok")
	return nil
}

// ProcessBatch 并发处理一批事件，单条失败不影响其他
func (p *TurnProcessor) ProcessBatch(ctx context.Context, msgs []*queue.TurnMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())

	var failed atomic.Int32
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			if err := p.Process(gctx, msg); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d events failed", n, len(msgs))
	}
	return nil
}

func (p *TurnProcessor) concurrency() int {
	if p.cfg != nil && p.cfg.Queue.BatchSize > 0 {
		return p.cfg.Queue.BatchSize
	}
	return 4
}

func (p *TurnProcessor) busyMessage() string {
	if p.cfg != nil && p.cfg.Line.BusyMessage != "" {
		return p.cfg.Line.BusyMessage
	}
	return config.DefaultLineBusyMessage
}

func (p *TurnProcessor) quotaMessage() string {
	if p.cfg != nil && p.cfg.Line.QuotaMessage != "" {
		return p.cfg.Line.QuotaMessage
	}
	return config.DefaultLineQuotaMessage
}

func (p *TurnProcessor) observeReply(status string) {
	if p.metrics == nil {
		return
	}
	p.metrics.LineReplies.WithLabelValues(status).Inc()
}
