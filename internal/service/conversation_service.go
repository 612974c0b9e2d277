package service

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/model/dto"
	"github.com/qs3c/persona_go_server/internal/pkg/llm"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/pkg/moderation"
	"github.com/qs3c/persona_go_server/internal/pkg/pubsub"
	"github.com/qs3c/persona_go_server/internal/repository"
)

// Generator 生成回复，llm.Chain 实现了它
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error)
}

// EventPublisher 对话事件发布
type EventPublisher interface {
	PublishConversation(ctx context.Context, evt *pubsub.ConversationEvent) error
}

// TurnRequest 一轮对话的输入
type TurnRequest struct {
	PersonaID      string
	AccountID      int64 // 网页端为调用者；LINE 端忽略，按人格所有者计费
	Text           string
	Channel        string
	ExternalUserID string
}

// TurnResult 一轮对话的结果，策略拒绝不算错误
type TurnResult struct {
	Reply          string
	WasRefused     bool
	ConversationID int64
}

// 对话结果，用于指标
const (
	outcomeCompleted     = "completed"
	outcomeRefusedInput  = "refused_input"
	outcomeRefusedOutput = "refused_output"
	outcomeQuotaDenied   = "quota_denied"
	outcomeNotFound      = "not_found"
	outcomeUnavailable   = "unavailable"
)

type ConversationService struct {
	personaRepo      *repository.PersonaRepository
	conversationRepo *repository.ConversationRepository
	quotaService     *QuotaService
	generator        Generator
	filter           *moderation.Filter
	publisher        EventPublisher
	cfg              *config.Config
	logger           logging.Logger
	metrics          *metrics.Metrics
}

func NewConversationService(
	personaRepo *repository.PersonaRepository,
	conversationRepo *repository.ConversationRepository,
	quotaService *QuotaService,
	generator Generator,
	filter *moderation.Filter,
	publisher EventPublisher,
	cfg *config.Config,
	logger logging.Logger,
	m *metrics.Metrics,
) *ConversationService {
	if filter == nil {
		filter = moderation.NewFilter()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ConversationService{
		personaRepo:      personaRepo,
		conversationRepo: conversationRepo,
		quotaService:     quotaService,
		generator:        generator,
		filter:           filter,
		publisher:        publisher,
		cfg:              cfg,
		logger:           logger,
		metrics:          m,
	}
}

// HandleTurn 处理一轮对话：归属校验 → 配额 → 输入审核 → 生成 → 输出审核 → 落库 → 记账
func (s *ConversationService) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	channel := req.Channel
	if channel == "" {
		channel = model.SourceWeb
	}

	persona, err := s.resolvePersona(ctx, req.PersonaID, req.AccountID, channel)
	if err != nil {
		s.observeTurn(channel, outcomeNotFound)
		return nil, err
	}
	ownerID := persona.AccountID

	decision, err := s.quotaService.CheckAndReserve(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			s.observeTurn(channel, outcomeNotFound)
		}
		return nil, err
	}
	if !decision.Allowed {
		s.observeTurn(channel, outcomeQuotaDenied)
		return nil, &QuotaExceededError{
			Reason: decision.Reason,
			Limit:  decision.Limit,
			Used:   decision.Used,
		}
	}

	filter := s.filterFor(persona)
	log := s.logger.WithFields(logging.Fields{
		"persona_id": persona.ID,
		"account_id": ownerID,
		"channel":    channel,
	})

	if res := filter.Classify(req.Text); res.Flagged {
		log.WithField("term", res.Term).Info("input flagged by content policy")
		convID := s.persist(ctx, persona, req, channel, moderation.SafeRefusalMessage, true)
		s.observeTurn(channel, outcomeRefusedInput)
		return &TurnResult{Reply: moderation.SafeRefusalMessage, WasRefused: true, ConversationID: convID}, nil
	}

	reply, err := s.generator.Generate(ctx, persona.SystemPrompt, req.Text, s.maxTokens())
	if err != nil {
		log.WithField("error", err.Error()).Error("generation unavailable")
		s.observeTurn(channel, outcomeUnavailable)
		return nil, ErrGenerationUnavailable
	}

	if res := filter.Classify(reply); res.Flagged {
		log.WithField("term", res.Term).Info("output flagged by content policy")
		convID := s.persist(ctx, persona, req, channel, moderation.SafeRefusalMessage, true)
		s.observeTurn(channel, outcomeRefusedOutput)
		return &TurnResult{Reply: moderation.SafeRefusalMessage, WasRefused: true, ConversationID: convID}, nil
	}

	convID := s.persist(ctx, persona, req, channel, reply, false)

	if err := s.quotaService.Commit(ctx, ownerID, decision); err != nil {
		fields := logging.Fields{"error": err.Error(), "cause": ErrPersistenceFailure.Error()}
		if errors.Is(err, ErrQuotaExceeded) {
			log.WithFields(fields).Warn("quota ceiling reached by concurrent turn, reply still returned")
		} else {
			log.WithFields(fields).Error("quota commit failed after reply")
		}
		s.observeFailure("commit")
	}

	s.observeTurn(channel, outcomeCompleted)
	return &TurnResult{Reply: reply, ConversationID: convID}, nil
}

// ListConversations 人格所有者查看对话历史
func (s *ConversationService) ListConversations(ctx context.Context, accountID int64, personaID string, page, pageSize int) ([]*dto.ConversationItem, int64, error) {
	if _, err := s.personaRepo.GetOwned(ctx, personaID, accountID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	convs, total, err := s.conversationRepo.ListByPersona(ctx, personaID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	items := make([]*dto.ConversationItem, len(convs))
	for i, c := range convs {
		items[i] = &dto.ConversationItem{
			ID:             c.ID,
			Source:         c.Source,
			ExternalUserID: c.ExternalUserID,
			UserMessage:    c.UserMessage,
			AIReply:        c.AIReply,
			IsNGDetected:   c.IsNGDetected,
			Rating:         c.Rating,
			CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		}
	}

	return items, total, nil
}

// UpdateRating 人格所有者给对话评分
func (s *ConversationService) UpdateRating(ctx context.Context, accountID, conversationID int64, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}

	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return err
	}

	persona, err := s.personaRepo.GetByID(ctx, conv.PersonaID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if persona.AccountID != accountID {
		return ErrConversationPermission
	}

	return s.conversationRepo.UpdateRating(ctx, conversationID, rating)
}

func (s *ConversationService) resolvePersona(ctx context.Context, personaID string, accountID int64, channel string) (*model.Persona, error) {
	var (
		persona *model.Persona
		err     error
	)
	if channel == model.SourceLine {
		persona, err = s.personaRepo.GetByID(ctx, personaID)
	} else {
		persona, err = s.personaRepo.GetOwned(ctx, personaID, accountID)
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if !persona.IsActive || persona.IsSuspended {
		return nil, ErrNotFound
	}
	if channel == model.SourceLine && !persona.LineConfigured() {
		return nil, ErrNotFound
	}

	return persona, nil
}

func (s *ConversationService) filterFor(persona *model.Persona) *moderation.Filter {
	if s.cfg == nil || !s.cfg.Moderation.MergePersonaTerms || persona.ExtraTabooTopics == "" {
		return s.filter
	}
	return s.filter.WithExtraTerms(moderation.ParseExtraTerms(persona.ExtraTabooTopics)...)
}

func (s *ConversationService) maxTokens() int {
	if s.cfg != nil && s.cfg.LLM.MaxTokens > 0 {
		return s.cfg.LLM.MaxTokens
	}
	return llm.DefaultMaxTokens
}

// persist 写对话记录并发布事件，失败只记日志，返回记录 ID（失败为 0）
func (s *ConversationService) persist(ctx context.Context, persona *model.Persona, req TurnRequest, channel, reply string, ng bool) int64 {
	conv := &model.Conversation{
		PersonaID:    persona.ID,
		Source:       channel,
		UserMessage:  req.Text,
		AIReply:      reply,
		IsNGDetected: ng,
	}
	if req.ExternalUserID != "" {
		externalID := req.ExternalUserID
		conv.ExternalUserID = &externalID
	}

	if err := s.conversationRepo.Create(ctx, conv); err != nil {
		s.logger.WithFields(logging.Fields{
			"persona_id": persona.ID,
			"error":      err.Error(),
			"cause":      ErrPersistenceFailure.Error(),
		}).Error("failed to persist conversation")
		s.observeFailure("conversation")
		return 0
	}

	s.publish(ctx, persona, conv)
	return conv.ID
}

func (s *ConversationService) publish(ctx context.Context, persona *model.Persona, conv *model.Conversation) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishConversation(ctx, &pubsub.ConversationEvent{
		Type:           pubsub.EventConversationCreated,
		AccountID:      persona.AccountID,
		PersonaID:      persona.ID,
		ConversationID: conv.ID,
		Source:         conv.Source,
		IsNGDetected:   conv.IsNGDetected,
		Preview:        conv.UserMessage,
		CreatedAt:      conv.CreatedAt,
	})
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		}).Warn("failed to publish conversation event")
	}
}

func (s *ConversationService) observeTurn(channel, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Turns.WithLabelValues(channel, outcome).Inc()
}

func (s *ConversationService) observeFailure(stage string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PersistenceFailures.WithLabelValues(stage).Inc()
}
