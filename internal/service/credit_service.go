package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/model/dto"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/repository"
)

var (
	ErrInvalidWebhookSignature = errors.New("webhook 签名校验失败")
	ErrInvalidCreditMetadata   = errors.New("购券元数据无效")
)

const (
	eventCheckoutSessionCompleted = "checkout.session.completed"

	metadataAccountID   = "account_id"
	metadataCredits     = "credits"
	metadataProductName = "product_name"

	defaultProductName = "チケット"
)

// CreditService 处理 Stripe 购券回调
type CreditService struct {
	purchaseRepo *repository.CreditPurchaseRepository
	cfg          *config.Config
	logger       logging.Logger
}

func NewCreditService(purchaseRepo *repository.CreditPurchaseRepository, cfg *config.Config, logger logging.Logger) *CreditService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CreditService{
		purchaseRepo: purchaseRepo,
		cfg:          cfg,
		logger:       logger,
	}
}

// HandleWebhook 校验签名并处理事件，与购券无关的事件直接忽略
func (s *CreditService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*dto.CreditGrantResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.Billing.StripeWebhookSecret,
		webhook.ConstructEventOptions{Tolerance: webhook.DefaultTolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.WithField("error", err.Error()).Warn("stripe webhook signature verification failed")
		return nil, ErrInvalidWebhookSignature
	}

	result := &dto.CreditGrantResult{Event: string(event.Type)}
	if string(event.Type) != eventCheckoutSessionCompleted {
		return result, nil
	}

	var sess stripe.CheckoutSession
	if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	// 订阅类的 checkout 不在这里处理
	if sess.Subscription != nil && sess.Subscription.ID != "" {
		return result, nil
	}
	if sess.Metadata[metadataAccountID] == "" || sess.Metadata[metadataCredits] == "" {
		return result, nil
	}

	granted, err := s.GrantFromSession(ctx, &sess)
	if err != nil {
		return nil, err
	}

	result.Handled = true
	result.Granted = granted
	return result, nil
}

// GrantFromSession 按 session 发券，同一个 session 只发一次
func (s *CreditService) GrantFromSession(ctx context.Context, sess *stripe.CheckoutSession) (bool, error) {
	accountID, err := strconv.ParseInt(sess.Metadata[metadataAccountID], 10, 64)
	if err != nil || accountID <= 0 {
		return false, ErrInvalidCreditMetadata
	}
	credits, err := strconv.Atoi(sess.Metadata[metadataCredits])
	if err != nil || credits <= 0 {
		return false, ErrInvalidCreditMetadata
	}

	productName := sess.Metadata[metadataProductName]
	if productName == "" {
		productName = defaultProductName
	}

	granted, err := s.purchaseRepo.Grant(ctx, &model.CreditPurchase{
		AccountID:      accountID,
		CreditsGranted: credits,
		AmountPaid:     sess.AmountTotal,
		Currency:       string(sess.Currency),
		ExternalID:     sess.ID,
		ProductName:    productName,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrAccountNotFound
		}
		return false, err
	}

	fields := logging.Fields{
		"account_id": accountID,
		"credits":    credits,
		"session_id": sess.ID,
	}
	if granted {
		s.logger.WithFields(fields).Info("credits granted")
	} else {
		s.logger.WithFields(fields).Info("duplicate checkout session ignored")
	}

	return granted, nil
}

// ListPurchases 账号的购券记录
func (s *CreditService) ListPurchases(ctx context.Context, accountID int64) ([]model.CreditPurchase, error) {
	return s.purchaseRepo.ListByAccount(ctx, accountID)
}
