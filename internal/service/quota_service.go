package service

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/model/dto"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
	"github.com/qs3c/persona_go_server/internal/repository"
)

const dayLayout = "2006-01-02"

// 未配置时的默认每日上限
var defaultTierLimits = map[string]int{
	model.TierStandard: 10,
	model.TierElevated: 100,
}

// QuotaDecision 一次对话的配额判定结果
type QuotaDecision struct {
	Allowed        bool
	ConsumesCredit bool
	Reason         string
	Limit          int
	Used           int
}

// 计费路径
const (
	commitPathCredit = "credit"
	commitPathDaily  = "daily"
)

type QuotaService struct {
	accountRepo *repository.AccountRepository
	usageRepo   *repository.UsageLogRepository
	cfg         *config.Config
	logger      logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewQuotaService(
	accountRepo *repository.AccountRepository,
	usageRepo *repository.UsageLogRepository,
	cfg *config.Config,
	logger logging.Logger,
	m *metrics.Metrics,
) *QuotaService {
	return &QuotaService{
		accountRepo: accountRepo,
		usageRepo:   usageRepo,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// CheckAndReserve 判定本次对话是否可以进行，跨日重置会立即落库
func (s *QuotaService) CheckAndReserve(ctx context.Context, accountID int64) (*QuotaDecision, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	today := s.today()
	if account.LastConversationDay < today {
		if _, err := s.accountRepo.ResetDayIfStale(ctx, accountID, today); err != nil {
			return nil, err
		}
		// 并发请求可能已经先一步重置，重新读取当前值
		account, err = s.loadAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
	}

	limit := s.tierLimit(account.SubscriptionTier)
	decision := &QuotaDecision{
		Limit: limit,
		Used:  account.DailyConversationCount,
	}

	switch {
	case account.CreditBalance > 0:
		decision.Allowed = true
		decision.ConsumesCredit = true
	case account.DailyConversationCount < limit:
		decision.Allowed = true
	default:
		decision.Reason = QuotaDenyReasonDailyLimit
	}

	return decision, nil
}

// Commit 对话成功后记账，每条路径都是单条带条件的 UPDATE
func (s *QuotaService) Commit(ctx context.Context, accountID int64, decision *QuotaDecision) error {
	if decision == nil || !decision.Allowed {
		return ErrQuotaExceeded
	}

	// 预留和提交之间可能跨日
	if _, err := s.accountRepo.ResetDayIfStale(ctx, accountID, s.today()); err != nil {
		return err
	}

	if decision.ConsumesCredit {
		ok, err := s.accountRepo.ConsumeCredit(ctx, accountID)
		if err != nil {
			s.observeCommit(commitPathCredit, "error")
			return err
		}
		if ok {
			s.observeCommit(commitPathCredit, "ok")
			s.recordUsage(ctx, accountID, true)
			return nil
		}
		// 券被并发请求用掉了，退回到当日次数
		s.observeCommit(commitPathCredit, "fallthrough")
	}

	limit := decision.Limit
	if limit <= 0 {
		limit = s.tierLimit(model.TierStandard)
	}

	ok, err := s.accountRepo.IncrementDaily(ctx, accountID, limit)
	if err != nil {
		s.observeCommit(commitPathDaily, "error")
		return err
	}
	if ok {
		s.observeCommit(commitPathDaily, "ok")
		s.recordUsage(ctx, accountID, false)
		return nil
	}

	exists, err := s.accountRepo.Exists(ctx, accountID)
	if err != nil {
		return err
	}
	if !exists {
		s.observeCommit(commitPathDaily, "missing")
		return ErrAccountNotFound
	}

	s.observeCommit(commitPathDaily, "exceeded")
	return &QuotaExceededError{Reason: QuotaDenyReasonDailyLimit, Limit: limit, Used: limit}
}

// GetQuotaInfo 获取账号配额信息，只读，不触发重置
func (s *QuotaService) GetQuotaInfo(ctx context.Context, accountID int64) (*dto.QuotaInfo, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	used := account.DailyConversationCount
	if account.LastConversationDay < s.today() {
		used = 0
	}

	limit := s.tierLimit(account.SubscriptionTier)
	remain := limit - used
	if remain < 0 {
		remain = 0
	}

	return &dto.QuotaInfo{
		Tier:          s.normalizeTier(account.SubscriptionTier),
		DailyLimit:    limit,
		DailyUsed:     used,
		DailyRemain:   remain,
		CreditBalance: account.CreditBalance,
		ResetAt:       s.nextReset().Format(time.RFC3339),
		Upgrade:       s.UpgradeHint(account.SubscriptionTier),
	}, nil
}

// UpgradeHint 标准会员返回升级后的上限，已是最高等级返回 nil
func (s *QuotaService) UpgradeHint(tier string) *dto.UpgradeHint {
	if s.normalizeTier(tier) != model.TierStandard {
		return nil
	}
	return &dto.UpgradeHint{
		Tier:       model.TierElevated,
		DailyLimit: s.tierLimit(model.TierElevated),
	}
}

func (s *QuotaService) tierLimit(tier string) int {
	tier = s.normalizeTier(tier)
	if s.cfg != nil {
		if level, ok := s.cfg.Subscription.Levels[tier]; ok && level.DailyConversations > 0 {
			return level.DailyConversations
		}
	}
	return defaultTierLimits[tier]
}

func (s *QuotaService) normalizeTier(tier string) string {
	if _, ok := defaultTierLimits[tier]; ok {
		return tier
	}
	if s.cfg != nil {
		if _, ok := s.cfg.Subscription.Levels[tier]; ok {
			return tier
		}
	}
	return model.TierStandard
}

func (s *QuotaService) location() *time.Location {
	if s.cfg == nil {
		return config.LedgerConfig{}.Location()
	}
	return s.cfg.Ledger.Location()
}

func (s *QuotaService) today() string {
	return s.now().In(s.location()).Format(dayLayout)
}

func (s *QuotaService) nextReset() time.Time {
	now := s.now().In(s.location())
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

func (s *QuotaService) loadAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (s *QuotaService) recordUsage(ctx context.Context, accountID int64, consumedCredit bool) {
	if s.usageRepo == nil {
		return
	}
	err := s.usageRepo.Create(ctx, &model.UsageLog{
		AccountID:      accountID,
		Action:         model.UsageActionConversation,
		ConsumedCredit: consumedCredit,
	})
	if err != nil && s.logger != nil {
		s.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"error":      err,
		}).Warn("failed to write usage log")
	}
}

func (s *QuotaService) observeCommit(path, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QuotaCommits.WithLabelValues(path, result).Inc()
}
