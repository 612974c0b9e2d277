package cron

import (
	"context"
	"sync"
	"time"

	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/repository"
)

const defaultRetentionDays = 30

type Service struct {
	usageRepo     *repository.UsageLogRepository
	retentionDays int
	logger        logging.Logger
	stopChan      chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

func NewService(usageRepo *repository.UsageLogRepository, retentionDays int, logger logging.Logger) *Service {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		usageRepo:     usageRepo,
		retentionDays: retentionDays,
		logger:        logger,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.runDailyRetention()
	s.logger.WithField("retention_days", s.retentionDays).Info("cron service started (usage log retention)")
}

// Stop 停止定时任务，可重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.logger.Info("cron service stopped")
	})
}

// runDailyRetention 每天 UTC 零点清理一次
func (s *Service) runDailyRetention() {
	now := s.now().UTC()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	timer := time.NewTimer(nextMidnight.Sub(now))

	for {
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunNow(context.Background()); err != nil {
				s.logger.WithField("error", err.Error()).Error("usage log retention failed")
			}
			timer.Reset(24 * time.Hour)
		}
	}
}

// Cutoff 早于该时间的使用记录会被清理
func (s *Service) Cutoff() time.Time {
	return s.now().AddDate(0, 0, -s.retentionDays)
}

// RunNow 立即执行一次清理，返回删除条数
func (s *Service) RunNow(ctx context.Context) (int64, error) {
	if s.usageRepo == nil {
		return 0, nil
	}

	cutoff := s.Cutoff()
	deleted, err := s.usageRepo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(logging.Fields{
		"cutoff":  cutoff.Format(time.RFC3339),
		"deleted": deleted,
	}).Info("usage log retention completed")
	return deleted, nil
}
